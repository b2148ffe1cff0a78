package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3"

	"muninn/internal/logging"
)

// LocalStore is the in-process SQLite backend. One writer process per
// project; serialization happens through a single connection plus a mutex.
type LocalStore struct {
	db        *sql.DB
	mu        sync.RWMutex
	dbPath    string
	vectorExt bool
	healthy   atomic.Bool
	inited    atomic.Bool
}

// NewLocalStore opens (creating if needed) the SQLite database at path.
// Use ":memory:" for tests.
func NewLocalStore(path string) (*LocalStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewLocalStore")
	defer timer.Stop()

	logging.Store("Opening local store at %s", path)

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set journal_mode=WAL: %v", err)
	}
	// NORMAL is safe under WAL and markedly faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set synchronous=NORMAL: %v", err)
	}

	s := &LocalStore{db: db, dbPath: path}
	s.healthy.Store(true)
	s.detectVecExtension()
	if s.vectorExt {
		logging.Store("sqlite-vec extension detected and enabled")
	} else {
		logging.Get(logging.CategoryStore).Warn("sqlite-vec extension not available; vector search falls back to cosine scan")
	}
	return s, nil
}

// Init creates the schema exactly once per process. Safe to call repeatedly.
func (s *LocalStore) Init(ctx context.Context) error {
	if s.inited.Load() {
		return nil
	}
	timer := logging.StartTimer(logging.CategoryStore, "Init")
	defer timer.Stop()

	if err := s.Exec(ctx, SchemaDDL); err != nil {
		s.healthy.Store(false)
		return fmt.Errorf("schema init failed: %w", err)
	}
	if err := RunMigrations(ctx, s); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	if s.vectorExt {
		if err := s.ensureVecIndex(ctx); err != nil {
			logging.Get(logging.CategoryStore).Warn("vec index creation failed: %v", err)
		}
	}
	s.inited.Store(true)
	logging.Store("Schema initialized (version %d)", CurrentSchemaVersion)
	return nil
}

// CheckSchemaExists probes the sentinel table.
func (s *LocalStore) CheckSchemaExists(ctx context.Context) bool {
	row, err := s.Get(ctx,
		"SELECT COUNT(*) AS n FROM sqlite_master WHERE type='table' AND name=?", SentinelTable)
	if err != nil || row == nil {
		return false
	}
	return row.Int("n") > 0
}

// Get returns the first matching row or nil.
func (s *LocalStore) Get(ctx context.Context, query string, args ...interface{}) (Row, error) {
	rows, err := s.All(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// All returns every matching row.
func (s *LocalStore) All(ctx context.Context, query string, args ...interface{}) ([]Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.healthy.Store(false)
		return nil, err
	}
	defer rows.Close()

	out, err := scanRows(rows)
	s.healthy.Store(err == nil)
	return out, err
}

// Run executes a single write statement.
func (s *LocalStore) Run(ctx context.Context, query string, args ...interface{}) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		s.healthy.Store(false)
		return Result{}, err
	}
	s.healthy.Store(true)
	id, _ := res.LastInsertId()
	n, _ := res.RowsAffected()
	return Result{LastInsertID: id, Changes: n}, nil
}

// Exec splits a multi-statement script and executes each statement in order.
func (s *LocalStore) Exec(ctx context.Context, script string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, stmt := range SplitStatements(script) {
		if !isExecutable(stmt) {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			s.healthy.Store(false)
			return fmt.Errorf("exec failed at %q: %w", truncateStmt(stmt), err)
		}
	}
	s.healthy.Store(true)
	return nil
}

// Batch runs statements in a single transaction, all-or-nothing.
func (s *LocalStore) Batch(ctx context.Context, stmts []Statement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.healthy.Store(false)
		return err
	}
	for _, st := range stmts {
		if _, err := tx.ExecContext(ctx, st.SQL, st.Args...); err != nil {
			_ = tx.Rollback()
			s.healthy.Store(false)
			return fmt.Errorf("batch failed at %q: %w", truncateStmt(st.SQL), err)
		}
	}
	if err := tx.Commit(); err != nil {
		s.healthy.Store(false)
		return err
	}
	s.healthy.Store(true)
	return nil
}

// Close closes the underlying connection.
func (s *LocalStore) Close() error {
	logging.Store("Closing local store")
	return s.db.Close()
}

// IsHealthy reports whether the last store call succeeded.
func (s *LocalStore) IsHealthy() bool {
	return s.healthy.Load()
}

// HasVectorIndex reports whether the vec0 virtual table is available.
func (s *LocalStore) HasVectorIndex() bool {
	return s.vectorExt
}

// DB exposes the raw handle for migration probes.
func (s *LocalStore) DB() *sql.DB {
	return s.db
}

// detectVecExtension probes for sqlite-vec by creating a throwaway vec0 table.
func (s *LocalStore) detectVecExtension() {
	if _, err := s.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])"); err == nil {
		s.vectorExt = true
		_, _ = s.db.Exec("DROP TABLE IF EXISTS vec_probe")
		return
	}
	s.vectorExt = false
}

// ensureVecIndex creates the ANN index for memory embeddings. Dimension is
// fixed per database; switching embedding providers requires a reindex.
func (s *LocalStore) ensureVecIndex(ctx context.Context) error {
	_, err := s.Run(ctx, fmt.Sprintf(
		"CREATE VIRTUAL TABLE IF NOT EXISTS vec_memories USING vec0(embedding float[%d], memory_type TEXT, memory_id INTEGER)",
		DefaultVectorDimensions))
	return err
}

// DefaultVectorDimensions matches the default local embedding model.
const DefaultVectorDimensions = 768

func truncateStmt(stmt string) string {
	stmt = strings.TrimSpace(stmt)
	if len(stmt) > 80 {
		return stmt[:80] + "..."
	}
	return stmt
}
