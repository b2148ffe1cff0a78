package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"muninn/internal/logging"
)

// RemoteStore speaks the same contract over HTTP JSON framing. Used when the
// database lives behind a sync service instead of on local disk.
type RemoteStore struct {
	baseURL string
	token   string
	client  *http.Client
	healthy atomic.Bool
}

// NewRemoteStore creates a remote backend for the given base URL.
func NewRemoteStore(baseURL, token string) *RemoteStore {
	s := &RemoteStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	s.healthy.Store(true)
	return s
}

type remoteRequest struct {
	SQL   string          `json:"sql,omitempty"`
	Args  []interface{}   `json:"args,omitempty"`
	Stmts []remoteStmt    `json:"stmts,omitempty"`
}

type remoteStmt struct {
	SQL  string        `json:"sql"`
	Args []interface{} `json:"args,omitempty"`
}

type remoteResponse struct {
	Rows         []Row  `json:"rows,omitempty"`
	LastInsertID int64  `json:"last_insert_id"`
	Changes      int64  `json:"changes"`
	Error        string `json:"error,omitempty"`
}

func (s *RemoteStore) post(ctx context.Context, endpoint string, req remoteRequest) (*remoteResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		s.healthy.Store(false)
		return nil, fmt.Errorf("remote store request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.healthy.Store(false)
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("remote store returned %d: %s", resp.StatusCode, truncateStmt(string(raw)))
	}

	var out remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		s.healthy.Store(false)
		return nil, fmt.Errorf("failed to decode remote response: %w", err)
	}
	if out.Error != "" {
		s.healthy.Store(false)
		return nil, fmt.Errorf("remote store error: %s", out.Error)
	}
	s.healthy.Store(true)
	return &out, nil
}

// Get returns the first matching row or nil.
func (s *RemoteStore) Get(ctx context.Context, query string, args ...interface{}) (Row, error) {
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
func (s *RemoteStore) All(ctx context.Context, query string, args ...interface{}) ([]Row, error) {
	resp, err := s.post(ctx, "/v1/all", remoteRequest{SQL: query, Args: args})
	if err != nil {
		return nil, err
	}
	return resp.Rows, nil
}

// Run executes a single write statement.
func (s *RemoteStore) Run(ctx context.Context, query string, args ...interface{}) (Result, error) {
	resp, err := s.post(ctx, "/v1/run", remoteRequest{SQL: query, Args: args})
	if err != nil {
		return Result{}, err
	}
	return Result{LastInsertID: resp.LastInsertID, Changes: resp.Changes}, nil
}

// Exec splits and runs a script statement by statement. PRAGMA statements
// are silently skipped: they are local-engine tuning and many remote
// backends reject them.
func (s *RemoteStore) Exec(ctx context.Context, script string) error {
	for _, stmt := range SplitStatements(script) {
		if !isExecutable(stmt) {
			continue
		}
		if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(stmt)), "PRAGMA") {
			logging.StoreDebug("Skipping PRAGMA on remote backend")
			continue
		}
		if _, err := s.Run(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Batch sends all statements as one transactional request.
func (s *RemoteStore) Batch(ctx context.Context, stmts []Statement) error {
	req := remoteRequest{Stmts: make([]remoteStmt, len(stmts))}
	for i, st := range stmts {
		req.Stmts[i] = remoteStmt{SQL: st.SQL, Args: st.Args}
	}
	_, err := s.post(ctx, "/v1/batch", req)
	return err
}

// Init creates the schema on the remote backend.
func (s *RemoteStore) Init(ctx context.Context) error {
	if err := s.Exec(ctx, SchemaDDL); err != nil {
		return fmt.Errorf("remote schema init failed: %w", err)
	}
	return RunMigrations(ctx, s)
}

// Close is a no-op for the HTTP backend.
func (s *RemoteStore) Close() error { return nil }

// IsHealthy reports whether the last call succeeded.
func (s *RemoteStore) IsHealthy() bool { return s.healthy.Load() }
