package store

import (
	"context"
	"testing"
)

func newTestStore(t *testing.T) *LocalStore {
	t.Helper()
	s, err := NewLocalStore(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return s
}

func TestInitIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Re-running the full DDL against the same database must be a no-op.
	s.inited.Store(false)
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Second Init failed: %v", err)
	}
	if !s.CheckSchemaExists(ctx) {
		t.Fatal("Schema sentinel missing after init")
	}
}

func TestRowAccessors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Run(ctx,
		"INSERT INTO projects (path, name) VALUES (?, ?)", "/tmp/p", "p"); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	row, err := s.Get(ctx, "SELECT id, path, name FROM projects WHERE path = ?", "/tmp/p")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if row == nil {
		t.Fatal("Expected a row")
	}
	if row.String("path") != "/tmp/p" {
		t.Errorf("String(path) = %q", row.String("path"))
	}
	if row.Int("id") <= 0 {
		t.Errorf("Int(id) = %d", row.Int("id"))
	}
	if row.String("missing") != "" || row.Int("missing") != 0 || row.Float("missing") != 0 {
		t.Error("Missing column should yield zero values")
	}
}

func TestGetReturnsNilOnNoRows(t *testing.T) {
	s := newTestStore(t)
	row, err := s.Get(context.Background(), "SELECT id FROM projects WHERE path = ?", "/nope")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if row != nil {
		t.Fatalf("Expected nil row, got %v", row)
	}
}

func TestBatchIsAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Batch(ctx, []Statement{
		{SQL: "INSERT INTO projects (path, name) VALUES (?, ?)", Args: []interface{}{"/tmp/a", "a"}},
		{SQL: "INSERT INTO no_such_table (x) VALUES (1)"},
	})
	if err == nil {
		t.Fatal("Expected batch to fail")
	}

	row, err := s.Get(ctx, "SELECT id FROM projects WHERE path = ?", "/tmp/a")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if row != nil {
		t.Fatal("Failed batch must roll back the earlier insert")
	}
}

func TestFTSIndexesKnowledge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Run(ctx,
		"INSERT INTO learnings (project_id, title, content) VALUES (1, ?, ?)",
		"prefer parameterized queries", "string concatenation in SQL invites injection"); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	row, err := s.Get(ctx,
		"SELECT rowid FROM fts_learnings WHERE fts_learnings MATCH ?", "parameterized")
	if err != nil {
		t.Fatalf("FTS query failed: %v", err)
	}
	if row == nil {
		t.Fatal("FTS trigger did not index the new learning")
	}
}

func TestMigrationsRecordVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v := GetSchemaVersion(ctx, s)
	if v != CurrentSchemaVersion {
		t.Fatalf("Schema version = %d, want %d", v, CurrentSchemaVersion)
	}
	if !AtLeastVersion(ctx, s, 1) {
		t.Error("AtLeastVersion(1) should hold")
	}
}
