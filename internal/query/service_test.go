package query

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"muninn/internal/store"
)

func newQueryTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewLocalStore(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return s
}

func TestQueryValidation(t *testing.T) {
	q := NewService(newQueryTestStore(t), nil, nil)
	ctx := context.Background()

	if _, err := q.Query(ctx, 1, "  ", ModeAuto); err == nil {
		t.Error("Blank query accepted")
	}
	if _, err := q.Query(ctx, 1, "text", "telepathy"); err == nil {
		t.Error("Unknown mode accepted")
	}
	// Vector mode without a provider is a user error, not a silent fallback.
	if _, err := q.Query(ctx, 1, "text", ModeVector); err == nil {
		t.Error("Vector mode without provider accepted")
	}
}

func TestQueryFTS(t *testing.T) {
	s := newQueryTestStore(t)
	ctx := context.Background()

	if _, err := s.Run(ctx,
		`INSERT INTO learnings (project_id, title, content, confidence)
		 VALUES (1, 'Retry with backoff', 'The flaky upstream needs exponential backoff', 2.0)`); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	q := NewService(s, nil, nil)
	snippets, err := q.Query(ctx, 1, "exponential backoff", ModeFTS)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(snippets) != 1 || snippets[0].Type != "learning" {
		t.Fatalf("Snippets = %+v", snippets)
	}
	if snippets[0].Title != "Retry with backoff" {
		t.Errorf("Title = %q", snippets[0].Title)
	}
}

func TestCheckWarnings(t *testing.T) {
	s := newQueryTestStore(t)
	ctx := context.Background()

	if _, err := s.Run(ctx,
		`INSERT INTO files (project_id, path, fragility, fragility_reason, temperature)
		 VALUES (1, 'src/core.ts', 8.5, 'three reverts in a month', 'hot')`); err != nil {
		t.Fatalf("File insert failed: %v", err)
	}
	if _, err := s.Run(ctx,
		`INSERT INTO files (project_id, path, temperature, updated_at)
		 VALUES (1, 'src/old.ts', 'cold', datetime('now', '-90 days'))`); err != nil {
		t.Fatalf("File insert failed: %v", err)
	}
	if _, err := s.Run(ctx,
		`INSERT INTO issues (project_id, title, severity, status, affected_files)
		 VALUES (1, 'Race in startup', 9, 'open', '["src/core.ts"]')`); err != nil {
		t.Fatalf("Issue insert failed: %v", err)
	}
	if _, err := s.Run(ctx,
		`INSERT INTO decisions (project_id, title, decision, affects, superseded_by)
		 VALUES (1, 'Old locking scheme', 'use mutex', '["src/core.ts"]', 2)`); err != nil {
		t.Fatalf("Decision insert failed: %v", err)
	}

	q := NewService(s, nil, nil)
	warnings, err := q.Check(ctx, 1, []string{"src/core.ts", "src/old.ts", "src/unknown.ts"})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}

	kinds := make(map[string]Warning)
	for _, w := range warnings {
		kinds[w.Kind] = w
	}
	if w := kinds["fragility"]; w.Severity != "high" || !strings.Contains(w.Message, "three reverts") {
		t.Errorf("Fragility warning = %+v", w)
	}
	if w := kinds["critical_issue"]; w.Severity != "high" || w.File != "src/core.ts" {
		t.Errorf("Issue warning = %+v", w)
	}
	if w := kinds["superseded_decision"]; w.Severity != "medium" {
		t.Errorf("Decision warning = %+v", w)
	}
	if w := kinds["staleness"]; w.Severity != "low" || w.File != "src/old.ts" {
		t.Errorf("Staleness warning = %+v", w)
	}
	for _, w := range warnings {
		if w.File == "src/unknown.ts" {
			t.Errorf("Unknown file produced a warning: %+v", w)
		}
	}
}

func TestSuggestSymbols(t *testing.T) {
	s := newQueryTestStore(t)
	ctx := context.Background()

	res, err := s.Run(ctx,
		"INSERT INTO files (project_id, path, purpose) VALUES (1, 'src/auth.ts', 'login and token handling')")
	if err != nil {
		t.Fatalf("File insert failed: %v", err)
	}
	if _, err := s.Run(ctx,
		"INSERT INTO symbols (file_id, name, kind) VALUES (?, 'validateLogin', 'function')",
		res.LastInsertID); err != nil {
		t.Fatalf("Symbol insert failed: %v", err)
	}

	q := NewService(s, nil, nil)
	suggestions, err := q.Suggest(ctx, 1, "fix login validation", 10, true)
	if err != nil {
		t.Fatalf("Suggest failed: %v", err)
	}

	var foundFile, foundSymbol bool
	for _, sg := range suggestions {
		if sg.Kind == "file" && sg.Name == "src/auth.ts" {
			foundFile = true
		}
		if sg.Kind == "symbol" && sg.Name == "validateLogin" {
			foundSymbol = true
			if !strings.Contains(sg.Detail, "src/auth.ts") {
				t.Errorf("Symbol detail = %q", sg.Detail)
			}
		}
	}
	if !foundFile || !foundSymbol {
		t.Errorf("Suggestions = %+v", suggestions)
	}
}

func TestNameAffinity(t *testing.T) {
	if got := nameAffinity("validatelogin", []string{"validate", "login"}); got != 1.0 {
		t.Errorf("nameAffinity = %f, want 1.0", got)
	}
	if got := nameAffinity("render", []string{"db", "io"}); got != 0 {
		t.Errorf("Short terms scored: %f", got)
	}
}

func TestEnrichKnownFiles(t *testing.T) {
	s := newQueryTestStore(t)
	ctx := context.Background()

	if _, err := s.Run(ctx,
		`INSERT INTO files (project_id, path, fragility, fragility_reason)
		 VALUES (1, 'src/core.ts', 9, 'hotspot')`); err != nil {
		t.Fatalf("File insert failed: %v", err)
	}
	if _, err := s.Run(ctx,
		`INSERT INTO file_correlations (project_id, file_a, file_b, cochange_count)
		 VALUES (1, 'src/core.ts', 'src/types.ts', 4)`); err != nil {
		t.Fatalf("Correlation insert failed: %v", err)
	}

	q := NewService(s, nil, nil)
	fragments, err := q.Enrich(ctx, 1, "edit", json.RawMessage(`{"file_path":"src/core.ts"}`))
	if err != nil {
		t.Fatalf("Enrich failed: %v", err)
	}

	joined := strings.Join(fragments, "\n")
	if !strings.Contains(joined, "Fragility") {
		t.Errorf("Fragility fragment missing: %v", fragments)
	}
	if !strings.Contains(joined, "src/types.ts") {
		t.Errorf("Co-change fragment missing: %v", fragments)
	}
}

func TestReadResourceUnknown(t *testing.T) {
	q := NewService(newQueryTestStore(t), nil, nil)
	if _, err := q.ReadResource(context.Background(), 1, "muninn://nope"); err == nil {
		t.Error("Unknown resource accepted")
	}
}

func TestReadResourceCurrentNoSession(t *testing.T) {
	q := NewService(newQueryTestStore(t), nil, nil)
	text, err := q.ReadResource(context.Background(), 1, ResourceCurrent)
	if err != nil {
		t.Fatalf("ReadResource failed: %v", err)
	}
	if text != "No active session." {
		t.Errorf("Text = %q", text)
	}
}

func TestReadResourceBriefing(t *testing.T) {
	s := newQueryTestStore(t)
	ctx := context.Background()

	if _, err := s.Run(ctx,
		"INSERT INTO learnings (project_id, title, content) VALUES (1, 't', 'c')"); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	q := NewService(s, nil, nil)
	text, err := q.ReadResource(ctx, 1, ResourceBriefing)
	if err != nil {
		t.Fatalf("ReadResource failed: %v", err)
	}
	if !strings.Contains(text, "Learnings: 1") {
		t.Errorf("Briefing = %q", text)
	}
}
