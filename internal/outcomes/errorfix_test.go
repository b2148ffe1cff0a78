package outcomes

import (
	"context"
	"math"
	"testing"
	"time"

	"muninn/internal/store"
)

func newOutcomesTestStore(t *testing.T) store.Store {
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

func seedSession(t *testing.T, s store.Store, startedAt time.Time) int64 {
	t.Helper()
	res, err := s.Run(context.Background(),
		"INSERT INTO sessions (project_id, session_number, started_at) VALUES (1, 1, ?)",
		startedAt.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		t.Fatalf("Session insert failed: %v", err)
	}
	return res.LastInsertID
}

func TestFixConfidence(t *testing.T) {
	cases := []struct {
		delta      time.Duration
		message    string
		files      []string
		sourceFile string
		want       float64
	}{
		{20 * time.Minute, "refactor cleanup", nil, "", 0.5},
		{2 * time.Minute, "wip", nil, "", 0.7},
		{10 * time.Minute, "wip", nil, "", 0.6},
		{2 * time.Minute, "fix: null check", []string{"a.ts"}, "a.ts", 0.95},
		{10 * time.Minute, "fix the crash", []string{"a.ts"}, "a.ts", 0.9},
		{20 * time.Minute, "prefix suffix", nil, "", 0.5},
	}
	for _, c := range cases {
		got := fixConfidence(c.delta, c.message, c.files, c.sourceFile)
		if math.Abs(got-c.want) > 1e-9 {
			t.Errorf("fixConfidence(%v, %q) = %f, want %f", c.delta, c.message, got, c.want)
		}
	}
}

func TestProcessSessionErrorsPairsWithinWindow(t *testing.T) {
	s := newOutcomesTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)
	sessionID := seedSession(t, s, base)

	if _, err := s.Run(ctx,
		`INSERT INTO error_events (project_id, session_id, error_type, error_message, error_signature, source_file, created_at)
		 VALUES (1, ?, 'runtime', 'boom', 'boom', 'src/a.ts', ?)`,
		sessionID, base.Format("2006-01-02 15:04:05")); err != nil {
		t.Fatalf("Error insert failed: %v", err)
	}

	// One commit outside the window, one inside touching the source file.
	for _, c := range []struct {
		hash string
		at   time.Time
		msg  string
	}{
		{"late", base.Add(45 * time.Minute), "fix: too late"},
		{"good", base.Add(10 * time.Minute), "fix: null guard"},
	} {
		if _, err := s.Run(ctx,
			`INSERT INTO git_commits (project_id, session_id, commit_hash, author, message, files_changed, committed_at)
			 VALUES (1, ?, ?, 'Ada', ?, '["src/a.ts"]', ?)`,
			sessionID, c.hash, c.msg, c.at.Format("2006-01-02 15:04:05")); err != nil {
			t.Fatalf("Commit insert failed: %v", err)
		}
	}

	paired, err := ProcessSessionErrors(ctx, s, 1, sessionID)
	if err != nil {
		t.Fatalf("ProcessSessionErrors failed: %v", err)
	}
	if paired != 1 {
		t.Fatalf("Paired = %d, want 1", paired)
	}

	fix, err := LookupFix(ctx, s, 1, "boom")
	if err != nil {
		t.Fatalf("LookupFix failed: %v", err)
	}
	if fix == nil || fix.FixCommitHash != "good" {
		t.Fatalf("Fix = %+v, want commit 'good'", fix)
	}
	// 0.5 base + 0.1 (under 15m) + 0.15 (fix word) + 0.15 (source touched).
	if math.Abs(fix.Confidence-0.9) > 1e-9 {
		t.Errorf("Confidence = %f, want 0.9", fix.Confidence)
	}
}

func TestUpsertFixPairBumpsConfidence(t *testing.T) {
	s := newOutcomesTestStore(t)
	ctx := context.Background()

	pair := FixPair{
		ErrorSignature: "sig",
		ErrorType:      "runtime",
		FixCommitHash:  "h1",
		FixDescription: "fix: guard",
		Confidence:     0.9,
	}
	for i := 0; i < 3; i++ {
		if err := upsertFixPair(ctx, s, 1, 0, pair, "example"); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	fix, err := LookupFix(ctx, s, 1, "sig")
	if err != nil || fix == nil {
		t.Fatalf("LookupFix failed: %v", err)
	}
	// Two bumps of 0.1 on top of 0.9, capped.
	if math.Abs(fix.Confidence-0.95) > 1e-9 {
		t.Errorf("Confidence = %f, want 0.95", fix.Confidence)
	}
	if fix.TimesSeen != 3 || fix.TimesFixed != 3 {
		t.Errorf("Counters = %d/%d, want 3/3", fix.TimesSeen, fix.TimesFixed)
	}
}

func TestLookupFixConfidenceFloor(t *testing.T) {
	s := newOutcomesTestStore(t)
	ctx := context.Background()

	if _, err := s.Run(ctx,
		`INSERT INTO error_fix_pairs (project_id, error_signature, error_type, fix_commit_hash, fix_description, fix_files, confidence)
		 VALUES (1, 'weak', 'runtime', 'h', 'maybe', '[]', 0.3)`); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	fix, err := LookupFix(ctx, s, 1, "weak")
	if err != nil {
		t.Fatalf("LookupFix failed: %v", err)
	}
	if fix != nil {
		t.Errorf("Low-confidence pair surfaced: %+v", fix)
	}
}

func TestParseTime(t *testing.T) {
	want := time.Date(2026, 8, 20, 8, 30, 0, 0, time.UTC)
	for _, in := range []string{"2026-08-20 08:30:00", "2026-08-20T08:30:00Z", "2026-08-20T10:30:00+02:00"} {
		if got := parseTime(in); !got.Equal(want) {
			t.Errorf("parseTime(%q) = %v, want %v", in, got, want)
		}
	}
	if got := parseTime("garbage"); !got.IsZero() {
		t.Errorf("parseTime(garbage) = %v, want zero", got)
	}
}
