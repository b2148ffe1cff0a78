package outcomes

import (
	"context"
	"testing"
	"time"
)

func TestMatchRevert(t *testing.T) {
	cases := []struct {
		message     string
		wantPattern string
		wantHint    string
	}{
		{`Revert "fix: add null guard"`, "git_revert", "fix: add null guard"},
		{"this reverts a1b2c3d because of regressions", "hash_reference", "a1b2c3d"},
		{"Reverted deadbeef1", "hash_reference", "deadbeef1"},
		{"revert: session caching", "prefix", "session caching"},
		{"fix: add null guard", "", ""},
		{"improve revert handling docs", "", ""},
	}
	for _, c := range cases {
		pattern, hint := matchRevert(c.message)
		if pattern != c.wantPattern || hint != c.wantHint {
			t.Errorf("matchRevert(%q) = (%q, %q), want (%q, %q)",
				c.message, pattern, hint, c.wantPattern, c.wantHint)
		}
	}
}

func TestDetectRevertsAppliesImpact(t *testing.T) {
	s := newOutcomesTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-2 * time.Hour)
	sessionID := seedSession(t, s, base)

	// Original commit, a learning tied to its session, and a decision
	// touching one of its files.
	if _, err := s.Run(ctx,
		`INSERT INTO git_commits (project_id, session_id, commit_hash, message, files_changed, committed_at)
		 VALUES (1, ?, 'aaa1111', 'fix: add null guard', '["src/auth.ts"]', ?)`,
		sessionID, base.Format("2006-01-02 15:04:05")); err != nil {
		t.Fatalf("Commit insert failed: %v", err)
	}
	learnRes, err := s.Run(ctx,
		`INSERT INTO learnings (project_id, title, content, confidence) VALUES (1, 'Guard nulls', 'always', 2.0)`)
	if err != nil {
		t.Fatalf("Learning insert failed: %v", err)
	}
	if _, err := s.Run(ctx,
		`INSERT INTO relationships (source_type, source_id, target_type, target_id, relationship)
		 VALUES ('learning', ?, 'session', ?, 'derived_from')`,
		learnRes.LastInsertID, sessionID); err != nil {
		t.Fatalf("Relationship insert failed: %v", err)
	}
	if _, err := s.Run(ctx,
		`INSERT INTO decisions (project_id, title, decision, affects) VALUES (1, 'Null policy', 'guard at boundaries', '["src/auth.ts"]')`); err != nil {
		t.Fatalf("Decision insert failed: %v", err)
	}

	if _, err := s.Run(ctx,
		`INSERT INTO git_commits (project_id, commit_hash, message, files_changed, committed_at)
		 VALUES (1, 'bbb2222', 'Revert "fix: add null guard"', '["src/auth.ts"]', ?)`,
		base.Add(time.Hour).Format("2006-01-02 15:04:05")); err != nil {
		t.Fatalf("Revert commit insert failed: %v", err)
	}

	detected, err := DetectReverts(ctx, s, 1)
	if err != nil {
		t.Fatalf("DetectReverts failed: %v", err)
	}
	if detected != 1 {
		t.Fatalf("Detected = %d, want 1", detected)
	}

	event, err := s.Get(ctx,
		"SELECT original_commit_hash, pattern FROM revert_events WHERE project_id = 1 AND revert_commit_hash = 'bbb2222'")
	if err != nil || event == nil {
		t.Fatalf("Revert event missing: %v", err)
	}
	if event.String("original_commit_hash") != "aaa1111" || event.String("pattern") != "git_revert" {
		t.Errorf("Event = %v", event)
	}

	learning, _ := s.Get(ctx, "SELECT confidence FROM learnings WHERE id = ?", learnRes.LastInsertID)
	if got := learning.Float("confidence"); got < 1.39 || got > 1.41 {
		t.Errorf("Learning confidence = %f, want 1.4", got)
	}
	decision, _ := s.Get(ctx, "SELECT outcome_status FROM decisions WHERE project_id = 1")
	if decision.String("outcome_status") != "needs_review" {
		t.Errorf("Decision outcome = %q, want needs_review", decision.String("outcome_status"))
	}

	// The scan is idempotent over processed commits.
	detected, err = DetectReverts(ctx, s, 1)
	if err != nil {
		t.Fatalf("Second DetectReverts failed: %v", err)
	}
	if detected != 0 {
		t.Errorf("Second pass detected = %d, want 0", detected)
	}
}

func TestDetectRevertsHashReference(t *testing.T) {
	s := newOutcomesTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	if _, err := s.Run(ctx,
		`INSERT INTO git_commits (project_id, commit_hash, message, files_changed, committed_at)
		 VALUES (1, 'cafebabe12345', 'feat: caching layer', '["src/cache.ts"]', ?)`,
		base.Format("2006-01-02 15:04:05")); err != nil {
		t.Fatalf("Commit insert failed: %v", err)
	}
	if _, err := s.Run(ctx,
		`INSERT INTO git_commits (project_id, commit_hash, message, committed_at)
		 VALUES (1, 'ddd4444', 'reverts cafebabe due to cache stampede', ?)`,
		base.Add(30*time.Minute).Format("2006-01-02 15:04:05")); err != nil {
		t.Fatalf("Revert insert failed: %v", err)
	}

	if _, err := DetectReverts(ctx, s, 1); err != nil {
		t.Fatalf("DetectReverts failed: %v", err)
	}
	event, err := s.Get(ctx,
		"SELECT original_commit_hash FROM revert_events WHERE revert_commit_hash = 'ddd4444'")
	if err != nil || event == nil {
		t.Fatalf("Event missing: %v", err)
	}
	if event.String("original_commit_hash") != "cafebabe12345" {
		t.Errorf("Original = %q", event.String("original_commit_hash"))
	}
}

func TestAnyOverlap(t *testing.T) {
	if !anyOverlap([]string{"a", "b"}, []string{"c", "b"}) {
		t.Error("Overlap missed")
	}
	if anyOverlap([]string{"a"}, []string{"b"}) {
		t.Error("Disjoint sets overlapped")
	}
	if anyOverlap(nil, []string{"a"}) {
		t.Error("Nil set overlapped")
	}
}
