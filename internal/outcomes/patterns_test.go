package outcomes

import (
	"context"
	"fmt"
	"math"
	"strings"
	"testing"
)

func TestUpsertInsightConfidence(t *testing.T) {
	s := newOutcomesTestStore(t)
	ctx := context.Background()

	upsertInsight(ctx, s, 1, PatternFileSequence, "desc", 3)
	row, err := s.Get(ctx, "SELECT evidence_count, confidence FROM insights WHERE project_id = 1")
	if err != nil || row == nil {
		t.Fatalf("Insight missing: %v", err)
	}
	if row.Int("evidence_count") != 3 {
		t.Errorf("evidence_count = %d", row.Int("evidence_count"))
	}
	if got := row.Float("confidence"); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("Confidence = %f, want 0.5", got)
	}

	// Re-detection with more evidence updates in place.
	upsertInsight(ctx, s, 1, PatternFileSequence, "desc", 8)
	rows, _ := s.All(ctx, "SELECT evidence_count FROM insights WHERE project_id = 1")
	if len(rows) != 1 || rows[0].Int("evidence_count") != 8 {
		t.Errorf("Upsert duplicated or skipped: %v", rows)
	}
}

func TestDetectErrorRecurrenceFilesIssue(t *testing.T) {
	s := newOutcomesTestStore(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		if _, err := s.Run(ctx,
			`INSERT INTO error_events (project_id, error_type, error_message, error_signature, created_at)
			 VALUES (1, 'runtime', 'boom', 'boom *', datetime('now', ?))`,
			fmt.Sprintf("-%d hours", i*2)); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	detectErrorRecurrence(ctx, s, 1)

	row, _ := s.Get(ctx, "SELECT description FROM insights WHERE pattern_type = ?", PatternErrorRecurrence)
	if row == nil || !strings.Contains(row.String("description"), "boom *") {
		t.Fatalf("Insight missing: %v", row)
	}

	issue, _ := s.Get(ctx, "SELECT title, severity, type FROM issues WHERE project_id = 1")
	if issue == nil {
		t.Fatal("Auto-filed issue missing")
	}
	// 6 occurrences: 5 + 6/3 = 7.
	if issue.Int("severity") != 7 || issue.String("type") != "bug" {
		t.Errorf("Issue = %v", issue)
	}

	// A second pass must not file a duplicate open issue.
	detectErrorRecurrence(ctx, s, 1)
	n, _ := s.Get(ctx, "SELECT COUNT(*) AS n FROM issues WHERE project_id = 1")
	if n.Int("n") != 1 {
		t.Errorf("Issues = %d, want 1", n.Int("n"))
	}
}

func TestDetectErrorRecurrenceSkipsFixedSignatures(t *testing.T) {
	s := newOutcomesTestStore(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := s.Run(ctx,
			`INSERT INTO error_events (project_id, error_type, error_message, error_signature)
			 VALUES (1, 'runtime', 'boom', 'known')`); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}
	if _, err := s.Run(ctx,
		`INSERT INTO error_fix_pairs (project_id, error_signature, fix_commit_hash, confidence)
		 VALUES (1, 'known', 'h1', 0.8)`); err != nil {
		t.Fatalf("Fix insert failed: %v", err)
	}

	detectErrorRecurrence(ctx, s, 1)
	row, _ := s.Get(ctx, "SELECT id FROM insights WHERE pattern_type = ?", PatternErrorRecurrence)
	if row != nil {
		t.Errorf("Fixed signature still surfaced: %v", row)
	}
}

func TestDetectToolPreferences(t *testing.T) {
	s := newOutcomesTestStore(t)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		if _, err := s.Run(ctx,
			"INSERT INTO tool_calls (project_id, tool_name) VALUES (1, 'Edit')"); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		if _, err := s.Run(ctx,
			"INSERT INTO tool_calls (project_id, tool_name) VALUES (1, 'Read')"); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	detectToolPreferences(ctx, s, 1)

	row, _ := s.Get(ctx, "SELECT description FROM insights WHERE pattern_type = ?", PatternToolPreference)
	if row == nil || !strings.Contains(row.String("description"), "Edit") {
		t.Fatalf("Preference insight missing: %v", row)
	}
	// Read sits at 30% exactly and also qualifies; Edit dominates at 70%.
	profile, _ := s.Get(ctx, "SELECT value FROM developer_profile WHERE key = 'preferred_tool:Edit'")
	if profile == nil || profile.String("value") != "0.70" {
		t.Errorf("Profile = %v", profile)
	}
}

func TestTruncateStr(t *testing.T) {
	if got := truncateStr("abcdef", 4); got != "abcd" {
		t.Errorf("truncateStr = %q", got)
	}
	if got := truncateStr("ab", 4); got != "ab" {
		t.Errorf("truncateStr = %q", got)
	}
}
