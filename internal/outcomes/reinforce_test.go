package outcomes

import (
	"context"
	"math"
	"testing"
)

func TestDampening(t *testing.T) {
	if got := dampening(0); got != 1.0 {
		t.Errorf("dampening(0) = %f", got)
	}
	if got := dampening(3); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("dampening(3) = %f, want 0.5", got)
	}
	if got := dampening(99); math.Abs(got-0.1) > 1e-9 {
		t.Errorf("dampening(99) = %f, want 0.1", got)
	}
}

func TestClampConfidence(t *testing.T) {
	if got := clampConfidence(0.1); got != 0.5 {
		t.Errorf("Floor not applied: %f", got)
	}
	if got := clampConfidence(15); got != 10.0 {
		t.Errorf("Ceiling not applied: %f", got)
	}
	if got := clampConfidence(3.3); got != 3.3 {
		t.Errorf("Value in range changed: %f", got)
	}
}

func TestReinforceSessionLearnings(t *testing.T) {
	s := newOutcomesTestStore(t)
	ctx := context.Background()

	res, err := s.Run(ctx,
		"INSERT INTO sessions (project_id, session_number, success) VALUES (1, 1, 2)")
	if err != nil {
		t.Fatalf("Session insert failed: %v", err)
	}
	sessionID := res.LastInsertID

	mk := func(title string, confidence float64, timesApplied int64) int64 {
		r, err := s.Run(ctx,
			"INSERT INTO learnings (project_id, title, content, confidence, times_applied) VALUES (1, ?, 'c', ?, ?)",
			title, confidence, timesApplied)
		if err != nil {
			t.Fatalf("Learning insert failed: %v", err)
		}
		return r.LastInsertID
	}
	fresh := mk("fresh", 1.0, 0)
	veteran := mk("veteran", 2.0, 3)
	flagged := mk("flagged", 2.0, 0)

	inject := func(learningID int64, signal interface{}) {
		if _, err := s.Run(ctx,
			"INSERT INTO context_injections (project_id, session_id, source_type, source_id, relevance_signal) VALUES (1, ?, 'learning', ?, ?)",
			sessionID, learningID, signal); err != nil {
			t.Fatalf("Injection insert failed: %v", err)
		}
	}
	inject(fresh, nil)
	inject(veteran, nil)
	inject(flagged, "negative")

	n, err := ReinforceSessionLearnings(ctx, s, 1, sessionID)
	if err != nil {
		t.Fatalf("ReinforceSessionLearnings failed: %v", err)
	}
	if n != 3 {
		t.Fatalf("Reinforced = %d, want 3", n)
	}

	conf := func(id int64) float64 {
		row, err := s.Get(ctx, "SELECT confidence FROM learnings WHERE id = ?", id)
		if err != nil || row == nil {
			t.Fatalf("Lookup failed for %d: %v", id, err)
		}
		return row.Float("confidence")
	}

	// Session success 2 derives a positive signal: +0.3 undamped for the
	// fresh learning, +0.3/2 for the one applied three times already.
	if got := conf(fresh); math.Abs(got-1.3) > 1e-9 {
		t.Errorf("Fresh confidence = %f, want 1.3", got)
	}
	if got := conf(veteran); math.Abs(got-2.15) > 1e-9 {
		t.Errorf("Veteran confidence = %f, want 2.15", got)
	}
	// Explicit negative signal overrides the derived one.
	if got := conf(flagged); math.Abs(got-1.6) > 1e-9 {
		t.Errorf("Flagged confidence = %f, want 1.6", got)
	}

	row, _ := s.Get(ctx, "SELECT times_applied, auto_reinforcement_count FROM learnings WHERE id = ?", fresh)
	if row.Int("times_applied") != 1 || row.Int("auto_reinforcement_count") != 1 {
		t.Errorf("Counters = %v", row)
	}
}

func TestReinforceClampsAtFloor(t *testing.T) {
	s := newOutcomesTestStore(t)
	ctx := context.Background()

	res, _ := s.Run(ctx, "INSERT INTO sessions (project_id, session_number, success) VALUES (1, 1, 0)")
	sessionID := res.LastInsertID
	lr, _ := s.Run(ctx,
		"INSERT INTO learnings (project_id, title, content, confidence, times_applied) VALUES (1, 't', 'c', 0.6, 0)")
	if _, err := s.Run(ctx,
		"INSERT INTO context_injections (project_id, session_id, source_type, source_id) VALUES (1, ?, 'learning', ?)",
		sessionID, lr.LastInsertID); err != nil {
		t.Fatalf("Injection insert failed: %v", err)
	}

	if _, err := ReinforceSessionLearnings(ctx, s, 1, sessionID); err != nil {
		t.Fatalf("ReinforceSessionLearnings failed: %v", err)
	}
	row, _ := s.Get(ctx, "SELECT confidence FROM learnings WHERE id = ?", lr.LastInsertID)
	// A failed session applies -0.4, clamped to the 0.5 floor.
	if got := row.Float("confidence"); got != 0.5 {
		t.Errorf("Confidence = %f, want floor 0.5", got)
	}
}
