package assemble

import (
	"context"
	"strings"
	"testing"

	"muninn/internal/store"
)

type stubClassifier struct {
	result *Trajectory
}

func (c stubClassifier) Classify(ctx context.Context, projectID int64, recent []store.Row) *Trajectory {
	return c.result
}

func seedToolCalls(t *testing.T, s store.Store, tools ...string) {
	t.Helper()
	for _, tool := range tools {
		if _, err := s.Run(context.Background(),
			"INSERT INTO tool_calls (project_id, tool_name, success) VALUES (1, ?, 0)", tool); err != nil {
			t.Fatalf("Tool call insert failed: %v", err)
		}
	}
}

func TestTrajectoryWarning(t *testing.T) {
	s := newAssembleTestStore(t)
	ctx := context.Background()
	seedToolCalls(t, s, "edit", "edit", "edit", "edit")

	o := NewOverlay(s, nil, stubClassifier{&Trajectory{
		Pattern:    "repeated_failure",
		Confidence: 0.9,
		Message:    "The same tool keeps failing.",
		Suggestion: "Step back and reread the error.",
	}})
	got := o.trajectoryWarning(ctx, Request{ProjectID: 1})
	if !strings.Contains(got, "keeps failing") || !strings.Contains(got, "Suggestion: Step back") {
		t.Errorf("Warning = %q", got)
	}

	// Low confidence stays silent.
	o = NewOverlay(s, nil, stubClassifier{&Trajectory{Pattern: "tool_loop", Confidence: 0.4, Message: "m"}})
	if got := o.trajectoryWarning(ctx, Request{ProjectID: 1}); got != "" {
		t.Errorf("Low-confidence warning surfaced: %q", got)
	}
}

func TestTrajectoryWarningNeedsHistory(t *testing.T) {
	s := newAssembleTestStore(t)
	o := NewOverlay(s, nil, stubClassifier{&Trajectory{Confidence: 0.9, Message: "m"}})
	if got := o.trajectoryWarning(context.Background(), Request{ProjectID: 1}); got != "" {
		t.Errorf("Warning without history: %q", got)
	}
}

func TestTaskTypeWarning(t *testing.T) {
	s := newAssembleTestStore(t)
	ctx := context.Background()

	// Four ended migration sessions, one success.
	for i, success := range []int{2, 0, 0, 1} {
		if _, err := s.Run(ctx,
			`INSERT INTO sessions (project_id, session_number, task_type, success, ended_at)
			 VALUES (1, ?, 'migration', ?, CURRENT_TIMESTAMP)`, i+1, success); err != nil {
			t.Fatalf("Session insert failed: %v", err)
		}
	}

	o := NewOverlay(s, nil, nil)
	got := o.taskTypeWarning(ctx, Request{ProjectID: 1, Task: "migration"})
	if !strings.Contains(got, "migration") || !strings.Contains(got, "25%") {
		t.Errorf("Warning = %q", got)
	}

	// Under three sessions there is not enough evidence.
	if got := o.taskTypeWarning(ctx, Request{ProjectID: 1, Task: "unknown-task"}); got != "" {
		t.Errorf("Warning with no evidence: %q", got)
	}
}

func TestRecordRelevanceSignal(t *testing.T) {
	s := newAssembleTestStore(t)
	ctx := context.Background()

	if _, err := s.Run(ctx,
		"INSERT INTO context_injections (project_id, session_id, source_type, source_id) VALUES (1, 7, 'learning', 3)"); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	if err := RecordRelevanceSignal(ctx, s, 7, "learning", 3, "positive"); err != nil {
		t.Fatalf("RecordRelevanceSignal failed: %v", err)
	}
	row, _ := s.Get(ctx, "SELECT relevance_signal FROM context_injections WHERE source_id = 3")
	if row.String("relevance_signal") != "positive" {
		t.Errorf("Signal = %q", row.String("relevance_signal"))
	}

	if err := RecordRelevanceSignal(ctx, s, 7, "learning", 3, "amazing"); err == nil {
		t.Error("Invalid signal accepted")
	}
}
