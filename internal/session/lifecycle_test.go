package session

import (
	"context"
	"testing"
	"time"

	"muninn/internal/queue"
	"muninn/internal/store"
)

func newSessionTestStore(t *testing.T) store.Store {
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

// newQuietManager stubs out the worker spawn so tests never exec anything.
func newQuietManager(s store.Store) (*Manager, *int) {
	m := NewManager(s)
	spawns := 0
	m.spawnWorker = func(ctx context.Context) error {
		spawns++
		return nil
	}
	return m, &spawns
}

func TestEnsureSessionStartsAndCaches(t *testing.T) {
	s := newSessionTestStore(t)
	m, _ := newQuietManager(s)
	ctx := context.Background()

	id1, err := m.EnsureSession(ctx, 1)
	if err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}
	id2, err := m.EnsureSession(ctx, 1)
	if err != nil {
		t.Fatalf("Second EnsureSession failed: %v", err)
	}
	if id1 != id2 {
		t.Errorf("Session ids differ: %d vs %d", id1, id2)
	}

	row, _ := s.Get(ctx, "SELECT session_number, goal FROM sessions WHERE id = ?", id1)
	if row.Int("session_number") != 1 || row.String("goal") != autoStartGoal {
		t.Errorf("Session row = %v", row)
	}
}

func TestEnsureSessionReusesUnended(t *testing.T) {
	s := newSessionTestStore(t)
	ctx := context.Background()

	// A crashed process left an open session behind.
	res, err := s.Run(ctx,
		"INSERT INTO sessions (project_id, session_number, goal) VALUES (1, 4, 'orphaned')")
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	m, _ := newQuietManager(s)
	id, err := m.EnsureSession(ctx, 1)
	if err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}
	if id != res.LastInsertID {
		t.Errorf("Got session %d, want reuse of %d", id, res.LastInsertID)
	}
}

func TestEnsureSessionIncrementsNumber(t *testing.T) {
	s := newSessionTestStore(t)
	ctx := context.Background()

	if _, err := s.Run(ctx,
		"INSERT INTO sessions (project_id, session_number, ended_at) VALUES (1, 7, CURRENT_TIMESTAMP)"); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	m, _ := newQuietManager(s)
	id, err := m.EnsureSession(ctx, 1)
	if err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}
	row, _ := s.Get(ctx, "SELECT session_number FROM sessions WHERE id = ?", id)
	if row.Int("session_number") != 8 {
		t.Errorf("session_number = %d, want 8", row.Int("session_number"))
	}
}

func TestAutoEndSessionWritesOutcome(t *testing.T) {
	s := newSessionTestStore(t)
	m, spawns := newQuietManager(s)
	ctx := context.Background()

	id, err := m.EnsureSession(ctx, 1)
	if err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := s.Run(ctx,
			"INSERT INTO tool_calls (project_id, session_id, tool_name) VALUES (1, ?, 'edit')", id); err != nil {
			t.Fatalf("Tool call insert failed: %v", err)
		}
	}
	if _, err := s.Run(ctx,
		"INSERT INTO git_commits (project_id, session_id, commit_hash, author, message) VALUES (1, ?, 'h1', 'Ada', 'done')", id); err != nil {
		t.Fatalf("Commit insert failed: %v", err)
	}

	m.AutoEndSession(ctx, 1)

	row, _ := s.Get(ctx, "SELECT ended_at, outcome, success FROM sessions WHERE id = ?", id)
	if row.String("ended_at") == "" {
		t.Fatal("Session not ended")
	}
	// One commit and zero errors infers a productive session.
	if row.Int("success") != 2 {
		t.Errorf("success = %d, want 2", row.Int("success"))
	}
	if row.String("outcome") == "" {
		t.Error("Outcome summary missing")
	}
	if *spawns != 1 {
		t.Errorf("Worker spawns = %d, want 1", *spawns)
	}

	// Ending again is a no-op.
	m.AutoEndSession(ctx, 1)
}

func TestAutoEndSessionFailedSession(t *testing.T) {
	s := newSessionTestStore(t)
	m, _ := newQuietManager(s)
	ctx := context.Background()

	id, err := m.EnsureSession(ctx, 1)
	if err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := s.Run(ctx,
			"INSERT INTO tool_calls (project_id, session_id, tool_name) VALUES (1, ?, 'bash')", id); err != nil {
			t.Fatalf("Tool call insert failed: %v", err)
		}
	}
	// High error rate and a failing test run.
	for i := 0; i < 2; i++ {
		if _, err := s.Run(ctx,
			"INSERT INTO error_events (project_id, session_id, error_type, error_message, error_signature) VALUES (1, ?, 'runtime', 'boom', ?)",
			id, i); err != nil {
			t.Fatalf("Error insert failed: %v", err)
		}
	}
	if _, err := s.Run(ctx,
		"INSERT INTO test_results (project_id, status) VALUES (1, 'failed')"); err != nil {
		t.Fatalf("Test result insert failed: %v", err)
	}

	m.AutoEndSession(ctx, 1)

	row, _ := s.Get(ctx, "SELECT success FROM sessions WHERE id = ?", id)
	if row.Int("success") != 0 {
		t.Errorf("success = %d, want 0", row.Int("success"))
	}
}

func TestEnqueueEndJobsCadence(t *testing.T) {
	s := newSessionTestStore(t)
	m, _ := newQuietManager(s)
	ctx := context.Background()

	res, err := s.Run(ctx,
		"INSERT INTO sessions (project_id, session_number) VALUES (1, 20)")
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	m.enqueueEndJobs(ctx, 1, res.LastInsertID)

	rows, err := s.All(ctx, "SELECT job_type FROM work_queue")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	found := make(map[string]bool)
	for _, r := range rows {
		found[r.String("job_type")] = true
	}
	for _, want := range endOfSessionJobs {
		if !found[want] {
			t.Errorf("Missing fixed job %s", want)
		}
	}
	// Session 20 triggers every cadence tier.
	for _, want := range []string{
		queue.JobDistillStrategies, queue.JobComputeRiskAlerts, queue.JobAggregateValueMetrics,
		queue.JobBuildWorkflowModel, queue.JobGenerateDNA,
	} {
		if !found[want] {
			t.Errorf("Missing cadence job %s", want)
		}
	}
	if len(rows) != len(endOfSessionJobs)+5 {
		t.Errorf("Jobs = %d, want %d", len(rows), len(endOfSessionJobs)+5)
	}
}

func TestEnqueueEndJobsCadenceSkips(t *testing.T) {
	s := newSessionTestStore(t)
	m, _ := newQuietManager(s)
	ctx := context.Background()

	res, err := s.Run(ctx,
		"INSERT INTO sessions (project_id, session_number) VALUES (1, 7)")
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	m.enqueueEndJobs(ctx, 1, res.LastInsertID)

	rows, _ := s.All(ctx, "SELECT job_type FROM work_queue")
	if len(rows) != len(endOfSessionJobs) {
		t.Errorf("Jobs = %d, want only the fixed set %d", len(rows), len(endOfSessionJobs))
	}
}

func TestWorkerSpawnCooldown(t *testing.T) {
	s := newSessionTestStore(t)
	m, spawns := newQuietManager(s)
	ctx := context.Background()

	current := time.Now()
	m.now = func() time.Time { return current }

	m.maybeSpawnWorker(ctx)
	m.maybeSpawnWorker(ctx)
	if *spawns != 1 {
		t.Fatalf("Spawns = %d, want 1 within cooldown", *spawns)
	}

	current = current.Add(workerCooldown + time.Second)
	m.maybeSpawnWorker(ctx)
	if *spawns != 2 {
		t.Errorf("Spawns = %d, want 2 after cooldown", *spawns)
	}
}
