// Package session manages the lazy session lifecycle: auto-started on the
// first tool call, auto-ended at shutdown with outcome inference and the
// end-of-session job fan-out.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"muninn/internal/logging"
	"muninn/internal/queue"
	"muninn/internal/store"
)

// autoStartGoal marks sessions opened implicitly.
const autoStartGoal = "Auto-started session"

// workerCooldown throttles opportunistic worker spawns.
const workerCooldown = 5 * time.Minute

// Cadences for the heavier end-of-session jobs.
const (
	distillEvery  = 5
	workflowEvery = 10
	dnaEvery      = 20
)

// endOfSessionJobs is the fixed fan-out enqueued for every ended session.
var endOfSessionJobs = []string{
	queue.JobMapErrorFixes,
	queue.JobDetectPatterns,
	queue.JobTrackDecisionOutcomes,
	queue.JobCalibrateConfidence,
	queue.JobProcessContextFeedback,
	queue.JobReinforceLearnings,
}

// Manager owns session state for one engine process, including the
// worker-spawn timestamp. One instance per process; Reset exists for tests.
type Manager struct {
	store store.Store

	mu          sync.Mutex
	current     map[int64]int64 // projectID -> open session id
	lastSpawn   time.Time
	spawnWorker func(ctx context.Context) error
	now         func() time.Time
}

// NewManager creates a session manager over the shared store.
func NewManager(s store.Store) *Manager {
	m := &Manager{
		store:   s,
		current: make(map[int64]int64),
		now:     time.Now,
	}
	m.spawnWorker = m.execWorker
	return m
}

// Reset clears cached session state and the spawn timestamp.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = make(map[int64]int64)
	m.lastSpawn = time.Time{}
}

// EnsureSession returns the open session for a project, starting one on
// first use. Reuses an unended session left by a crashed process.
func (m *Manager) EnsureSession(ctx context.Context, projectID int64) (int64, error) {
	m.mu.Lock()
	if id, ok := m.current[projectID]; ok {
		m.mu.Unlock()
		return id, nil
	}
	m.mu.Unlock()

	row, err := m.store.Get(ctx,
		"SELECT id FROM sessions WHERE project_id = ? AND ended_at IS NULL ORDER BY started_at DESC LIMIT 1",
		projectID)
	if err != nil {
		return 0, fmt.Errorf("open session lookup failed: %w", err)
	}
	if row != nil {
		id := row.Int("id")
		m.remember(projectID, id)
		return id, nil
	}

	numRow, err := m.store.Get(ctx,
		"SELECT COALESCE(MAX(session_number), 0) AS n FROM sessions WHERE project_id = ?", projectID)
	if err != nil {
		return 0, err
	}
	number := numRow.Int("n") + 1

	res, err := m.store.Run(ctx,
		"INSERT INTO sessions (project_id, session_number, goal) VALUES (?, ?, ?)",
		projectID, number, autoStartGoal)
	if err != nil {
		return 0, fmt.Errorf("session insert failed: %w", err)
	}
	m.remember(projectID, res.LastInsertID)
	logging.Session("Auto-started session %d (#%d) for project %d", res.LastInsertID, number, projectID)
	return res.LastInsertID, nil
}

func (m *Manager) remember(projectID, sessionID int64) {
	m.mu.Lock()
	m.current[projectID] = sessionID
	m.mu.Unlock()
}

// AutoEndSession closes the open session for a project: summarises tool
// usage, infers the outcome, enqueues the end-of-session jobs, and
// opportunistically spawns a worker. Never returns an error; shutdown paths
// must not fail on best-effort work.
func (m *Manager) AutoEndSession(ctx context.Context, projectID int64) {
	m.mu.Lock()
	sessionID, ok := m.current[projectID]
	delete(m.current, projectID)
	m.mu.Unlock()
	if !ok {
		return
	}

	outcome := m.summarizeTools(ctx, sessionID)
	success := m.inferSuccess(ctx, projectID, sessionID)

	if _, err := m.store.Run(ctx,
		"UPDATE sessions SET ended_at = CURRENT_TIMESTAMP, outcome = ?, success = ? WHERE id = ? AND ended_at IS NULL",
		outcome, success, sessionID); err != nil {
		logging.Get(logging.CategorySession).Warn("Session end write failed: %v", err)
		return
	}
	logging.Session("Ended session %d (success=%d)", sessionID, success)

	m.enqueueEndJobs(ctx, projectID, sessionID)
	m.maybeSpawnWorker(ctx)
}

// summarizeTools renders the session's top-10 tool usage as its outcome.
func (m *Manager) summarizeTools(ctx context.Context, sessionID int64) string {
	rows, err := m.store.All(ctx,
		`SELECT tool_name, COUNT(*) AS n FROM tool_calls
		 WHERE session_id = ? GROUP BY tool_name ORDER BY n DESC LIMIT 10`,
		sessionID)
	if err != nil || len(rows) == 0 {
		return ""
	}
	parts := make([]string, 0, len(rows))
	for _, row := range rows {
		parts = append(parts, row.String("tool_name")+" x"+strconv.FormatInt(row.Int("n"), 10))
	}
	raw, _ := json.Marshal(parts)
	return "Tool usage: " + string(raw)
}

// inferSuccess classifies the session from observable signals: commits made,
// test outcomes, and the error-event rate. 2 productive, 1 mixed, 0 failed.
func (m *Manager) inferSuccess(ctx context.Context, projectID, sessionID int64) int {
	row, err := m.store.Get(ctx,
		`SELECT
			(SELECT COUNT(*) FROM git_commits WHERE session_id = ?1) AS commits,
			(SELECT COUNT(*) FROM error_events WHERE session_id = ?1) AS errors,
			(SELECT COUNT(*) FROM tool_calls WHERE session_id = ?1) AS calls,
			(SELECT status FROM test_results WHERE project_id = ?2 ORDER BY created_at DESC LIMIT 1) AS last_test`,
		sessionID, projectID)
	if err != nil || row == nil {
		return 1
	}

	commits := row.Int("commits")
	errors := row.Int("errors")
	calls := row.Int("calls")
	lastTest := row.String("last_test")

	score := 0
	if commits > 0 {
		score++
	}
	if lastTest == "passed" {
		score++
	}
	if lastTest == "failed" {
		score--
	}
	if calls > 0 && float64(errors)/float64(calls) > 0.3 {
		score--
	}

	switch {
	case score >= 2, score == 1 && errors == 0:
		return 2
	case score < 0:
		return 0
	default:
		return 1
	}
}

// enqueueEndJobs queues the fixed analysis set, plus the cadence jobs based
// on the session number.
func (m *Manager) enqueueEndJobs(ctx context.Context, projectID, sessionID int64) {
	payload := map[string]interface{}{"project_id": projectID, "session_id": sessionID}
	for _, jobType := range endOfSessionJobs {
		if err := queue.Enqueue(ctx, m.store, jobType, payload); err != nil {
			logging.Get(logging.CategorySession).Warn("End-of-session enqueue %s failed: %v", jobType, err)
		}
	}

	row, err := m.store.Get(ctx, "SELECT session_number FROM sessions WHERE id = ?", sessionID)
	if err != nil || row == nil {
		return
	}
	number := row.Int("session_number")
	projPayload := map[string]interface{}{"project_id": projectID}
	if number%distillEvery == 0 {
		_ = queue.Enqueue(ctx, m.store, queue.JobDistillStrategies, projPayload)
		_ = queue.Enqueue(ctx, m.store, queue.JobComputeRiskAlerts, projPayload)
		_ = queue.Enqueue(ctx, m.store, queue.JobAggregateValueMetrics, projPayload)
	}
	if number%workflowEvery == 0 {
		_ = queue.Enqueue(ctx, m.store, queue.JobBuildWorkflowModel, projPayload)
	}
	if number%dnaEvery == 0 {
		_ = queue.Enqueue(ctx, m.store, queue.JobGenerateDNA, projPayload)
	}
}

// maybeSpawnWorker launches a once-mode worker unless one ran recently.
func (m *Manager) maybeSpawnWorker(ctx context.Context) {
	m.mu.Lock()
	if m.now().Sub(m.lastSpawn) < workerCooldown {
		m.mu.Unlock()
		return
	}
	m.lastSpawn = m.now()
	m.mu.Unlock()

	if err := m.spawnWorker(ctx); err != nil {
		logging.Get(logging.CategorySession).Warn("Worker spawn failed: %v", err)
	}
}

// execWorker re-invokes this binary in worker --once mode, detached.
func (m *Manager) execWorker(ctx context.Context) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	cmd := exec.Command(exe, "worker", "--once")
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return err
	}
	logging.SessionDebug("Spawned worker pid %d", cmd.Process.Pid)
	return cmd.Process.Release()
}
