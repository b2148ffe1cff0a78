// Package queue implements the durable, at-least-once work queue behind all
// deferred analyses. Jobs live in the work_queue table; a dispatcher pulls
// pending rows oldest-first and invokes registered handlers by job type.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"muninn/internal/logging"
	"muninn/internal/store"
)

// Job type strings form a closed set; the dispatcher fails unknown types
// immediately.
const (
	JobAnalyzeDiffs           = "analyze_diffs"
	JobReindexSymbols         = "reindex_symbols"
	JobBuildCallGraph         = "build_call_graph"
	JobRunTests               = "run_tests"
	JobDetectReverts          = "detect_reverts"
	JobRefreshOwnership       = "refresh_ownership"
	JobMapErrorFixes          = "map_error_fixes"
	JobDetectPatterns         = "detect_patterns"
	JobTrackDecisionOutcomes  = "track_decision_outcomes"
	JobCalibrateConfidence    = "calibrate_confidence"
	JobProcessContextFeedback = "process_context_feedback"
	JobReinforceLearnings     = "reinforce_learnings"
	JobDistillStrategies      = "distill_strategies"
	JobBuildWorkflowModel     = "build_workflow_model"
	JobGenerateDNA            = "generate_dna"
	JobComputeRiskAlerts      = "compute_risk_alerts"
	JobAggregateValueMetrics  = "aggregate_value_metrics"
)

// DefaultBatchSize bounds a single dispatch pass.
const DefaultBatchSize = 20

// DefaultMaxAttempts caps retries before a job is marked failed.
const DefaultMaxAttempts = 3

// Handler processes one decoded job payload. Handlers must be idempotent or
// self-deduplicating; the queue guarantees at-least-once, not exactly-once.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Enqueue inserts a job. payload is marshalled to JSON; nil becomes {}.
func Enqueue(ctx context.Context, s store.Store, jobType string, payload interface{}) error {
	raw := []byte("{}")
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal job payload: %w", err)
		}
	}
	_, err := s.Run(ctx,
		"INSERT INTO work_queue (job_type, payload, status, max_attempts) VALUES (?, ?, 'pending', ?)",
		jobType, string(raw), DefaultMaxAttempts)
	if err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", jobType, err)
	}
	logging.QueueDebug("Enqueued job %s", jobType)
	return nil
}

// Dispatcher pulls pending jobs and routes them to handlers.
type Dispatcher struct {
	store     store.Store
	mu        sync.RWMutex
	handlers  map[string]Handler
	batchSize int
}

// NewDispatcher creates a dispatcher with the default batch size.
func NewDispatcher(s store.Store) *Dispatcher {
	return &Dispatcher{
		store:     s,
		handlers:  make(map[string]Handler),
		batchSize: DefaultBatchSize,
	}
}

// Register binds a handler to a job type, replacing any previous binding.
func (d *Dispatcher) Register(jobType string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[jobType] = h
}

// RegisteredTypes returns the registered job types, sorted.
func (d *Dispatcher) RegisteredTypes() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	types := make([]string, 0, len(d.handlers))
	for t := range d.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// ProcessBatch pulls up to batchSize pending jobs oldest-first (optionally
// filtered by job type) and runs each to a terminal or retryable state.
// Returns the number of jobs handled. Per-job failures never block progress.
func (d *Dispatcher) ProcessBatch(ctx context.Context, jobTypeFilter string) (int, error) {
	query := "SELECT id, job_type, payload, attempts, max_attempts FROM work_queue WHERE status = 'pending'"
	args := []interface{}{}
	if jobTypeFilter != "" {
		query += " AND job_type = ?"
		args = append(args, jobTypeFilter)
	}
	query += " ORDER BY created_at ASC, id ASC LIMIT ?"
	args = append(args, d.batchSize)

	rows, err := d.store.All(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to pull pending jobs: %w", err)
	}

	processed := 0
	for _, row := range rows {
		d.processOne(ctx, row)
		processed++
	}
	return processed, nil
}

// processOne drives a single job through its state transitions.
func (d *Dispatcher) processOne(ctx context.Context, row store.Row) {
	id := row.Int("id")
	jobType := row.String("job_type")
	attempts := row.Int("attempts") + 1
	maxAttempts := row.Int("max_attempts")
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	_, err := d.store.Run(ctx,
		"UPDATE work_queue SET status = 'processing', attempts = ?, started_at = CURRENT_TIMESTAMP WHERE id = ?",
		attempts, id)
	if err != nil {
		logging.Get(logging.CategoryQueue).Warn("Failed to claim job %d: %v", id, err)
		return
	}

	d.mu.RLock()
	handler, ok := d.handlers[jobType]
	d.mu.RUnlock()

	if !ok {
		logging.Get(logging.CategoryQueue).Warn("Unknown job type %q (job %d), failing", jobType, id)
		d.finish(ctx, id, "failed", "unknown job type: "+jobType)
		return
	}

	timer := logging.StartTimer(logging.CategoryQueue, fmt.Sprintf("job %s#%d", jobType, id))
	handlerErr := runHandler(ctx, handler, json.RawMessage(row.String("payload")))
	timer.StopWithThreshold(30 * time.Second)

	if handlerErr == nil {
		d.finish(ctx, id, "completed", "")
		return
	}

	logging.Get(logging.CategoryQueue).Warn("Job %s#%d attempt %d/%d failed: %v",
		jobType, id, attempts, maxAttempts, handlerErr)

	if attempts >= maxAttempts {
		d.finish(ctx, id, "failed", handlerErr.Error())
		return
	}
	// Back to pending for a later pass.
	if _, err := d.store.Run(ctx,
		"UPDATE work_queue SET status = 'pending' WHERE id = ?", id); err != nil {
		logging.Get(logging.CategoryQueue).Warn("Failed to requeue job %d: %v", id, err)
	}
}

// runHandler isolates handler panics so one bad job cannot kill the worker.
func runHandler(ctx context.Context, h Handler, payload json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, payload)
}

func (d *Dispatcher) finish(ctx context.Context, id int64, status, errMsg string) {
	if len(errMsg) > 500 {
		errMsg = errMsg[:500]
	}
	var err error
	if errMsg != "" {
		_, err = d.store.Run(ctx,
			"UPDATE work_queue SET status = ?, error_message = ?, completed_at = CURRENT_TIMESTAMP WHERE id = ?",
			status, errMsg, id)
	} else {
		_, err = d.store.Run(ctx,
			"UPDATE work_queue SET status = ?, completed_at = CURRENT_TIMESTAMP WHERE id = ?",
			status, id)
	}
	if err != nil {
		logging.Get(logging.CategoryQueue).Warn("Failed to finish job %d: %v", id, err)
	}
}

// DrainOnce processes batches until no pending jobs remain ("once" worker
// mode). Returns the total number of jobs handled.
func (d *Dispatcher) DrainOnce(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := d.ProcessBatch(ctx, "")
		if err != nil {
			return total, err
		}
		total += n
		if n == 0 {
			return total, nil
		}
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
	}
}

// Run polls for pending jobs until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logging.Queue("Dispatcher loop started (interval %v)", interval)
	for {
		select {
		case <-ctx.Done():
			logging.Queue("Dispatcher loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.ProcessBatch(ctx, ""); err != nil {
				logging.Get(logging.CategoryQueue).Warn("Batch failed: %v", err)
			}
		}
	}
}

// PendingCount reports queue depth, used by stats surfaces only.
func PendingCount(ctx context.Context, s store.Store) int64 {
	row, err := s.Get(ctx, "SELECT COUNT(*) AS n FROM work_queue WHERE status = 'pending'")
	if err != nil || row == nil {
		return 0
	}
	return row.Int("n")
}
