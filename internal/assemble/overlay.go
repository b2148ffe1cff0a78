package assemble

import (
	"context"
	"fmt"

	"muninn/internal/logging"
	"muninn/internal/outcomes"
	"muninn/internal/store"
)

// Trajectory is the external classifier contract for stuck/failing tool
// sequences. Implementations inspect recent tool calls and report at most
// one dominant pattern.
type Trajectory struct {
	Pattern    string
	Confidence float64
	Message    string
	Suggestion string
}

// TrajectoryClassifier judges the recent tool-call trajectory. Nil result
// means nothing noteworthy.
type TrajectoryClassifier interface {
	Classify(ctx context.Context, projectID int64, recent []store.Row) *Trajectory
}

// Overlay injects intelligence around an assembled block: strategies, stale
// tags, trajectory warnings, prediction advisories, task-type warnings.
type Overlay struct {
	store      store.Store
	predictor  *outcomes.WorkflowPredictor
	trajectory TrajectoryClassifier
}

// NewOverlay wires the overlay; predictor and trajectory may be nil.
func NewOverlay(s store.Store, predictor *outcomes.WorkflowPredictor, trajectory TrajectoryClassifier) *Overlay {
	return &Overlay{store: s, predictor: predictor, trajectory: trajectory}
}

// Apply mutates included memories in place, currently by tagging stale
// items flagged by feedback processing.
func (o *Overlay) Apply(ctx context.Context, req Request, included []Memory) {
	stale, err := outcomes.StaleItemIDs(ctx, o.store, req.ProjectID)
	if err != nil {
		logging.AssembleDebug("Stale item lookup failed: %v", err)
		return
	}
	for i := range included {
		for _, id := range stale[included[i].Type] {
			if included[i].ID == id {
				included[i].Stale = true
			}
		}
	}
}

// Warnings produces the advisory strings appended to a context response.
func (o *Overlay) Warnings(ctx context.Context, req Request) []string {
	var out []string
	out = append(out, o.strategyAdvisories(ctx, req)...)
	if w := o.trajectoryWarning(ctx, req); w != "" {
		out = append(out, w)
	}
	if w := o.predictionAdvisory(ctx, req); w != "" {
		out = append(out, w)
	}
	if w := o.taskTypeWarning(ctx, req); w != "" {
		out = append(out, w)
	}
	return out
}

// strategyAdvisories surfaces catalog strategies matching the task.
func (o *Overlay) strategyAdvisories(ctx context.Context, req Request) []string {
	taskType := req.Intent
	if req.Task != "" {
		taskType = req.Task
	}
	rows, err := outcomes.MatchingStrategies(ctx, o.store, req.ProjectID, taskType)
	if err != nil || len(rows) == 0 {
		return nil
	}
	var out []string
	for _, row := range rows {
		out = append(out, fmt.Sprintf("Strategy (%.0f%% success over %d sessions): %s",
			row.Float("success_rate")*100, row.Int("evidence_sessions"), row.String("strategy")))
	}
	return out
}

// trajectoryWarning reports a stuck/failing pattern in the last tool calls
// when the classifier is confident enough.
func (o *Overlay) trajectoryWarning(ctx context.Context, req Request) string {
	if o.trajectory == nil {
		return ""
	}
	recent, err := o.store.All(ctx,
		`SELECT tool_name, success, error_message FROM tool_calls
		 WHERE project_id = ? ORDER BY created_at DESC LIMIT 10`,
		req.ProjectID)
	if err != nil || len(recent) < 3 {
		return ""
	}
	t := o.trajectory.Classify(ctx, req.ProjectID, recent)
	if t == nil || t.Confidence <= 0.5 {
		return ""
	}
	msg := t.Message
	if t.Suggestion != "" {
		msg += " Suggestion: " + t.Suggestion
	}
	return msg
}

// predictionAdvisory shares a strong next-tool forecast.
func (o *Overlay) predictionAdvisory(ctx context.Context, req Request) string {
	if o.predictor == nil {
		return ""
	}
	rows, err := o.store.All(ctx,
		`SELECT tool_name FROM tool_calls
		 WHERE project_id = ? ORDER BY created_at DESC LIMIT 3`,
		req.ProjectID)
	if err != nil || len(rows) < 3 {
		return ""
	}
	// Rows come newest-first; the model wants chronological order.
	recent := []string{rows[2].String("tool_name"), rows[1].String("tool_name"), rows[0].String("tool_name")}
	pred, err := o.predictor.PredictNextAction(ctx, req.ProjectID, recent)
	if err != nil || pred == nil || pred.Confidence <= 0.7 {
		return ""
	}
	return fmt.Sprintf("Likely next step: %s (%.0f%% of past sequences)",
		pred.PredictedTool, pred.Confidence*100)
}

// taskTypeWarning flags task types that historically fail.
func (o *Overlay) taskTypeWarning(ctx context.Context, req Request) string {
	if req.Task == "" {
		return ""
	}
	row, err := o.store.Get(ctx,
		`SELECT COUNT(*) AS total,
			SUM(CASE WHEN success = 2 THEN 1 ELSE 0 END) AS successes
		 FROM sessions
		 WHERE project_id = ? AND task_type = ? AND ended_at IS NOT NULL`,
		req.ProjectID, req.Task)
	if err != nil || row == nil || row.Int("total") < 3 {
		return ""
	}
	rate := float64(row.Int("successes")) / float64(row.Int("total"))
	if rate >= 0.5 {
		return ""
	}
	return fmt.Sprintf("Caution: %s tasks succeeded in only %.0f%% of %d past sessions",
		req.Task, rate*100, row.Int("total"))
}

// RecordRelevanceSignal stores explicit feedback on an injected memory.
func RecordRelevanceSignal(ctx context.Context, s store.Store, sessionID int64, sourceType string, sourceID int64, signal string) error {
	if signal != "positive" && signal != "negative" && signal != "neutral" {
		return fmt.Errorf("invalid relevance signal %q", signal)
	}
	_, err := s.Run(ctx,
		`UPDATE context_injections SET relevance_signal = ?
		 WHERE session_id = ? AND source_type = ? AND source_id = ?`,
		signal, sessionID, sourceType, sourceID)
	return err
}
