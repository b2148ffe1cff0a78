package outcomes

import (
	"context"
	"fmt"
	"math"
	"time"

	"muninn/internal/logging"
	"muninn/internal/store"
)

// Health component weights; they sum to 1.
const (
	weightFragility = 0.25
	weightDecisions = 0.20
	weightLearnings = 0.20
	weightIssues    = 0.20
	weightFreshness = 0.15
)

// HealthReport is the weighted composite score with its components, each
// 0-100.
type HealthReport struct {
	Overall        int
	FragilityScore int
	DecisionScore  int
	LearningScore  int
	IssueScore     int
	FreshnessScore int
}

// ComputeHealth scores project knowledge health. Missing data scores a
// neutral 50 so a fresh project is neither healthy nor alarming.
func ComputeHealth(ctx context.Context, s store.Store, projectID int64) (*HealthReport, error) {
	r := &HealthReport{
		FragilityScore: fragilityComponent(ctx, s, projectID),
		DecisionScore:  decisionComponent(ctx, s, projectID),
		LearningScore:  learningComponent(ctx, s, projectID),
		IssueScore:     issueComponent(ctx, s, projectID),
		FreshnessScore: freshnessComponent(ctx, s, projectID),
	}
	r.Overall = int(math.Round(
		float64(r.FragilityScore)*weightFragility +
			float64(r.DecisionScore)*weightDecisions +
			float64(r.LearningScore)*weightLearnings +
			float64(r.IssueScore)*weightIssues +
			float64(r.FreshnessScore)*weightFreshness))
	logging.OutcomesDebug("Health for project %d: %d (frag %d, dec %d, learn %d, issue %d, fresh %d)",
		projectID, r.Overall, r.FragilityScore, r.DecisionScore, r.LearningScore, r.IssueScore, r.FreshnessScore)
	return r, nil
}

// fragilityComponent: share of files below fragility 7.
func fragilityComponent(ctx context.Context, s store.Store, projectID int64) int {
	row, err := s.Get(ctx,
		`SELECT COUNT(*) AS total,
			SUM(CASE WHEN fragility < 7 THEN 1 ELSE 0 END) AS safe
		 FROM files WHERE project_id = ? AND archived_at IS NULL`,
		projectID)
	if err != nil || row == nil || row.Int("total") == 0 {
		return 50
	}
	return ratioScore(row.Int("safe"), row.Int("total"))
}

// decisionComponent: share of tracked decisions that worked out.
func decisionComponent(ctx context.Context, s store.Store, projectID int64) int {
	row, err := s.Get(ctx,
		`SELECT
			SUM(CASE WHEN outcome_status = 'successful' THEN 1 ELSE 0 END) AS ok,
			SUM(CASE WHEN outcome_status IN ('successful', 'failed', 'needs_review') THEN 1 ELSE 0 END) AS tracked
		 FROM decisions WHERE project_id = ?`,
		projectID)
	if err != nil || row == nil || row.Int("tracked") == 0 {
		return 50
	}
	return ratioScore(row.Int("ok"), row.Int("tracked"))
}

// learningComponent: mean confidence normalised to the [0.5, 10] range.
func learningComponent(ctx context.Context, s store.Store, projectID int64) int {
	row, err := s.Get(ctx,
		`SELECT AVG(confidence) AS avg_conf FROM learnings
		 WHERE project_id = ? AND archived_at IS NULL`,
		projectID)
	if err != nil || row == nil {
		return 50
	}
	avg := row.Float("avg_conf")
	if avg == 0 {
		return 50
	}
	score := (avg - confidenceFloor) / (confidenceCeil - confidenceFloor) * 100
	return clampScore(int(math.Round(score)))
}

// issueComponent: share of all issues resolved.
func issueComponent(ctx context.Context, s store.Store, projectID int64) int {
	row, err := s.Get(ctx,
		`SELECT COUNT(*) AS total,
			SUM(CASE WHEN status = 'resolved' THEN 1 ELSE 0 END) AS resolved
		 FROM issues WHERE project_id = ?`,
		projectID)
	if err != nil || row == nil || row.Int("total") == 0 {
		return 50
	}
	return ratioScore(row.Int("resolved"), row.Int("total"))
}

// freshnessComponent: knowledge rows touched in the last 30 days.
func freshnessComponent(ctx context.Context, s store.Store, projectID int64) int {
	row, err := s.Get(ctx,
		`SELECT
			(SELECT COUNT(*) FROM decisions WHERE project_id = ?1) +
			(SELECT COUNT(*) FROM learnings WHERE project_id = ?1) AS total,
			(SELECT COUNT(*) FROM decisions WHERE project_id = ?1 AND updated_at > datetime('now', '-30 days')) +
			(SELECT COUNT(*) FROM learnings WHERE project_id = ?1 AND updated_at > datetime('now', '-30 days')) AS fresh`,
		projectID)
	if err != nil || row == nil || row.Int("total") == 0 {
		return 50
	}
	return ratioScore(row.Int("fresh"), row.Int("total"))
}

// AggregateValueMetrics rolls the month's ROI counters into value_metrics,
// upserting on (project, month). Both the tool handler and the worker may
// race here; last writer wins on the unique key.
func AggregateValueMetrics(ctx context.Context, s store.Store, projectID int64) error {
	month := time.Now().UTC().Format("2006-01")
	monthStart := month + "-01"

	row, err := s.Get(ctx,
		`SELECT
			(SELECT COUNT(*) FROM contradiction_alerts WHERE project_id = ?1 AND created_at >= ?2) AS contradictions,
			(SELECT COUNT(*) FROM context_injections WHERE project_id = ?1 AND injected_at >= ?2) AS injections,
			(SELECT COUNT(*) FROM context_injections WHERE project_id = ?1 AND injected_at >= ?2 AND relevance_signal = 'positive') AS hits,
			(SELECT COUNT(DISTINCT source_id) FROM context_injections WHERE project_id = ?1 AND injected_at >= ?2 AND source_type = 'decision') AS decisions_recalled,
			(SELECT COUNT(DISTINCT source_id) FROM context_injections WHERE project_id = ?1 AND injected_at >= ?2 AND source_type = 'learning') AS learnings_recalled,
			(SELECT COUNT(*) FROM sessions WHERE project_id = ?1 AND started_at >= ?2) AS sessions`,
		projectID, monthStart)
	if err != nil {
		return fmt.Errorf("value metric aggregation failed: %w", err)
	}
	if row == nil {
		return nil
	}

	_, err = s.Run(ctx,
		`INSERT INTO value_metrics (project_id, month, contradictions_caught, injections, injection_hits, decisions_recalled, learnings_recalled, sessions)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(project_id, month) DO UPDATE SET
			contradictions_caught = excluded.contradictions_caught,
			injections = excluded.injections,
			injection_hits = excluded.injection_hits,
			decisions_recalled = excluded.decisions_recalled,
			learnings_recalled = excluded.learnings_recalled,
			sessions = excluded.sessions,
			updated_at = CURRENT_TIMESTAMP`,
		projectID, month, row.Int("contradictions"), row.Int("injections"), row.Int("hits"),
		row.Int("decisions_recalled"), row.Int("learnings_recalled"), row.Int("sessions"))
	if err != nil {
		return fmt.Errorf("value metric upsert failed: %w", err)
	}
	logging.OutcomesDebug("Aggregated value metrics for project %d month %s", projectID, month)
	return nil
}

func ratioScore(num, den int64) int {
	if den == 0 {
		return 50
	}
	return clampScore(int(math.Round(float64(num) / float64(den) * 100)))
}

func clampScore(n int) int {
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}
