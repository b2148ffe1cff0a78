package outcomes

import (
	"context"
	"fmt"

	"muninn/internal/logging"
	"muninn/internal/store"
)

// Alert types.
const (
	AlertFragileChurn   = "fragile_file_churn"
	AlertStaleDecisions = "stale_decisions"
	AlertCriticalIssues = "critical_issue_backlog"
	AlertKnowledgeStale = "knowledge_staleness"
	AlertLowConfidence  = "low_confidence_learnings"
)

// Alert severities.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

type alert struct {
	alertType  string
	severity   string
	title      string
	details    string
	sourceFile string
}

// ComputeRiskAlerts evaluates every alert rule, upserts the results, and
// purges dismissed alerts older than 30 days. Alerts dedup on
// (alert_type, title) among undismissed rows.
func ComputeRiskAlerts(ctx context.Context, s store.Store, projectID int64) (int, error) {
	timer := logging.StartTimer(logging.CategoryOutcomes, "ComputeRiskAlerts")
	defer timer.Stop()

	var alerts []alert
	alerts = append(alerts, fragileChurnAlerts(ctx, s, projectID)...)
	alerts = append(alerts, staleDecisionAlerts(ctx, s, projectID)...)
	alerts = append(alerts, criticalIssueAlerts(ctx, s, projectID)...)
	alerts = append(alerts, knowledgeStalenessAlerts(ctx, s, projectID)...)
	alerts = append(alerts, lowConfidenceAlerts(ctx, s, projectID)...)

	inserted := 0
	for _, a := range alerts {
		existing, err := s.Get(ctx,
			`SELECT id FROM risk_alerts
			 WHERE project_id = ? AND alert_type = ? AND title = ? AND dismissed = 0`,
			projectID, a.alertType, a.title)
		if err != nil {
			logging.OutcomesDebug("Alert dedup lookup failed: %v", err)
			continue
		}
		if existing != nil {
			if _, err := s.Run(ctx,
				`UPDATE risk_alerts SET details = ?, severity = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
				a.details, a.severity, existing.Int("id")); err != nil {
				logging.OutcomesDebug("Alert refresh failed: %v", err)
			}
			continue
		}
		var source interface{}
		if a.sourceFile != "" {
			source = a.sourceFile
		}
		if _, err := s.Run(ctx,
			`INSERT INTO risk_alerts (project_id, alert_type, severity, title, details, source_file)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			projectID, a.alertType, a.severity, a.title, a.details, source); err != nil {
			logging.OutcomesDebug("Alert insert failed: %v", err)
			continue
		}
		inserted++
	}

	if _, err := s.Run(ctx,
		`DELETE FROM risk_alerts
		 WHERE project_id = ? AND dismissed = 1 AND updated_at < datetime('now', '-30 days')`,
		projectID); err != nil {
		logging.OutcomesDebug("Dismissed alert purge failed: %v", err)
	}

	if inserted > 0 {
		logging.Outcomes("Raised %d new risk alerts for project %d", inserted, projectID)
	}
	return inserted, nil
}

// fragileChurnAlerts: fragile files (>=7) changed in the last 7 days.
func fragileChurnAlerts(ctx context.Context, s store.Store, projectID int64) []alert {
	rows, err := s.All(ctx,
		`SELECT path, fragility, change_count FROM files
		 WHERE project_id = ? AND fragility >= 7 AND archived_at IS NULL
		   AND last_referenced_at > datetime('now', '-7 days')
		 ORDER BY fragility DESC LIMIT 5`,
		projectID)
	if err != nil {
		return nil
	}
	var out []alert
	for _, row := range rows {
		out = append(out, alert{
			alertType:  AlertFragileChurn,
			severity:   SeverityCritical,
			title:      fmt.Sprintf("Fragile file under active churn: %s", row.String("path")),
			details:    fmt.Sprintf("Fragility %.0f with %d recorded changes.", row.Float("fragility"), row.Int("change_count")),
			sourceFile: row.String("path"),
		})
	}
	return out
}

// staleDecisionAlerts: active decisions untouched for 90 days.
func staleDecisionAlerts(ctx context.Context, s store.Store, projectID int64) []alert {
	row, err := s.Get(ctx,
		`SELECT COUNT(*) AS n FROM decisions
		 WHERE project_id = ? AND status = 'active' AND updated_at < datetime('now', '-90 days')`,
		projectID)
	if err != nil || row == nil || row.Int("n") == 0 {
		return nil
	}
	n := row.Int("n")
	return []alert{{
		alertType: AlertStaleDecisions,
		severity:  SeverityWarning,
		title:     fmt.Sprintf("%d active decisions not reviewed in 90 days", n),
		details:   "Decisions may no longer reflect the codebase; review or archive them.",
	}}
}

// criticalIssueAlerts: open issues at severity 8+.
func criticalIssueAlerts(ctx context.Context, s store.Store, projectID int64) []alert {
	row, err := s.Get(ctx,
		`SELECT COUNT(*) AS n FROM issues
		 WHERE project_id = ? AND status = 'open' AND severity >= 8`,
		projectID)
	if err != nil || row == nil || row.Int("n") == 0 {
		return nil
	}
	n := row.Int("n")
	severity := SeverityWarning
	if n >= 3 {
		severity = SeverityCritical
	}
	return []alert{{
		alertType: AlertCriticalIssues,
		severity:  severity,
		title:     fmt.Sprintf("%d open critical issues", n),
		details:   "Issues at severity 8 or higher remain open.",
	}}
}

// knowledgeStalenessAlerts: no new knowledge rows in 30 days despite recent
// sessions.
func knowledgeStalenessAlerts(ctx context.Context, s store.Store, projectID int64) []alert {
	sessions, err := s.Get(ctx,
		`SELECT COUNT(*) AS n FROM sessions
		 WHERE project_id = ? AND started_at > datetime('now', '-30 days')`,
		projectID)
	if err != nil || sessions == nil || sessions.Int("n") < 5 {
		return nil
	}
	knowledge, err := s.Get(ctx,
		`SELECT
			(SELECT COUNT(*) FROM decisions WHERE project_id = ?1 AND created_at > datetime('now', '-30 days')) +
			(SELECT COUNT(*) FROM learnings WHERE project_id = ?1 AND created_at > datetime('now', '-30 days')) AS n`,
		projectID)
	if err != nil || knowledge == nil || knowledge.Int("n") > 0 {
		return nil
	}
	return []alert{{
		alertType: AlertKnowledgeStale,
		severity:  SeverityInfo,
		title:     "No decisions or learnings recorded in 30 days",
		details:   fmt.Sprintf("%d sessions ran without producing durable knowledge.", sessions.Int("n")),
	}}
}

// lowConfidenceAlerts: a glut of learnings stuck at the confidence floor.
func lowConfidenceAlerts(ctx context.Context, s store.Store, projectID int64) []alert {
	row, err := s.Get(ctx,
		`SELECT COUNT(*) AS n FROM learnings
		 WHERE project_id = ? AND archived_at IS NULL AND confidence <= 1.0`,
		projectID)
	if err != nil || row == nil || row.Int("n") < 10 {
		return nil
	}
	return []alert{{
		alertType: AlertLowConfidence,
		severity:  SeverityInfo,
		title:     fmt.Sprintf("%d learnings at minimal confidence", row.Int("n")),
		details:   "Consider archiving learnings that repeatedly fail reinforcement.",
	}}
}

// DismissAlert marks an alert dismissed.
func DismissAlert(ctx context.Context, s store.Store, alertID int64) error {
	_, err := s.Run(ctx,
		"UPDATE risk_alerts SET dismissed = 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?", alertID)
	return err
}

// ActiveAlerts returns undismissed alerts ordered by severity.
func ActiveAlerts(ctx context.Context, s store.Store, projectID int64) ([]store.Row, error) {
	return s.All(ctx,
		`SELECT id, alert_type, severity, title, details, source_file, created_at
		 FROM risk_alerts WHERE project_id = ? AND dismissed = 0
		 ORDER BY CASE severity WHEN 'critical' THEN 0 WHEN 'warning' THEN 1 ELSE 2 END, created_at DESC`,
		projectID)
}
