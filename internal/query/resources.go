package query

import (
	"context"
	"fmt"
	"strings"

	"muninn/internal/assemble"
	"muninn/internal/outcomes"
)

// Resource URIs served by the stdio server. Each is recomputed on read.
const (
	ResourceCurrent  = "muninn://context/current"
	ResourceErrors   = "muninn://context/errors"
	ResourceWarnings = "muninn://warnings/active"
	ResourceShared   = "muninn://context/shared"
	ResourceBriefing = "muninn://briefing"
)

// ResourceURIs lists every served resource.
func ResourceURIs() []string {
	return []string{ResourceCurrent, ResourceErrors, ResourceWarnings, ResourceShared, ResourceBriefing}
}

// ReadResource recomputes a resource as plain text.
func (q *Service) ReadResource(ctx context.Context, projectID int64, uri string) (string, error) {
	switch uri {
	case ResourceCurrent:
		return q.currentContext(ctx, projectID)
	case ResourceErrors:
		return q.errorContext(ctx, projectID)
	case ResourceWarnings:
		return q.activeWarnings(ctx, projectID)
	case ResourceShared:
		return q.sharedContext(ctx, projectID)
	case ResourceBriefing:
		return q.briefing(ctx, projectID)
	default:
		return "", fmt.Errorf("unknown resource %q", uri)
	}
}

// currentContext summarises the open session and its recent activity.
func (q *Service) currentContext(ctx context.Context, projectID int64) (string, error) {
	var b strings.Builder

	session, err := q.store.Get(ctx,
		`SELECT id, goal, started_at FROM sessions
		 WHERE project_id = ? AND ended_at IS NULL ORDER BY started_at DESC LIMIT 1`,
		projectID)
	if err != nil {
		return "", err
	}
	if session == nil {
		return "No active session.", nil
	}
	fmt.Fprintf(&b, "Session %d started %s\nGoal: %s\n",
		session.Int("id"), session.String("started_at"), session.String("goal"))

	files, err := q.store.All(ctx,
		`SELECT path, change_count FROM files
		 WHERE project_id = ? AND temperature = 'hot' AND archived_at IS NULL
		 ORDER BY last_referenced_at DESC LIMIT 8`,
		projectID)
	if err == nil && len(files) > 0 {
		b.WriteString("\nHot files:\n")
		for _, f := range files {
			fmt.Fprintf(&b, "  %s (%d changes)\n", f.String("path"), f.Int("change_count"))
		}
	}
	return b.String(), nil
}

// errorContext lists recent errors with any known fixes.
func (q *Service) errorContext(ctx context.Context, projectID int64) (string, error) {
	rows, err := q.store.All(ctx,
		`SELECT error_type, error_message, error_signature, created_at FROM error_events
		 WHERE project_id = ? AND created_at > datetime('now', '-1 day')
		 ORDER BY created_at DESC LIMIT 10`,
		projectID)
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "No errors in the last 24 hours.", nil
	}

	var b strings.Builder
	b.WriteString("Recent errors:\n")
	for _, row := range rows {
		fmt.Fprintf(&b, "- [%s] %s\n", row.String("error_type"), row.String("error_message"))
		fix, err := outcomes.LookupFix(ctx, q.store, projectID, row.String("error_signature"))
		if err == nil && fix != nil {
			fmt.Fprintf(&b, "  Known fix (%.0f%%): %s (%s)\n",
				fix.Confidence*100, fix.FixDescription, shortHash(fix.FixCommitHash))
		}
	}
	return b.String(), nil
}

// activeWarnings renders undismissed risk alerts.
func (q *Service) activeWarnings(ctx context.Context, projectID int64) (string, error) {
	alerts, err := outcomes.ActiveAlerts(ctx, q.store, projectID)
	if err != nil {
		return "", err
	}
	if len(alerts) == 0 {
		return "No active warnings.", nil
	}
	var b strings.Builder
	for _, a := range alerts {
		fmt.Fprintf(&b, "[%s] %s\n  %s\n", a.String("severity"), a.String("title"), a.String("details"))
	}
	return b.String(), nil
}

// sharedContext shows other agents' active intents.
func (q *Service) sharedContext(ctx context.Context, projectID int64) (string, error) {
	intents, err := assemble.QueryIntents(ctx, q.store, projectID, "")
	if err != nil {
		return "", err
	}
	if len(intents) == 0 {
		return "No active agent intents.", nil
	}
	var b strings.Builder
	b.WriteString("Active agent intents:\n")
	for _, in := range intents {
		fmt.Fprintf(&b, "- %s: %s (%s), files: %s, expires %s\n",
			in.Agent, in.IntentType, in.Description,
			joinMax(in.TargetFiles, 5), in.ExpiresAt.Format("15:04"))
	}
	return b.String(), nil
}

// briefing is the project overview: health, knowledge counts, pending work.
func (q *Service) briefing(ctx context.Context, projectID int64) (string, error) {
	var b strings.Builder

	if health, err := outcomes.ComputeHealth(ctx, q.store, projectID); err == nil {
		fmt.Fprintf(&b, "Knowledge health: %d/100\n", health.Overall)
	}

	counts, err := q.store.Get(ctx,
		`SELECT
			(SELECT COUNT(*) FROM decisions WHERE project_id = ?1 AND status = 'active') AS decisions,
			(SELECT COUNT(*) FROM learnings WHERE project_id = ?1 AND archived_at IS NULL) AS learnings,
			(SELECT COUNT(*) FROM issues WHERE project_id = ?1 AND status = 'open') AS issues,
			(SELECT COUNT(*) FROM sessions WHERE project_id = ?1) AS sessions`,
		projectID)
	if err == nil && counts != nil {
		fmt.Fprintf(&b, "Active decisions: %d\nLearnings: %d\nOpen issues: %d\nSessions: %d\n",
			counts.Int("decisions"), counts.Int("learnings"), counts.Int("issues"), counts.Int("sessions"))
	}

	recent, err := q.store.All(ctx,
		`SELECT intent_summary FROM diff_analyses
		 WHERE project_id = ? ORDER BY created_at DESC LIMIT 3`,
		projectID)
	if err == nil && len(recent) > 0 {
		b.WriteString("\nRecent work:\n")
		for _, r := range recent {
			fmt.Fprintf(&b, "- %s\n", r.String("intent_summary"))
		}
	}
	return b.String(), nil
}

func shortHash(h string) string {
	if len(h) > 7 {
		return h[:7]
	}
	return h
}
