package outcomes

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"muninn/internal/logging"
	"muninn/internal/store"
)

// strategyMinSessions is the evidence floor for a distilled strategy.
const strategyMinSessions = 3

// DistillStrategies derives per-task-type strategies from completed sessions:
// for each task type with enough evidence, the dominant tool profile of
// successful sessions becomes a strategy_catalog row with its success rate.
// Runs every ~5 sessions via the work queue.
func DistillStrategies(ctx context.Context, s store.Store, projectID int64) (int, error) {
	timer := logging.StartTimer(logging.CategoryOutcomes, "DistillStrategies")
	defer timer.Stop()

	rows, err := s.All(ctx,
		`SELECT task_type,
			COUNT(*) AS total,
			SUM(CASE WHEN success = 2 THEN 1 ELSE 0 END) AS successes
		 FROM sessions
		 WHERE project_id = ? AND ended_at IS NOT NULL AND task_type IS NOT NULL AND task_type != ''
		 GROUP BY task_type HAVING total >= ?`,
		projectID, strategyMinSessions)
	if err != nil {
		return 0, fmt.Errorf("task type pull failed: %w", err)
	}

	distilled := 0
	for _, row := range rows {
		taskType := row.String("task_type")
		total := row.Int("total")
		successRate := float64(row.Int("successes")) / float64(total)

		strategy := dominantToolProfile(ctx, s, projectID, taskType)
		if strategy == "" {
			continue
		}
		if _, err := s.Run(ctx,
			`INSERT INTO strategy_catalog (project_id, task_type, strategy, evidence_sessions, success_rate)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(project_id, task_type, strategy) DO UPDATE SET
				evidence_sessions = excluded.evidence_sessions,
				success_rate = excluded.success_rate,
				updated_at = CURRENT_TIMESTAMP`,
			projectID, taskType, strategy, total, successRate); err != nil {
			logging.Get(logging.CategoryOutcomes).Warn("Strategy upsert failed: %v", err)
			continue
		}
		distilled++
	}
	if distilled > 0 {
		logging.Outcomes("Distilled %d strategies for project %d", distilled, projectID)
	}
	return distilled, nil
}

// dominantToolProfile summarises the top three tools used in successful
// sessions of a task type.
func dominantToolProfile(ctx context.Context, s store.Store, projectID int64, taskType string) string {
	rows, err := s.All(ctx,
		`SELECT tc.tool_name, COUNT(*) AS n
		 FROM tool_calls tc
		 JOIN sessions se ON se.id = tc.session_id
		 WHERE tc.project_id = ? AND se.task_type = ? AND se.success = 2
		 GROUP BY tc.tool_name ORDER BY n DESC LIMIT 3`,
		projectID, taskType)
	if err != nil || len(rows) == 0 {
		return ""
	}
	tools := make([]string, 0, len(rows))
	for _, row := range rows {
		tools = append(tools, row.String("tool_name"))
	}
	return "Lead with " + strings.Join(tools, ", ") + " for " + taskType + " work"
}

// MatchingStrategies returns catalog entries for a task type ordered by
// success rate, project-specific first, then cross-project.
func MatchingStrategies(ctx context.Context, s store.Store, projectID int64, taskType string) ([]store.Row, error) {
	return s.All(ctx,
		`SELECT task_type, strategy, evidence_sessions, success_rate
		 FROM strategy_catalog
		 WHERE (project_id = ? OR project_id IS NULL) AND task_type = ?
		 ORDER BY project_id IS NULL, success_rate DESC LIMIT 3`,
		projectID, taskType)
}

// AggregateCrossProject promotes strategies that hold across projects into
// global (project_id NULL) catalog rows: same task type and strategy text in
// at least two projects with a combined success rate above 0.6.
func AggregateCrossProject(ctx context.Context, s store.Store) (int, error) {
	rows, err := s.All(ctx,
		`SELECT task_type, strategy,
			COUNT(DISTINCT project_id) AS projects,
			SUM(evidence_sessions) AS evidence,
			SUM(success_rate * evidence_sessions) / SUM(evidence_sessions) AS rate
		 FROM strategy_catalog
		 WHERE project_id IS NOT NULL
		 GROUP BY task_type, strategy
		 HAVING projects >= 2 AND rate > 0.6`)
	if err != nil {
		return 0, fmt.Errorf("cross-project pull failed: %w", err)
	}

	promoted := 0
	for _, row := range rows {
		if _, err := s.Run(ctx,
			`INSERT INTO strategy_catalog (project_id, task_type, strategy, evidence_sessions, success_rate)
			 VALUES (NULL, ?, ?, ?, ?)
			 ON CONFLICT(project_id, task_type, strategy) DO UPDATE SET
				evidence_sessions = excluded.evidence_sessions,
				success_rate = excluded.success_rate,
				updated_at = CURRENT_TIMESTAMP`,
			row.String("task_type"), row.String("strategy"),
			row.Int("evidence"), row.Float("rate")); err != nil {
			logging.OutcomesDebug("Global strategy upsert failed: %v", err)
			continue
		}
		promoted++
	}
	return promoted, nil
}

// GenerateDNA condenses the project's durable character into a single
// developer_profile row: hottest files, dominant categories, health. Runs
// every ~20 sessions.
func GenerateDNA(ctx context.Context, s store.Store, projectID int64) error {
	dna := make(map[string]interface{})

	if rows, err := s.All(ctx,
		`SELECT path FROM files WHERE project_id = ? AND archived_at IS NULL
		 ORDER BY change_count DESC LIMIT 5`, projectID); err == nil {
		var hot []string
		for _, row := range rows {
			hot = append(hot, row.String("path"))
		}
		dna["hot_files"] = hot
	}

	if rows, err := s.All(ctx,
		`SELECT category, COUNT(*) AS n FROM learnings
		 WHERE project_id = ? AND archived_at IS NULL
		 GROUP BY category ORDER BY n DESC LIMIT 3`, projectID); err == nil {
		var categories []string
		for _, row := range rows {
			categories = append(categories, row.String("category"))
		}
		sort.Strings(categories)
		dna["learning_categories"] = categories
	}

	if row, err := s.Get(ctx,
		`SELECT intent_category, COUNT(*) AS n FROM diff_analyses WHERE project_id = ?
		 GROUP BY intent_category ORDER BY n DESC LIMIT 1`, projectID); err == nil && row != nil {
		dna["dominant_work"] = row.String("intent_category")
	}

	if health, err := ComputeHealth(ctx, s, projectID); err == nil {
		dna["health"] = health.Overall
	}

	raw, err := json.Marshal(dna)
	if err != nil {
		return err
	}
	_, err = s.Run(ctx,
		`INSERT INTO developer_profile (project_id, key, value)
		 VALUES (?, 'codebase_dna', ?)
		 ON CONFLICT(project_id, key) DO UPDATE SET
			value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		projectID, string(raw))
	if err != nil {
		return fmt.Errorf("dna upsert failed: %w", err)
	}
	logging.Outcomes("Regenerated codebase DNA for project %d", projectID)
	return nil
}
