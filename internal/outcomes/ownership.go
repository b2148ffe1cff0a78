package outcomes

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"muninn/internal/logging"
	"muninn/internal/store"
)

// RefreshOwnership recomputes per-author commit counts for every file from
// the commit history, then refreshes blast radius. Replaces the project's
// ownership rows wholesale.
func RefreshOwnership(ctx context.Context, s store.Store, projectID int64) error {
	timer := logging.StartTimer(logging.CategoryOutcomes, "RefreshOwnership")
	defer timer.Stop()

	rows, err := s.All(ctx,
		"SELECT author, files_changed FROM git_commits WHERE project_id = ?", projectID)
	if err != nil {
		return fmt.Errorf("commit pull failed: %w", err)
	}

	type key struct{ path, author string }
	counts := make(map[key]int64)
	for _, row := range rows {
		author := row.String("author")
		if author == "" {
			continue
		}
		var files []string
		if json.Unmarshal([]byte(row.String("files_changed")), &files) != nil {
			continue
		}
		for _, f := range files {
			counts[key{f, author}]++
		}
	}

	stmts := []store.Statement{{
		SQL:  "DELETE FROM file_ownership WHERE project_id = ?",
		Args: []interface{}{projectID},
	}}
	for k, n := range counts {
		stmts = append(stmts, store.Statement{
			SQL: `INSERT INTO file_ownership (project_id, path, author, commits)
			      VALUES (?, ?, ?, ?)`,
			Args: []interface{}{projectID, k.path, k.author, n},
		})
	}
	if err := s.Batch(ctx, stmts); err != nil {
		return fmt.Errorf("ownership replace failed: %w", err)
	}

	if err := refreshBlastRadius(ctx, s, projectID); err != nil {
		logging.Get(logging.CategoryOutcomes).Warn("Blast radius refresh failed: %v", err)
	}
	logging.Outcomes("Refreshed ownership for project %d (%d file-author pairs)", projectID, len(counts))
	return nil
}

// refreshBlastRadius counts inbound call-edge dependents per file and scores
// radius on a log scale, then rolls the summary up.
func refreshBlastRadius(ctx context.Context, s store.Store, projectID int64) error {
	rows, err := s.All(ctx,
		`SELECT callee_file, COUNT(DISTINCT caller_file) AS dependents
		 FROM call_edges WHERE project_id = ? AND caller_file != callee_file
		 GROUP BY callee_file`,
		projectID)
	if err != nil {
		return err
	}

	stmts := []store.Statement{{
		SQL:  "DELETE FROM blast_radius WHERE project_id = ?",
		Args: []interface{}{projectID},
	}}
	var maxRadius, sumRadius float64
	for _, row := range rows {
		dependents := row.Int("dependents")
		radius := math.Log2(float64(dependents) + 1)
		if radius > maxRadius {
			maxRadius = radius
		}
		sumRadius += radius
		stmts = append(stmts, store.Statement{
			SQL: `INSERT INTO blast_radius (project_id, path, dependents, radius_score, computed_at)
			      VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)`,
			Args: []interface{}{projectID, row.String("callee_file"), dependents, radius},
		})
	}
	if err := s.Batch(ctx, stmts); err != nil {
		return err
	}

	avg := 0.0
	if len(rows) > 0 {
		avg = sumRadius / float64(len(rows))
	}
	_, err = s.Run(ctx,
		`INSERT INTO blast_summary (project_id, max_radius, avg_radius, computed_at)
		 VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(project_id) DO UPDATE SET
			max_radius = excluded.max_radius,
			avg_radius = excluded.avg_radius,
			computed_at = CURRENT_TIMESTAMP`,
		projectID, maxRadius, avg)
	return err
}
