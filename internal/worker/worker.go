// Package worker binds every queue job type to its analysis. The worker
// process shares the store with the tool-handler process but is the only
// writer of derived tables.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"muninn/internal/config"
	"muninn/internal/intel"
	"muninn/internal/logging"
	"muninn/internal/outcomes"
	"muninn/internal/queue"
	"muninn/internal/store"
)

// payload is the common job payload shape; fields are optional per job type.
type payload struct {
	ProjectID  int64  `json:"project_id"`
	SessionID  int64  `json:"session_id"`
	CommitHash string `json:"commit_hash"`
}

// Wire registers a handler for every known job type.
func Wire(d *queue.Dispatcher, s store.Store, cfg config.Config) {
	classifier := outcomes.NewDiffClassifier(s, cfg.LLM)
	predictor := outcomes.NewWorkflowPredictor(s)

	register := func(jobType string, fn func(ctx context.Context, p payload) error) {
		d.Register(jobType, func(ctx context.Context, raw json.RawMessage) error {
			var p payload
			if err := json.Unmarshal(raw, &p); err != nil {
				return fmt.Errorf("bad payload for %s: %w", jobType, err)
			}
			if p.ProjectID == 0 {
				return fmt.Errorf("%s payload missing project_id", jobType)
			}
			return fn(ctx, p)
		})
	}

	register(queue.JobReindexSymbols, func(ctx context.Context, p payload) error {
		root, files, err := commitFiles(ctx, s, p)
		if err != nil {
			return err
		}
		_, err = intel.ReindexFiles(ctx, s, p.ProjectID, root, parseableOnly(files))
		if err != nil {
			return err
		}
		_, err = intel.MapTestFiles(ctx, s, p.ProjectID, files)
		return err
	})

	register(queue.JobBuildCallGraph, func(ctx context.Context, p payload) error {
		root, files, err := commitFiles(ctx, s, p)
		if err != nil {
			return err
		}
		return intel.BuildCallGraph(ctx, s, p.ProjectID, root, parseableOnly(files))
	})

	register(queue.JobAnalyzeDiffs, func(ctx context.Context, p payload) error {
		_, err := classifier.AnalyzeCommits(ctx, p.ProjectID)
		return err
	})

	register(queue.JobRunTests, func(ctx context.Context, p payload) error {
		root, err := projectRoot(ctx, s, p.ProjectID)
		if err != nil {
			return err
		}
		_, err = outcomes.RunTestsAfterCommit(ctx, s, p.ProjectID, root, p.CommitHash)
		return err
	})

	register(queue.JobDetectReverts, func(ctx context.Context, p payload) error {
		_, err := outcomes.DetectReverts(ctx, s, p.ProjectID)
		return err
	})

	register(queue.JobRefreshOwnership, func(ctx context.Context, p payload) error {
		return outcomes.RefreshOwnership(ctx, s, p.ProjectID)
	})

	register(queue.JobMapErrorFixes, func(ctx context.Context, p payload) error {
		if p.SessionID == 0 {
			return fmt.Errorf("map_error_fixes payload missing session_id")
		}
		_, err := outcomes.ProcessSessionErrors(ctx, s, p.ProjectID, p.SessionID)
		return err
	})

	register(queue.JobDetectPatterns, func(ctx context.Context, p payload) error {
		return outcomes.DetectPatterns(ctx, s, p.ProjectID)
	})

	register(queue.JobTrackDecisionOutcomes, func(ctx context.Context, p payload) error {
		_, err := outcomes.TrackDecisionOutcomes(ctx, s, p.ProjectID)
		return err
	})

	register(queue.JobCalibrateConfidence, func(ctx context.Context, p payload) error {
		_, err := outcomes.CalibrateConfidence(ctx, s, p.ProjectID)
		return err
	})

	register(queue.JobProcessContextFeedback, func(ctx context.Context, p payload) error {
		return outcomes.ProcessContextFeedback(ctx, s, p.ProjectID)
	})

	register(queue.JobReinforceLearnings, func(ctx context.Context, p payload) error {
		if p.SessionID == 0 {
			return fmt.Errorf("reinforce_learnings payload missing session_id")
		}
		_, err := outcomes.ReinforceSessionLearnings(ctx, s, p.ProjectID, p.SessionID)
		return err
	})

	register(queue.JobDistillStrategies, func(ctx context.Context, p payload) error {
		_, err := outcomes.DistillStrategies(ctx, s, p.ProjectID)
		if err != nil {
			return err
		}
		_, err = outcomes.AggregateCrossProject(ctx, s)
		return err
	})

	register(queue.JobBuildWorkflowModel, func(ctx context.Context, p payload) error {
		return predictor.BuildModel(ctx, p.ProjectID)
	})

	register(queue.JobGenerateDNA, func(ctx context.Context, p payload) error {
		return outcomes.GenerateDNA(ctx, s, p.ProjectID)
	})

	register(queue.JobComputeRiskAlerts, func(ctx context.Context, p payload) error {
		_, err := outcomes.ComputeRiskAlerts(ctx, s, p.ProjectID)
		return err
	})

	register(queue.JobAggregateValueMetrics, func(ctx context.Context, p payload) error {
		return outcomes.AggregateValueMetrics(ctx, s, p.ProjectID)
	})

	logging.Queue("Worker wired %d job handlers", len(d.RegisteredTypes()))
}

// projectRoot resolves a project's working directory.
func projectRoot(ctx context.Context, s store.Store, projectID int64) (string, error) {
	row, err := s.Get(ctx, "SELECT path FROM projects WHERE id = ?", projectID)
	if err != nil {
		return "", err
	}
	if row == nil {
		return "", fmt.Errorf("no project with id %d", projectID)
	}
	return row.String("path"), nil
}

// commitFiles returns the project root and the changed file list for the
// payload's commit, or every known file when no commit is named.
func commitFiles(ctx context.Context, s store.Store, p payload) (string, []string, error) {
	root, err := projectRoot(ctx, s, p.ProjectID)
	if err != nil {
		return "", nil, err
	}

	if p.CommitHash != "" {
		row, err := s.Get(ctx,
			"SELECT files_changed FROM git_commits WHERE project_id = ? AND commit_hash = ?",
			p.ProjectID, p.CommitHash)
		if err != nil {
			return "", nil, err
		}
		if row != nil {
			var files []string
			if json.Unmarshal([]byte(row.String("files_changed")), &files) == nil {
				return root, files, nil
			}
		}
	}

	rows, err := s.All(ctx,
		"SELECT path FROM files WHERE project_id = ? AND archived_at IS NULL", p.ProjectID)
	if err != nil {
		return "", nil, err
	}
	files := make([]string, 0, len(rows))
	for _, row := range rows {
		files = append(files, row.String("path"))
	}
	return root, files, nil
}

func parseableOnly(files []string) []string {
	var out []string
	for _, f := range files {
		if intel.ParseableExtensions[strings.ToLower(filepath.Ext(f))] {
			out = append(out, f)
		}
	}
	return out
}
