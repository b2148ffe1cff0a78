package query

import (
	"context"
	"encoding/json"

	"muninn/internal/intel"
	"muninn/internal/outcomes"
)

// PredictBundle is the full work-prediction response.
type PredictBundle struct {
	RelatedFiles []string            `json:"relatedFiles"`
	Cochangers   map[string][]string `json:"cochangers"`
	Decisions    []Snippet           `json:"decisions"`
	Issues       []Snippet           `json:"issues"`
	Learnings    []Snippet           `json:"learnings"`
	Tests        map[string][]string `json:"tests"`
	Workflow     *outcomes.Prediction `json:"workflow,omitempty"`
	Advisories   []string            `json:"advisories,omitempty"`
}

// Predict bundles everything relevant to upcoming work: related files for
// the task, co-change partners and covering tests for the named files,
// matching knowledge rows, and a next-tool forecast.
func (q *Service) Predict(ctx context.Context, projectID int64, task string, files []string, advise bool) (*PredictBundle, error) {
	bundle := &PredictBundle{
		Cochangers: make(map[string][]string),
		Tests:      make(map[string][]string),
	}

	if task != "" {
		suggestions, err := q.Suggest(ctx, projectID, task, 5, false)
		if err == nil {
			for _, s := range suggestions {
				bundle.RelatedFiles = append(bundle.RelatedFiles, s.Name)
			}
		}
		bundle.Decisions = q.snippetsFor(ctx, projectID, task, "decision")
		bundle.Issues = q.snippetsFor(ctx, projectID, task, "issue")
		bundle.Learnings = q.snippetsFor(ctx, projectID, task, "learning")
	}

	for _, path := range files {
		if partners := q.cochangers(ctx, projectID, path); len(partners) > 0 {
			bundle.Cochangers[path] = partners
		}
		if tests, err := intel.TestsForFile(ctx, q.store, projectID, path); err == nil && len(tests) > 0 {
			bundle.Tests[path] = tests
		}
	}

	if q.predictor != nil {
		if recent := q.recentTools(ctx, projectID, 3); len(recent) == 3 {
			if pred, err := q.predictor.PredictNextAction(ctx, projectID, recent); err == nil {
				bundle.Workflow = pred
			}
		}
	}

	if advise {
		bundle.Advisories = q.advisories(ctx, projectID, files)
	}
	return bundle, nil
}

// snippetsFor pulls the top knowledge rows of one type matching the task.
func (q *Service) snippetsFor(ctx context.Context, projectID int64, task, memType string) []Snippet {
	snippets, err := q.Query(ctx, projectID, task, ModeAuto)
	if err != nil {
		return nil
	}
	var out []Snippet
	for _, s := range snippets {
		if s.Type == memType {
			out = append(out, s)
		}
		if len(out) == 3 {
			break
		}
	}
	return out
}

// cochangers lists files historically committed together with the given
// path, strongest pairs first.
func (q *Service) cochangers(ctx context.Context, projectID int64, path string) []string {
	rows, err := q.store.All(ctx,
		`SELECT CASE WHEN file_a = ?1 THEN file_b ELSE file_a END AS partner, cochange_count
		 FROM file_correlations
		 WHERE project_id = ?2 AND (file_a = ?1 OR file_b = ?1) AND cochange_count >= 2
		 ORDER BY cochange_count DESC LIMIT 5`,
		path, projectID)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.String("partner"))
	}
	return out
}

func (q *Service) recentTools(ctx context.Context, projectID int64, n int) []string {
	rows, err := q.store.All(ctx,
		`SELECT tool_name FROM tool_calls WHERE project_id = ?
		 ORDER BY created_at DESC LIMIT ?`,
		projectID, n)
	if err != nil || len(rows) < n {
		return nil
	}
	out := make([]string, n)
	for i, row := range rows {
		out[n-1-i] = row.String("tool_name")
	}
	return out
}

// advisories folds active risk alerts for the named files into warnings.
func (q *Service) advisories(ctx context.Context, projectID int64, files []string) []string {
	alerts, err := outcomes.ActiveAlerts(ctx, q.store, projectID)
	if err != nil {
		return nil
	}
	fileSet := make(map[string]bool, len(files))
	for _, f := range files {
		fileSet[f] = true
	}
	var out []string
	for _, a := range alerts {
		source := a.String("source_file")
		if source != "" && len(files) > 0 && !fileSet[source] {
			continue
		}
		out = append(out, a.String("severity")+": "+a.String("title"))
	}
	return out
}

// Enrich returns contextual fragments for one upcoming tool invocation: known
// fixes when the input carries an error, and file warnings plus co-change
// partners when it names files.
func (q *Service) Enrich(ctx context.Context, projectID int64, tool string, rawInput json.RawMessage) ([]string, error) {
	var fragments []string

	var input map[string]interface{}
	if err := json.Unmarshal(rawInput, &input); err != nil && len(rawInput) > 0 {
		return nil, err
	}

	files := extractStringField(input, "path", "file_path")
	for _, path := range files {
		warnings, err := q.Check(ctx, projectID, []string{path})
		if err == nil {
			for _, w := range warnings {
				fragments = append(fragments, w.Message)
			}
		}
		if partners := q.cochangers(ctx, projectID, path); len(partners) > 0 {
			fragments = append(fragments, "Usually changes with: "+joinMax(partners, 3))
		}
	}
	return fragments, nil
}

func extractStringField(input map[string]interface{}, keys ...string) []string {
	var out []string
	for _, k := range keys {
		if v, ok := input[k].(string); ok && v != "" {
			out = append(out, v)
		}
	}
	return out
}

func joinMax(items []string, n int) string {
	if len(items) > n {
		items = items[:n]
	}
	s := ""
	for i, item := range items {
		if i > 0 {
			s += ", "
		}
		s += item
	}
	return s
}
