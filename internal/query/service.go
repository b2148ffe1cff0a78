// Package query exposes the read surface: ranked memory search, per-file
// warnings, file/symbol suggestion, work prediction, and tool-call
// enrichment. Everything here is read-only against the store.
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"muninn/internal/assemble"
	"muninn/internal/embedding"
	"muninn/internal/outcomes"
	"muninn/internal/store"
)

// Search modes.
const (
	ModeAuto   = "auto"
	ModeFTS    = "fts"
	ModeVector = "vector"
	ModeSmart  = "smart"
)

// defaultLimit bounds result sets when the caller does not say.
const defaultLimit = 10

// Service answers queries over stored knowledge.
type Service struct {
	store     store.Store
	engine    embedding.Engine
	predictor *outcomes.WorkflowPredictor
}

// NewService wires the query surface; engine and predictor may be nil.
func NewService(s store.Store, engine embedding.Engine, predictor *outcomes.WorkflowPredictor) *Service {
	return &Service{store: s, engine: engine, predictor: predictor}
}

// Snippet is one ranked search hit.
type Snippet struct {
	ID         int64   `json:"id"`
	Type       string  `json:"type"`
	Title      string  `json:"title"`
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
	Score      float64 `json:"score"`
}

// Query returns ranked memory snippets for free text. Mode selects the
// retrieval path: fts forces keyword rank, vector forces embedding
// similarity, auto and smart prefer vectors with FTS fallback.
func (q *Service) Query(ctx context.Context, projectID int64, text, mode string) ([]Snippet, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("query text is required")
	}
	switch mode {
	case "", ModeAuto, ModeFTS, ModeVector, ModeSmart:
	default:
		return nil, fmt.Errorf("unknown query mode %q", mode)
	}

	var engine embedding.Engine
	if mode != ModeFTS {
		engine = q.engine
	}
	if mode == ModeVector && (engine == nil || !engine.IsAvailable(ctx)) {
		return nil, fmt.Errorf("vector mode requested but no embedding provider is available")
	}

	assembler := assemble.NewAssembler(q.store, engine, nil)
	res, err := assembler.BuildContext(ctx, assemble.Request{
		ProjectID: projectID,
		Query:     text,
		Format:    assemble.FormatJSON,
		MaxTokens: 2000,
		Strategy:  strategyForMode(mode),
	})
	if err != nil {
		return nil, err
	}

	out := make([]Snippet, 0, len(res.Included))
	for _, m := range res.Included {
		out = append(out, Snippet{
			ID: m.ID, Type: m.Type, Title: m.Title, Content: m.Content,
			Confidence: m.Confidence, Score: m.Score,
		})
	}
	return out, nil
}

func strategyForMode(mode string) string {
	if mode == ModeSmart {
		return "broad"
	}
	return "precise"
}

// Warning is one per-file caution from Check.
type Warning struct {
	File     string `json:"file"`
	Severity string `json:"severity"` // high | medium | low
	Kind     string `json:"kind"`
	Message  string `json:"message"`
}

// Check inspects files before an edit: fragility, open critical issues,
// staleness, and superseded decisions each produce a warning.
func (q *Service) Check(ctx context.Context, projectID int64, files []string) ([]Warning, error) {
	var warnings []Warning
	for _, path := range files {
		row, err := q.store.Get(ctx,
			`SELECT fragility, fragility_reason, updated_at, temperature FROM files
			 WHERE project_id = ? AND path = ? AND archived_at IS NULL`,
			projectID, path)
		if err != nil {
			return nil, err
		}
		if row != nil && row.Float("fragility") >= 7 {
			msg := fmt.Sprintf("Fragility %.0f/10", row.Float("fragility"))
			if reason := row.String("fragility_reason"); reason != "" {
				msg += ": " + reason
			}
			warnings = append(warnings, Warning{File: path, Severity: "high", Kind: "fragility", Message: msg})
		}
		if row != nil && row.String("temperature") == "cold" {
			warnings = append(warnings, Warning{
				File: path, Severity: "low", Kind: "staleness",
				Message: "File knowledge is cold; recorded purpose may be outdated",
			})
		}

		issueRows, err := q.store.All(ctx,
			`SELECT title, severity FROM issues
			 WHERE project_id = ? AND status = 'open' AND severity >= 8
			   AND affected_files LIKE ?`,
			projectID, "%"+jsonEscaped(path)+"%")
		if err == nil {
			for _, ir := range issueRows {
				warnings = append(warnings, Warning{
					File: path, Severity: "high", Kind: "critical_issue",
					Message: fmt.Sprintf("Open critical issue (severity %d): %s", ir.Int("severity"), ir.String("title")),
				})
			}
		}

		decRows, err := q.store.All(ctx,
			`SELECT title FROM decisions
			 WHERE project_id = ? AND superseded_by IS NOT NULL AND affects LIKE ?`,
			projectID, "%"+jsonEscaped(path)+"%")
		if err == nil {
			for _, dr := range decRows {
				warnings = append(warnings, Warning{
					File: path, Severity: "medium", Kind: "superseded_decision",
					Message: "A superseded decision still references this file: " + dr.String("title"),
				})
			}
		}
	}
	return warnings, nil
}

// Suggestion is one ranked file or symbol from Suggest.
type Suggestion struct {
	Kind   string  `json:"kind"` // file | symbol
	Name   string  `json:"name"`
	Detail string  `json:"detail,omitempty"`
	Score  float64 `json:"score"`
}

// Suggest ranks files (and optionally symbols) by hybrid similarity to a
// task description.
func (q *Service) Suggest(ctx context.Context, projectID int64, task string, limit int, includeSymbols bool) ([]Suggestion, error) {
	if strings.TrimSpace(task) == "" {
		return nil, fmt.Errorf("task is required")
	}
	if limit <= 0 {
		limit = defaultLimit
	}

	var out []Suggestion

	assembler := assemble.NewAssembler(q.store, q.engine, nil)
	res, err := assembler.BuildContext(ctx, assemble.Request{
		ProjectID: projectID,
		Query:     task,
		Format:    assemble.FormatJSON,
		MaxTokens: 2000,
		Strategy:  "precise",
		Filter:    assemble.Filter{Types: []string{assemble.TypeFile}},
	})
	if err != nil {
		return nil, err
	}
	for _, m := range res.Included {
		out = append(out, Suggestion{Kind: "file", Name: m.Title, Detail: m.Content, Score: m.Score})
	}

	if includeSymbols {
		terms := strings.Fields(strings.ToLower(task))
		symRows, err := q.store.All(ctx,
			`SELECT s.name, s.kind, f.path FROM symbols s
			 JOIN files f ON f.id = s.file_id
			 WHERE f.project_id = ? LIMIT 500`,
			projectID)
		if err == nil {
			for _, sr := range symRows {
				name := sr.String("name")
				score := nameAffinity(strings.ToLower(name), terms)
				if score <= 0 {
					continue
				}
				out = append(out, Suggestion{
					Kind:   "symbol",
					Name:   name,
					Detail: sr.String("kind") + " in " + sr.String("path"),
					Score:  score,
				})
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// nameAffinity scores a symbol name against task terms by substring overlap.
func nameAffinity(name string, terms []string) float64 {
	score := 0.0
	for _, t := range terms {
		if len(t) < 3 {
			continue
		}
		if strings.Contains(name, t) {
			score += 0.5
		}
	}
	return score
}

func jsonEscaped(s string) string {
	raw, _ := json.Marshal(s)
	return strings.Trim(string(raw), `"`)
}
