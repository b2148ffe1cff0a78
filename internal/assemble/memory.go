// Package assemble builds bounded context blocks from stored knowledge:
// hybrid retrieval, weighted scoring, greedy packing, and four output
// formats, plus the intelligence overlay and multi-agent intent table.
package assemble

import (
	"context"
	"strings"
	"time"

	"muninn/internal/embedding"
	"muninn/internal/logging"
	"muninn/internal/store"
)

// Memory types considered for context inclusion.
const (
	TypeFile     = "file"
	TypeDecision = "decision"
	TypeIssue    = "issue"
	TypeLearning = "learning"
)

// maxCandidatePool caps retrieval regardless of budget.
const maxCandidatePool = 200

// Memory is one candidate row normalised across the knowledge tables.
type Memory struct {
	ID         int64
	Type       string
	Subtype    string
	Title      string
	Content    string
	Confidence float64
	CreatedAt  time.Time
	Similarity float64
	Score      float64
	Stale      bool
}

// Filter narrows retrieval.
type Filter struct {
	Types         []string
	MinConfidence float64
}

// poolSize derives the candidate pool from the token budget.
func poolSize(maxTokens int) int {
	n := maxTokens * 5
	if n > maxCandidatePool {
		n = maxCandidatePool
	}
	if n < 1 {
		n = 1
	}
	return n
}

// retrieve pulls candidates by vector similarity when an embedding is
// available, otherwise by FTS rank. Archived and superseded rows never
// qualify.
func retrieve(ctx context.Context, s store.Store, engine embedding.Engine, projectID int64, prompt string, pool int, f Filter) []Memory {
	if engine != nil && engine.IsAvailable(ctx) {
		if vec, err := engine.Embed(ctx, prompt); err == nil && len(vec) > 0 {
			if candidates := retrieveVector(ctx, s, projectID, vec, pool, f); candidates != nil {
				return candidates
			}
		} else if err != nil {
			logging.AssembleDebug("Prompt embedding failed, using FTS: %v", err)
		}
	}
	return retrieveFTS(ctx, s, projectID, prompt, pool, f)
}

// retrieveVector queries the vec_memories ANN index and hydrates rows from
// their source tables. Returns nil when the index is unavailable so the
// caller can fall back.
func retrieveVector(ctx context.Context, s store.Store, projectID int64, vec []float32, pool int, f Filter) []Memory {
	rows, err := s.All(ctx,
		`SELECT memory_type, memory_id, distance FROM vec_memories
		 WHERE embedding MATCH ? AND k = ?
		 ORDER BY distance`,
		embedding.EncodeVector(vec), pool)
	if err != nil {
		logging.AssembleDebug("Vector search unavailable: %v", err)
		return nil
	}

	var out []Memory
	for _, row := range rows {
		m := hydrate(ctx, s, projectID, row.String("memory_type"), row.Int("memory_id"))
		if m == nil || !passesFilter(*m, f) {
			continue
		}
		// vec0 reports cosine distance; similarity is its complement.
		m.Similarity = clamp01(1 - row.Float("distance"))
		out = append(out, *m)
	}
	return out
}

// ftsSource maps a memory type to its FTS mirror and hydration query.
type ftsSource struct {
	memType string
	query   string
}

var ftsSources = []ftsSource{
	{TypeDecision, `SELECT d.id, d.title, d.decision AS content, 10.0 AS confidence, d.created_at, bm25(fts_decisions) AS rank
		FROM fts_decisions JOIN decisions d ON d.id = fts_decisions.rowid
		WHERE fts_decisions MATCH ? AND d.project_id = ? AND d.archived_at IS NULL AND d.superseded_by IS NULL
		ORDER BY rank LIMIT ?`},
	{TypeLearning, `SELECT l.id, l.title, l.content, l.confidence, l.created_at, bm25(fts_learnings) AS rank
		FROM fts_learnings JOIN learnings l ON l.id = fts_learnings.rowid
		WHERE fts_learnings MATCH ? AND l.project_id = ? AND l.archived_at IS NULL
		ORDER BY rank LIMIT ?`},
	{TypeIssue, `SELECT i.id, i.title, i.description AS content, CAST(i.severity AS REAL) AS confidence, i.created_at, bm25(fts_issues) AS rank
		FROM fts_issues JOIN issues i ON i.id = fts_issues.rowid
		WHERE fts_issues MATCH ? AND i.project_id = ? AND i.status = 'open'
		ORDER BY rank LIMIT ?`},
	{TypeFile, `SELECT fl.id, fl.path AS title, fl.purpose AS content, 5.0 AS confidence, fl.created_at, bm25(fts_files) AS rank
		FROM fts_files JOIN files fl ON fl.id = fts_files.rowid
		WHERE fts_files MATCH ? AND fl.project_id = ? AND fl.archived_at IS NULL
		ORDER BY rank LIMIT ?`},
}

// retrieveFTS merges ranked matches from each FTS mirror. bm25 rank maps to
// a 0-1 pseudo-similarity so downstream scoring stays uniform.
func retrieveFTS(ctx context.Context, s store.Store, projectID int64, prompt string, pool int, f Filter) []Memory {
	match := ftsQuery(prompt)
	if match == "" {
		return nil
	}

	perSource := pool/len(ftsSources) + 1
	var out []Memory
	for _, src := range ftsSources {
		if len(f.Types) > 0 && !containsStr(f.Types, src.memType) {
			continue
		}
		rows, err := s.All(ctx, src.query, match, projectID, perSource)
		if err != nil {
			// Mirror may not exist in a minimal database.
			logging.AssembleDebug("FTS source %s failed: %v", src.memType, err)
			continue
		}
		for _, row := range rows {
			// bm25() is negative with more negative meaning a better
			// match; -r/(1-r) maps it onto (0,1) preserving that order.
			rank := row.Float("rank")
			m := Memory{
				ID:         row.Int("id"),
				Type:       src.memType,
				Title:      row.String("title"),
				Content:    row.String("content"),
				Confidence: row.Float("confidence"),
				CreatedAt:  parseTime(row.String("created_at")),
				Similarity: clamp01(-rank / (1 - rank)),
			}
			if passesFilter(m, f) {
				out = append(out, m)
			}
		}
	}
	if len(out) > pool {
		out = out[:pool]
	}
	return out
}

// ftsQuery turns a free-text prompt into an OR match over its terms.
func ftsQuery(prompt string) string {
	fields := strings.Fields(prompt)
	terms := make([]string, 0, len(fields))
	for _, w := range fields {
		w = strings.Trim(w, `"'().,;:!?`)
		if len(w) < 2 {
			continue
		}
		terms = append(terms, `"`+strings.ReplaceAll(w, `"`, "")+`"`)
	}
	return strings.Join(terms, " OR ")
}

// hydrate loads one memory row by type and id.
func hydrate(ctx context.Context, s store.Store, projectID int64, memType string, id int64) *Memory {
	var row store.Row
	var err error
	switch memType {
	case TypeDecision:
		row, err = s.Get(ctx,
			`SELECT id, title, decision AS content, 10.0 AS confidence, created_at FROM decisions
			 WHERE id = ? AND project_id = ? AND archived_at IS NULL AND superseded_by IS NULL`, id, projectID)
	case TypeLearning:
		row, err = s.Get(ctx,
			`SELECT id, title, content, confidence, created_at FROM learnings
			 WHERE id = ? AND project_id = ? AND archived_at IS NULL`, id, projectID)
	case TypeIssue:
		row, err = s.Get(ctx,
			`SELECT id, title, description AS content, CAST(severity AS REAL) AS confidence, created_at FROM issues
			 WHERE id = ? AND project_id = ? AND status = 'open'`, id, projectID)
	case TypeFile:
		row, err = s.Get(ctx,
			`SELECT id, path AS title, purpose AS content, 5.0 AS confidence, created_at FROM files
			 WHERE id = ? AND project_id = ? AND archived_at IS NULL`, id, projectID)
	default:
		return nil
	}
	if err != nil || row == nil {
		return nil
	}
	return &Memory{
		ID:         row.Int("id"),
		Type:       memType,
		Title:      row.String("title"),
		Content:    row.String("content"),
		Confidence: row.Float("confidence"),
		CreatedAt:  parseTime(row.String("created_at")),
	}
}

// IndexMemory writes a memory's embedding into the ANN index, replacing any
// prior vector for the same (type, id). Best-effort; absence of the vec
// extension is not an error worth surfacing.
func IndexMemory(ctx context.Context, s store.Store, engine embedding.Engine, memType string, id int64, text string) {
	if engine == nil || !engine.IsAvailable(ctx) {
		return
	}
	vec, err := engine.Embed(ctx, text)
	if err != nil {
		logging.AssembleDebug("Memory embedding failed for %s %d: %v", memType, id, err)
		return
	}
	if _, err := s.Run(ctx,
		"DELETE FROM vec_memories WHERE memory_type = ? AND memory_id = ?", memType, id); err != nil {
		logging.AssembleDebug("Vec index delete failed: %v", err)
		return
	}
	if _, err := s.Run(ctx,
		"INSERT INTO vec_memories (embedding, memory_type, memory_id) VALUES (?, ?, ?)",
		embedding.EncodeVector(vec), memType, id); err != nil {
		logging.AssembleDebug("Vec index insert failed: %v", err)
	}
}

func passesFilter(m Memory, f Filter) bool {
	if len(f.Types) > 0 && !containsStr(f.Types, m.Type) {
		return false
	}
	if f.MinConfidence > 0 && m.Confidence < f.MinConfidence {
		return false
	}
	return true
}

func containsStr(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// parseTime accepts the timestamp shapes SQLite hands back.
func parseTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// EstimateTokens is the chars-over-four heuristic used for all budgets.
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}
