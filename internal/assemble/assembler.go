package assemble

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"sort"
	"time"

	"muninn/internal/embedding"
	"muninn/internal/logging"
	"muninn/internal/store"
)

// Intents a caller can declare for a context request.
const (
	IntentEdit    = "edit"
	IntentRead    = "read"
	IntentDebug   = "debug"
	IntentExplore = "explore"
	IntentPlan    = "plan"
)

// Output formats.
const (
	FormatXML      = "xml"
	FormatMarkdown = "markdown"
	FormatNative   = "native"
	FormatJSON     = "json"
)

// recencyHalfLifeDays controls the recency decay exp(-age/90).
const recencyHalfLifeDays = 90.0

// Format-dependent packing overhead in tokens.
const (
	overheadXML     = 100
	overheadDefault = 50
)

// weights is one scoring preset.
type weights struct {
	similarity float64
	recency    float64
	confidence float64
	diversity  float64
}

// strategyPresets are the named scoring strategies.
var strategyPresets = map[string]weights{
	"balanced": {0.5, 0.2, 0.2, 0.1},
	"precise":  {0.7, 0.1, 0.15, 0.05},
	"broad":    {0.3, 0.2, 0.2, 0.3},
}

// Request is the assembler input.
type Request struct {
	ProjectID int64
	App       string
	Scope     string
	Intent    string
	Query     string
	Task      string
	Files     []string
	Format    string
	MaxTokens int
	Strategy  string
	SessionID int64
	Filter    Filter
}

// Result is an assembled context block with its accounting.
type Result struct {
	Output          string
	Included        []Memory
	TokenCount      int
	TotalCandidates int
	Warnings        []string
}

// Assembler owns retrieval, scoring, packing and formatting.
type Assembler struct {
	store   store.Store
	engine  embedding.Engine
	overlay *Overlay
}

// NewAssembler wires the assembler; engine and overlay may be nil.
func NewAssembler(s store.Store, engine embedding.Engine, overlay *Overlay) *Assembler {
	return &Assembler{store: s, engine: engine, overlay: overlay}
}

// BuildContext runs the full pipeline: retrieve, score, pack, format, log,
// overlay. The returned block never exceeds the token budget.
func (a *Assembler) BuildContext(ctx context.Context, req Request) (*Result, error) {
	started := time.Now()
	normalizeRequest(&req)

	prompt := req.Query
	if prompt == "" {
		prompt = req.Task
	}

	pool := poolSize(req.MaxTokens)
	candidates := retrieve(ctx, a.store, a.engine, req.ProjectID, prompt, pool, req.Filter)
	scoreCandidates(candidates, strategyPresets[req.Strategy])

	included, tokenCount := pack(candidates, req.MaxTokens, req.Format)

	if a.overlay != nil {
		a.overlay.Apply(ctx, req, included)
	}

	output := format(req, included, tokenCount)
	res := &Result{
		Output:          output,
		Included:        included,
		TokenCount:      tokenCount,
		TotalCandidates: len(candidates),
	}
	if a.overlay != nil {
		res.Warnings = a.overlay.Warnings(ctx, req)
	}

	a.logAssembly(ctx, req, prompt, res, time.Since(started))
	a.recordInjections(ctx, req, included)
	return res, nil
}

func normalizeRequest(req *Request) {
	if req.Format == "" {
		req.Format = FormatXML
	}
	if req.MaxTokens <= 0 {
		if req.Format == FormatNative {
			req.MaxTokens = 500
		} else {
			req.MaxTokens = 2000
		}
	}
	if _, ok := strategyPresets[req.Strategy]; !ok {
		req.Strategy = "balanced"
	}
	if req.Intent == "" {
		req.Intent = IntentRead
	}
}

// scoreCandidates assigns the weighted composite score in place. Diversity
// rewards the first candidate of each type seen during the pass; the pass
// runs in similarity order so the strongest representative claims the bonus.
func scoreCandidates(candidates []Memory, w weights) {
	sort.Slice(candidates, func(i, j int) bool {
		return candidateLess(candidates[i], candidates[j])
	})

	typesSeen := make(map[string]bool)
	now := time.Now().UTC()
	for i := range candidates {
		c := &candidates[i]

		recency := 0.0
		if !c.CreatedAt.IsZero() {
			ageDays := now.Sub(c.CreatedAt).Hours() / 24
			recency = math.Exp(-ageDays / recencyHalfLifeDays)
		}
		confidence := clamp01(c.Confidence / 10.0)
		diversity := 0.0
		if !typesSeen[c.Type] {
			diversity = 1.0
			typesSeen[c.Type] = true
		}

		c.Score = w.similarity*c.Similarity + w.recency*recency +
			w.confidence*confidence + w.diversity*diversity
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidateLess(candidates[i], candidates[j])
	})
}

// candidateLess is the tie-break order: similarity, then recency, then id.
func candidateLess(a, b Memory) bool {
	if a.Similarity != b.Similarity {
		return a.Similarity > b.Similarity
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID < b.ID
}

// pack greedily fills the budget in score order after reserving the format
// overhead. Candidates that do not fit are skipped, not truncated.
func pack(candidates []Memory, maxTokens int, fmtName string) ([]Memory, int) {
	overhead := overheadDefault
	if fmtName == FormatXML {
		overhead = overheadXML
	}
	remaining := maxTokens - overhead
	if remaining <= 0 {
		return nil, 0
	}

	var included []Memory
	used := 0
	for _, c := range candidates {
		cost := EstimateTokens(c.Title) + EstimateTokens(c.Content)
		if cost > remaining {
			continue
		}
		included = append(included, c)
		remaining -= cost
		used += cost
		if remaining <= 0 {
			break
		}
	}
	return included, used
}

// logAssembly writes the context_log row. The raw prompt is never stored;
// only its SHA-256.
func (a *Assembler) logAssembly(ctx context.Context, req Request, prompt string, res *Result, latency time.Duration) {
	sum := sha256.Sum256([]byte(prompt))
	ids := make([]int64, 0, len(res.Included))
	for _, m := range res.Included {
		ids = append(ids, m.ID)
	}
	idsJSON, _ := json.Marshal(ids)

	_, err := a.store.Run(ctx,
		`INSERT INTO context_log (project_id, app, prompt_hash, memory_ids, total_candidates, token_count, latency_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		req.ProjectID, req.App, hex.EncodeToString(sum[:]), string(idsJSON),
		res.TotalCandidates, res.TokenCount, latency.Milliseconds())
	if err != nil {
		logging.AssembleDebug("Context log insert failed: %v", err)
	}
}

// recordInjections tracks what was shown so reinforcement can close the
// loop. Best-effort.
func (a *Assembler) recordInjections(ctx context.Context, req Request, included []Memory) {
	var session interface{}
	if req.SessionID > 0 {
		session = req.SessionID
	}
	for _, m := range included {
		if _, err := a.store.Run(ctx,
			`INSERT INTO context_injections (project_id, session_id, source_type, source_id)
			 VALUES (?, ?, ?, ?)`,
			req.ProjectID, session, m.Type, m.ID); err != nil {
			logging.AssembleDebug("Injection record failed: %v", err)
		}
	}
}
