package assemble

import (
	"context"
	"strings"
	"testing"
	"time"

	"muninn/internal/store"
)

func newAssembleTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewLocalStore(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return s
}

func TestNormalizeRequestDefaults(t *testing.T) {
	req := Request{}
	normalizeRequest(&req)
	if req.Format != FormatXML || req.MaxTokens != 2000 {
		t.Errorf("Defaults wrong: %+v", req)
	}
	if req.Strategy != "balanced" || req.Intent != IntentRead {
		t.Errorf("Defaults wrong: %+v", req)
	}

	native := Request{Format: FormatNative}
	normalizeRequest(&native)
	if native.MaxTokens != 500 {
		t.Errorf("Native budget = %d, want 500", native.MaxTokens)
	}

	odd := Request{Strategy: "nonsense"}
	normalizeRequest(&odd)
	if odd.Strategy != "balanced" {
		t.Errorf("Unknown strategy kept: %q", odd.Strategy)
	}
}

func TestScoreCandidatesDiversityBonus(t *testing.T) {
	now := time.Now().UTC()
	candidates := []Memory{
		{ID: 1, Type: TypeLearning, Similarity: 0.9, Confidence: 5, CreatedAt: now},
		{ID: 2, Type: TypeLearning, Similarity: 0.8, Confidence: 5, CreatedAt: now},
		{ID: 3, Type: TypeDecision, Similarity: 0.5, Confidence: 5, CreatedAt: now},
	}
	scoreCandidates(candidates, strategyPresets["broad"])

	byID := make(map[int64]Memory)
	for _, c := range candidates {
		byID[c.ID] = c
	}
	// The strongest of each type claims the diversity bonus; the second
	// learning does not.
	if byID[1].Score <= byID[2].Score {
		t.Errorf("Scores: first=%f second=%f", byID[1].Score, byID[2].Score)
	}
	// broad: 0.3*0.9 vs 0.3*0.8 + nothing extra for id 2; id 3 gets the
	// bonus despite lower similarity and must outrank id 2.
	if byID[3].Score <= byID[2].Score {
		t.Errorf("Diversity bonus missing: third=%f second=%f", byID[3].Score, byID[2].Score)
	}
}

func TestScoreCandidatesTieBreak(t *testing.T) {
	now := time.Now().UTC()
	candidates := []Memory{
		{ID: 9, Type: TypeLearning, Similarity: 0.5, CreatedAt: now},
		{ID: 2, Type: TypeLearning, Similarity: 0.5, CreatedAt: now},
		{ID: 5, Type: TypeLearning, Similarity: 0.5, CreatedAt: now.Add(-time.Hour)},
	}
	scoreCandidates(candidates, strategyPresets["balanced"])
	// Equal similarity: newer first, then lower id.
	if candidates[0].ID != 2 || candidates[1].ID != 9 || candidates[2].ID != 5 {
		t.Errorf("Order = %d, %d, %d", candidates[0].ID, candidates[1].ID, candidates[2].ID)
	}
}

func TestPackRespectsBudget(t *testing.T) {
	long := strings.Repeat("x", 400) // 100 tokens
	candidates := []Memory{
		{ID: 1, Content: long, Score: 0.9},
		{ID: 2, Content: long, Score: 0.8},
		{ID: 3, Content: strings.Repeat("y", 40), Score: 0.7}, // 10 tokens
	}

	included, used := pack(candidates, 250, FormatXML)
	// 250 - 100 overhead leaves 150: one long entry, then the short one.
	if len(included) != 2 || included[0].ID != 1 || included[1].ID != 3 {
		t.Fatalf("Included = %+v", included)
	}
	if used != 110 {
		t.Errorf("Used = %d, want 110", used)
	}
	if used+overheadXML > 250 {
		t.Errorf("Budget exceeded: %d", used+overheadXML)
	}
}

func TestPackBudgetSmallerThanOverhead(t *testing.T) {
	included, used := pack([]Memory{{ID: 1, Content: "x"}}, 40, FormatXML)
	if included != nil || used != 0 {
		t.Errorf("Pack = %v, %d", included, used)
	}
}

func TestEstimateTokens(t *testing.T) {
	cases := map[string]int{"": 0, "abc": 1, "abcd": 1, "abcde": 2}
	for in, want := range cases {
		if got := EstimateTokens(in); got != want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestBuildContextEndToEnd(t *testing.T) {
	s := newAssembleTestStore(t)
	ctx := context.Background()

	if _, err := s.Run(ctx,
		`INSERT INTO learnings (project_id, title, content, confidence)
		 VALUES (1, 'Always use parameterized queries', 'String concatenation into SQL broke twice', 2.0)`); err != nil {
		t.Fatalf("Learning insert failed: %v", err)
	}
	if _, err := s.Run(ctx,
		`INSERT INTO decisions (project_id, title, decision)
		 VALUES (1, 'Database access', 'All queries go through the store layer with parameterized statements')`); err != nil {
		t.Fatalf("Decision insert failed: %v", err)
	}

	a := NewAssembler(s, nil, nil)
	res, err := a.BuildContext(ctx, Request{
		ProjectID: 1,
		App:       "claude",
		Query:     "parameterized queries",
		Format:    FormatXML,
		MaxTokens: 2000,
	})
	if err != nil {
		t.Fatalf("BuildContext failed: %v", err)
	}
	if len(res.Included) < 2 {
		t.Fatalf("Included = %d: %+v", len(res.Included), res.Included)
	}
	if !strings.Contains(res.Output, "<muninn-context") || !strings.Contains(res.Output, "parameterized") {
		t.Errorf("Output wrong:\n%s", res.Output)
	}
	if res.TokenCount+overheadXML > 2000 {
		t.Errorf("Budget exceeded: %d", res.TokenCount)
	}

	// The raw prompt never lands in the log, only its hash.
	logRow, err := s.Get(ctx, "SELECT prompt_hash, memory_ids FROM context_log WHERE project_id = 1")
	if err != nil || logRow == nil {
		t.Fatalf("Context log missing: %v", err)
	}
	if len(logRow.String("prompt_hash")) != 64 {
		t.Errorf("prompt_hash = %q", logRow.String("prompt_hash"))
	}
	if strings.Contains(logRow.String("prompt_hash"), "parameterized") {
		t.Error("Raw prompt leaked into log")
	}

	n, _ := s.Get(ctx, "SELECT COUNT(*) AS n FROM context_injections WHERE project_id = 1")
	if int(n.Int("n")) != len(res.Included) {
		t.Errorf("Injections = %d, want %d", n.Int("n"), len(res.Included))
	}
}

func TestBuildContextNoMatches(t *testing.T) {
	s := newAssembleTestStore(t)
	a := NewAssembler(s, nil, nil)

	res, err := a.BuildContext(context.Background(), Request{
		ProjectID: 1, App: "claude", Query: "zzzunmatchable", Format: FormatNative,
	})
	if err != nil {
		t.Fatalf("BuildContext failed: %v", err)
	}
	if len(res.Included) != 0 || res.TokenCount != 0 {
		t.Errorf("Result = %+v", res)
	}
}
