package outcomes

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"muninn/internal/logging"
	"muninn/internal/store"
)

// trigramLen is the model's context window over tool names.
const trigramLen = 3

// modelSessionWindow bounds how far back model building looks.
const modelSessionWindow = 50

// minObservations skips sequences seen too rarely to predict from.
const minObservations = 2

// minUsefulConfidence hides predictions weaker than a coin flip plus margin.
const minUsefulConfidence = 0.5

// predictionTTL and predictionCacheCap bound the in-process cache.
const (
	predictionTTL      = 60 * time.Second
	predictionCacheCap = 100
)

// Prediction is one next-tool forecast.
type Prediction struct {
	PredictedTool string  `json:"predictedTool"`
	Confidence    float64 `json:"confidence"`
}

type cachedPrediction struct {
	pred      *Prediction
	expiresAt time.Time
}

// WorkflowPredictor owns the prediction cache. One instance per process;
// Reset exists for tests and for model rebuilds.
type WorkflowPredictor struct {
	store store.Store
	mu    sync.Mutex
	cache map[string]cachedPrediction
	now   func() time.Time
}

// NewWorkflowPredictor creates a predictor over the shared store.
func NewWorkflowPredictor(s store.Store) *WorkflowPredictor {
	return &WorkflowPredictor{
		store: s,
		cache: make(map[string]cachedPrediction),
		now:   time.Now,
	}
}

// Reset clears the cache.
func (wp *WorkflowPredictor) Reset() {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	wp.cache = make(map[string]cachedPrediction)
}

// BuildModel recomputes trigram frequencies from tool calls in the last 50
// sessions and replaces the project's workflow_predictions. Intended cadence
// is every ~10 sessions via the work queue.
func (wp *WorkflowPredictor) BuildModel(ctx context.Context, projectID int64) error {
	timer := logging.StartTimer(logging.CategoryOutcomes, "BuildWorkflowModel")
	defer timer.Stop()

	rows, err := wp.store.All(ctx,
		`SELECT tc.session_id, tc.tool_name FROM tool_calls tc
		 WHERE tc.project_id = ? AND tc.session_id IN (
			SELECT id FROM sessions WHERE project_id = ? ORDER BY started_at DESC LIMIT ?)
		 ORDER BY tc.session_id, tc.created_at`,
		projectID, projectID, modelSessionWindow)
	if err != nil {
		return fmt.Errorf("tool call pull failed: %w", err)
	}

	// trigram key -> next tool -> count
	counts := make(map[string]map[string]int64)
	var window []string
	var lastSession int64 = -1

	for _, row := range rows {
		sid := row.Int("session_id")
		if sid != lastSession {
			window = nil
			lastSession = sid
		}
		tool := row.String("tool_name")
		if len(window) == trigramLen {
			key := TrigramKey(window)
			if counts[key] == nil {
				counts[key] = make(map[string]int64)
			}
			counts[key][tool]++
		}
		window = append(window, tool)
		if len(window) > trigramLen {
			window = window[1:]
		}
	}

	var stmts []store.Statement
	stmts = append(stmts, store.Statement{
		SQL:  "DELETE FROM workflow_predictions WHERE project_id = ?",
		Args: []interface{}{projectID},
	})
	kept := 0
	for key, nexts := range counts {
		var total int64
		for _, n := range nexts {
			total += n
		}
		for tool, correct := range nexts {
			if correct < minObservations {
				continue
			}
			confidence := laplace(correct, total)
			stmts = append(stmts, store.Statement{
				SQL: `INSERT INTO workflow_predictions (project_id, trigger_sequence, predicted_tool, times_correct, times_total, confidence)
				      VALUES (?, ?, ?, ?, ?, ?)`,
				Args: []interface{}{projectID, key, tool, correct, total, confidence},
			})
			kept++
		}
	}
	if err := wp.store.Batch(ctx, stmts); err != nil {
		return fmt.Errorf("workflow model replace failed: %w", err)
	}

	wp.Reset()
	logging.Outcomes("Workflow model rebuilt for project %d (%d predictions)", projectID, kept)
	return nil
}

// PredictNextAction returns the strongest prediction for the given recent
// tool sequence, or nil below the usefulness floor. Results are cached for
// 60 seconds per trigram.
func (wp *WorkflowPredictor) PredictNextAction(ctx context.Context, projectID int64, recentTools []string) (*Prediction, error) {
	if len(recentTools) < trigramLen {
		return nil, nil
	}
	key := TrigramKey(recentTools[len(recentTools)-trigramLen:])
	cacheKey := fmt.Sprintf("%d|%s", projectID, key)

	wp.mu.Lock()
	if entry, ok := wp.cache[cacheKey]; ok && wp.now().Before(entry.expiresAt) {
		wp.mu.Unlock()
		return entry.pred, nil
	}
	wp.mu.Unlock()

	row, err := wp.store.Get(ctx,
		`SELECT predicted_tool, confidence FROM workflow_predictions
		 WHERE project_id = ? AND trigger_sequence = ?
		 ORDER BY confidence DESC, times_total DESC LIMIT 1`,
		projectID, key)
	if err != nil {
		return nil, err
	}

	var pred *Prediction
	if row != nil && row.Float("confidence") >= minUsefulConfidence {
		pred = &Prediction{
			PredictedTool: row.String("predicted_tool"),
			Confidence:    row.Float("confidence"),
		}
	}
	wp.cachePut(cacheKey, pred)
	return pred, nil
}

// cachePut stores an entry, evicting expired entries first and an arbitrary
// one when still over capacity.
func (wp *WorkflowPredictor) cachePut(key string, pred *Prediction) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if len(wp.cache) >= predictionCacheCap {
		now := wp.now()
		for k, v := range wp.cache {
			if now.After(v.expiresAt) {
				delete(wp.cache, k)
			}
		}
		for k := range wp.cache {
			if len(wp.cache) < predictionCacheCap {
				break
			}
			delete(wp.cache, k)
		}
	}
	wp.cache[key] = cachedPrediction{pred: pred, expiresAt: wp.now().Add(predictionTTL)}
}

// TrigramKey serialises a tool sequence into the stored trigger key.
func TrigramKey(tools []string) string {
	raw, _ := json.Marshal(tools)
	return string(raw)
}

// ParseTrigramKey is the inverse of TrigramKey.
func ParseTrigramKey(key string) []string {
	var tools []string
	if err := json.Unmarshal([]byte(key), &tools); err != nil {
		return strings.Split(key, ",")
	}
	return tools
}

// laplace is the smoothed confidence (correct+1)/(total+2).
func laplace(correct, total int64) float64 {
	return float64(correct+1) / float64(total+2)
}
