package outcomes

import (
	"context"
	"fmt"
	"math"

	"muninn/internal/logging"
	"muninn/internal/store"
)

// Reinforcement bases per signal.
const (
	reinforcePositive = 0.3
	reinforceNegative = -0.4
	reinforceNeutral  = 0.0
	decayBase         = -0.1
)

// Confidence bounds for learnings.
const (
	confidenceFloor = 0.5
	confidenceCeil  = 10.0
)

// decayBatchLimit caps how many stale learnings one pass touches.
const decayBatchLimit = 20

// ReinforceSessionLearnings adjusts the confidence of every learning injected
// into a just-ended session. The signal is the explicit relevance_signal when
// present, otherwise derived from session success (2 positive, 0 negative,
// 1 neutral). Deltas damp with sqrt of times_applied so established learnings
// move slowly.
func ReinforceSessionLearnings(ctx context.Context, s store.Store, projectID, sessionID int64) (int, error) {
	sessionRow, err := s.Get(ctx, "SELECT success FROM sessions WHERE id = ?", sessionID)
	if err != nil {
		return 0, fmt.Errorf("session lookup failed: %w", err)
	}
	derived := "neutral"
	if sessionRow != nil {
		switch sessionRow.Int("success") {
		case 2:
			derived = "positive"
		case 0:
			derived = "negative"
		}
	}

	rows, err := s.All(ctx,
		`SELECT ci.source_id, ci.relevance_signal, l.confidence, l.times_applied
		 FROM context_injections ci
		 JOIN learnings l ON l.id = ci.source_id
		 WHERE ci.session_id = ? AND ci.source_type = 'learning'`,
		sessionID)
	if err != nil {
		return 0, fmt.Errorf("injection pull failed: %w", err)
	}

	reinforced := 0
	for _, row := range rows {
		signal := row.String("relevance_signal")
		if signal == "" {
			signal = derived
		}
		var base float64
		switch signal {
		case "positive":
			base = reinforcePositive
		case "negative":
			base = reinforceNegative
		default:
			base = reinforceNeutral
		}

		delta := base * dampening(row.Int("times_applied"))
		next := clampConfidence(row.Float("confidence") + delta)

		if _, err := s.Run(ctx,
			`UPDATE learnings SET confidence = ?, times_applied = times_applied + 1,
				auto_reinforcement_count = auto_reinforcement_count + 1,
				last_reinforced_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
			 WHERE id = ?`,
			next, row.Int("source_id")); err != nil {
			logging.Get(logging.CategoryOutcomes).Warn("Reinforcement update failed for learning %d: %v",
				row.Int("source_id"), err)
			continue
		}
		reinforced++
	}

	decayed := decayStaleLearnings(ctx, s, projectID)
	if reinforced > 0 || decayed > 0 {
		logging.Outcomes("Reinforced %d learnings, decayed %d (session %d)", reinforced, decayed, sessionID)
	}
	return reinforced, nil
}

// decayStaleLearnings lowers confidence for learnings unreinforced in 30
// days, at most 20 per call.
func decayStaleLearnings(ctx context.Context, s store.Store, projectID int64) int {
	rows, err := s.All(ctx,
		`SELECT id, confidence, times_applied FROM learnings
		 WHERE project_id = ? AND archived_at IS NULL
		   AND COALESCE(last_reinforced_at, created_at) < datetime('now', '-30 days')
		 ORDER BY COALESCE(last_reinforced_at, created_at) ASC
		 LIMIT ?`,
		projectID, decayBatchLimit)
	if err != nil {
		logging.OutcomesDebug("Decay pull failed: %v", err)
		return 0
	}

	decayed := 0
	for _, row := range rows {
		delta := decayBase * dampening(row.Int("times_applied"))
		next := clampConfidence(row.Float("confidence") + delta)
		if _, err := s.Run(ctx,
			`UPDATE learnings SET confidence = ?, last_reinforced_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
			 WHERE id = ?`,
			next, row.Int("id")); err != nil {
			logging.OutcomesDebug("Decay update failed for learning %d: %v", row.Int("id"), err)
			continue
		}
		decayed++
	}
	return decayed
}

// dampening returns 1/sqrt(timesApplied+1).
func dampening(timesApplied int64) float64 {
	return 1.0 / math.Sqrt(float64(timesApplied)+1)
}

func clampConfidence(c float64) float64 {
	if c < confidenceFloor {
		return confidenceFloor
	}
	if c > confidenceCeil {
		return confidenceCeil
	}
	return c
}
