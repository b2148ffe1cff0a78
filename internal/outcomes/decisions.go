package outcomes

import (
	"context"
	"encoding/json"
	"fmt"

	"muninn/internal/logging"
	"muninn/internal/store"
)

// decisionSettlingDays is how long a decision must survive untouched before
// it can settle to successful.
const decisionSettlingDays = 14

// TrackDecisionOutcomes settles pending decision outcomes from observable
// evidence: a decision flagged needs_review stays put; one whose affected
// files accumulated open issues goes to failed; one that survived the
// settling window with clean files goes to successful.
func TrackDecisionOutcomes(ctx context.Context, s store.Store, projectID int64) (int, error) {
	rows, err := s.All(ctx,
		`SELECT id, affects FROM decisions
		 WHERE project_id = ? AND status = 'active' AND outcome_status = 'pending'
		   AND created_at < datetime('now', ?)`,
		projectID, fmt.Sprintf("-%d days", decisionSettlingDays))
	if err != nil {
		return 0, fmt.Errorf("pending decision pull failed: %w", err)
	}

	settled := 0
	for _, row := range rows {
		var affects []string
		_ = json.Unmarshal([]byte(row.String("affects")), &affects)

		outcome := "successful"
		notes := "No issues observed in affected files since the decision."
		if n := openIssuesTouching(ctx, s, projectID, affects); n > 0 {
			outcome = "failed"
			notes = fmt.Sprintf("%d open issues touch the affected files.", n)
		}

		if _, err := s.Run(ctx,
			`UPDATE decisions SET outcome_status = ?, outcome_notes = ?, updated_at = CURRENT_TIMESTAMP
			 WHERE id = ? AND outcome_status = 'pending'`,
			outcome, notes, row.Int("id")); err != nil {
			logging.Get(logging.CategoryOutcomes).Warn("Decision outcome update failed: %v", err)
			continue
		}
		settled++
	}
	if settled > 0 {
		logging.Outcomes("Settled %d decision outcomes for project %d", settled, projectID)
	}
	return settled, nil
}

func openIssuesTouching(ctx context.Context, s store.Store, projectID int64, files []string) int {
	if len(files) == 0 {
		return 0
	}
	rows, err := s.All(ctx,
		"SELECT affected_files FROM issues WHERE project_id = ? AND status = 'open'", projectID)
	if err != nil {
		return 0
	}
	n := 0
	for _, row := range rows {
		var affected []string
		if json.Unmarshal([]byte(row.String("affected_files")), &affected) != nil {
			continue
		}
		if anyOverlap(files, affected) {
			n++
		}
	}
	return n
}

// CalibrateConfidence compares each learning's confidence against its
// observed injection hit rate and nudges outliers toward the evidence.
// Only learnings with at least five injections are calibrated.
func CalibrateConfidence(ctx context.Context, s store.Store, projectID int64) (int, error) {
	rows, err := s.All(ctx,
		`SELECT l.id, l.confidence, l.times_applied,
			COUNT(ci.id) AS injections,
			SUM(CASE WHEN ci.relevance_signal = 'positive' THEN 1 ELSE 0 END) AS hits
		 FROM learnings l
		 JOIN context_injections ci ON ci.source_type = 'learning' AND ci.source_id = l.id
		 WHERE l.project_id = ? AND l.archived_at IS NULL AND ci.relevance_signal IS NOT NULL
		 GROUP BY l.id HAVING injections >= 5`,
		projectID)
	if err != nil {
		return 0, fmt.Errorf("calibration pull failed: %w", err)
	}

	calibrated := 0
	for _, row := range rows {
		hitRate := float64(row.Int("hits")) / float64(row.Int("injections"))
		// Map hit rate onto the confidence scale and move a third of the way.
		target := confidenceFloor + hitRate*(confidenceCeil-confidenceFloor)
		current := row.Float("confidence")
		next := clampConfidence(current + (target-current)/3)
		if next == current {
			continue
		}
		if _, err := s.Run(ctx,
			"UPDATE learnings SET confidence = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
			next, row.Int("id")); err != nil {
			logging.OutcomesDebug("Calibration update failed for learning %d: %v", row.Int("id"), err)
			continue
		}
		calibrated++
	}
	if calibrated > 0 {
		logging.Outcomes("Calibrated %d learning confidences for project %d", calibrated, projectID)
	}
	return calibrated, nil
}

// ProcessContextFeedback reacts to explicit relevance signals: sources with
// three or more negative signals and no positives get flagged as stale via
// an insight, so the assembler can tag them.
func ProcessContextFeedback(ctx context.Context, s store.Store, projectID int64) error {
	rows, err := s.All(ctx,
		`SELECT source_type, source_id,
			SUM(CASE WHEN relevance_signal = 'negative' THEN 1 ELSE 0 END) AS negatives,
			SUM(CASE WHEN relevance_signal = 'positive' THEN 1 ELSE 0 END) AS positives
		 FROM context_injections
		 WHERE project_id = ? AND relevance_signal IS NOT NULL
		 GROUP BY source_type, source_id
		 HAVING negatives >= 3 AND positives = 0`,
		projectID)
	if err != nil {
		return fmt.Errorf("feedback pull failed: %w", err)
	}

	for _, row := range rows {
		upsertInsight(ctx, s, projectID, "stale_context",
			fmt.Sprintf("%s %d was repeatedly injected without relevance", row.String("source_type"), row.Int("source_id")),
			int(row.Int("negatives")))
	}
	return nil
}

// StaleItemIDs returns the decision/learning ids flagged by feedback
// processing, keyed by source type. The assembler uses this to tag included
// items as possibly stale.
func StaleItemIDs(ctx context.Context, s store.Store, projectID int64) (map[string][]int64, error) {
	rows, err := s.All(ctx,
		`SELECT description FROM insights
		 WHERE project_id = ? AND pattern_type = 'stale_context'`,
		projectID)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]int64)
	for _, row := range rows {
		var sourceType string
		var id int64
		if _, err := fmt.Sscanf(row.String("description"), "%s %d", &sourceType, &id); err == nil {
			out[sourceType] = append(out[sourceType], id)
		}
	}
	return out, nil
}
