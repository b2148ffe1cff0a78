package outcomes

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"muninn/internal/logging"
	"muninn/internal/store"
)

// Revert message patterns, tried in order.
var (
	reGitRevert    = regexp.MustCompile(`^Revert "(.+)"`)
	reRevertHash   = regexp.MustCompile(`(?i)\brevert(?:s|ed)?\s+([0-9a-f]{7,40})\b`)
	reRevertPrefix = regexp.MustCompile(`(?i)^revert[: -]`)
)

// DetectReverts scans commits that have no revert_events row, records any
// revert it recognises, and applies the impact: shrink confidence of
// learnings from the reverted session and flag overlapping decisions for
// review.
func DetectReverts(ctx context.Context, s store.Store, projectID int64) (int, error) {
	rows, err := s.All(ctx,
		`SELECT c.id, c.commit_hash, c.message, c.files_changed
		 FROM git_commits c
		 LEFT JOIN revert_events r ON r.project_id = c.project_id AND r.revert_commit_hash = c.commit_hash
		 WHERE c.project_id = ? AND r.id IS NULL
		 ORDER BY c.committed_at ASC`,
		projectID)
	if err != nil {
		return 0, fmt.Errorf("revert scan pull failed: %w", err)
	}

	detected := 0
	for _, row := range rows {
		message := row.String("message")
		pattern, hint := matchRevert(message)
		if pattern == "" {
			continue
		}

		original := resolveOriginal(ctx, s, projectID, pattern, hint, row.String("commit_hash"))
		var originalHash interface{}
		if original != nil {
			originalHash = original.String("commit_hash")
		}

		if _, err := s.Run(ctx,
			`INSERT INTO revert_events (project_id, revert_commit_hash, original_commit_hash, pattern, processed)
			 VALUES (?, ?, ?, ?, 1)
			 ON CONFLICT(project_id, revert_commit_hash) DO NOTHING`,
			projectID, row.String("commit_hash"), originalHash, pattern); err != nil {
			logging.Get(logging.CategoryOutcomes).Warn("Revert event insert failed: %v", err)
			continue
		}
		detected++

		if original != nil {
			applyRevertImpact(ctx, s, projectID, original, row.String("files_changed"))
		}
	}
	if detected > 0 {
		logging.Outcomes("Detected %d reverts for project %d", detected, projectID)
	}
	return detected, nil
}

// matchRevert classifies a commit message. Returns ("", "") for non-reverts;
// otherwise the pattern name and the resolution hint (subject or hash).
func matchRevert(message string) (pattern, hint string) {
	subject := firstLine(message)
	if m := reGitRevert.FindStringSubmatch(subject); m != nil {
		return "git_revert", m[1]
	}
	if m := reRevertHash.FindStringSubmatch(subject); m != nil {
		return "hash_reference", m[1]
	}
	if reRevertPrefix.MatchString(subject) {
		return "prefix", strings.TrimSpace(reRevertPrefix.ReplaceAllString(subject, ""))
	}
	return "", ""
}

// resolveOriginal finds the reverted commit by hash prefix or message
// substring, excluding the revert commit itself.
func resolveOriginal(ctx context.Context, s store.Store, projectID int64, pattern, hint, revertHash string) store.Row {
	if hint == "" {
		return nil
	}
	if pattern == "hash_reference" {
		row, err := s.Get(ctx,
			`SELECT commit_hash, session_id, files_changed FROM git_commits
			 WHERE project_id = ? AND commit_hash LIKE ? AND commit_hash != ?
			 ORDER BY committed_at DESC LIMIT 1`,
			projectID, hint+"%", revertHash)
		if err != nil {
			return nil
		}
		return row
	}
	row, err := s.Get(ctx,
		`SELECT commit_hash, session_id, files_changed FROM git_commits
		 WHERE project_id = ? AND message LIKE ? AND commit_hash != ?
		 ORDER BY committed_at DESC LIMIT 1`,
		projectID, "%"+hint+"%", revertHash)
	if err != nil {
		return nil
	}
	return row
}

// applyRevertImpact penalises knowledge derived from the reverted work:
// learnings linked to the original session lose 30% confidence (floor 1),
// decisions whose affects overlap the reverted files go to needs_review.
func applyRevertImpact(ctx context.Context, s store.Store, projectID int64, original store.Row, revertedFilesJSON string) {
	if sessionID := original.Int("session_id"); sessionID > 0 {
		if _, err := s.Run(ctx,
			`UPDATE learnings SET confidence = MAX(1, confidence * 0.7), updated_at = CURRENT_TIMESTAMP
			 WHERE project_id = ? AND id IN (
				SELECT source_id FROM relationships
				WHERE source_type = 'learning' AND target_type = 'session' AND target_id = ?)`,
			projectID, sessionID); err != nil {
			logging.OutcomesDebug("Learning confidence reduction failed: %v", err)
		}
	}

	var reverted []string
	_ = json.Unmarshal([]byte(original.String("files_changed")), &reverted)
	if revertedFilesJSON != "" {
		var alsoReverted []string
		if json.Unmarshal([]byte(revertedFilesJSON), &alsoReverted) == nil {
			reverted = append(reverted, alsoReverted...)
		}
	}
	if len(reverted) == 0 {
		return
	}

	decisionRows, err := s.All(ctx,
		"SELECT id, affects FROM decisions WHERE project_id = ? AND status = 'active'", projectID)
	if err != nil {
		return
	}
	for _, d := range decisionRows {
		var affects []string
		if json.Unmarshal([]byte(d.String("affects")), &affects) != nil {
			continue
		}
		if !anyOverlap(affects, reverted) {
			continue
		}
		if _, err := s.Run(ctx,
			`UPDATE decisions SET outcome_status = 'needs_review', updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
			d.Int("id")); err != nil {
			logging.OutcomesDebug("Decision review flag failed: %v", err)
		}
	}
}

func anyOverlap(a, b []string) bool {
	set := make(map[string]bool, len(a))
	for _, x := range a {
		set[x] = true
	}
	for _, y := range b {
		if set[y] {
			return true
		}
	}
	return false
}
