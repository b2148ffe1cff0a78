package outcomes

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"path"
	"strings"

	"muninn/internal/logging"
	"muninn/internal/store"
)

// Insight pattern types.
const (
	PatternFileSequence     = "file_sequence"
	PatternErrorRecurrence  = "error_recurrence"
	PatternExplorationWaste = "exploration_waste"
	PatternToolPreference   = "tool_preference"
)

// readTools and writeTools classify tool calls for sequence detection.
var (
	readTools  = map[string]bool{"Read": true, "Grep": true, "Glob": true, "read_file": true, "search": true}
	writeTools = map[string]bool{"Edit": true, "Write": true, "edit_file": true, "write_file": true}
)

// DetectPatterns runs all four behavioural detectors and persists insights.
// Intended cadence is roughly every five sessions via the work queue.
func DetectPatterns(ctx context.Context, s store.Store, projectID int64) error {
	timer := logging.StartTimer(logging.CategoryOutcomes, "DetectPatterns")
	defer timer.Stop()

	detectFileSequences(ctx, s, projectID)
	detectErrorRecurrence(ctx, s, projectID)
	detectExplorationWaste(ctx, s, projectID)
	detectToolPreferences(ctx, s, projectID)
	return nil
}

// detectFileSequences finds "read A then write B" pairs recurring in at least
// five distinct sessions. Same-directory pairs are skipped as trivially
// related.
func detectFileSequences(ctx context.Context, s store.Store, projectID int64) {
	rows, err := s.All(ctx,
		`SELECT session_id, tool_name, files_involved FROM tool_calls
		 WHERE project_id = ? AND session_id IS NOT NULL
		 ORDER BY session_id, created_at`,
		projectID)
	if err != nil {
		logging.OutcomesDebug("File sequence pull failed: %v", err)
		return
	}

	// pair key "readFile -> writtenFile" -> set of sessions
	pairSessions := make(map[string]map[int64]bool)
	var sessionReads []string
	var lastSession int64 = -1

	flushSession := func() { sessionReads = nil }

	for _, row := range rows {
		sid := row.Int("session_id")
		if sid != lastSession {
			flushSession()
			lastSession = sid
		}
		var files []string
		_ = json.Unmarshal([]byte(row.String("files_involved")), &files)
		tool := row.String("tool_name")

		switch {
		case readTools[tool]:
			sessionReads = append(sessionReads, files...)
		case writeTools[tool]:
			for _, written := range files {
				for _, read := range sessionReads {
					if read == written || path.Dir(read) == path.Dir(written) {
						continue
					}
					key := read + " -> " + written
					if pairSessions[key] == nil {
						pairSessions[key] = make(map[int64]bool)
					}
					pairSessions[key][sid] = true
				}
			}
		}
	}

	for key, sessions := range pairSessions {
		n := len(sessions)
		if n < 5 {
			continue
		}
		upsertInsight(ctx, s, projectID, PatternFileSequence,
			fmt.Sprintf("Reading %s usually precedes editing %s",
				strings.Split(key, " -> ")[0], strings.Split(key, " -> ")[1]),
			n)
	}
}

// detectErrorRecurrence surfaces signatures seen at least three times with no
// known fix, auto-filing an issue at five occurrences.
func detectErrorRecurrence(ctx context.Context, s store.Store, projectID int64) {
	rows, err := s.All(ctx,
		`SELECT e.error_signature, e.error_type, COUNT(*) AS n
		 FROM error_events e
		 LEFT JOIN error_fix_pairs f
			ON f.project_id = e.project_id AND f.error_signature = e.error_signature
			AND f.confidence >= 0.4
		 WHERE e.project_id = ? AND f.id IS NULL
		 GROUP BY e.error_signature, e.error_type
		 HAVING n >= 3`,
		projectID)
	if err != nil {
		logging.OutcomesDebug("Error recurrence pull failed: %v", err)
		return
	}

	for _, row := range rows {
		sig := row.String("error_signature")
		n := row.Int("n")
		upsertInsight(ctx, s, projectID, PatternErrorRecurrence,
			fmt.Sprintf("Error recurs without a known fix: %s", sig), int(n))

		if n >= 5 {
			severity := 5 + n/3
			if severity > 8 {
				severity = 8
			}
			title := "Recurring unfixed error: " + truncateStr(sig, 80)
			existing, err := s.Get(ctx,
				"SELECT id FROM issues WHERE project_id = ? AND title = ? AND status = 'open'",
				projectID, title)
			if err != nil || existing != nil {
				continue
			}
			if _, err := s.Run(ctx,
				`INSERT INTO issues (project_id, title, description, type, severity)
				 VALUES (?, ?, ?, 'bug', ?)`,
				projectID, title,
				fmt.Sprintf("Seen %d times (%s) with no fix commit identified.", n, row.String("error_type")),
				severity); err != nil {
				logging.OutcomesDebug("Auto-issue insert failed: %v", err)
			}
		}
	}
}

// detectExplorationWaste flags runs of recent sessions that read heavily but
// barely write.
func detectExplorationWaste(ctx context.Context, s store.Store, projectID int64) {
	rows, err := s.All(ctx,
		`SELECT tc.session_id,
			SUM(CASE WHEN tc.tool_name IN ('Read','Grep','Glob','read_file','search') THEN 1 ELSE 0 END) AS reads,
			SUM(CASE WHEN tc.tool_name IN ('Edit','Write','edit_file','write_file') THEN 1 ELSE 0 END) AS writes
		 FROM tool_calls tc
		 JOIN sessions se ON se.id = tc.session_id
		 WHERE tc.project_id = ? AND se.ended_at IS NOT NULL
		 GROUP BY tc.session_id
		 ORDER BY tc.session_id DESC LIMIT 10`,
		projectID)
	if err != nil {
		logging.OutcomesDebug("Exploration waste pull failed: %v", err)
		return
	}

	wasted := 0
	for _, row := range rows {
		if row.Int("reads") > 10 && row.Int("writes") <= 1 {
			wasted++
		}
	}
	if wasted >= 3 {
		upsertInsight(ctx, s, projectID, PatternExplorationWaste,
			fmt.Sprintf("%d recent sessions explored heavily (10+ reads) with at most one write", wasted),
			wasted)
	}
}

// detectToolPreferences records tools taking at least 30% of a project's
// calls, both as insights and as developer_profile rows.
func detectToolPreferences(ctx context.Context, s store.Store, projectID int64) {
	rows, err := s.All(ctx,
		`SELECT tool_name, COUNT(*) AS n,
			COUNT(*) * 1.0 / (SELECT COUNT(*) FROM tool_calls WHERE project_id = ?) AS share
		 FROM tool_calls WHERE project_id = ?
		 GROUP BY tool_name HAVING share >= 0.3`,
		projectID, projectID)
	if err != nil {
		logging.OutcomesDebug("Tool preference pull failed: %v", err)
		return
	}

	for _, row := range rows {
		tool := row.String("tool_name")
		share := row.Float("share")
		upsertInsight(ctx, s, projectID, PatternToolPreference,
			fmt.Sprintf("%s accounts for %.0f%% of tool calls", tool, share*100),
			int(row.Int("n")))

		if _, err := s.Run(ctx,
			`INSERT INTO developer_profile (project_id, key, value)
			 VALUES (?, ?, ?)
			 ON CONFLICT(project_id, key) DO UPDATE SET
				value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
			projectID, "preferred_tool:"+tool, fmt.Sprintf("%.2f", share)); err != nil {
			logging.OutcomesDebug("Developer profile upsert failed: %v", err)
		}
	}
}

// upsertInsight writes one insight with confidence derived from evidence
// count, saturating toward 1.0.
func upsertInsight(ctx context.Context, s store.Store, projectID int64, patternType, description string, evidence int) {
	confidence := 1.0 - 1.0/math.Sqrt(float64(evidence)+1)
	_, err := s.Run(ctx,
		`INSERT INTO insights (project_id, pattern_type, description, evidence_count, confidence)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(project_id, pattern_type, description) DO UPDATE SET
			evidence_count = excluded.evidence_count,
			confidence = excluded.confidence`,
		projectID, patternType, description, evidence, confidence)
	if err != nil {
		logging.OutcomesDebug("Insight upsert failed: %v", err)
	}
}

func truncateStr(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
