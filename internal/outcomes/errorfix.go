package outcomes

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"muninn/internal/logging"
	"muninn/internal/store"
)

// fixWindow is how long after an error a commit may count as its fix.
const fixWindow = 30 * time.Minute

// lookupMinConfidence filters weak pairs out of retrieval.
const lookupMinConfidence = 0.4

var fixWordPattern = regexp.MustCompile(`(?i)\bfix\b`)

// FixPair is a persisted error-signature to fix-commit mapping.
type FixPair struct {
	ErrorSignature string
	ErrorType      string
	FixCommitHash  string
	FixDescription string
	FixFiles       []string
	Confidence     float64
	TimesSeen      int64
	TimesFixed     int64
}

// ProcessSessionErrors pairs each error in a session with the earliest commit
// inside the 30-minute fix window that touches the error's source file (any
// file when the source is unknown). Pairs upsert by (project, signature);
// repeat observations bump counters and add 0.1 confidence, capped at 0.95.
func ProcessSessionErrors(ctx context.Context, s store.Store, projectID, sessionID int64) (int, error) {
	timer := logging.StartTimer(logging.CategoryOutcomes, "ProcessSessionErrors")
	defer timer.Stop()

	errRows, err := s.All(ctx,
		`SELECT id, error_signature, error_type, error_message, source_file, created_at
		 FROM error_events WHERE project_id = ? AND session_id = ?
		 ORDER BY created_at ASC`,
		projectID, sessionID)
	if err != nil {
		return 0, fmt.Errorf("session error pull failed: %w", err)
	}
	if len(errRows) == 0 {
		return 0, nil
	}

	// Commits in or shortly after the session window.
	commitRows, err := s.All(ctx,
		`SELECT commit_hash, message, files_changed, committed_at
		 FROM git_commits
		 WHERE project_id = ? AND (session_id = ? OR committed_at >=
			(SELECT started_at FROM sessions WHERE id = ?))
		 ORDER BY committed_at ASC`,
		projectID, sessionID, sessionID)
	if err != nil {
		return 0, fmt.Errorf("session commit pull failed: %w", err)
	}

	paired := 0
	for _, er := range errRows {
		errAt := parseTime(er.String("created_at"))
		sourceFile := er.String("source_file")

		for _, cr := range commitRows {
			commitAt := parseTime(cr.String("committed_at"))
			delta := commitAt.Sub(errAt)
			if delta < 0 || delta > fixWindow {
				continue
			}
			var files []string
			_ = json.Unmarshal([]byte(cr.String("files_changed")), &files)
			if sourceFile != "" && !touchesFile(files, sourceFile) {
				continue
			}

			conf := fixConfidence(delta, cr.String("message"), files, sourceFile)
			if err := upsertFixPair(ctx, s, projectID, sessionID, FixPair{
				ErrorSignature: er.String("error_signature"),
				ErrorType:      er.String("error_type"),
				FixCommitHash:  cr.String("commit_hash"),
				FixDescription: firstLine(cr.String("message")),
				FixFiles:       files,
				Confidence:     conf,
			}, er.String("error_message")); err != nil {
				logging.Get(logging.CategoryOutcomes).Warn("Fix pair upsert failed: %v", err)
				break
			}
			paired++
			break // earliest qualifying commit wins
		}
	}
	if paired > 0 {
		logging.Outcomes("Mapped %d error-fix pairs for session %d", paired, sessionID)
	}
	return paired, nil
}

// fixConfidence scores one (error, commit) pairing. Base 0.5, faster fixes
// and explicit signals add, capped at 0.95.
func fixConfidence(delta time.Duration, message string, files []string, sourceFile string) float64 {
	conf := 0.5
	if delta < 5*time.Minute {
		conf += 0.2
	} else if delta < 15*time.Minute {
		conf += 0.1
	}
	if fixWordPattern.MatchString(message) {
		conf += 0.15
	}
	if sourceFile != "" && touchesFile(files, sourceFile) {
		conf += 0.15
	}
	if conf > 0.95 {
		conf = 0.95
	}
	return conf
}

func upsertFixPair(ctx context.Context, s store.Store, projectID, sessionID int64, p FixPair, example string) error {
	filesJSON, _ := json.Marshal(p.FixFiles)
	_, err := s.Run(ctx,
		`INSERT INTO error_fix_pairs (project_id, error_signature, error_type, error_example, fix_commit_hash, fix_description, fix_files, session_id, confidence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(project_id, error_signature) DO UPDATE SET
			times_seen = times_seen + 1,
			times_fixed = times_fixed + 1,
			fix_commit_hash = excluded.fix_commit_hash,
			fix_description = excluded.fix_description,
			fix_files = excluded.fix_files,
			session_id = excluded.session_id,
			confidence = MIN(0.95, confidence + 0.1),
			last_seen_at = CURRENT_TIMESTAMP`,
		projectID, p.ErrorSignature, p.ErrorType, example, p.FixCommitHash,
		p.FixDescription, string(filesJSON), sessionID, p.Confidence)
	return err
}

// LookupFix returns the highest-confidence known fix for a signature, or nil
// when none reaches the 0.4 floor.
func LookupFix(ctx context.Context, s store.Store, projectID int64, signature string) (*FixPair, error) {
	row, err := s.Get(ctx,
		`SELECT error_signature, error_type, fix_commit_hash, fix_description, fix_files, confidence, times_seen, times_fixed
		 FROM error_fix_pairs
		 WHERE project_id = ? AND error_signature = ? AND confidence >= ?
		 ORDER BY confidence DESC LIMIT 1`,
		projectID, signature, lookupMinConfidence)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	var files []string
	_ = json.Unmarshal([]byte(row.String("fix_files")), &files)
	return &FixPair{
		ErrorSignature: row.String("error_signature"),
		ErrorType:      row.String("error_type"),
		FixCommitHash:  row.String("fix_commit_hash"),
		FixDescription: row.String("fix_description"),
		FixFiles:       files,
		Confidence:     row.Float("confidence"),
		TimesSeen:      row.Int("times_seen"),
		TimesFixed:     row.Int("times_fixed"),
	}, nil
}

func touchesFile(files []string, target string) bool {
	for _, f := range files {
		if f == target {
			return true
		}
	}
	return false
}

// parseTime accepts the two timestamp shapes SQLite hands back.
func parseTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05Z07:00"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
