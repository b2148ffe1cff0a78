package assemble

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"muninn/internal/logging"
	"muninn/internal/store"
)

// intentTTL is how long a declared intent stays active.
const intentTTL = 30 * time.Minute

// Intent is one active multi-agent work declaration.
type Intent struct {
	ID          string    `json:"id"`
	Agent       string    `json:"agent"`
	IntentType  string    `json:"intent_type"`
	Description string    `json:"description"`
	TargetFiles []string  `json:"target_files"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Conflict pairs a declared intent with the overlapping files.
type Conflict struct {
	Intent       Intent   `json:"intent"`
	Overlapping  []string `json:"overlapping_files"`
}

// DeclareIntent registers upcoming file activity for an agent and reports
// conflicts with other agents' active intents. Expired intents are swept on
// every call.
func DeclareIntent(ctx context.Context, s store.Store, projectID int64, agent, intentType, description string, files []string) (*Intent, []Conflict, error) {
	sweepExpired(ctx, s, projectID)

	conflicts, err := findConflicts(ctx, s, projectID, agent, files)
	if err != nil {
		return nil, nil, err
	}

	intent := &Intent{
		ID:          uuid.NewString(),
		Agent:       agent,
		IntentType:  intentType,
		Description: description,
		TargetFiles: files,
		ExpiresAt:   time.Now().UTC().Add(intentTTL),
	}
	filesJSON, _ := json.Marshal(files)
	_, err = s.Run(ctx,
		`INSERT INTO agent_intents (id, project_id, agent, intent_type, description, target_files, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		intent.ID, projectID, agent, intentType, description, string(filesJSON),
		intent.ExpiresAt.Format(time.RFC3339))
	if err != nil {
		return nil, nil, fmt.Errorf("intent insert failed: %w", err)
	}
	logging.Assemble("Agent %s declared %s intent over %d files (%d conflicts)",
		agent, intentType, len(files), len(conflicts))
	return intent, conflicts, nil
}

// QueryIntents lists active intents, optionally excluding one agent's own.
func QueryIntents(ctx context.Context, s store.Store, projectID int64, excludeAgent string) ([]Intent, error) {
	sweepExpired(ctx, s, projectID)

	query := `SELECT id, agent, intent_type, description, target_files, expires_at
		FROM agent_intents WHERE project_id = ? AND expires_at > ?`
	args := []interface{}{projectID, time.Now().UTC().Format(time.RFC3339)}
	if excludeAgent != "" {
		query += " AND agent != ?"
		args = append(args, excludeAgent)
	}
	rows, err := s.All(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	out := make([]Intent, 0, len(rows))
	for _, row := range rows {
		out = append(out, rowToIntent(row))
	}
	return out, nil
}

// ReleaseIntent removes a declared intent before its TTL.
func ReleaseIntent(ctx context.Context, s store.Store, intentID string) error {
	res, err := s.Run(ctx, "DELETE FROM agent_intents WHERE id = ?", intentID)
	if err != nil {
		return err
	}
	if res.Changes == 0 {
		return fmt.Errorf("no intent with id %s", intentID)
	}
	return nil
}

// findConflicts returns other agents' active intents whose target files
// intersect the proposed set.
func findConflicts(ctx context.Context, s store.Store, projectID int64, agent string, files []string) ([]Conflict, error) {
	others, err := QueryIntents(ctx, s, projectID, agent)
	if err != nil {
		return nil, err
	}

	proposed := make(map[string]bool, len(files))
	for _, f := range files {
		proposed[f] = true
	}

	var conflicts []Conflict
	for _, other := range others {
		var overlap []string
		for _, f := range other.TargetFiles {
			if proposed[f] {
				overlap = append(overlap, f)
			}
		}
		if len(overlap) > 0 {
			conflicts = append(conflicts, Conflict{Intent: other, Overlapping: overlap})
		}
	}
	return conflicts, nil
}

func sweepExpired(ctx context.Context, s store.Store, projectID int64) {
	if _, err := s.Run(ctx,
		"DELETE FROM agent_intents WHERE project_id = ? AND expires_at <= ?",
		projectID, time.Now().UTC().Format(time.RFC3339)); err != nil {
		logging.AssembleDebug("Intent sweep failed: %v", err)
	}
}

func rowToIntent(row store.Row) Intent {
	var files []string
	_ = json.Unmarshal([]byte(row.String("target_files")), &files)
	expires, _ := time.Parse(time.RFC3339, row.String("expires_at"))
	return Intent{
		ID:          row.String("id"),
		Agent:       row.String("agent"),
		IntentType:  row.String("intent_type"),
		Description: row.String("description"),
		TargetFiles: files,
		ExpiresAt:   expires,
	}
}
