// Package ingest turns external events (tool calls, git commits, error
// output) into durable rows and queued jobs. All recording paths here are
// best-effort: a failure to log must never fail the tool that triggered it.
package ingest

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"muninn/internal/logging"
	"muninn/internal/store"
)

// inputSummaryCap bounds the persisted JSON input summary.
const inputSummaryCap = 500

// ToolCall is one observed tool invocation.
type ToolCall struct {
	ProjectID  int64
	SessionID  int64 // 0 when no session
	ToolName   string
	RawInput   json.RawMessage
	Success    bool
	DurationMS int64
	ErrorMsg   string
}

// Recorder owns the fire-and-forget ingestion channel. Writes are handed to
// a single background goroutine through a bounded channel; when the channel
// is full the event is dropped and counted rather than blocking the tool.
type Recorder struct {
	store   store.Store
	tasks   chan func(context.Context)
	dropped atomic.Int64
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	once    sync.Once
}

// NewRecorder starts the background writer.
func NewRecorder(s store.Store) *Recorder {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Recorder{
		store:  s,
		tasks:  make(chan func(context.Context), 256),
		cancel: cancel,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case task := <-r.tasks:
				task(ctx)
			}
		}
	}()
	return r
}

// Close drains nothing; pending tasks beyond the current one are abandoned.
func (r *Recorder) Close() {
	r.once.Do(func() {
		r.cancel()
		r.wg.Wait()
	})
}

// Dropped reports how many events were discarded under backpressure.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// submit enqueues a best-effort write, dropping on overload.
func (r *Recorder) submit(task func(context.Context)) {
	select {
	case r.tasks <- task:
	default:
		r.dropped.Add(1)
	}
}

// LogToolCall records a completed tool call, fire-and-forget.
func (r *Recorder) LogToolCall(call ToolCall) {
	files := ExtractFilePaths(call.RawInput)
	summary := SummarizeInput(call.RawInput)
	r.submit(func(ctx context.Context) {
		filesJSON, _ := json.Marshal(files)
		success := 0
		if call.Success {
			success = 1
		}
		var sessionID interface{}
		if call.SessionID > 0 {
			sessionID = call.SessionID
		}
		var errMsg interface{}
		if call.ErrorMsg != "" {
			errMsg = call.ErrorMsg
		}
		_, err := r.store.Run(ctx,
			`INSERT INTO tool_calls (project_id, session_id, tool_name, input_summary, files_involved, success, duration_ms, error_message)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			call.ProjectID, sessionID, call.ToolName, summary, string(filesJSON), success, call.DurationMS, errMsg)
		if err != nil {
			logging.Get(logging.CategoryIngest).Warn("Tool call log failed: %v", err)
			return
		}
		r.touchFiles(ctx, call.ProjectID, files)
	})
}

// touchFiles bumps last_referenced_at for files named in a tool call,
// creating the rows on first reference.
func (r *Recorder) touchFiles(ctx context.Context, projectID int64, paths []string) {
	for _, p := range paths {
		_, err := r.store.Run(ctx,
			`INSERT INTO files (project_id, path, last_referenced_at) VALUES (?, ?, CURRENT_TIMESTAMP)
			 ON CONFLICT(project_id, path) DO UPDATE SET last_referenced_at = CURRENT_TIMESTAMP`,
			projectID, p)
		if err != nil {
			logging.IngestDebug("File touch failed for %s: %v", p, err)
		}
	}
}

// EnsureProject returns the project id for a working directory, creating the
// row on first reference. Projects are never destroyed by the engine.
func EnsureProject(ctx context.Context, s store.Store, path string) (int64, error) {
	row, err := s.Get(ctx, "SELECT id FROM projects WHERE path = ?", path)
	if err != nil {
		return 0, err
	}
	if row != nil {
		return row.Int("id"), nil
	}
	name := path
	if i := strings.LastIndexAny(path, "/\\"); i >= 0 && i < len(path)-1 {
		name = path[i+1:]
	}
	res, err := s.Run(ctx, "INSERT INTO projects (path, name) VALUES (?, ?)", path, name)
	if err != nil {
		// Lost a race with another insert; read back.
		row, getErr := s.Get(ctx, "SELECT id FROM projects WHERE path = ?", path)
		if getErr == nil && row != nil {
			return row.Int("id"), nil
		}
		return 0, err
	}
	logging.Ingest("Created project %d for %s", res.LastInsertID, path)
	return res.LastInsertID, nil
}

// ExtractFilePaths pulls file paths from a tool-specific argument shape:
// "path" and "file_path" string fields, "files" arrays, and file_path
// fields embedded inside JSON-valued strings (enrichment requests).
// Duplicates within a single call are removed, first occurrence wins.
func ExtractFilePaths(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var root interface{}
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil
	}

	seen := make(map[string]bool)
	var out []string
	add := func(p string) {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			return
		}
		seen[p] = true
		out = append(out, p)
	}

	var walk func(node interface{}, depth int)
	walk = func(node interface{}, depth int) {
		if depth > 4 {
			return
		}
		switch v := node.(type) {
		case map[string]interface{}:
			for key, val := range v {
				switch key {
				case "path", "file_path":
					if s, ok := val.(string); ok {
						add(s)
					}
				case "files":
					if arr, ok := val.([]interface{}); ok {
						for _, item := range arr {
							if s, ok := item.(string); ok {
								add(s)
							}
						}
					}
				default:
					// Enrichment requests embed tool input as a JSON string.
					if s, ok := val.(string); ok && strings.HasPrefix(strings.TrimSpace(s), "{") {
						var nested interface{}
						if err := json.Unmarshal([]byte(s), &nested); err == nil {
							walk(nested, depth+1)
						}
						continue
					}
					walk(val, depth+1)
				}
			}
		case []interface{}:
			for _, item := range v {
				walk(item, depth+1)
			}
		}
	}
	walk(root, 0)
	return out
}

// SummarizeInput compacts the raw JSON input to at most 500 characters.
func SummarizeInput(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > inputSummaryCap {
		return s[:inputSummaryCap]
	}
	return s
}

// RefreshTemperatures demotes files with no commit or tool-call reference in
// the hot window. hot -> warm after hotDays, warm -> cold after 3x.
func RefreshTemperatures(ctx context.Context, s store.Store, projectID int64, hotDays int) {
	if hotDays <= 0 {
		hotDays = 14
	}
	warmCutoff := time.Now().UTC().AddDate(0, 0, -hotDays).Format(time.RFC3339)
	coldCutoff := time.Now().UTC().AddDate(0, 0, -3*hotDays).Format(time.RFC3339)

	if _, err := s.Run(ctx,
		`UPDATE files SET temperature = 'warm'
		 WHERE project_id = ? AND temperature = 'hot'
		   AND COALESCE(last_referenced_at, updated_at) < ?`,
		projectID, warmCutoff); err != nil {
		logging.IngestDebug("Temperature demotion (warm) failed: %v", err)
	}
	if _, err := s.Run(ctx,
		`UPDATE files SET temperature = 'cold'
		 WHERE project_id = ? AND temperature = 'warm'
		   AND COALESCE(last_referenced_at, updated_at) < ?`,
		projectID, coldCutoff); err != nil {
		logging.IngestDebug("Temperature demotion (cold) failed: %v", err)
	}
}
