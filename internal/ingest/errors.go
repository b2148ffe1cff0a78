package ingest

import (
	"context"
	"regexp"
	"strings"

	"muninn/internal/logging"
	"muninn/internal/store"
)

// Error types recorded in error_events.
const (
	ErrBuild   = "build_error"
	ErrTest    = "test_failure"
	ErrRuntime = "runtime_error"
	ErrType    = "type_error"
	ErrExit    = "exit_code"
	ErrSyntax  = "syntax_error"
	ErrImport  = "import_error"
)

// signatureCap bounds normalized signatures.
const signatureCap = 200

// dedupWindow suppresses repeats of the same signature.
const dedupWindow = "-1 hour"

// ErrorEvent is one detected error occurrence.
type ErrorEvent struct {
	Type       string
	Message    string
	Signature  string
	SourceFile string
	StackTrace string
}

// errorPattern pairs a recogniser with its error type. Ordered most-specific
// first; the first match per line wins.
type errorPattern struct {
	re      *regexp.Regexp
	errType string
}

var errorPatterns = []errorPattern{
	// TypeScript diagnostics: "src/a.ts(3,5): error TS2345: ..." or "error TS2345: ..."
	{regexp.MustCompile(`error TS\d+:\s*(.+)`), ErrType},
	// Test failures and assertions.
	{regexp.MustCompile(`^\s*(?:FAIL\b|✕|✗)\s*(.+)`), ErrTest},
	{regexp.MustCompile(`(AssertionError[^:]*:\s*.+)`), ErrTest},
	// Runtime error classes. TypeError keeps its own category.
	{regexp.MustCompile(`(TypeError:\s*.+)`), ErrType},
	{regexp.MustCompile(`((?:Range|Reference|Eval|URI)Error:\s*.+)`), ErrRuntime},
	// Module resolution.
	{regexp.MustCompile(`(Cannot find module\s+.+|Module not found[:.]?\s*.+|MODULE_NOT_FOUND.*)`), ErrImport},
	{regexp.MustCompile(`(SyntaxError:\s*.+)`), ErrSyntax},
	// Non-zero exit.
	{regexp.MustCompile(`(?:exited with|exit) code\s+([1-9]\d*)`), ErrExit},
}

// sourceFilePattern finds the first path-like token in a message or stack.
var sourceFilePattern = regexp.MustCompile(`([A-Za-z0-9_./\\-]+\.(?:ts|tsx|js|jsx|mjs|cjs|go|py|rs|java|rb))(?::\d+)?`)

// stackLinePattern matches V8-style stack frames.
var stackLinePattern = regexp.MustCompile(`^\s*at\s`)

// DetectErrors scans tool output line by line against the ordered pattern
// list, collects up to five following stack lines per match, and
// deduplicates by signature within the output.
func DetectErrors(output string) []ErrorEvent {
	lines := strings.Split(output, "\n")
	seen := make(map[string]bool)
	var events []ErrorEvent

	for i, line := range lines {
		for _, p := range errorPatterns {
			m := p.re.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			msg := strings.TrimSpace(m[len(m)-1])
			if p.errType == ErrExit {
				msg = "process exited with code " + msg
			}
			sig := NormalizeSignature(msg)
			if !seen[sig] {
				seen[sig] = true
				events = append(events, ErrorEvent{
					Type:       p.errType,
					Message:    msg,
					Signature:  sig,
					SourceFile: findSourceFile(line, msg),
					StackTrace: collectStack(lines, i+1),
				})
			}
			break
		}
	}
	return events
}

// NormalizeSignature derives the dedup key from an error message: numbers
// become *, quoted strings become "*", path segments become /*, and the
// result is truncated to 200 characters.
func NormalizeSignature(msg string) string {
	s := msg
	s = regexp.MustCompile(`"[^"]*"`).ReplaceAllString(s, `"*"`)
	s = regexp.MustCompile(`'[^']*'`).ReplaceAllString(s, `"*"`)
	s = regexp.MustCompile(`(?:[A-Za-z]:)?(?:[\w.-]+[/\\])+[\w.-]+`).ReplaceAllString(s, "/*")
	s = regexp.MustCompile(`\d+`).ReplaceAllString(s, "*")
	s = strings.TrimSpace(s)
	if len(s) > signatureCap {
		s = s[:signatureCap]
	}
	return s
}

// collectStack returns up to five consecutive "at ..." lines from idx.
func collectStack(lines []string, idx int) string {
	var stack []string
	for i := idx; i < len(lines) && len(stack) < 5; i++ {
		if !stackLinePattern.MatchString(lines[i]) {
			break
		}
		stack = append(stack, strings.TrimRight(lines[i], " \t"))
	}
	return strings.Join(stack, "\n")
}

func findSourceFile(line, msg string) string {
	for _, candidate := range []string{line, msg} {
		if m := sourceFilePattern.FindStringSubmatch(candidate); m != nil {
			return m[1]
		}
	}
	return ""
}

// RecordErrors persists detected errors, skipping any signature already seen
// for the project within the last hour. Fire-and-forget: failures are logged
// and swallowed.
func RecordErrors(ctx context.Context, s store.Store, projectID, sessionID, toolCallID int64, events []ErrorEvent) int {
	recorded := 0
	for _, ev := range events {
		recent, err := s.Get(ctx,
			`SELECT id FROM error_events
			 WHERE project_id = ? AND error_signature = ? AND created_at > datetime('now', ?)`,
			projectID, ev.Signature, dedupWindow)
		if err != nil {
			logging.Get(logging.CategoryIngest).Warn("Error dedup lookup failed: %v", err)
			continue
		}
		if recent != nil {
			logging.IngestDebug("Suppressed duplicate error signature %q", ev.Signature)
			continue
		}

		var session, toolCall, source, stack interface{}
		if sessionID > 0 {
			session = sessionID
		}
		if toolCallID > 0 {
			toolCall = toolCallID
		}
		if ev.SourceFile != "" {
			source = ev.SourceFile
		}
		if ev.StackTrace != "" {
			stack = ev.StackTrace
		}
		_, err = s.Run(ctx,
			`INSERT INTO error_events (project_id, session_id, error_type, error_message, error_signature, source_file, stack_trace, tool_call_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			projectID, session, ev.Type, ev.Message, ev.Signature, source, stack, toolCall)
		if err != nil {
			logging.Get(logging.CategoryIngest).Warn("Error event insert failed: %v", err)
			continue
		}
		recorded++
	}
	return recorded
}
