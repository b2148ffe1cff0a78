package outcomes

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"muninn/internal/logging"
	"muninn/internal/store"
)

// Test run statuses.
const (
	TestPassed  = "passed"
	TestFailed  = "failed"
	TestError   = "error"
	TestSkipped = "skipped"
	TestUnknown = "unknown"
)

// testRateLimit allows at most one run per project per window.
const testRateLimit = 5 * time.Minute

// testTimeout is the wall-clock cap per run; the child is killed on expiry.
const testTimeout = 2 * time.Minute

// outputTailCap bounds the persisted output summary.
const outputTailCap = 500

// npmPlaceholder is the default script npm writes into new manifests.
const npmPlaceholder = "no test specified"

// testScriptOrder is the manifest script preference.
var testScriptOrder = []string{"test", "test:unit", "test:ci"}

// TestRun is the outcome of one execution.
type TestRun struct {
	Status     string
	Total      int
	Passed     int
	Failed     int
	Skipped    int
	DurationMS int64
	Summary    string
}

// RunTestsAfterCommit discovers and runs the project's test command, rate
// limited to one run per five minutes. A skipped run (no command, rate
// limit) records status "skipped" without executing anything.
func RunTestsAfterCommit(ctx context.Context, s store.Store, projectID int64, projectDir, commitHash string) (*TestRun, error) {
	recent, err := s.Get(ctx,
		`SELECT id FROM test_results
		 WHERE project_id = ? AND status != 'skipped' AND created_at > datetime('now', ?)`,
		projectID, fmt.Sprintf("-%d minutes", int(testRateLimit.Minutes())))
	if err != nil {
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}
	if recent != nil {
		logging.OutcomesDebug("Test run rate-limited for project %d", projectID)
		return nil, nil
	}

	argv := discoverTestCommand(projectDir)
	if len(argv) == 0 {
		run := &TestRun{Status: TestSkipped, Summary: "no test command discovered"}
		persistTestRun(ctx, s, projectID, commitHash, run)
		return run, nil
	}

	run := executeTests(ctx, projectDir, argv)
	persistTestRun(ctx, s, projectID, commitHash, run)
	logging.Outcomes("Test run %s for project %d (%d passed, %d failed, %dms)",
		run.Status, projectID, run.Passed, run.Failed, run.DurationMS)
	return run, nil
}

// discoverTestCommand reads package.json scripts and returns the argv for the
// preferred runnable script. The npm default placeholder is rejected.
func discoverTestCommand(projectDir string) []string {
	raw, err := os.ReadFile(filepath.Join(projectDir, "package.json"))
	if err != nil {
		return nil
	}
	var manifest struct {
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil
	}
	for _, name := range testScriptOrder {
		script, ok := manifest.Scripts[name]
		if !ok || strings.TrimSpace(script) == "" {
			continue
		}
		if strings.Contains(script, npmPlaceholder) {
			continue
		}
		return []string{"npm", "run", name, "--silent"}
	}
	return nil
}

// executeTests runs the argv directly (no shell), CI=true, under the
// two-minute cap. Timeout and spawn failures report status "error".
func executeTests(ctx context.Context, dir string, argv []string) *TestRun {
	ctx, cancel := context.WithTimeout(ctx, testTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "CI=true")

	start := time.Now()
	out, err := cmd.CombinedOutput()
	elapsed := time.Since(start).Milliseconds()

	run := ParseTestOutput(string(out))
	run.DurationMS = elapsed
	run.Summary = tail(string(out), outputTailCap)

	if ctx.Err() == context.DeadlineExceeded {
		run.Status = TestError
		run.Summary = "test run timed out after 2 minutes\n" + run.Summary
	} else if err != nil && run.Status == TestUnknown {
		// Non-zero exit with no recognisable output.
		run.Status = TestError
	}
	return run
}

// Output format recognisers, tried in order.
var (
	// "Tests: 1 failed, 4 passed, 5 total" (Jest/Vitest)
	reJestTotals = regexp.MustCompile(`Tests:\s*(?:(\d+)\s+failed,\s*)?(?:(\d+)\s+skipped,\s*)?(\d+)\s+passed,\s*(\d+)\s+total`)
	// "5 pass 1 fail" / "5 passed, 1 failed, 2 skipped"
	reCounts = regexp.MustCompile(`(\d+)\s+pass(?:ed|ing)?\b(?:[^0-9]*(\d+)\s+fail(?:ed|ing)?)?(?:[^0-9]*(\d+)\s+skip(?:ped)?)?`)
	// Bare PASS / FAIL markers.
	rePassMark = regexp.MustCompile(`(?m)^\s*(?:PASS|✓)`)
	reFailMark = regexp.MustCompile(`(?m)^\s*(?:FAIL|✕|✗)`)
)

// ParseTestOutput derives status and totals from raw runner output.
func ParseTestOutput(output string) *TestRun {
	run := &TestRun{Status: TestUnknown}

	if m := reJestTotals.FindStringSubmatch(output); m != nil {
		run.Failed = atoi(m[1])
		run.Skipped = atoi(m[2])
		run.Passed = atoi(m[3])
		run.Total = atoi(m[4])
		run.Status = statusFromCounts(run.Passed, run.Failed)
		return run
	}
	if m := reCounts.FindStringSubmatch(output); m != nil {
		run.Passed = atoi(m[1])
		run.Failed = atoi(m[2])
		run.Skipped = atoi(m[3])
		run.Total = run.Passed + run.Failed + run.Skipped
		run.Status = statusFromCounts(run.Passed, run.Failed)
		return run
	}

	passes := len(rePassMark.FindAllString(output, -1))
	fails := len(reFailMark.FindAllString(output, -1))
	if passes+fails > 0 {
		run.Passed = passes
		run.Failed = fails
		run.Total = passes + fails
		run.Status = statusFromCounts(passes, fails)
	}
	return run
}

func statusFromCounts(passed, failed int) string {
	if failed > 0 {
		return TestFailed
	}
	if passed > 0 {
		return TestPassed
	}
	return TestUnknown
}

func persistTestRun(ctx context.Context, s store.Store, projectID int64, commitHash string, run *TestRun) {
	var hash interface{}
	if commitHash != "" {
		hash = commitHash
	}
	_, err := s.Run(ctx,
		`INSERT INTO test_results (project_id, status, total, passed, failed, skipped, duration_ms, output_summary, commit_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		projectID, run.Status, run.Total, run.Passed, run.Failed, run.Skipped,
		run.DurationMS, run.Summary, hash)
	if err != nil {
		logging.Get(logging.CategoryOutcomes).Warn("Test result insert failed: %v", err)
	}
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
