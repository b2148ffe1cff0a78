package server

import (
	"context"

	"muninn/internal/assemble"
	"muninn/internal/store"
)

// DefaultTrajectoryClassifier detects stuck or failing tool sequences from
// recent tool calls (most recent first). It reports at most one pattern,
// strongest signal wins.
type DefaultTrajectoryClassifier struct{}

func (DefaultTrajectoryClassifier) Classify(ctx context.Context, projectID int64, recent []store.Row) *assemble.Trajectory {
	if len(recent) < 3 {
		return nil
	}

	failures := 0
	sameTool := true
	first := recent[0].String("tool_name")
	window := recent
	if len(window) > 5 {
		window = window[:5]
	}
	for _, row := range window {
		if row.Int("success") == 0 {
			failures++
		}
		if row.String("tool_name") != first {
			sameTool = false
		}
	}

	switch {
	case failures >= 3 && sameTool:
		return &assemble.Trajectory{
			Pattern:    "repeated_failure",
			Confidence: 0.9,
			Message:    "The last several " + first + " calls all failed.",
			Suggestion: "Step back and re-check the inputs before retrying.",
		}
	case failures >= 3:
		return &assemble.Trajectory{
			Pattern:    "error_spiral",
			Confidence: 0.7,
			Message:    "Most recent tool calls are failing.",
			Suggestion: "Consider checking recent errors before continuing.",
		}
	case sameTool && len(window) >= 4:
		return &assemble.Trajectory{
			Pattern:    "tool_loop",
			Confidence: 0.6,
			Message:    "The same tool (" + first + ") has been called repeatedly without progress.",
		}
	}
	return nil
}
