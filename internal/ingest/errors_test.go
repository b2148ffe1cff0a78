package ingest

import (
	"context"
	"strings"
	"testing"

	"muninn/internal/store"
)

func TestNormalizeSignature(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Expected 5 but got 12", "Expected * but got *"},
		{`Cannot find module "lodash"`, `Cannot find module "*"`},
		{"Cannot find module 'lodash'", `Cannot find module "*"`},
		{"ENOENT: no such file src/utils/helpers.ts", "ENOENT: no such file /*"},
		{"port 8080 already in use", "port * already in use"},
	}
	for _, c := range cases {
		if got := NormalizeSignature(c.in); got != c.want {
			t.Errorf("NormalizeSignature(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNormalizeSignatureCap(t *testing.T) {
	long := strings.Repeat("x", 400)
	if got := NormalizeSignature(long); len(got) != 200 {
		t.Errorf("Signature length = %d, want 200", len(got))
	}
}

func TestNormalizeSignatureStable(t *testing.T) {
	// Two occurrences differing only in volatile parts collapse to one key.
	a := NormalizeSignature("Timeout after 3000ms in 'runJob'")
	b := NormalizeSignature("Timeout after 5000ms in 'retryJob'")
	if a != b {
		t.Errorf("Signatures differ: %q vs %q", a, b)
	}
}

func TestDetectErrorsClassification(t *testing.T) {
	output := `src/app.ts(3,5): error TS2345: Argument of type 'string' is not assignable
TypeError: Cannot read properties of undefined
    at doWork (src/app.ts:12:3)
    at main (src/index.ts:4:1)
SyntaxError: Unexpected token '}'
Cannot find module 'left-pad'
npm exited with code 1`

	events := DetectErrors(output)
	types := make(map[string]int)
	for _, ev := range events {
		types[ev.Type]++
	}
	for _, want := range []string{ErrType, ErrSyntax, ErrImport, ErrExit} {
		if types[want] == 0 {
			t.Errorf("Missing error type %s in %v", want, types)
		}
	}
}

func TestDetectErrorsStackAndSource(t *testing.T) {
	output := `TypeError: boom
    at doWork (src/app.ts:12:3)
    at main (src/index.ts:4:1)
not a stack line`

	events := DetectErrors(output)
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	if !strings.Contains(events[0].StackTrace, "doWork") {
		t.Errorf("Stack missing: %q", events[0].StackTrace)
	}
	if strings.Contains(events[0].StackTrace, "not a stack line") {
		t.Errorf("Stack collection overran: %q", events[0].StackTrace)
	}
}

func TestDetectErrorsDeduplicatesWithinOutput(t *testing.T) {
	output := "Expected 5 but got 12\nAssertionError: Expected 5 but got 12\nAssertionError: Expected 7 but got 99"
	events := DetectErrors(output)
	sigs := make(map[string]int)
	for _, ev := range events {
		sigs[ev.Signature]++
	}
	for sig, n := range sigs {
		if n > 1 {
			t.Errorf("Signature %q recorded %d times in one output", sig, n)
		}
	}
}

func TestRecordErrorsHourlyDedup(t *testing.T) {
	s := newIngestTestStore(t)
	ctx := context.Background()

	ev := ErrorEvent{Type: ErrRuntime, Message: "boom 42", Signature: NormalizeSignature("boom 42")}

	if n := RecordErrors(ctx, s, 1, 0, 0, []ErrorEvent{ev}); n != 1 {
		t.Fatalf("First record = %d, want 1", n)
	}
	if n := RecordErrors(ctx, s, 1, 0, 0, []ErrorEvent{ev}); n != 0 {
		t.Fatalf("Repeat within the hour = %d, want 0", n)
	}
	// A different project is not suppressed.
	if n := RecordErrors(ctx, s, 2, 0, 0, []ErrorEvent{ev}); n != 1 {
		t.Fatalf("Other project = %d, want 1", n)
	}
}

func newIngestTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewLocalStore(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return s
}
