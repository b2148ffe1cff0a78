package assemble

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEncodeNativeRecordRoundTrip(t *testing.T) {
	cases := [][]string{
		{"learning", "title", "content", "conf:1.0"},
		{"a|b", `back\slash`, "[brackets]", ""},
		{"only"},
	}
	for _, fields := range cases {
		encoded := EncodeNativeRecord(fields)
		decoded, err := ParseNativeRecord(encoded)
		if err != nil {
			t.Fatalf("ParseNativeRecord(%q) failed: %v", encoded, err)
		}
		if diff := cmp.Diff(fields, decoded); diff != "" {
			t.Errorf("Round trip mismatch for %v (-want +got):\n%s", fields, diff)
		}
	}
}

func TestParseNativeRecordMalformed(t *testing.T) {
	for _, in := range []string{"", "K[unclosed", "notarecord]", `K[dangling\]`} {
		if _, err := ParseNativeRecord(in); err == nil {
			t.Errorf("ParseNativeRecord(%q) should fail", in)
		}
	}
	// An escaped closing bracket inside the body is valid content.
	fields, err := ParseNativeRecord(`K[a\]b]`)
	if err != nil || len(fields) != 1 || fields[0] != "a]b" {
		t.Errorf("Escaped bracket parse = %v, %v", fields, err)
	}
}

func TestFormatXMLShape(t *testing.T) {
	req := Request{App: "claude", Scope: "src/auth", Format: FormatXML}
	mems := []Memory{
		{Type: TypeDecision, Title: "Use JWT", Content: "Sessions use <JWT> & refresh", Confidence: 10},
		{Type: TypeLearning, Subtype: "gotcha", Title: "", Content: "Mock clock in tests", Confidence: 1.5, Stale: true},
	}
	out := formatXML(req, mems, 420)

	if !strings.HasPrefix(out, `<muninn-context app="claude" scope="src/auth" tokens="420">`) {
		t.Errorf("Header wrong: %q", out)
	}
	if !strings.HasSuffix(out, "</muninn-context>") {
		t.Errorf("Footer wrong: %q", out)
	}
	if !strings.Contains(out, `<decision confidence="10.00">Use JWT: Sessions use &lt;JWT&gt; &amp; refresh</decision>`) {
		t.Errorf("Decision element wrong:\n%s", out)
	}
	if !strings.Contains(out, `<learning subtype="gotcha" confidence="1.50">[possibly stale] Mock clock in tests</learning>`) {
		t.Errorf("Learning element wrong:\n%s", out)
	}
}

func TestFormatMarkdown(t *testing.T) {
	out := formatMarkdown([]Memory{
		{Type: TypeIssue, Subtype: "bug", Title: "Crash", Content: "on empty input", Confidence: 7},
	})
	if !strings.HasPrefix(out, "## Relevant Context") {
		t.Errorf("Header missing: %q", out)
	}
	if !strings.Contains(out, "**[issue.bug, 7.0]** Crash: on empty input") {
		t.Errorf("Entry wrong:\n%s", out)
	}
}

func TestFormatNative(t *testing.T) {
	out := formatNative([]Memory{
		{Type: TypeLearning, Title: "t", Content: "c", Confidence: 1},
		{Type: TypeDecision, Title: "d", Content: "e", Confidence: 10},
	})
	lines := strings.Split(out, "\n")
	if len(lines) != 2 {
		t.Fatalf("Lines = %d: %q", len(lines), out)
	}
	if lines[0] != "K[learning|t|c|conf:1.0]" {
		t.Errorf("Record = %q", lines[0])
	}
}

func TestFormatJSON(t *testing.T) {
	out := formatJSON([]Memory{
		{ID: 3, Type: TypeLearning, Title: "t", Content: "c", Confidence: 1.5, Score: 0.8},
	})
	var entries []map[string]interface{}
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("Output is not JSON: %v\n%s", err, out)
	}
	if len(entries) != 1 || entries[0]["id"].(float64) != 3 || entries[0]["type"] != "learning" {
		t.Errorf("Entries = %v", entries)
	}
	if _, ok := entries[0]["stale"]; ok {
		t.Error("stale=false should be omitted")
	}
}
