package server

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"go.uber.org/zap"

	"muninn/internal/assemble"
	"muninn/internal/ingest"
	"muninn/internal/query"
	"muninn/internal/session"
	"muninn/internal/store"
)

// newToolTestServer wires a full server over an in-memory store, bypassing
// New so no embedding probe runs.
func newToolTestServer(t *testing.T) *Server {
	t.Helper()
	st, err := store.NewLocalStore(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()
	if err := st.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	projectID, err := ingest.EnsureProject(ctx, st, "/tmp/testproj")
	if err != nil {
		t.Fatalf("EnsureProject failed: %v", err)
	}

	recorder := ingest.NewRecorder(st)
	t.Cleanup(recorder.Close)

	return &Server{
		store:     st,
		logger:    zap.NewNop(),
		svc:       query.NewService(st, nil, nil),
		assembler: assemble.NewAssembler(st, nil, nil),
		recorder:  recorder,
		sessions:  session.NewManager(st),
		projectID: projectID,
	}
}

func callTool(t *testing.T, s *Server, name, arguments string) string {
	t.Helper()
	params, _ := json.Marshal(map[string]interface{}{
		"name":      name,
		"arguments": json.RawMessage(arguments),
	})
	result, err := s.handleToolsCall(context.Background(), params)
	if err != nil {
		t.Fatalf("Tool %s failed: %v", name, err)
	}
	res := result.(map[string]interface{})
	if res["isError"] == true {
		t.Fatalf("Tool %s errored in-band: %v", name, res)
	}
	content := res["content"].([]map[string]string)
	return content[0]["text"]
}

func TestRememberThenQuery(t *testing.T) {
	s := newToolTestServer(t)

	out := callTool(t, s, "remember",
		`{"title":"Pin dependency versions","content":"Unpinned installs broke the build twice","category":"tooling"}`)
	var stored struct {
		ID   int64  `json:"id"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(out), &stored); err != nil || stored.Type != "learning" || stored.ID == 0 {
		t.Fatalf("Remember result = %q", out)
	}

	out = callTool(t, s, "query", `{"query":"unpinned installs","mode":"fts"}`)
	if !strings.Contains(out, "Pin dependency versions") {
		t.Errorf("Query missed the stored learning:\n%s", out)
	}
}

func TestDecideRecordsDecision(t *testing.T) {
	s := newToolTestServer(t)

	callTool(t, s, "decide",
		`{"title":"SQLite only","decision":"Single-file store, no external services","reasoning":"local-first","affects":["internal/store"]}`)

	row, err := s.store.Get(context.Background(),
		"SELECT decision, affects FROM decisions WHERE project_id = ?", s.projectID)
	if err != nil || row == nil {
		t.Fatalf("Decision row missing: %v", err)
	}
	if !strings.Contains(row.String("affects"), "internal/store") {
		t.Errorf("Affects = %q", row.String("affects"))
	}
}

func TestLearnDefaults(t *testing.T) {
	s := newToolTestServer(t)

	callTool(t, s, "learn", `{"title":"Watch the lock order"}`)

	row, _ := s.store.Get(context.Background(),
		"SELECT type, severity FROM issues WHERE project_id = ?", s.projectID)
	if row == nil || row.String("type") != "gotcha" || row.Int("severity") != 5 {
		t.Errorf("Issue row = %v", row)
	}
}

func TestDeclareAndReleaseIntent(t *testing.T) {
	s := newToolTestServer(t)

	out := callTool(t, s, "declare_intent",
		`{"agent":"agent-a","intent_type":"edit","task":"refactor","files":["a.ts"]}`)
	var decl struct {
		Intent struct {
			ID string `json:"id"`
		} `json:"intent"`
		Conflicts []interface{} `json:"conflicts"`
	}
	if err := json.Unmarshal([]byte(out), &decl); err != nil || decl.Intent.ID == "" {
		t.Fatalf("Declare result = %q", out)
	}
	if len(decl.Conflicts) != 0 {
		t.Errorf("Unexpected conflicts: %v", decl.Conflicts)
	}

	out = callTool(t, s, "release_intent", `{"intent_id":"`+decl.Intent.ID+`"}`)
	if !strings.Contains(out, `"released":true`) {
		t.Errorf("Release result = %q", out)
	}
}

func TestUnknownToolIsUserError(t *testing.T) {
	s := newToolTestServer(t)
	params, _ := json.Marshal(map[string]interface{}{
		"name":      "levitate",
		"arguments": json.RawMessage(`{}`),
	})
	_, err := s.handleToolsCall(context.Background(), params)
	if err == nil || !isUserError(err) {
		t.Errorf("Unknown tool error = %v", err)
	}
}

func TestInternalToolFailureIsInBand(t *testing.T) {
	s := newToolTestServer(t)

	// A first call opens the session so the manager serves it from cache.
	callTool(t, s, "learn", `{"title":"seed"}`)

	// Closing the store makes every subsequent query fail internally.
	s.store.Close()

	params, _ := json.Marshal(map[string]interface{}{
		"name":      "check",
		"arguments": json.RawMessage(`{"files":["a.ts"]}`),
	})
	result, err := s.handleToolsCall(context.Background(), params)
	if err != nil {
		t.Fatalf("Internal failure surfaced as JSON-RPC error: %v", err)
	}
	res := result.(map[string]interface{})
	if res["isError"] != true {
		t.Fatalf("isError missing: %v", res)
	}
	text := res["content"].([]map[string]string)[0]["text"]
	if !strings.Contains(text, "tool execution failed") {
		t.Errorf("In-band error = %q", text)
	}
}

func TestResourcesReadUnknownURI(t *testing.T) {
	s := newToolTestServer(t)
	_, err := s.handleResourcesRead(context.Background(), json.RawMessage(`{"uri":"muninn://nope"}`))
	if err == nil {
		t.Error("Unknown resource accepted")
	}
}
