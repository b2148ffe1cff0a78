package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"muninn/internal/assemble"
	"muninn/internal/ingest"
	"muninn/internal/query"
)

// toolDef is one advertised tool.
type toolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// toolArgs is the union of accepted tool arguments; each tool reads its own
// subset.
type toolArgs struct {
	Query      string          `json:"query"`
	Mode       string          `json:"mode"`
	Files      []string        `json:"files"`
	Task       string          `json:"task"`
	Limit      int             `json:"limit"`
	Symbols    bool            `json:"include_symbols"`
	Advise     bool            `json:"advise"`
	Tool       string          `json:"tool"`
	Input      json.RawMessage `json:"input"`
	App        string          `json:"app"`
	Scope      string          `json:"scope"`
	Intent     string          `json:"intent"`
	Format     string          `json:"format"`
	MaxTokens  int             `json:"max_tokens"`
	Strategy   string          `json:"strategy"`
	Title      string          `json:"title"`
	Content    string          `json:"content"`
	Category   string          `json:"category"`
	Decision   string          `json:"decision"`
	Reasoning  string          `json:"reasoning"`
	Affects    []string        `json:"affects"`
	Severity   int             `json:"severity"`
	Type       string          `json:"type"`
	Agent      string          `json:"agent"`
	IntentType string          `json:"intent_type"`
	IntentID   string          `json:"intent_id"`
	SourceType string          `json:"source_type"`
	SourceID   int64           `json:"source_id"`
	Signal     string          `json:"signal"`
}

func schema(raw string) json.RawMessage { return json.RawMessage(raw) }

// toolDefs is the advertised tool list, in stable order.
var toolDefs = []toolDef{
	{"query", "Search stored project knowledge (decisions, learnings, issues, files).",
		schema(`{"type":"object","properties":{"query":{"type":"string"},"mode":{"type":"string","enum":["auto","fts","vector","smart"]}},"required":["query"]}`)},
	{"check", "Pre-flight warnings for files: fragility, open issues, staleness.",
		schema(`{"type":"object","properties":{"files":{"type":"array","items":{"type":"string"}}},"required":["files"]}`)},
	{"suggest", "Suggest files and symbols relevant to a task.",
		schema(`{"type":"object","properties":{"task":{"type":"string"},"limit":{"type":"integer"},"include_symbols":{"type":"boolean"}},"required":["task"]}`)},
	{"predict", "Predict upcoming work: related files, co-changers, tests, next tool.",
		schema(`{"type":"object","properties":{"task":{"type":"string"},"files":{"type":"array","items":{"type":"string"}},"advise":{"type":"boolean"}}}`)},
	{"enrich", "Contextual fragments for a specific upcoming tool invocation.",
		schema(`{"type":"object","properties":{"tool":{"type":"string"},"input":{"type":"object"}},"required":["tool"]}`)},
	{"build_context", "Assemble a token-budgeted context block for a prompt.",
		schema(`{"type":"object","properties":{"query":{"type":"string"},"task":{"type":"string"},"app":{"type":"string"},"scope":{"type":"string"},"intent":{"type":"string"},"format":{"type":"string","enum":["xml","markdown","native","json"]},"max_tokens":{"type":"integer"},"strategy":{"type":"string"}}}`)},
	{"remember", "Store a learning.",
		schema(`{"type":"object","properties":{"title":{"type":"string"},"content":{"type":"string"},"category":{"type":"string"}},"required":["title","content"]}`)},
	{"decide", "Record an architectural or implementation decision.",
		schema(`{"type":"object","properties":{"title":{"type":"string"},"decision":{"type":"string"},"reasoning":{"type":"string"},"affects":{"type":"array","items":{"type":"string"}}},"required":["title","decision"]}`)},
	{"learn", "Record a known issue or gotcha.",
		schema(`{"type":"object","properties":{"title":{"type":"string"},"content":{"type":"string"},"type":{"type":"string"},"severity":{"type":"integer"},"files":{"type":"array","items":{"type":"string"}}},"required":["title"]}`)},
	{"declare_intent", "Declare what this agent is about to work on; reports conflicts.",
		schema(`{"type":"object","properties":{"agent":{"type":"string"},"intent_type":{"type":"string"},"task":{"type":"string"},"files":{"type":"array","items":{"type":"string"}}},"required":["agent","intent_type"]}`)},
	{"release_intent", "Release a previously declared intent.",
		schema(`{"type":"object","properties":{"intent_id":{"type":"string"}},"required":["intent_id"]}`)},
	{"feedback", "Report whether an injected context item was relevant.",
		schema(`{"type":"object","properties":{"source_type":{"type":"string"},"source_id":{"type":"integer"},"signal":{"type":"string","enum":["positive","negative","neutral"]}},"required":["source_type","source_id","signal"]}`)},
}

func (s *Server) handleToolsList() interface{} {
	return map[string]interface{}{"tools": toolDefs}
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// handleToolsCall runs one tool: ensure a session, execute, log the call
// fire-and-forget, and wrap the result as a text content block. Tool-level
// failures are reported in-band as {error, details} rather than as JSON-RPC
// errors.
func (s *Server) handleToolsCall(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var params toolCallParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, userErrorf("invalid tools/call params: %v", err)
	}
	var args toolArgs
	if len(params.Arguments) > 0 {
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			return nil, userErrorf("invalid arguments for %s: %v", params.Name, err)
		}
	}

	sessionID, err := s.sessions.EnsureSession(ctx, s.projectID)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	text, err := s.runTool(ctx, sessionID, params.Name, args)

	call := ingest.ToolCall{
		ProjectID:  s.projectID,
		SessionID:  sessionID,
		ToolName:   params.Name,
		RawInput:   params.Arguments,
		Success:    err == nil,
		DurationMS: time.Since(started).Milliseconds(),
	}
	if err != nil {
		call.ErrorMsg = err.Error()
	}
	s.recorder.LogToolCall(call)

	if err != nil {
		if isUserError(err) || isMethodNotFound(err) {
			return nil, err
		}
		s.noteError(err)
		body, _ := json.Marshal(map[string]string{
			"error":   "tool execution failed",
			"details": err.Error(),
		})
		return toolResult(string(body), true), nil
	}
	return toolResult(text, false), nil
}

func toolResult(text string, isError bool) interface{} {
	res := map[string]interface{}{
		"content": []map[string]string{{"type": "text", "text": text}},
	}
	if isError {
		res["isError"] = true
	}
	return res
}

func (s *Server) runTool(ctx context.Context, sessionID int64, name string, args toolArgs) (string, error) {
	switch name {
	case "query":
		snippets, err := s.svc.Query(ctx, s.projectID, args.Query, args.Mode)
		if err != nil {
			return "", err
		}
		return marshalJSON(snippets)

	case "check":
		if len(args.Files) == 0 {
			return "", userErrorf("check requires at least one file")
		}
		warnings, err := s.svc.Check(ctx, s.projectID, args.Files)
		if err != nil {
			return "", err
		}
		return marshalJSON(warnings)

	case "suggest":
		suggestions, err := s.svc.Suggest(ctx, s.projectID, args.Task, args.Limit, args.Symbols)
		if err != nil {
			return "", err
		}
		return marshalJSON(suggestions)

	case "predict":
		bundle, err := s.svc.Predict(ctx, s.projectID, args.Task, args.Files, args.Advise)
		if err != nil {
			return "", err
		}
		return marshalJSON(bundle)

	case "enrich":
		if args.Tool == "" {
			return "", userErrorf("enrich requires a tool name")
		}
		fragments, err := s.svc.Enrich(ctx, s.projectID, args.Tool, args.Input)
		if err != nil {
			return "", err
		}
		return marshalJSON(fragments)

	case "build_context":
		res, err := s.assembler.BuildContext(ctx, assemble.Request{
			ProjectID: s.projectID,
			App:       args.App,
			Scope:     args.Scope,
			Intent:    args.Intent,
			Query:     args.Query,
			Task:      args.Task,
			Files:     args.Files,
			Format:    args.Format,
			MaxTokens: args.MaxTokens,
			Strategy:  args.Strategy,
			SessionID: sessionID,
		})
		if err != nil {
			return "", err
		}
		out := res.Output
		for _, w := range res.Warnings {
			out += "\n<!-- " + w + " -->"
		}
		return out, nil

	case "remember":
		return s.storeLearning(ctx, args)

	case "decide":
		return s.storeDecision(ctx, args)

	case "learn":
		return s.storeIssue(ctx, args)

	case "declare_intent":
		intent, conflicts, err := assemble.DeclareIntent(ctx, s.store, s.projectID,
			args.Agent, args.IntentType, args.Task, args.Files)
		if err != nil {
			return "", err
		}
		return marshalJSON(map[string]interface{}{"intent": intent, "conflicts": conflicts})

	case "release_intent":
		if err := assemble.ReleaseIntent(ctx, s.store, args.IntentID); err != nil {
			return "", err
		}
		return `{"released":true}`, nil

	case "feedback":
		if err := assemble.RecordRelevanceSignal(ctx, s.store, sessionID,
			args.SourceType, args.SourceID, args.Signal); err != nil {
			return "", err
		}
		return `{"recorded":true}`, nil

	default:
		return "", userErrorf("unknown tool %q", name)
	}
}

func (s *Server) storeLearning(ctx context.Context, args toolArgs) (string, error) {
	if strings.TrimSpace(args.Title) == "" || strings.TrimSpace(args.Content) == "" {
		return "", userErrorf("remember requires title and content")
	}
	category := args.Category
	if category == "" {
		category = "general"
	}
	res, err := s.store.Run(ctx,
		"INSERT INTO learnings (project_id, category, title, content) VALUES (?, ?, ?, ?)",
		s.projectID, category, args.Title, args.Content)
	if err != nil {
		return "", err
	}
	assemble.IndexMemory(ctx, s.store, s.engine, "learning", res.LastInsertID,
		args.Title+" "+args.Content)
	return fmt.Sprintf(`{"id":%d,"type":"learning"}`, res.LastInsertID), nil
}

func (s *Server) storeDecision(ctx context.Context, args toolArgs) (string, error) {
	if strings.TrimSpace(args.Title) == "" || strings.TrimSpace(args.Decision) == "" {
		return "", userErrorf("decide requires title and decision")
	}
	affects, _ := json.Marshal(args.Affects)
	res, err := s.store.Run(ctx,
		"INSERT INTO decisions (project_id, title, decision, reasoning, affects) VALUES (?, ?, ?, ?, ?)",
		s.projectID, args.Title, args.Decision, args.Reasoning, string(affects))
	if err != nil {
		return "", err
	}
	assemble.IndexMemory(ctx, s.store, s.engine, "decision", res.LastInsertID,
		args.Title+" "+args.Decision+" "+args.Reasoning)
	return fmt.Sprintf(`{"id":%d,"type":"decision"}`, res.LastInsertID), nil
}

func (s *Server) storeIssue(ctx context.Context, args toolArgs) (string, error) {
	if strings.TrimSpace(args.Title) == "" {
		return "", userErrorf("learn requires a title")
	}
	issueType := args.Type
	if issueType == "" {
		issueType = "gotcha"
	}
	severity := args.Severity
	if severity <= 0 {
		severity = 5
	}
	files, _ := json.Marshal(args.Files)
	res, err := s.store.Run(ctx,
		"INSERT INTO issues (project_id, title, description, type, severity, affected_files) VALUES (?, ?, ?, ?, ?, ?)",
		s.projectID, args.Title, args.Content, issueType, severity, string(files))
	if err != nil {
		return "", err
	}
	assemble.IndexMemory(ctx, s.store, s.engine, "issue", res.LastInsertID,
		args.Title+" "+args.Content)
	return fmt.Sprintf(`{"id":%d,"type":"issue"}`, res.LastInsertID), nil
}

type resourceReadParams struct {
	URI string `json:"uri"`
}

func (s *Server) handleResourcesList() interface{} {
	uris := query.ResourceURIs()
	resources := make([]map[string]string, 0, len(uris))
	for _, uri := range uris {
		resources = append(resources, map[string]string{
			"uri":      uri,
			"name":     strings.TrimPrefix(uri, "muninn://"),
			"mimeType": "text/plain",
		})
	}
	return map[string]interface{}{"resources": resources}
}

func (s *Server) handleResourcesRead(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var params resourceReadParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, userErrorf("invalid resources/read params: %v", err)
	}
	text, err := s.svc.ReadResource(ctx, s.projectID, params.URI)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"contents": []map[string]string{
			{"uri": params.URI, "mimeType": "text/plain", "text": text},
		},
	}, nil
}

func marshalJSON(v interface{}) (string, error) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
