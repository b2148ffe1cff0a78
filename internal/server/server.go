// Package server speaks JSON-RPC 2.0 over stdio: newline-delimited request
// objects in, responses out. It advertises the tool list and resource URIs,
// dispatches tool calls serially, and shuts down cleanly on SIGTERM/SIGINT
// after flushing a session end.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"muninn/internal/assemble"
	"muninn/internal/config"
	"muninn/internal/embedding"
	"muninn/internal/ingest"
	"muninn/internal/logging"
	"muninn/internal/outcomes"
	"muninn/internal/query"
	"muninn/internal/session"
	"muninn/internal/store"
)

// maxLineBytes bounds one request line.
const maxLineBytes = 10 * 1024 * 1024

// Systemic error window: more than this many unexpected errors inside the
// window terminates the server.
const (
	errorWindowLimit = 30
	errorWindowSpan  = 120 * time.Second
)

// protocolVersion is reported from initialize.
const protocolVersion = "2024-11-05"

// rpcRequest is one incoming JSON-RPC 2.0 message.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// JSON-RPC error codes.
const (
	codeParse          = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternal       = -32603
)

// Server is the long-lived stdio engine process.
type Server struct {
	store     store.Store
	cfg       config.Config
	logger    *zap.Logger
	svc       *query.Service
	assembler *assemble.Assembler
	recorder  *ingest.Recorder
	sessions  *session.Manager
	predictor *outcomes.WorkflowPredictor
	engine    embedding.Engine
	projectID int64

	in  io.Reader
	out io.Writer

	mu       sync.Mutex
	errTimes []time.Time
}

// New wires the server for one project working directory.
func New(ctx context.Context, s store.Store, cfg config.Config, logger *zap.Logger, projectDir string) (*Server, error) {
	projectID, err := ingest.EnsureProject(ctx, s, projectDir)
	if err != nil {
		return nil, fmt.Errorf("project setup failed: %w", err)
	}

	engine, err := embedding.NewEngine(engineConfig(cfg.Embedding))
	if err != nil {
		logger.Warn("embedding engine unavailable, running FTS-only", zap.Error(err))
		engine = nil
	}

	predictor := outcomes.NewWorkflowPredictor(s)
	overlay := assemble.NewOverlay(s, predictor, DefaultTrajectoryClassifier{})

	return &Server{
		store:     s,
		cfg:       cfg,
		logger:    logger,
		svc:       query.NewService(s, engine, predictor),
		assembler: assemble.NewAssembler(s, engine, overlay),
		recorder:  ingest.NewRecorder(s),
		sessions:  session.NewManager(s),
		predictor: predictor,
		engine:    engine,
		projectID: projectID,
		in:        os.Stdin,
		out:       os.Stdout,
	}, nil
}

// Run serves until stdin closes or a termination signal arrives. Returns nil
// on clean shutdown; the process exit code is the caller's concern.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case sig := <-sigCh:
			s.logger.Info("signal received, shutting down", zap.String("signal", sig.String()))
			cancel()
			return nil
		case <-ctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		defer cancel()
		return s.serveLoop(ctx)
	})

	err := g.Wait()
	s.shutdown()
	return err
}

// serveLoop reads newline-delimited requests and answers them serially.
func (s *Server) serveLoop(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var req rpcRequest
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			s.reply(rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: codeParse, Message: "parse error"}})
			continue
		}

		resp := s.dispatch(ctx, req)
		if req.ID != nil {
			s.reply(resp)
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("stdin read failed: %w", err)
	}
	return nil
}

func (s *Server) dispatch(ctx context.Context, req rpcRequest) rpcResponse {
	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}

	result, err := s.handle(ctx, req.Method, req.Params)
	if err == nil {
		resp.Result = result
		return resp
	}

	s.noteError(err)
	msg := config.RedactAPIKeys(err.Error())
	s.logger.Warn("request failed", zap.String("method", req.Method), zap.String("error", msg))

	switch {
	case isMethodNotFound(err):
		resp.Error = &rpcError{Code: codeMethodNotFound, Message: msg}
	case isUserError(err):
		resp.Error = &rpcError{Code: codeInvalidParams, Message: msg}
	default:
		resp.Error = &rpcError{Code: codeInternal, Message: msg}
	}
	return resp
}

func (s *Server) handle(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	switch method {
	case "initialize":
		return s.handleInitialize(), nil
	case "notifications/initialized", "initialized":
		return map[string]interface{}{}, nil
	case "tools/list":
		return s.handleToolsList(), nil
	case "tools/call":
		return s.handleToolsCall(ctx, params)
	case "resources/list":
		return s.handleResourcesList(), nil
	case "resources/read":
		return s.handleResourcesRead(ctx, params)
	case "ping":
		return map[string]interface{}{}, nil
	default:
		return nil, methodNotFoundError{method}
	}
}

func (s *Server) handleInitialize() interface{} {
	return map[string]interface{}{
		"protocolVersion": protocolVersion,
		"serverInfo": map[string]string{
			"name":    "muninn",
			"version": "1.0.0",
		},
		"capabilities": map[string]interface{}{
			"tools":     map[string]interface{}{},
			"resources": map[string]interface{}{},
		},
	}
}

func (s *Server) reply(resp rpcResponse) {
	raw, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("response marshal failed", zap.Error(err))
		return
	}
	if _, err := fmt.Fprintf(s.out, "%s\n", raw); err != nil {
		s.logger.Error("response write failed", zap.Error(err))
	}
}

// noteError tracks unexpected errors in the sliding window; exceeding the
// threshold is systemic and terminates the process.
func (s *Server) noteError(err error) {
	if isExpectedError(err) {
		return
	}
	now := time.Now()
	s.mu.Lock()
	s.errTimes = append(s.errTimes, now)
	cutoff := now.Add(-errorWindowSpan)
	for len(s.errTimes) > 0 && s.errTimes[0].Before(cutoff) {
		s.errTimes = s.errTimes[1:]
	}
	count := len(s.errTimes)
	s.mu.Unlock()

	if count > errorWindowLimit {
		s.logger.Error("systemic error threshold exceeded, terminating",
			zap.Int("errors", count), zap.Duration("window", errorWindowSpan))
		s.shutdown()
		os.Exit(2)
	}
}

// shutdown flushes the session end and pending writes.
func (s *Server) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.sessions.AutoEndSession(ctx, s.projectID)
	s.recorder.Close()
	if dropped := s.recorder.Dropped(); dropped > 0 {
		s.logger.Warn("ingestion events dropped under backpressure", zap.Int64("dropped", dropped))
	}
	logging.Server("Server shut down cleanly")
	_ = s.logger.Sync()
}

type methodNotFoundError struct{ method string }

func (e methodNotFoundError) Error() string { return "method not found: " + e.method }

func isMethodNotFound(err error) bool {
	_, ok := err.(methodNotFoundError)
	return ok
}

// userError marks rejected input; it maps to invalid-params and never counts
// toward the systemic window.
type userError struct{ msg string }

func (e userError) Error() string { return e.msg }

func userErrorf(format string, args ...interface{}) error {
	return userError{fmt.Sprintf(format, args...)}
}

func isUserError(err error) bool {
	_, ok := err.(userError)
	return ok
}

// engineConfig maps file configuration onto the embedding provider config,
// resolving the OpenAI key from the environment.
func engineConfig(cfg config.EmbeddingConfig) embedding.Config {
	return embedding.Config{
		Provider:       cfg.Provider,
		OllamaEndpoint: cfg.OllamaEndpoint,
		OllamaModel:    cfg.OllamaModel,
		OpenAIKey:      config.GetAPIKey("openai").Value,
		OpenAIModel:    cfg.OpenAIModel,
		OpenAIBase:     cfg.OpenAIBase,
	}
}

// isExpectedError filters classes that never indicate a systemic fault:
// validation, not-found, network, SQL, and timeout errors.
func isExpectedError(err error) bool {
	if isUserError(err) || isMethodNotFound(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"not found", "no such", "validation", "invalid", "timeout",
		"deadline exceeded", "connection refused", "network", "socket",
		"sqlite", "sql", "circuit",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
