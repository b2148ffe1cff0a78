package embedding

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"muninn/internal/logging"
)

// remoteCharCap truncates inputs for the remote embedding window.
const remoteCharCap = 8192

// OpenAIEngine generates embeddings via an OpenAI-compatible HTTP API.
type OpenAIEngine struct {
	client *openai.Client
	model  string
	dims   int
}

// NewOpenAIEngine creates a remote embedding engine. base overrides the API
// URL for compatible gateways.
func NewOpenAIEngine(apiKey, model, base string) (*OpenAIEngine, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai embedding provider requires an API key")
	}
	if model == "" {
		model = "text-embedding-3-small"
	}
	cfg := openai.DefaultConfig(apiKey)
	if base != "" {
		cfg.BaseURL = base
	}
	dims := 1536
	if model == "text-embedding-3-large" {
		dims = 3072
	}
	return &OpenAIEngine{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		dims:   dims,
	}, nil
}

// Embed generates an embedding for a single text.
func (e *OpenAIEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings in a single API call.
func (e *OpenAIEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	inputs := make([]string, len(texts))
	for i, t := range texts {
		inputs[i] = truncate(t, remoteCharCap)
	}

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: inputs,
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		logging.EmbeddingDebug("OpenAI embedding request failed: %v", err)
		return nil, fmt.Errorf("openai embedding request failed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai returned %d embeddings for %d inputs", len(resp.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		out[d.Index] = Normalize(d.Embedding)
	}
	e.dims = len(out[0])
	return out, nil
}

// IsAvailable reports whether the provider can serve. The remote provider is
// assumed available when configured; a failed call surfaces through Embed.
func (e *OpenAIEngine) IsAvailable(ctx context.Context) bool {
	return e.client != nil
}

// Dimensions returns the embedding dimensionality.
func (e *OpenAIEngine) Dimensions() int { return e.dims }

// Name returns the engine name.
func (e *OpenAIEngine) Name() string { return fmt.Sprintf("openai/%s", e.model) }
