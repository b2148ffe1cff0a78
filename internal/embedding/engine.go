// Package embedding provides vector embedding generation for semantic
// recall. Two providers: Ollama (local model) and OpenAI-compatible HTTP.
// Callers must treat a nil vector as "provider unavailable" and fall back
// to FTS ranking.
package embedding

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"muninn/internal/logging"
)

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text. Inputs beyond the
	// provider's window are truncated at a character cap.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// IsAvailable reports whether the provider can currently serve.
	IsAvailable(ctx context.Context) bool

	// Dimensions returns the dimensionality of embeddings. Must be stable
	// for the lifetime of a project's database; a change requires reindex.
	Dimensions() int

	// Name returns the provider name.
	Name() string
}

// Config selects and configures a provider.
type Config struct {
	Provider string // "ollama" or "openai"

	OllamaEndpoint string
	OllamaModel    string

	OpenAIKey   string
	OpenAIModel string
	OpenAIBase  string
}

// NewEngine creates an embedding engine based on configuration.
func NewEngine(cfg Config) (Engine, error) {
	logging.Embedding("Creating embedding engine with provider=%s", cfg.Provider)

	switch cfg.Provider {
	case "ollama", "":
		return NewOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaModel), nil
	case "openai":
		return NewOpenAIEngine(cfg.OpenAIKey, cfg.OpenAIModel, cfg.OpenAIBase)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s (use 'ollama' or 'openai')", cfg.Provider)
	}
}

// CosineSimilarity calculates cosine similarity between two vectors.
// Returns 0 on dimension mismatch or zero-norm input.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Normalize scales a vector to unit length in place and returns it.
func Normalize(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= inv
	}
	return v
}

// EncodeVector serializes a float32 vector as little-endian bytes for BLOB
// storage (the layout sqlite-vec expects).
func EncodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x))
	}
	return buf
}

// DecodeVector deserializes a little-endian float32 BLOB.
func DecodeVector(b []byte) []float32 {
	n := len(b) / 4
	v := make([]float32, n)
	for i := 0; i < n; i++ {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

// truncate caps input text at the provider's character window.
func truncate(text string, cap int) string {
	if len(text) <= cap {
		return text
	}
	return text[:cap]
}
