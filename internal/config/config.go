// Package config resolves Muninn's data directory, loads the optional
// config.yaml, and provides API key access with redaction.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvHome overrides the data directory when set.
const EnvHome = "MUNINN_HOME"

// LoggingConfig mirrors logging.Settings.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
}

// EmbeddingConfig selects and configures the embedding provider.
type EmbeddingConfig struct {
	// Provider: "ollama" or "openai"
	Provider string `yaml:"provider"`

	OllamaEndpoint string `yaml:"ollama_endpoint"` // Default: http://localhost:11434
	OllamaModel    string `yaml:"ollama_model"`    // Default: embeddinggemma

	OpenAIModel string `yaml:"openai_model"` // Default: text-embedding-3-small
	OpenAIBase  string `yaml:"openai_base"`  // Optional OpenAI-compatible gateway
}

// LLMConfig configures the small remote model used by the diff classifier.
type LLMConfig struct {
	Model   string `yaml:"model"`    // Default: gpt-4o-mini
	BaseURL string `yaml:"base_url"` // Optional OpenAI-compatible gateway
}

// Config is the root of config.yaml.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	LLM       LLMConfig       `yaml:"llm"`
}

// Default returns sensible defaults used when no config file exists.
func Default() Config {
	return Config{
		Logging: LoggingConfig{Level: "info"},
		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			OpenAIModel:    "text-embedding-3-small",
		},
		LLM: LLMConfig{Model: "gpt-4o-mini"},
	}
}

// DataDir returns the directory holding memory.db, logs, and config.yaml.
// MUNINN_HOME wins; otherwise ~/.muninn.
func DataDir() string {
	if dir := os.Getenv(EnvHome); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".muninn"
	}
	return filepath.Join(home, ".muninn")
}

// DBPath returns the database path, honouring the legacy ~/.claude install
// location when no ~/.muninn database exists yet.
func DBPath() string {
	primary := filepath.Join(DataDir(), "memory.db")
	if _, err := os.Stat(primary); err == nil {
		return primary
	}
	if os.Getenv(EnvHome) == "" {
		if home, err := os.UserHomeDir(); err == nil {
			legacy := filepath.Join(home, ".claude", "memory.db")
			if _, statErr := os.Stat(legacy); statErr == nil {
				return legacy
			}
		}
	}
	return primary
}

// ProjectDBPath returns the per-project database path if the project opted
// into local storage via <project>/.muninn/, else "".
func ProjectDBPath(projectRoot string) string {
	local := filepath.Join(projectRoot, ".muninn", "memory.db")
	if _, err := os.Stat(filepath.Dir(local)); err == nil {
		return local
	}
	return ""
}

// Load reads config.yaml from the data dir, merging over defaults. A missing
// file is not an error. A .env file in the data dir or cwd is loaded for
// provider keys.
func Load() (Config, error) {
	cfg := Default()

	// Best effort: keys may come from .env next to the data dir or the cwd.
	_ = godotenv.Load(filepath.Join(DataDir(), ".env"))
	_ = godotenv.Load()

	path := filepath.Join(DataDir(), "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

// APIKey is the result of a key lookup. Raw values must never be logged.
type APIKey struct {
	OK    bool
	Value string
}

// providerEnvVars maps a provider name to the env vars consulted in order.
var providerEnvVars = map[string][]string{
	"openai":    {"OPENAI_API_KEY", "MUNINN_OPENAI_API_KEY"},
	"anthropic": {"ANTHROPIC_API_KEY"},
	"gemini":    {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
}

// GetAPIKey returns the API key for a provider. The value is never logged by
// this package; error strings that may embed keys must pass through
// RedactAPIKeys before surfacing.
func GetAPIKey(provider string) APIKey {
	for _, name := range providerEnvVars[strings.ToLower(provider)] {
		if v := os.Getenv(name); v != "" {
			return APIKey{OK: true, Value: v}
		}
	}
	return APIKey{}
}

// keyLikePattern matches common API key shapes (sk-..., long base62 runs).
var keyLikePattern = regexp.MustCompile(`\b(sk-[A-Za-z0-9_-]{10,}|AIza[A-Za-z0-9_-]{20,}|[A-Za-z0-9]{32,})\b`)

// RedactAPIKeys strips key-like tokens from a string so error messages can
// be surfaced safely.
func RedactAPIKeys(s string) string {
	return keyLikePattern.ReplaceAllString(s, "[redacted]")
}
