package config

import (
	"strings"
	"testing"
)

func TestGetAPIKeyFromEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test-abcdefghijklmnop")
	key := GetAPIKey("openai")
	if !key.OK {
		t.Fatal("Expected key lookup to succeed")
	}
	if key.Value != "sk-test-abcdefghijklmnop" {
		t.Errorf("Unexpected key value")
	}
}

func TestGetAPIKeyMissing(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("MUNINN_OPENAI_API_KEY", "")
	if GetAPIKey("openai").OK {
		t.Fatal("Expected no key")
	}
	if GetAPIKey("unknown-provider").OK {
		t.Fatal("Unknown provider must never resolve a key")
	}
}

func TestRedactAPIKeys(t *testing.T) {
	cases := []string{
		"request failed with key sk-proj-abc123def456ghi789",
		"auth AIzaSyA1234567890abcdefghij rejected",
		"token 0123456789abcdef0123456789abcdef01 expired",
	}
	for _, in := range cases {
		out := RedactAPIKeys(in)
		if strings.Contains(out, "sk-proj") || strings.Contains(out, "AIzaSy") ||
			strings.Contains(out, "0123456789abcdef0123456789abcdef01") {
			t.Errorf("Key survived redaction: %q", out)
		}
		if !strings.Contains(out, "[redacted]") {
			t.Errorf("Expected redaction marker in %q", out)
		}
	}
}

func TestRedactAPIKeysLeavesNormalText(t *testing.T) {
	in := "connection refused to localhost:11434"
	if out := RedactAPIKeys(in); out != in {
		t.Errorf("Normal text was mangled: %q", out)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.Embedding.Provider != "ollama" {
		t.Errorf("Default provider = %q", cfg.Embedding.Provider)
	}
	if cfg.LLM.Model != "gpt-4o-mini" {
		t.Errorf("Default LLM model = %q", cfg.LLM.Model)
	}
}

func TestDataDirHonoursEnv(t *testing.T) {
	t.Setenv(EnvHome, "/tmp/muninn-test-home")
	if got := DataDir(); got != "/tmp/muninn-test-home" {
		t.Errorf("DataDir = %q", got)
	}
}
