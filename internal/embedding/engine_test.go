package embedding

import (
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEncodeDecodeVector(t *testing.T) {
	in := []float32{0.5, -1.25, 3.0, 0}
	out := DecodeVector(EncodeVector(in))
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("Round trip mismatch (-want +got):\n%s", diff)
	}
	if len(EncodeVector(in)) != len(in)*4 {
		t.Errorf("Encoded length = %d, want %d", len(EncodeVector(in)), len(in)*4)
	}
}

func TestCosineSimilarity(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{1, 0, 0}
	c := []float32{0, 1, 0}
	d := []float32{-1, 0, 0}

	if got := CosineSimilarity(a, b); math.Abs(got-1) > 1e-9 {
		t.Errorf("Identical vectors: %f", got)
	}
	if got := CosineSimilarity(a, c); math.Abs(got) > 1e-9 {
		t.Errorf("Orthogonal vectors: %f", got)
	}
	if got := CosineSimilarity(a, d); math.Abs(got+1) > 1e-9 {
		t.Errorf("Opposite vectors: %f", got)
	}
	if got := CosineSimilarity(a, []float32{1, 2}); got != 0 {
		t.Errorf("Dimension mismatch should yield 0, got %f", got)
	}
	if got := CosineSimilarity([]float32{0, 0}, []float32{0, 0}); got != 0 {
		t.Errorf("Zero norm should yield 0, got %f", got)
	}
}

func TestNormalize(t *testing.T) {
	v := Normalize([]float32{3, 4})
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if math.Abs(math.Sqrt(norm)-1) > 1e-6 {
		t.Errorf("Norm after normalize = %f", math.Sqrt(norm))
	}

	zero := Normalize([]float32{0, 0})
	if zero[0] != 0 || zero[1] != 0 {
		t.Error("Zero vector must stay zero")
	}
}

func TestNewEngineProviderSelection(t *testing.T) {
	if _, err := NewEngine(Config{Provider: "carrier-pigeon"}); err == nil {
		t.Fatal("Unknown provider must error")
	}

	e, err := NewEngine(Config{Provider: ""})
	if err != nil {
		t.Fatalf("Default provider failed: %v", err)
	}
	if !strings.HasPrefix(e.Name(), "ollama/") {
		t.Errorf("Default engine = %q", e.Name())
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("hello", 3); got != "hel" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("hi", 10); got != "hi" {
		t.Errorf("truncate = %q", got)
	}
}
