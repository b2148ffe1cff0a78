package assemble

import (
	"context"
	"fmt"
	"testing"
)

func TestRetrieveFTSRankOrdering(t *testing.T) {
	s := newAssembleTestStore(t)
	ctx := context.Background()

	if _, err := s.Run(ctx,
		`INSERT INTO learnings (project_id, title, content) VALUES
		 (1, 'Token bucket throttling', 'Token bucket throttling caps request bursts; refill the token bucket per window.')`); err != nil {
		t.Fatalf("Strong insert failed: %v", err)
	}
	if _, err := s.Run(ctx,
		`INSERT INTO learnings (project_id, title, content) VALUES
		 (1, 'Storage naming', 'The storage bucket naming convention is kebab case.')`); err != nil {
		t.Fatalf("Weak insert failed: %v", err)
	}
	// Filler keeps the term statistics realistic so ranks are not degenerate.
	for i := 0; i < 30; i++ {
		if _, err := s.Run(ctx,
			"INSERT INTO learnings (project_id, title, content) VALUES (1, ?, ?)",
			fmt.Sprintf("Note %d", i),
			fmt.Sprintf("Unrelated observation %d about migrations and logging defaults.", i)); err != nil {
			t.Fatalf("Filler insert failed: %v", err)
		}
	}

	got := retrieveFTS(ctx, s, 1, "token bucket throttling", 50, Filter{Types: []string{TypeLearning}})

	sims := make(map[string]float64)
	for _, m := range got {
		sims[m.Title] = m.Similarity
	}
	strong, ok := sims["Token bucket throttling"]
	if !ok {
		t.Fatalf("Strong match not retrieved: %v", sims)
	}
	weak, ok := sims["Storage naming"]
	if !ok {
		t.Fatalf("Weak match not retrieved: %v", sims)
	}
	if strong <= weak {
		t.Errorf("Similarity ordering inverted: strong %f <= weak %f", strong, weak)
	}
	for title, sim := range sims {
		if sim <= 0 || sim > 1 {
			t.Errorf("Similarity for %q = %f, want within (0, 1]", title, sim)
		}
	}
}
