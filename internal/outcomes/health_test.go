package outcomes

import (
	"context"
	"testing"
	"time"
)

func TestComputeHealthEmptyProjectIsNeutral(t *testing.T) {
	s := newOutcomesTestStore(t)

	report, err := ComputeHealth(context.Background(), s, 1)
	if err != nil {
		t.Fatalf("ComputeHealth failed: %v", err)
	}
	if report.Overall != 50 {
		t.Errorf("Overall = %d, want 50", report.Overall)
	}
	for name, got := range map[string]int{
		"fragility": report.FragilityScore,
		"decisions": report.DecisionScore,
		"learnings": report.LearningScore,
		"issues":    report.IssueScore,
		"freshness": report.FreshnessScore,
	} {
		if got != 50 {
			t.Errorf("%s component = %d, want 50", name, got)
		}
	}
}

func TestComputeHealthComponents(t *testing.T) {
	s := newOutcomesTestStore(t)
	ctx := context.Background()

	// Three of four files below the fragility threshold.
	for i, fragility := range []float64{2, 4, 6, 9} {
		if _, err := s.Run(ctx,
			"INSERT INTO files (project_id, path, fragility) VALUES (1, ?, ?)",
			"src/f"+string(rune('a'+i))+".ts", fragility); err != nil {
			t.Fatalf("File insert failed: %v", err)
		}
	}
	// Two successful, one failed, one still pending (untracked).
	for _, status := range []string{"successful", "successful", "failed", "pending"} {
		if _, err := s.Run(ctx,
			"INSERT INTO decisions (project_id, title, decision, outcome_status) VALUES (1, 'd', 'd', ?)",
			status); err != nil {
			t.Fatalf("Decision insert failed: %v", err)
		}
	}
	// Mean confidence 5.25 sits at the midpoint of [0.5, 10].
	for _, conf := range []float64{3.0, 7.5} {
		if _, err := s.Run(ctx,
			"INSERT INTO learnings (project_id, title, content, confidence) VALUES (1, 'l', 'l', ?)",
			conf); err != nil {
			t.Fatalf("Learning insert failed: %v", err)
		}
	}
	for _, status := range []string{"open", "resolved"} {
		if _, err := s.Run(ctx,
			"INSERT INTO issues (project_id, title, status) VALUES (1, 'i', ?)", status); err != nil {
			t.Fatalf("Issue insert failed: %v", err)
		}
	}

	report, err := ComputeHealth(ctx, s, 1)
	if err != nil {
		t.Fatalf("ComputeHealth failed: %v", err)
	}
	if report.FragilityScore != 75 {
		t.Errorf("Fragility = %d, want 75", report.FragilityScore)
	}
	if report.DecisionScore != 67 {
		t.Errorf("Decisions = %d, want 67", report.DecisionScore)
	}
	if report.LearningScore != 50 {
		t.Errorf("Learnings = %d, want 50", report.LearningScore)
	}
	if report.IssueScore != 50 {
		t.Errorf("Issues = %d, want 50", report.IssueScore)
	}
	// Everything was written just now.
	if report.FreshnessScore != 100 {
		t.Errorf("Freshness = %d, want 100", report.FreshnessScore)
	}
	if report.Overall != 67 {
		t.Errorf("Overall = %d, want 67", report.Overall)
	}
}

func TestAggregateValueMetricsUpsert(t *testing.T) {
	s := newOutcomesTestStore(t)
	ctx := context.Background()
	sessionID := seedSession(t, s, time.Now().UTC())

	if _, err := s.Run(ctx,
		"INSERT INTO contradiction_alerts (project_id, description) VALUES (1, 'decision conflicts with learning')"); err != nil {
		t.Fatalf("Alert insert failed: %v", err)
	}
	for _, inj := range []struct {
		sourceType string
		sourceID   int64
		signal     interface{}
	}{
		{"decision", 1, "positive"},
		{"learning", 1, nil},
		{"learning", 2, nil},
	} {
		if _, err := s.Run(ctx,
			`INSERT INTO context_injections (project_id, session_id, source_type, source_id, relevance_signal)
			 VALUES (1, ?, ?, ?, ?)`,
			sessionID, inj.sourceType, inj.sourceID, inj.signal); err != nil {
			t.Fatalf("Injection insert failed: %v", err)
		}
	}

	// Running twice must update the month row in place.
	for i := 0; i < 2; i++ {
		if err := AggregateValueMetrics(ctx, s, 1); err != nil {
			t.Fatalf("AggregateValueMetrics failed: %v", err)
		}
	}

	rows, err := s.All(ctx, "SELECT * FROM value_metrics WHERE project_id = 1")
	if err != nil {
		t.Fatalf("Metrics read failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("Metric rows = %d, want 1", len(rows))
	}
	row := rows[0]
	if row.String("month") != time.Now().UTC().Format("2006-01") {
		t.Errorf("Month = %q", row.String("month"))
	}
	if row.Int("contradictions_caught") != 1 || row.Int("injections") != 3 ||
		row.Int("injection_hits") != 1 || row.Int("decisions_recalled") != 1 ||
		row.Int("learnings_recalled") != 2 || row.Int("sessions") != 1 {
		t.Errorf("Metrics row = %v", row)
	}
}

func TestRatioScore(t *testing.T) {
	cases := []struct {
		num, den int64
		want     int
	}{
		{0, 0, 50},
		{3, 4, 75},
		{2, 3, 67},
		{5, 5, 100},
		{0, 8, 0},
	}
	for _, c := range cases {
		if got := ratioScore(c.num, c.den); got != c.want {
			t.Errorf("ratioScore(%d, %d) = %d, want %d", c.num, c.den, got, c.want)
		}
	}
}
