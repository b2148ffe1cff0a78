package ingest

import (
	"context"
	"testing"
	"time"
)

const sampleLog = "abc123def456\tAda\t2026-08-20T10:00:00+02:00\tfix: handle empty input\n" +
	"\n" +
	"10\t2\tsrc/app.ts\n" +
	"5\t1\tsrc/util.ts\n" +
	"-\t-\tassets/logo.png\n"

func TestParseGitLog(t *testing.T) {
	c, err := parseGitLog(sampleLog)
	if err != nil {
		t.Fatalf("parseGitLog failed: %v", err)
	}
	if c.Hash != "abc123def456" || c.Author != "Ada" {
		t.Errorf("Header parse wrong: %+v", c)
	}
	if c.Message != "fix: handle empty input" {
		t.Errorf("Message = %q", c.Message)
	}
	if !c.CommittedAt.Equal(time.Date(2026, 8, 20, 8, 0, 0, 0, time.UTC)) {
		t.Errorf("CommittedAt = %v", c.CommittedAt)
	}
	if len(c.Files) != 3 {
		t.Fatalf("Files = %d, want 3", len(c.Files))
	}
	if c.Files[0].Insertions != 10 || c.Files[0].Deletions != 2 {
		t.Errorf("Numstat parse wrong: %+v", c.Files[0])
	}
	// Binary files carry zero counts but are still listed.
	if c.Files[2].Path != "assets/logo.png" || c.Files[2].Insertions != 0 {
		t.Errorf("Binary file parse wrong: %+v", c.Files[2])
	}
}

func TestParseGitLogEmpty(t *testing.T) {
	if _, err := parseGitLog(""); err == nil {
		t.Fatal("Expected error on empty log")
	}
}

func TestIngestCommitCoChange(t *testing.T) {
	s := newIngestTestStore(t)
	ctx := context.Background()

	commit := &Commit{
		Hash:        "c1",
		Author:      "Ada",
		CommittedAt: time.Now().UTC(),
		Message:     "feat: add parser",
		Files: []FileChange{
			{Path: "b.ts", Insertions: 1},
			{Path: "a.ts", Insertions: 2},
			{Path: "c.ts", Insertions: 3},
		},
	}
	if err := IngestCommit(ctx, s, 1, 0, commit); err != nil {
		t.Fatalf("IngestCommit failed: %v", err)
	}

	// Three files yield three unordered pairs, stored with file_a < file_b.
	rows, err := s.All(ctx,
		"SELECT file_a, file_b, cochange_count FROM file_correlations WHERE project_id = 1 ORDER BY file_a, file_b")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("Pairs = %d, want 3", len(rows))
	}
	if rows[0].String("file_a") != "a.ts" || rows[0].String("file_b") != "b.ts" {
		t.Errorf("Pair ordering wrong: %v", rows[0])
	}

	// The same pair in a second commit increments, not duplicates.
	commit2 := &Commit{
		Hash: "c2", Author: "Ada", CommittedAt: time.Now().UTC(), Message: "fix",
		Files: []FileChange{{Path: "a.ts"}, {Path: "b.ts"}},
	}
	if err := IngestCommit(ctx, s, 1, 0, commit2); err != nil {
		t.Fatalf("Second IngestCommit failed: %v", err)
	}
	row, _ := s.Get(ctx,
		"SELECT cochange_count FROM file_correlations WHERE project_id = 1 AND file_a = 'a.ts' AND file_b = 'b.ts'")
	if row == nil || row.Int("cochange_count") != 2 {
		t.Fatalf("Co-change count = %v, want 2", row)
	}
}

func TestIngestCommitIdempotent(t *testing.T) {
	s := newIngestTestStore(t)
	ctx := context.Background()

	commit := &Commit{
		Hash: "dup", Author: "Ada", CommittedAt: time.Now().UTC(), Message: "once",
		Files: []FileChange{{Path: "a.ts"}, {Path: "b.ts"}},
	}
	for i := 0; i < 2; i++ {
		if err := IngestCommit(ctx, s, 1, 0, commit); err != nil {
			t.Fatalf("IngestCommit failed: %v", err)
		}
	}

	row, _ := s.Get(ctx, "SELECT COUNT(*) AS n FROM git_commits WHERE commit_hash = 'dup'")
	if row.Int("n") != 1 {
		t.Errorf("Commit rows = %d, want 1", row.Int("n"))
	}
	row, _ = s.Get(ctx,
		"SELECT cochange_count FROM file_correlations WHERE file_a = 'a.ts' AND file_b = 'b.ts'")
	if row == nil || row.Int("cochange_count") != 1 {
		t.Errorf("Re-ingest must not double-count co-changes: %v", row)
	}
}

func TestIngestCommitFileStats(t *testing.T) {
	s := newIngestTestStore(t)
	ctx := context.Background()

	for i, hash := range []string{"h1", "h2"} {
		commit := &Commit{
			Hash: hash, Author: "Ada", CommittedAt: time.Now().UTC(), Message: "change",
			Files: []FileChange{{Path: "hot.ts", Insertions: i}},
		}
		if err := IngestCommit(ctx, s, 1, 0, commit); err != nil {
			t.Fatalf("IngestCommit failed: %v", err)
		}
	}

	row, err := s.Get(ctx,
		"SELECT change_count, temperature, velocity_score FROM files WHERE project_id = 1 AND path = 'hot.ts'")
	if err != nil || row == nil {
		t.Fatalf("File row missing: %v", err)
	}
	if row.Int("change_count") != 2 {
		t.Errorf("change_count = %d", row.Int("change_count"))
	}
	if row.String("temperature") != "hot" {
		t.Errorf("temperature = %q", row.String("temperature"))
	}
	// Both changes landed just now, so velocity is near change_count.
	if v := row.Float("velocity_score"); v < 1.5 || v > 2.0 {
		t.Errorf("velocity_score = %f", v)
	}
}

func TestIngestCommitEnqueuesJobs(t *testing.T) {
	s := newIngestTestStore(t)
	ctx := context.Background()

	commit := &Commit{
		Hash: "j1", Author: "Ada", CommittedAt: time.Now().UTC(), Message: "code change",
		Files: []FileChange{{Path: "src/a.ts"}},
	}
	if err := IngestCommit(ctx, s, 1, 0, commit); err != nil {
		t.Fatalf("IngestCommit failed: %v", err)
	}

	rows, err := s.All(ctx, "SELECT job_type FROM work_queue ORDER BY id")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	types := make([]string, 0, len(rows))
	for _, r := range rows {
		types = append(types, r.String("job_type"))
	}
	// Symbol work precedes diff analysis for the same commit.
	if len(types) < 2 || types[0] != "reindex_symbols" {
		t.Fatalf("Job order wrong: %v", types)
	}
	found := map[string]bool{}
	for _, tt := range types {
		found[tt] = true
	}
	for _, want := range []string{"build_call_graph", "analyze_diffs", "run_tests", "detect_reverts", "refresh_ownership"} {
		if !found[want] {
			t.Errorf("Missing job %s in %v", want, types)
		}
	}
}
