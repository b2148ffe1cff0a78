package ingest

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"muninn/internal/logging"
	"muninn/internal/queue"
	"muninn/internal/store"
)

// FileChange is one file's diff stat within a commit.
type FileChange struct {
	Path       string
	Insertions int
	Deletions  int
}

// Commit is the parsed form of one git commit.
type Commit struct {
	Hash        string
	Author      string
	CommittedAt time.Time
	Message     string
	Files       []FileChange
}

// symbolExtensions are the file types the call-graph and symbol extractors
// understand; commits touching them enqueue reindex work.
var symbolExtensions = map[string]bool{
	".ts": true, ".tsx": true, ".js": true, ".jsx": true, ".mjs": true, ".cjs": true,
}

// ReadLatestCommit shells out to git for the most recent commit in repoDir.
// Invoked from the post-commit hook via `muninn ingest commit`.
func ReadLatestCommit(ctx context.Context, repoDir string) (*Commit, error) {
	// %H hash, %an author, %aI iso date, %s subject; --numstat gives
	// per-file "inserts<TAB>deletes<TAB>path" lines.
	cmd := exec.CommandContext(ctx, "git", "log", "-1", "--numstat", "--format=%H%x09%an%x09%aI%x09%s")
	cmd.Dir = repoDir
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git log failed: %w", err)
	}
	return parseGitLog(string(out))
}

// parseGitLog parses the single-commit `git log --numstat` output.
func parseGitLog(out string) (*Commit, error) {
	scanner := bufio.NewScanner(strings.NewReader(out))
	var commit *Commit
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if commit == nil {
			if len(fields) < 4 {
				return nil, fmt.Errorf("unexpected git log header: %q", line)
			}
			ts, err := time.Parse(time.RFC3339, fields[2])
			if err != nil {
				ts = time.Now().UTC()
			}
			commit = &Commit{
				Hash:        fields[0],
				Author:      fields[1],
				CommittedAt: ts.UTC(),
				Message:     strings.Join(fields[3:], "\t"),
			}
			continue
		}
		if len(fields) != 3 {
			continue
		}
		// Binary files report "-" for both counts.
		ins, _ := strconv.Atoi(fields[0])
		del, _ := strconv.Atoi(fields[1])
		commit.Files = append(commit.Files, FileChange{Path: fields[2], Insertions: ins, Deletions: del})
	}
	if commit == nil {
		return nil, fmt.Errorf("no commit found")
	}
	return commit, nil
}

// IngestCommit records a commit and its derived effects: file stats,
// pairwise co-change counts, and the deferred-analysis job set. A commit
// hash already present for the project is a no-op.
func IngestCommit(ctx context.Context, s store.Store, projectID, sessionID int64, c *Commit) error {
	timer := logging.StartTimer(logging.CategoryIngest, "IngestCommit")
	defer timer.Stop()

	existing, err := s.Get(ctx,
		"SELECT id FROM git_commits WHERE project_id = ? AND commit_hash = ?", projectID, c.Hash)
	if err != nil {
		return fmt.Errorf("commit lookup failed: %w", err)
	}
	if existing != nil {
		logging.IngestDebug("Commit %s already ingested", c.Hash)
		return nil
	}

	paths := make([]string, 0, len(c.Files))
	totalIns, totalDel := 0, 0
	for _, f := range c.Files {
		paths = append(paths, f.Path)
		totalIns += f.Insertions
		totalDel += f.Deletions
	}
	filesJSON := jsonArray(paths)

	var session interface{}
	if sessionID > 0 {
		session = sessionID
	}
	if _, err := s.Run(ctx,
		`INSERT INTO git_commits (project_id, commit_hash, author, message, files_changed, insertions, deletions, committed_at, session_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		projectID, c.Hash, c.Author, c.Message, filesJSON, totalIns, totalDel,
		c.CommittedAt.Format(time.RFC3339), session); err != nil {
		return fmt.Errorf("commit insert failed: %w", err)
	}

	for _, f := range c.Files {
		bumpFileStats(ctx, s, projectID, f.Path)
	}
	if len(paths) >= 2 {
		recordCoChanges(ctx, s, projectID, paths)
	}

	enqueueCommitJobs(ctx, s, projectID, c)
	logging.Ingest("Ingested commit %s (%d files, +%d/-%d)", shortHash(c.Hash), len(paths), totalIns, totalDel)
	return nil
}

// bumpFileStats increments change_count, marks the file hot, and recomputes
// velocity_score = change_count / (1 + days_since_first_change).
func bumpFileStats(ctx context.Context, s store.Store, projectID int64, path string) {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.Run(ctx,
		`INSERT INTO files (project_id, path, change_count, temperature, first_changed_at, last_referenced_at, velocity_score)
		 VALUES (?, ?, 1, 'hot', ?, ?, 1.0)
		 ON CONFLICT(project_id, path) DO UPDATE SET
			change_count = change_count + 1,
			temperature = 'hot',
			first_changed_at = COALESCE(first_changed_at, excluded.first_changed_at),
			last_referenced_at = excluded.last_referenced_at,
			updated_at = CURRENT_TIMESTAMP`,
		projectID, path, now, now)
	if err != nil {
		logging.Get(logging.CategoryIngest).Warn("File stat bump failed for %s: %v", path, err)
		return
	}
	// Velocity needs the stored first_changed_at; recompute in a second pass.
	_, err = s.Run(ctx,
		`UPDATE files SET velocity_score = CAST(change_count AS REAL) /
			(1.0 + MAX(0, julianday('now') - julianday(first_changed_at)))
		 WHERE project_id = ? AND path = ?`,
		projectID, path)
	if err != nil {
		logging.IngestDebug("Velocity recompute failed for %s: %v", path, err)
	}
}

// recordCoChanges bumps cochange_count for every unordered file pair in the
// commit. Pairs are stored with file_a < file_b.
func recordCoChanges(ctx context.Context, s store.Store, projectID int64, paths []string) {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			_, err := s.Run(ctx,
				`INSERT INTO file_correlations (project_id, file_a, file_b, cochange_count)
				 VALUES (?, ?, ?, 1)
				 ON CONFLICT(project_id, file_a, file_b) DO UPDATE SET
					cochange_count = cochange_count + 1,
					updated_at = CURRENT_TIMESTAMP`,
				projectID, sorted[i], sorted[j])
			if err != nil {
				logging.IngestDebug("Co-change bump failed for (%s, %s): %v", sorted[i], sorted[j], err)
			}
		}
	}
}

// enqueueCommitJobs queues the deferred analyses for a fresh commit. Symbol
// reindex precedes diff analysis so changed_functions can resolve.
func enqueueCommitJobs(ctx context.Context, s store.Store, projectID int64, c *Commit) {
	payload := map[string]interface{}{"project_id": projectID, "commit_hash": c.Hash}

	hasParseable := false
	for _, f := range c.Files {
		if ext := strings.ToLower(pathExt(f.Path)); symbolExtensions[ext] {
			hasParseable = true
			break
		}
	}
	if hasParseable {
		enqueueBestEffort(ctx, s, queue.JobReindexSymbols, payload)
		enqueueBestEffort(ctx, s, queue.JobBuildCallGraph, payload)
	}
	enqueueBestEffort(ctx, s, queue.JobAnalyzeDiffs, payload)
	enqueueBestEffort(ctx, s, queue.JobRunTests, payload)
	enqueueBestEffort(ctx, s, queue.JobDetectReverts, payload)
	enqueueBestEffort(ctx, s, queue.JobRefreshOwnership, payload)
}

func enqueueBestEffort(ctx context.Context, s store.Store, jobType string, payload interface{}) {
	if err := queue.Enqueue(ctx, s, jobType, payload); err != nil {
		logging.Get(logging.CategoryIngest).Warn("Enqueue %s failed: %v", jobType, err)
	}
}

func jsonArray(items []string) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, s := range items {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Quote(s))
	}
	b.WriteByte(']')
	return b.String()
}

func shortHash(h string) string {
	if len(h) > 7 {
		return h[:7]
	}
	return h
}

func pathExt(p string) string {
	if i := strings.LastIndexByte(p, '.'); i >= 0 {
		return p[i:]
	}
	return ""
}
