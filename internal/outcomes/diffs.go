// Package outcomes derives knowledge from what actually happened: commit
// intent, error-fix pairs, reverts, test runs, learning reinforcement,
// behavioural patterns, risk alerts, health, and workflow prediction. Every
// analysis here reads raw event tables and upserts a derived table
// idempotently; handlers tolerate partial data and old schemas.
package outcomes

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"muninn/internal/config"
	"muninn/internal/logging"
	"muninn/internal/store"
)

// diffBatchSize bounds commits analyzed per pass.
const diffBatchSize = 5

// llmTimeout caps the remote classification call.
const llmTimeout = 10 * time.Second

// Intent categories.
const (
	CategoryFeature  = "feature"
	CategoryBugfix   = "bugfix"
	CategoryRefactor = "refactor"
	CategoryTest     = "test"
	CategoryDocs     = "docs"
	CategoryChore    = "chore"
	CategoryPerf     = "perf"
	CategoryStyle    = "style"
	CategoryOther    = "other"
)

// conventionalPrefixes maps conventional-commit types to intent categories.
var conventionalPrefixes = map[string]string{
	"feat": CategoryFeature, "fix": CategoryBugfix, "refactor": CategoryRefactor,
	"test": CategoryTest, "docs": CategoryDocs, "chore": CategoryChore,
	"perf": CategoryPerf, "style": CategoryStyle, "build": CategoryChore,
	"ci": CategoryChore, "revert": CategoryOther,
}

var conventionalPattern = regexp.MustCompile(`^(\w+)(?:\([^)]*\))?!?:\s`)

// categoryKeywords is the fallback scan order when no prefix matches.
var categoryKeywords = []struct {
	re       *regexp.Regexp
	category string
}{
	{regexp.MustCompile(`(?i)\b(fix|bug|patch|resolve|repair|correct)\b`), CategoryBugfix},
	{regexp.MustCompile(`(?i)\b(add|implement|introduce|support|new)\b`), CategoryFeature},
	{regexp.MustCompile(`(?i)\b(refactor|restructure|rewrite|cleanup|clean up|simplify|extract)\b`), CategoryRefactor},
	{regexp.MustCompile(`(?i)\b(test|spec|coverage)\b`), CategoryTest},
	{regexp.MustCompile(`(?i)\b(doc|docs|readme|comment)\b`), CategoryDocs},
	{regexp.MustCompile(`(?i)\b(perf|performance|optimi[sz]e|speed)\b`), CategoryPerf},
	{regexp.MustCompile(`(?i)\b(bump|upgrade|dependency|deps|version|release)\b`), CategoryChore},
}

// DiffClassifier assigns an intent summary and category to ingested commits.
// It prefers a small remote model; any failure falls back to rules.
type DiffClassifier struct {
	store  store.Store
	client *openai.Client
	model  string
}

// NewDiffClassifier builds a classifier. The LLM client is nil when no
// OpenAI-compatible key is configured; classification then runs rules-only.
func NewDiffClassifier(s store.Store, llm config.LLMConfig) *DiffClassifier {
	c := &DiffClassifier{store: s, model: llm.Model}
	if c.model == "" {
		c.model = "gpt-4o-mini"
	}
	if key := config.GetAPIKey("openai"); key.OK {
		cfg := openai.DefaultConfig(key.Value)
		if llm.BaseURL != "" {
			cfg.BaseURL = llm.BaseURL
		}
		c.client = openai.NewClientWithConfig(cfg)
	}
	return c
}

// AnalyzeCommits classifies up to five unanalyzed commits for a project and
// marks them analyzed. Per-commit failures degrade to the heuristic result.
func (dc *DiffClassifier) AnalyzeCommits(ctx context.Context, projectID int64) (int, error) {
	rows, err := dc.store.All(ctx,
		`SELECT id, commit_hash, message, files_changed, insertions, deletions
		 FROM git_commits WHERE project_id = ? AND analyzed = 0
		 ORDER BY committed_at ASC LIMIT ?`,
		projectID, diffBatchSize)
	if err != nil {
		return 0, fmt.Errorf("unanalyzed commit pull failed: %w", err)
	}

	analyzed := 0
	for _, row := range rows {
		hash := row.String("commit_hash")
		message := row.String("message")
		var files []string
		_ = json.Unmarshal([]byte(row.String("files_changed")), &files)

		summary, category, by := dc.classify(ctx, message, files,
			row.Int("insertions"), row.Int("deletions"))

		changedFns := dc.changedFunctions(ctx, projectID, files)
		fnsJSON, _ := json.Marshal(changedFns)

		_, err := dc.store.Run(ctx,
			`INSERT INTO diff_analyses (project_id, commit_hash, intent_summary, intent_category, changed_functions, analyzed_by)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(project_id, commit_hash) DO UPDATE SET
				intent_summary = excluded.intent_summary,
				intent_category = excluded.intent_category,
				changed_functions = excluded.changed_functions,
				analyzed_by = excluded.analyzed_by`,
			projectID, hash, summary, category, string(fnsJSON), by)
		if err != nil {
			logging.Get(logging.CategoryOutcomes).Warn("Diff analysis insert failed for %s: %v", hash, err)
			continue
		}
		if _, err := dc.store.Run(ctx,
			"UPDATE git_commits SET analyzed = 1 WHERE id = ?", row.Int("id")); err != nil {
			logging.Get(logging.CategoryOutcomes).Warn("Commit analyzed flag failed for %s: %v", hash, err)
		}
		analyzed++
	}
	if analyzed > 0 {
		logging.Outcomes("Classified %d commits for project %d", analyzed, projectID)
	}
	return analyzed, nil
}

// classify returns (summary, category, analyzed_by).
func (dc *DiffClassifier) classify(ctx context.Context, message string, files []string, ins, del int64) (string, string, string) {
	if dc.client != nil {
		if summary, category, err := dc.classifyLLM(ctx, message, files, ins, del); err == nil {
			return summary, category, "llm"
		} else {
			logging.OutcomesDebug("LLM classification failed, falling back: %v",
				config.RedactAPIKeys(err.Error()))
		}
	}
	summary, category := classifyHeuristic(message)
	return summary, category, "heuristic"
}

type llmIntent struct {
	Summary  string `json:"summary"`
	Category string `json:"category"`
}

// classifyLLM asks the remote model for a strict JSON verdict.
func (dc *DiffClassifier) classifyLLM(ctx context.Context, message string, files []string, ins, del int64) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, llmTimeout)
	defer cancel()

	shown := files
	if len(shown) > 15 {
		shown = shown[:15]
	}
	prompt := fmt.Sprintf(
		"Classify this git commit. Respond with JSON only: {\"summary\": \"<one sentence>\", \"category\": \"<feature|bugfix|refactor|test|docs|chore|perf|style|other>\"}\n\nSubject: %s\nFiles (%d): %s\nChanges: +%d/-%d",
		firstLine(message), len(files), strings.Join(shown, ", "), ins, del)

	resp, err := dc.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       dc.model,
		MaxTokens:   150,
		Temperature: 0,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", "", err
	}
	if len(resp.Choices) == 0 {
		return "", "", fmt.Errorf("empty completion")
	}

	raw := strings.TrimSpace(resp.Choices[0].Message.Content)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var intent llmIntent
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &intent); err != nil {
		return "", "", fmt.Errorf("unparseable intent JSON: %w", err)
	}
	if intent.Summary == "" || !validCategory(intent.Category) {
		return "", "", fmt.Errorf("incomplete intent verdict")
	}
	return intent.Summary, intent.Category, nil
}

// classifyHeuristic is the rule-based fallback: conventional-commit prefix
// first, then keyword scan, then "other".
func classifyHeuristic(message string) (string, string) {
	subject := firstLine(message)
	if m := conventionalPattern.FindStringSubmatch(subject); m != nil {
		if category, ok := conventionalPrefixes[strings.ToLower(m[1])]; ok {
			return subject, category
		}
	}
	for _, kw := range categoryKeywords {
		if kw.re.MatchString(subject) {
			return subject, kw.category
		}
	}
	return subject, CategoryOther
}

// changedFunctions resolves symbol names declared in the commit's files.
func (dc *DiffClassifier) changedFunctions(ctx context.Context, projectID int64, files []string) []string {
	var out []string
	for _, path := range files {
		rows, err := dc.store.All(ctx,
			`SELECT s.name FROM symbols s
			 JOIN files f ON f.id = s.file_id
			 WHERE f.project_id = ? AND f.path = ? AND s.kind IN ('function', 'method')
			 LIMIT 20`,
			projectID, path)
		if err != nil {
			continue
		}
		for _, r := range rows {
			out = append(out, r.String("name"))
		}
	}
	if out == nil {
		out = []string{}
	}
	return out
}

func validCategory(c string) bool {
	switch c {
	case CategoryFeature, CategoryBugfix, CategoryRefactor, CategoryTest,
		CategoryDocs, CategoryChore, CategoryPerf, CategoryStyle, CategoryOther:
		return true
	}
	return false
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}
