package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"muninn/internal/config"
	"muninn/internal/ingest"
	"muninn/internal/intel"
	"muninn/internal/logging"
	"muninn/internal/queue"
	"muninn/internal/server"
	"muninn/internal/store"
	"muninn/internal/worker"
)

// Exit codes: 0 success, 1 user error, 2 internal failure.
const (
	exitOK       = 0
	exitUsage    = 1
	exitInternal = 2
)

var (
	verbose    bool
	workerOnce bool

	logger *zap.Logger
	cfg    config.Config
	db     store.Store
)

// usageError marks bad invocations; they exit 1 instead of 2.
type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func usageErrorf(format string, args ...interface{}) error {
	return usageError{fmt.Sprintf(format, args...)}
}

var rootCmd = &cobra.Command{
	Use:   "muninn",
	Short: "Muninn - persistent memory engine for coding assistants",
	Long: `Muninn records what happens while you code (tool calls, commits, errors),
distills it into durable knowledge (decisions, learnings, issues, call graphs),
and serves token-budgeted context back to assistants over JSON-RPC.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		zcfg.OutputPaths = []string{"stderr"}
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err = config.Load()
		if err != nil {
			return err
		}
		if err := logging.Initialize(config.DataDir(), logging.Settings{
			DebugMode:  cfg.Logging.DebugMode,
			Categories: cfg.Logging.Categories,
			Level:      cfg.Logging.Level,
		}); err != nil {
			return err
		}
		return openStore(cmd.Context())
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if db != nil {
			_ = db.Close()
		}
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// openStore picks the backend: a remote sync service when configured, a
// per-project database when the project opted in, else the shared one.
func openStore(ctx context.Context) error {
	if base := os.Getenv("MUNINN_REMOTE_URL"); base != "" {
		db = store.NewRemoteStore(base, os.Getenv("MUNINN_REMOTE_TOKEN"))
	} else {
		path := config.DBPath()
		if cwd, err := os.Getwd(); err == nil {
			if local := config.ProjectDBPath(cwd); local != "" {
				path = local
			}
		}
		if err := os.MkdirAll(config.DataDir(), 0755); err != nil {
			return err
		}
		local, err := store.NewLocalStore(path)
		if err != nil {
			return err
		}
		db = local
	}
	return db.Init(ctx)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the JSON-RPC stdio server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		srv, err := server.New(cmd.Context(), db, cfg, logger, cwd)
		if err != nil {
			return err
		}
		return srv.Run(cmd.Context())
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the background job worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		d := queue.NewDispatcher(db)
		worker.Wire(d, db, cfg)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
		defer stop()

		if workerOnce {
			n, err := d.DrainOnce(ctx)
			if err != nil {
				return err
			}
			logger.Info("worker drained", zap.Int("jobs", n))
			return nil
		}
		return d.Run(ctx, 5*time.Second)
	},
}

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Record external events",
}

var ingestCommitCmd = &cobra.Command{
	Use:   "commit",
	Short: "Record the latest git commit in the current repository",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		commit, err := ingest.ReadLatestCommit(ctx, cwd)
		if err != nil {
			return usageErrorf("no commit to ingest: %v", err)
		}
		projectID, err := ingest.EnsureProject(ctx, db, cwd)
		if err != nil {
			return err
		}
		sessionID := openSessionID(ctx, projectID)
		if err := ingest.IngestCommit(ctx, db, projectID, sessionID, commit); err != nil {
			return err
		}
		fmt.Printf("Recorded commit %s (%d files)\n", shortHash(commit.Hash), len(commit.Files))
		return nil
	},
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rescan source files, extract symbols, and rebuild the call graph",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		projectID, err := ingest.EnsureProject(ctx, db, cwd)
		if err != nil {
			return err
		}
		files, err := intel.ScanSourceFiles(cwd)
		if err != nil {
			return err
		}
		res, err := intel.ReindexFiles(ctx, db, projectID, cwd, files)
		if err != nil {
			return err
		}
		if err := intel.BuildCallGraph(ctx, db, projectID, cwd, files); err != nil {
			return err
		}
		mapped, err := intel.MapTestFiles(ctx, db, projectID, files)
		if err != nil {
			return err
		}
		fmt.Printf("Reindexed %d files (%d unchanged, %d failed), %d symbols, %d test links\n",
			res.Parsed, res.Skipped, res.Failed, res.Symbols, mapped)
		return nil
	},
}

var promoteCmd = &cobra.Command{
	Use:   "promote {candidates|sync|stale|demote <id>|<id>}",
	Short: "Manage learning promotion into long-lived instructions",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		switch args[0] {
		case "candidates":
			return promoteCandidates(ctx)
		case "sync":
			return promoteSync(ctx)
		case "stale":
			return promoteStale(ctx)
		case "demote":
			if len(args) < 2 {
				return usageErrorf("demote requires a learning id")
			}
			return promoteDemote(ctx, args[1])
		default:
			return promoteOne(ctx, args[0])
		}
	},
}

// promoteCandidates lists learnings proven enough to graduate: applied at
// least twice with confidence at or above 3.
func promoteCandidates(ctx context.Context) error {
	rows, err := db.All(ctx,
		`SELECT id, title, confidence, times_applied FROM learnings
		 WHERE promotion_status = 'not_ready' AND archived_at IS NULL
		   AND confidence >= 3 AND times_applied >= 2
		 ORDER BY confidence DESC LIMIT 20`)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Println("No promotion candidates.")
		return nil
	}
	for _, row := range rows {
		fmt.Printf("%4d  conf=%.1f  applied=%d  %s\n",
			row.Int("id"), row.Float("confidence"), row.Int("times_applied"), row.String("title"))
	}
	return nil
}

// promoteOne marks a learning promoted.
func promoteOne(ctx context.Context, arg string) error {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return usageErrorf("unknown promote subcommand %q", arg)
	}
	res, err := db.Run(ctx,
		`UPDATE learnings SET promotion_status = 'promoted', updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND archived_at IS NULL`, id)
	if err != nil {
		return err
	}
	if res.Changes == 0 {
		return usageErrorf("no learning with id %d", id)
	}
	fmt.Printf("Promoted learning %d\n", id)
	return nil
}

// promoteSync renders all promoted learnings as a markdown block suitable for
// pasting into an instructions file.
func promoteSync(ctx context.Context) error {
	rows, err := db.All(ctx,
		`SELECT id, category, title, content FROM learnings
		 WHERE promotion_status = 'promoted' AND archived_at IS NULL
		 ORDER BY category, id`)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Println("Nothing promoted yet.")
		return nil
	}
	category := ""
	for _, row := range rows {
		if c := row.String("category"); c != category {
			category = c
			fmt.Printf("\n## %s\n\n", category)
		}
		fmt.Printf("- **%s**: %s\n", row.String("title"), row.String("content"))
	}
	return nil
}

// promoteStale lists promoted learnings whose confidence has since decayed.
func promoteStale(ctx context.Context) error {
	rows, err := db.All(ctx,
		`SELECT id, title, confidence FROM learnings
		 WHERE promotion_status = 'promoted' AND archived_at IS NULL AND confidence < 1.0
		 ORDER BY confidence ASC`)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Println("No stale promotions.")
		return nil
	}
	for _, row := range rows {
		fmt.Printf("%4d  conf=%.1f  %s\n", row.Int("id"), row.Float("confidence"), row.String("title"))
	}
	return nil
}

func promoteDemote(ctx context.Context, arg string) error {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return usageErrorf("demote requires a numeric learning id")
	}
	res, err := db.Run(ctx,
		`UPDATE learnings SET promotion_status = 'not_ready', promoted_to_section = NULL,
		        updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if res.Changes == 0 {
		return usageErrorf("no learning with id %d", id)
	}
	fmt.Printf("Demoted learning %d\n", id)
	return nil
}

// knowledgeTypes are the entity kinds relationships may join.
var knowledgeTypes = map[string]bool{
	"decision": true, "learning": true, "issue": true, "file": true, "session": true,
}

var relateCmd = &cobra.Command{
	Use:   "relate <source_type> <source_id> <target_type> <target_id> [relationship]",
	Short: "Link two knowledge items",
	Args:  cobra.RangeArgs(4, 5),
	RunE: func(cmd *cobra.Command, args []string) error {
		sourceType, targetType := args[0], args[2]
		if !knowledgeTypes[sourceType] || !knowledgeTypes[targetType] {
			return usageErrorf("types must be one of decision, learning, issue, file, session")
		}
		sourceID, err1 := strconv.ParseInt(args[1], 10, 64)
		targetID, err2 := strconv.ParseInt(args[3], 10, 64)
		if err1 != nil || err2 != nil {
			return usageErrorf("ids must be numeric")
		}
		relationship := "related"
		if len(args) == 5 {
			relationship = args[4]
		}
		_, err := db.Run(cmd.Context(),
			`INSERT INTO relationships (source_type, source_id, target_type, target_id, relationship)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(source_type, source_id, target_type, target_id, relationship) DO NOTHING`,
			sourceType, sourceID, targetType, targetID, relationship)
		if err != nil {
			return err
		}
		fmt.Printf("Related %s %d -> %s %d (%s)\n", sourceType, sourceID, targetType, targetID, relationship)
		return nil
	},
}

var relationsCmd = &cobra.Command{
	Use:   "relations <type> <id>",
	Short: "List relationships touching a knowledge item",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !knowledgeTypes[args[0]] {
			return usageErrorf("unknown type %q", args[0])
		}
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return usageErrorf("id must be numeric")
		}
		rows, err := db.All(cmd.Context(),
			`SELECT id, source_type, source_id, target_type, target_id, relationship, strength
			 FROM relationships
			 WHERE (source_type = ?1 AND source_id = ?2) OR (target_type = ?1 AND target_id = ?2)
			 ORDER BY id`,
			args[0], id)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			fmt.Println("No relationships.")
			return nil
		}
		for _, row := range rows {
			fmt.Printf("%4d  %s %d --%s--> %s %d (strength %.0f)\n",
				row.Int("id"), row.String("source_type"), row.Int("source_id"),
				row.String("relationship"), row.String("target_type"), row.Int("target_id"),
				row.Float("strength"))
		}
		return nil
	},
}

var unrelateCmd = &cobra.Command{
	Use:   "unrelate <relationship_id>",
	Short: "Remove a relationship by id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return usageErrorf("relationship id must be numeric")
		}
		res, err := db.Run(cmd.Context(), "DELETE FROM relationships WHERE id = ?", id)
		if err != nil {
			return err
		}
		if res.Changes == 0 {
			return usageErrorf("no relationship with id %d", id)
		}
		fmt.Printf("Removed relationship %d\n", id)
		return nil
	},
}

// memAllowed is the read-only subset of the legacy mem CLI that may be
// invoked through the passthrough. Anything mutating is rejected.
var memAllowed = map[string]bool{
	"status": true, "recent": true, "search": true, "decisions": true,
	"learnings": true, "issues": true, "health": true, "context": true,
}

var memCmd = &cobra.Command{
	Use:   "mem <command line>",
	Short: "Pass a read-only command through to the legacy mem CLI",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		parts, err := splitCommandLine(args[0])
		if err != nil {
			return usageErrorf("%v", err)
		}
		if len(parts) == 0 {
			return usageErrorf("empty mem command")
		}
		if !memAllowed[parts[0]] {
			return usageErrorf("mem subcommand %q is not allowed (read-only passthrough)", parts[0])
		}
		// No shell: the argv is passed directly.
		child := exec.CommandContext(cmd.Context(), "mem", parts...)
		child.Stdout = os.Stdout
		child.Stderr = os.Stderr
		return child.Run()
	},
}

// splitCommandLine splits a command string on whitespace, honouring single
// and double quotes. An unterminated quote is an error.
func splitCommandLine(line string) ([]string, error) {
	var parts []string
	var cur strings.Builder
	var quote rune
	inToken := false

	for _, r := range line {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inToken = true
		case r == ' ' || r == '\t':
			if inToken {
				parts = append(parts, cur.String())
				cur.Reset()
				inToken = false
			}
		default:
			cur.WriteRune(r)
			inToken = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote in command")
	}
	if inToken {
		parts = append(parts, cur.String())
	}
	return parts, nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine status for the current project",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		projectID, err := ingest.EnsureProject(ctx, db, cwd)
		if err != nil {
			return err
		}
		row, err := db.Get(ctx,
			`SELECT
				(SELECT COUNT(*) FROM sessions WHERE project_id = ?1) AS sessions,
				(SELECT COUNT(*) FROM learnings WHERE project_id = ?1 AND archived_at IS NULL) AS learnings,
				(SELECT COUNT(*) FROM decisions WHERE project_id = ?1 AND status = 'active') AS decisions,
				(SELECT COUNT(*) FROM issues WHERE project_id = ?1 AND status = 'open') AS issues`,
			projectID)
		if err != nil {
			return err
		}
		pending := queue.PendingCount(ctx, db)
		out, _ := json.MarshalIndent(map[string]interface{}{
			"project_id":   projectID,
			"sessions":     row.Int("sessions"),
			"learnings":    row.Int("learnings"),
			"decisions":    row.Int("decisions"),
			"open_issues":  row.Int("issues"),
			"pending_jobs": pending,
		}, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

// openSessionID returns the current unended session, or 0.
func openSessionID(ctx context.Context, projectID int64) int64 {
	row, err := db.Get(ctx,
		"SELECT id FROM sessions WHERE project_id = ? AND ended_at IS NULL ORDER BY started_at DESC LIMIT 1",
		projectID)
	if err != nil || row == nil {
		return 0
	}
	return row.Int("id")
}

func shortHash(h string) string {
	if len(h) > 7 {
		return h[:7]
	}
	return h
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	workerCmd.Flags().BoolVar(&workerOnce, "once", false, "drain pending jobs and exit")

	ingestCmd.AddCommand(ingestCommitCmd)
	rootCmd.AddCommand(serveCmd, workerCmd, ingestCmd, reindexCmd,
		promoteCmd, relateCmd, relationsCmd, unrelateCmd, memCmd, statusCmd)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", config.RedactAPIKeys(err.Error()))
		if _, ok := err.(usageError); ok {
			os.Exit(exitUsage)
		}
		os.Exit(exitInternal)
	}
	os.Exit(exitOK)
}
