package store

// SentinelTable is probed by CheckSchemaExists. The projects table is created
// first in the bundle, so its presence implies a prior successful Init.
const SentinelTable = "projects"

// SchemaDDL is the idempotent DDL bundle creating every table, index, FTS5
// mirror, and sync trigger. It is executed through the statement splitter;
// trigger bodies rely on BEGIN..END suppression of semicolons.
const SchemaDDL = `
-- ===========================================================================
-- Muninn schema. Idempotent: every statement is IF NOT EXISTS.
-- ===========================================================================

PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS projects (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	path TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	type TEXT DEFAULT '',
	stack TEXT DEFAULT '',
	status TEXT DEFAULT 'active',
	mode TEXT DEFAULT 'default',
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS files (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL,
	path TEXT NOT NULL,
	purpose TEXT DEFAULT '',
	type TEXT DEFAULT '',
	fragility REAL DEFAULT 0,
	fragility_reason TEXT DEFAULT '',
	temperature TEXT DEFAULT 'warm',
	change_count INTEGER DEFAULT 0,
	velocity_score REAL DEFAULT 0,
	first_changed_at DATETIME,
	content_hash TEXT DEFAULT '',
	embedding BLOB,
	archived_at DATETIME,
	last_referenced_at DATETIME,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(project_id, path)
);
CREATE INDEX IF NOT EXISTS idx_files_project ON files(project_id);
CREATE INDEX IF NOT EXISTS idx_files_temperature ON files(project_id, temperature);
CREATE INDEX IF NOT EXISTS idx_files_fragility ON files(project_id, fragility);

CREATE TABLE IF NOT EXISTS symbols (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	file_id INTEGER NOT NULL,
	name TEXT NOT NULL,
	kind TEXT NOT NULL,
	signature TEXT DEFAULT '',
	purpose TEXT DEFAULT '',
	parameters TEXT DEFAULT '',
	returns TEXT DEFAULT '',
	parent_class TEXT,
	line_start INTEGER DEFAULT 0,
	line_end INTEGER DEFAULT 0,
	is_exported INTEGER DEFAULT 0,
	embedding BLOB
);
CREATE INDEX IF NOT EXISTS idx_symbols_file ON symbols(file_id);
CREATE INDEX IF NOT EXISTS idx_symbols_name ON symbols(name);

CREATE TABLE IF NOT EXISTS call_edges (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL,
	caller_file TEXT NOT NULL,
	caller_symbol TEXT NOT NULL,
	callee_file TEXT NOT NULL,
	callee_symbol TEXT NOT NULL,
	call_type TEXT NOT NULL DEFAULT 'direct',
	confidence REAL DEFAULT 0.5
);
CREATE INDEX IF NOT EXISTS idx_call_edges_caller ON call_edges(project_id, caller_file);
CREATE INDEX IF NOT EXISTS idx_call_edges_callee ON call_edges(project_id, callee_file);

CREATE TABLE IF NOT EXISTS decisions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL,
	title TEXT NOT NULL,
	decision TEXT NOT NULL,
	reasoning TEXT DEFAULT '',
	alternatives TEXT DEFAULT '',
	consequences TEXT DEFAULT '',
	affects TEXT DEFAULT '[]',
	status TEXT DEFAULT 'active',
	outcome_status TEXT DEFAULT 'pending',
	outcome_notes TEXT DEFAULT '',
	superseded_by INTEGER,
	temperature TEXT DEFAULT 'warm',
	archived_at DATETIME,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_decisions_project ON decisions(project_id, status);

CREATE TABLE IF NOT EXISTS issues (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL,
	title TEXT NOT NULL,
	description TEXT DEFAULT '',
	type TEXT DEFAULT 'bug',
	severity INTEGER DEFAULT 5,
	status TEXT DEFAULT 'open',
	affected_files TEXT DEFAULT '[]',
	workaround TEXT DEFAULT '',
	resolution TEXT DEFAULT '',
	resolved_at DATETIME,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_issues_project ON issues(project_id, status);

CREATE TABLE IF NOT EXISTS learnings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER,
	category TEXT DEFAULT 'general',
	title TEXT NOT NULL,
	content TEXT NOT NULL,
	context TEXT DEFAULT '',
	confidence REAL DEFAULT 1.0,
	times_applied INTEGER DEFAULT 0,
	auto_reinforcement_count INTEGER DEFAULT 0,
	last_reinforced_at DATETIME,
	foundational INTEGER DEFAULT 0,
	promotion_status TEXT DEFAULT 'not_ready',
	promoted_to_section TEXT,
	archived_at DATETIME,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_learnings_project ON learnings(project_id, category);
CREATE INDEX IF NOT EXISTS idx_learnings_promotion ON learnings(promotion_status);

CREATE TABLE IF NOT EXISTS sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL,
	session_number INTEGER DEFAULT 0,
	started_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	ended_at DATETIME,
	goal TEXT DEFAULT '',
	outcome TEXT DEFAULT '',
	files_touched TEXT DEFAULT '[]',
	decisions_made INTEGER DEFAULT 0,
	issues_found INTEGER DEFAULT 0,
	issues_resolved INTEGER DEFAULT 0,
	learnings INTEGER DEFAULT 0,
	next_steps TEXT DEFAULT '',
	success INTEGER DEFAULT 1,
	task_type TEXT
);
CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project_id, ended_at);

CREATE TABLE IF NOT EXISTS tool_calls (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL,
	session_id INTEGER,
	tool_name TEXT NOT NULL,
	input_summary TEXT DEFAULT '',
	files_involved TEXT DEFAULT '[]',
	success INTEGER DEFAULT 1,
	duration_ms INTEGER DEFAULT 0,
	error_message TEXT,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tool_calls_project ON tool_calls(project_id, created_at);
CREATE INDEX IF NOT EXISTS idx_tool_calls_session ON tool_calls(session_id);

CREATE TABLE IF NOT EXISTS git_commits (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL,
	commit_hash TEXT NOT NULL,
	author TEXT DEFAULT '',
	message TEXT DEFAULT '',
	files_changed TEXT DEFAULT '[]',
	insertions INTEGER DEFAULT 0,
	deletions INTEGER DEFAULT 0,
	committed_at DATETIME,
	session_id INTEGER,
	analyzed INTEGER DEFAULT 0,
	UNIQUE(project_id, commit_hash)
);
CREATE INDEX IF NOT EXISTS idx_commits_project ON git_commits(project_id, committed_at);
CREATE INDEX IF NOT EXISTS idx_commits_analyzed ON git_commits(project_id, analyzed);

CREATE TABLE IF NOT EXISTS error_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL,
	session_id INTEGER,
	error_type TEXT NOT NULL,
	error_message TEXT NOT NULL,
	error_signature TEXT NOT NULL,
	source_file TEXT,
	stack_trace TEXT,
	tool_call_id INTEGER,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_error_events_sig ON error_events(project_id, error_signature, created_at);

CREATE TABLE IF NOT EXISTS error_fix_pairs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL,
	error_signature TEXT NOT NULL,
	error_type TEXT DEFAULT '',
	error_example TEXT DEFAULT '',
	fix_commit_hash TEXT,
	fix_description TEXT DEFAULT '',
	fix_files TEXT DEFAULT '[]',
	session_id INTEGER,
	confidence REAL DEFAULT 0.5,
	times_seen INTEGER DEFAULT 1,
	times_fixed INTEGER DEFAULT 1,
	last_seen_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(project_id, error_signature)
);

CREATE TABLE IF NOT EXISTS work_queue (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_type TEXT NOT NULL,
	payload TEXT DEFAULT '{}',
	status TEXT DEFAULT 'pending',
	attempts INTEGER DEFAULT 0,
	max_attempts INTEGER DEFAULT 3,
	error_message TEXT,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	started_at DATETIME,
	completed_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_work_queue_status ON work_queue(status, created_at);
CREATE INDEX IF NOT EXISTS idx_work_queue_type ON work_queue(job_type, status);

CREATE TABLE IF NOT EXISTS relationships (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	source_type TEXT NOT NULL,
	source_id INTEGER NOT NULL,
	target_type TEXT NOT NULL,
	target_id INTEGER NOT NULL,
	relationship TEXT NOT NULL,
	strength REAL DEFAULT 5,
	notes TEXT DEFAULT '',
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(source_type, source_id, target_type, target_id, relationship)
);
CREATE INDEX IF NOT EXISTS idx_relationships_source ON relationships(source_type, source_id);
CREATE INDEX IF NOT EXISTS idx_relationships_target ON relationships(target_type, target_id);

CREATE TABLE IF NOT EXISTS file_correlations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL,
	file_a TEXT NOT NULL,
	file_b TEXT NOT NULL,
	cochange_count INTEGER DEFAULT 1,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(project_id, file_a, file_b)
);

CREATE TABLE IF NOT EXISTS file_ownership (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL,
	path TEXT NOT NULL,
	author TEXT NOT NULL,
	commits INTEGER DEFAULT 1,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(project_id, path, author)
);

CREATE TABLE IF NOT EXISTS blast_radius (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL,
	path TEXT NOT NULL,
	dependents INTEGER DEFAULT 0,
	radius_score REAL DEFAULT 0,
	computed_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(project_id, path)
);

CREATE TABLE IF NOT EXISTS blast_summary (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL UNIQUE,
	max_radius REAL DEFAULT 0,
	avg_radius REAL DEFAULT 0,
	computed_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS strategy_catalog (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER,
	task_type TEXT NOT NULL,
	strategy TEXT NOT NULL,
	evidence_sessions INTEGER DEFAULT 1,
	success_rate REAL DEFAULT 0,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(project_id, task_type, strategy)
);

CREATE TABLE IF NOT EXISTS workflow_predictions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL,
	trigger_sequence TEXT NOT NULL,
	predicted_tool TEXT NOT NULL,
	times_correct INTEGER DEFAULT 0,
	times_total INTEGER DEFAULT 0,
	confidence REAL DEFAULT 0,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(project_id, trigger_sequence, predicted_tool)
);

CREATE TABLE IF NOT EXISTS context_injections (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL,
	session_id INTEGER,
	source_type TEXT NOT NULL,
	source_id INTEGER NOT NULL,
	relevance_signal TEXT,
	injected_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_injections_session ON context_injections(session_id);

CREATE TABLE IF NOT EXISTS context_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL,
	app TEXT DEFAULT '',
	prompt_hash TEXT NOT NULL,
	memory_ids TEXT DEFAULT '[]',
	total_candidates INTEGER DEFAULT 0,
	token_count INTEGER DEFAULT 0,
	latency_ms INTEGER DEFAULT 0,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS diff_analyses (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL,
	commit_hash TEXT NOT NULL,
	intent_summary TEXT DEFAULT '',
	intent_category TEXT DEFAULT '',
	changed_functions TEXT DEFAULT '[]',
	analyzed_by TEXT DEFAULT 'heuristic',
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(project_id, commit_hash)
);

CREATE TABLE IF NOT EXISTS revert_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL,
	revert_commit_hash TEXT NOT NULL,
	original_commit_hash TEXT,
	pattern TEXT DEFAULT '',
	processed INTEGER DEFAULT 0,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(project_id, revert_commit_hash)
);

CREATE TABLE IF NOT EXISTS test_results (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL,
	status TEXT NOT NULL,
	total INTEGER DEFAULT 0,
	passed INTEGER DEFAULT 0,
	failed INTEGER DEFAULT 0,
	skipped INTEGER DEFAULT 0,
	duration_ms INTEGER DEFAULT 0,
	output_summary TEXT DEFAULT '',
	commit_hash TEXT,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_test_results_project ON test_results(project_id, created_at);

CREATE TABLE IF NOT EXISTS risk_alerts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL,
	alert_type TEXT NOT NULL,
	severity TEXT NOT NULL,
	title TEXT NOT NULL,
	details TEXT DEFAULT '',
	source_file TEXT,
	dismissed INTEGER DEFAULT 0,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_risk_alerts_open ON risk_alerts(project_id, dismissed);

CREATE TABLE IF NOT EXISTS value_metrics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL,
	month TEXT NOT NULL,
	contradictions_caught INTEGER DEFAULT 0,
	injections INTEGER DEFAULT 0,
	injection_hits INTEGER DEFAULT 0,
	decisions_recalled INTEGER DEFAULT 0,
	learnings_recalled INTEGER DEFAULT 0,
	sessions INTEGER DEFAULT 0,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(project_id, month)
);

CREATE TABLE IF NOT EXISTS contradiction_alerts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL,
	description TEXT DEFAULT '',
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS insights (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL,
	pattern_type TEXT NOT NULL,
	description TEXT NOT NULL,
	evidence_count INTEGER DEFAULT 0,
	confidence REAL DEFAULT 0,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(project_id, pattern_type, description)
);

CREATE TABLE IF NOT EXISTS developer_profile (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL,
	key TEXT NOT NULL,
	value TEXT DEFAULT '',
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(project_id, key)
);

CREATE TABLE IF NOT EXISTS agent_intents (
	id TEXT PRIMARY KEY,
	project_id INTEGER NOT NULL,
	agent TEXT NOT NULL,
	intent_type TEXT NOT NULL,
	description TEXT DEFAULT '',
	target_files TEXT DEFAULT '[]',
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	expires_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agent_intents_project ON agent_intents(project_id, expires_at);

CREATE TABLE IF NOT EXISTS schema_versions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	version INTEGER NOT NULL,
	applied_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	description TEXT
);

-- ===========================================================================
-- FTS5 mirrors. Kept in sync on insert via triggers; updates re-mirror the
-- searchable columns.
-- ===========================================================================

CREATE VIRTUAL TABLE IF NOT EXISTS fts_files USING fts5(path, purpose, fragility_reason);
CREATE VIRTUAL TABLE IF NOT EXISTS fts_decisions USING fts5(title, decision, reasoning);
CREATE VIRTUAL TABLE IF NOT EXISTS fts_issues USING fts5(title, description, resolution);
CREATE VIRTUAL TABLE IF NOT EXISTS fts_learnings USING fts5(title, content, context);
CREATE VIRTUAL TABLE IF NOT EXISTS fts_patterns USING fts5(pattern_type, description);
CREATE VIRTUAL TABLE IF NOT EXISTS fts_global_learnings USING fts5(title, content, context);

CREATE TRIGGER IF NOT EXISTS trg_files_fts_insert AFTER INSERT ON files BEGIN
	INSERT INTO fts_files(rowid, path, purpose, fragility_reason)
	VALUES (new.id, new.path, COALESCE(new.purpose, ''), COALESCE(new.fragility_reason, ''));
END;

CREATE TRIGGER IF NOT EXISTS trg_decisions_fts_insert AFTER INSERT ON decisions BEGIN
	INSERT INTO fts_decisions(rowid, title, decision, reasoning)
	VALUES (new.id, new.title, new.decision, COALESCE(new.reasoning, ''));
END;

CREATE TRIGGER IF NOT EXISTS trg_issues_fts_insert AFTER INSERT ON issues BEGIN
	INSERT INTO fts_issues(rowid, title, description, resolution)
	VALUES (new.id, new.title, COALESCE(new.description, ''), COALESCE(new.resolution, ''));
END;

CREATE TRIGGER IF NOT EXISTS trg_learnings_fts_insert AFTER INSERT ON learnings BEGIN
	INSERT INTO fts_learnings(rowid, title, content, context)
	VALUES (new.id, new.title, new.content, COALESCE(new.context, ''));
END;

CREATE TRIGGER IF NOT EXISTS trg_global_learnings_fts_insert AFTER INSERT ON learnings
WHEN new.project_id IS NULL BEGIN
	INSERT INTO fts_global_learnings(rowid, title, content, context)
	VALUES (new.id, new.title, new.content, COALESCE(new.context, ''));
END;

CREATE TRIGGER IF NOT EXISTS trg_insights_fts_insert AFTER INSERT ON insights BEGIN
	INSERT INTO fts_patterns(rowid, pattern_type, description)
	VALUES (new.id, new.pattern_type, new.description);
END;
`
