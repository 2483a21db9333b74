package store

import (
	"database/sql"
	"fmt"

	"agentium/internal/logging"
)

// Schema versions:
// v1: agents, ethos, constitutions, tasks, critique_reviews,
//     amendments, votes, provider_keys, experiments, audit_logs, vectors
const CurrentSchemaVersion = 1

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS ethos (
		id TEXT PRIMARY KEY,
		agent_tier_id TEXT NOT NULL,
		mission_statement TEXT NOT NULL DEFAULT '',
		behavioral_rules TEXT NOT NULL DEFAULT '[]',
		restrictions TEXT NOT NULL DEFAULT '[]',
		capabilities TEXT NOT NULL DEFAULT '[]',
		constitutional_refs TEXT NOT NULL DEFAULT '[]',
		active_plan TEXT NOT NULL DEFAULT '[]',
		working_state TEXT NOT NULL DEFAULT '',
		lessons_learned TEXT NOT NULL DEFAULT '[]',
		version INTEGER NOT NULL DEFAULT 1,
		updated_by TEXT NOT NULL DEFAULT '',
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		tier_id TEXT NOT NULL UNIQUE,
		tier TEXT NOT NULL,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		parent_id TEXT REFERENCES agents(tier_id) ON DELETE RESTRICT,
		ethos_id TEXT REFERENCES ethos(id),
		preferred_provider TEXT NOT NULL DEFAULT '',
		is_persistent INTEGER NOT NULL DEFAULT 0,
		incarnation_number INTEGER NOT NULL DEFAULT 1,
		constitution_version TEXT NOT NULL DEFAULT '',
		granted TEXT NOT NULL DEFAULT '[]',
		revoked TEXT NOT NULL DEFAULT '[]',
		tasks_completed INTEGER NOT NULL DEFAULT 0,
		tasks_failed INTEGER NOT NULL DEFAULT 0,
		idle_cycles INTEGER NOT NULL DEFAULT 0,
		mismatch_streak INTEGER NOT NULL DEFAULT 0,
		termination_reason TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_agents_tier ON agents(tier)`,
	`CREATE INDEX IF NOT EXISTS idx_agents_parent ON agents(parent_id)`,
	`CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status)`,

	`CREATE TABLE IF NOT EXISTS constitutions (
		id TEXT PRIMARY KEY,
		version TEXT NOT NULL UNIQUE,
		version_number INTEGER NOT NULL UNIQUE,
		preamble TEXT NOT NULL DEFAULT '',
		articles TEXT NOT NULL DEFAULT '{}',
		prohibitions TEXT NOT NULL DEFAULT '[]',
		sovereign_prefs TEXT NOT NULL DEFAULT '{}',
		is_active INTEGER NOT NULL DEFAULT 0,
		effective_date DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		replaces_version_id TEXT REFERENCES constitutions(id),
		archived_date DATETIME,
		ratified_by_amendment TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		created_by TEXT NOT NULL DEFAULT '',
		assigned_agents TEXT NOT NULL DEFAULT '[]',
		plan TEXT NOT NULL DEFAULT '',
		output TEXT NOT NULL DEFAULT '',
		acceptance_criteria TEXT NOT NULL DEFAULT '[]',
		retry_count INTEGER NOT NULL DEFAULT 0,
		progress_percent INTEGER NOT NULL DEFAULT 0,
		last_suggestions TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,

	`CREATE TABLE IF NOT EXISTS critique_reviews (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL REFERENCES tasks(id),
		critic_tier TEXT NOT NULL,
		critic_tier_id TEXT NOT NULL DEFAULT '',
		verdict TEXT NOT NULL,
		rejection_reason TEXT NOT NULL DEFAULT '',
		suggestions TEXT NOT NULL DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		review_duration_ms INTEGER NOT NULL DEFAULT 0,
		model_used TEXT NOT NULL DEFAULT '',
		output_hash TEXT NOT NULL DEFAULT '',
		criteria_results TEXT NOT NULL DEFAULT '[]',
		consensus_failed INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reviews_task ON critique_reviews(task_id)`,
	`CREATE INDEX IF NOT EXISTS idx_reviews_dedup ON critique_reviews(task_id, output_hash, critic_tier)`,

	`CREATE TABLE IF NOT EXISTS amendments (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		proposer_tier_id TEXT NOT NULL,
		sponsor_tier_ids TEXT NOT NULL DEFAULT '[]',
		debate_thread TEXT NOT NULL DEFAULT '[]',
		eligible_voters TEXT NOT NULL DEFAULT '[]',
		required_votes INTEGER NOT NULL DEFAULT 0,
		supermajority_pct REAL NOT NULL DEFAULT 0.66,
		diff_document TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		ends_at DATETIME,
		ratified_constitution_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS votes (
		amendment_id TEXT NOT NULL REFERENCES amendments(id),
		voter_tier_id TEXT NOT NULL,
		vote TEXT NOT NULL,
		cast_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (amendment_id, voter_tier_id)
	)`,

	`CREATE TABLE IF NOT EXISTS provider_keys (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		encrypted_material TEXT NOT NULL,
		base_url TEXT NOT NULL DEFAULT '',
		default_model TEXT NOT NULL DEFAULT '',
		priority INTEGER NOT NULL DEFAULT 1,
		status TEXT NOT NULL DEFAULT 'ACTIVE',
		failure_count INTEGER NOT NULL DEFAULT 0,
		last_failure_at DATETIME,
		cooldown_until DATETIME,
		monthly_budget REAL NOT NULL DEFAULT 0,
		current_spend REAL NOT NULL DEFAULT 0,
		spend_reset_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_keys_kind ON provider_keys(kind, priority)`,

	`CREATE TABLE IF NOT EXISTS experiments (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		prompt TEXT NOT NULL DEFAULT '',
		criteria TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL,
		arms TEXT NOT NULL DEFAULT '[]',
		winner TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS audit_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts DATETIME NOT NULL,
		level TEXT NOT NULL,
		category TEXT NOT NULL,
		actor_type TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		action TEXT NOT NULL,
		target_type TEXT NOT NULL DEFAULT '',
		target_id TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_logs(actor_id, ts)`,

	`CREATE TABLE IF NOT EXISTS vectors (
		id TEXT NOT NULL,
		collection TEXT NOT NULL,
		content TEXT NOT NULL,
		embedding TEXT NOT NULL DEFAULT '[]',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (collection, id)
	)`,
}

// Migration defines an additive column migration for existing
// databases, in the table/column/definition style.
type Migration struct {
	Table  string
	Column string
	Def    string
}

// pendingMigrations lists column additions applied to databases created
// before the column existed. Empty at v1; append here, never edit.
var pendingMigrations = []Migration{}

// initialize creates the schema and applies pending migrations.
func (s *Store) initialize() error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&count); err == nil && count == 0 {
		_, _ = s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", CurrentSchemaVersion)
	}

	return runMigrations(s.db)
}

// runMigrations applies additive column migrations.
func runMigrations(db *sql.DB) error {
	applied := 0
	for _, m := range pendingMigrations {
		if !tableExists(db, m.Table) || columnExists(db, m.Table, m.Column) {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %s.%s failed: %w", m.Table, m.Column, err)
		}
		applied++
	}
	if applied > 0 {
		logging.Store("Applied %d schema migrations", applied)
	}
	return nil
}

func tableExists(db *sql.DB, table string) bool {
	var name string
	err := db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
	).Scan(&name)
	return err == nil
}

func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}
