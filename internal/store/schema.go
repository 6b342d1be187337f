package store

import "database/sql"

// initSchema creates every table spec.md §3 implies plus the secondary
// indices spec.md §4.1 calls for, then runs idempotent additive column
// migrations for fields added after the initial tables existed. Missing
// columns default to the documented values (context_mode defaults to
// "isolated").
func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chats (
			chat_id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			last_message_time TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			sender_display_name TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			timestamp TEXT NOT NULL,
			origin TEXT NOT NULL DEFAULT 'other',
			PRIMARY KEY (message_id, chat_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages (timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_chat_timestamp ON messages (chat_id, timestamp)`,

		`CREATE TABLE IF NOT EXISTS registered_workspaces (
			chat_id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			folder TEXT NOT NULL UNIQUE,
			trigger_word TEXT NOT NULL DEFAULT '',
			requires_trigger INTEGER NOT NULL DEFAULT 1,
			is_main_session INTEGER NOT NULL DEFAULT 0,
			allowed_users TEXT NOT NULL DEFAULT '[]',
			added_at TEXT NOT NULL,
			container_config TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS sessions (
			folder TEXT PRIMARY KEY,
			session_handle TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS router_cursor (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			last_timestamp TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS chat_cursors (
			chat_id TEXT PRIMARY KEY,
			last_agent_timestamp TEXT NOT NULL DEFAULT ''
		)`,

		`CREATE TABLE IF NOT EXISTS scheduled_tasks (
			id TEXT PRIMARY KEY,
			workspace_folder TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			prompt TEXT NOT NULL,
			schedule_kind TEXT NOT NULL,
			schedule_value TEXT NOT NULL,
			context_mode TEXT NOT NULL DEFAULT 'isolated',
			next_run TEXT,
			last_run TEXT,
			last_result TEXT,
			status TEXT NOT NULL DEFAULT 'active'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_next_run ON scheduled_tasks (next_run)`,
		`CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_status ON scheduled_tasks (status)`,

		`CREATE TABLE IF NOT EXISTS task_run_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			run_at TEXT NOT NULL,
			duration_ms INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			result TEXT,
			error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_run_logs_task_run_at ON task_run_logs (task_id, run_at)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}

	if _, err := db.Exec(`INSERT OR IGNORE INTO router_cursor (id, last_timestamp) VALUES (1, '')`); err != nil {
		return err
	}

	return migrateAdditiveColumns(db)
}

// migrateAdditiveColumns runs the idempotent column adds for fields
// introduced after the tables above first shipped. New columns always get
// a default here rather than a NOT NULL constraint, so old rows keep
// working without a backfill pass.
func migrateAdditiveColumns(db *sql.DB) error {
	migrations := []struct{ table, column, definition string }{
		{"scheduled_tasks", "context_mode", "TEXT NOT NULL DEFAULT 'isolated'"},
	}
	for _, m := range migrations {
		if err := ensureColumn(db, m.table, m.column, m.definition); err != nil {
			return err
		}
	}
	return nil
}
