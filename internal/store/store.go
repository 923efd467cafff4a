package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/televibe/televibe/internal/common/logger"
	"github.com/televibe/televibe/internal/common/sqlite"
	"github.com/televibe/televibe/internal/db"
)

// Store persists all Televibe state in a single SQLite database.
// Writes go through the pool's single-connection writer; reads may use
// the read pool.
type Store struct {
	pool *db.Pool
	log  *logger.Logger
}

// New creates a Store on the given pool and applies the schema and any
// pending additive migrations. Safe to call on every startup.
func New(ctx context.Context, pool *db.Pool, log *logger.Logger) (*Store, error) {
	s := &Store{pool: pool, log: log.WithFields(zap.String("component", "store"))}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id             TEXT PRIMARY KEY,
		name           TEXT NOT NULL,
		repo_path      TEXT NOT NULL UNIQUE,
		remote_url     TEXT NOT NULL DEFAULT '',
		default_branch TEXT NOT NULL DEFAULT 'main',
		task_dir       TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMP NOT NULL,
		updated_at     TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id               TEXT PRIMARY KEY,
		project_id       TEXT NOT NULL REFERENCES projects(id),
		workspace_path   TEXT NOT NULL,
		branch           TEXT NOT NULL,
		state            TEXT NOT NULL DEFAULT 'idle',
		mode             TEXT NOT NULL DEFAULT 'worktree',
		current_job_id   TEXT,
		last_activity_at TIMESTAMP NOT NULL,
		last_summary     TEXT NOT NULL DEFAULT '',
		task_ids         TEXT NOT NULL DEFAULT '[]',
		created_at       TIMESTAMP NOT NULL,
		updated_at       TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state);

	CREATE TABLE IF NOT EXISTS tasks (
		id          TEXT PRIMARY KEY,
		project_id  TEXT NOT NULL REFERENCES projects(id),
		title       TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status      TEXT NOT NULL DEFAULT 'todo',
		priority    TEXT NOT NULL DEFAULT 'medium',
		assignee    TEXT NOT NULL DEFAULT '',
		session_id  TEXT NOT NULL DEFAULT '',
		branch      TEXT NOT NULL DEFAULT '',
		tags        TEXT NOT NULL DEFAULT '[]',
		created_at  TIMESTAMP NOT NULL,
		updated_at  TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

	CREATE TABLE IF NOT EXISTS jobs (
		id             TEXT PRIMARY KEY,
		session_id     TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		project_id     TEXT NOT NULL,
		raw_input      TEXT NOT NULL,
		instruction    TEXT NOT NULL,
		status         TEXT NOT NULL DEFAULT 'queued',
		approval_scope TEXT NOT NULL DEFAULT '',
		approval_state TEXT NOT NULL DEFAULT '',
		log_path       TEXT NOT NULL DEFAULT '',
		result_summary TEXT NOT NULL DEFAULT '',
		files_changed  TEXT NOT NULL DEFAULT '[]',
		error_message  TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMP NOT NULL,
		started_at     TIMESTAMP,
		finished_at    TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_session ON jobs(session_id);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

	CREATE TABLE IF NOT EXISTS approvals (
		id          TEXT PRIMARY KEY,
		job_id      TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
		session_id  TEXT NOT NULL,
		project_id  TEXT NOT NULL,
		type        TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		details     TEXT NOT NULL DEFAULT '{}',
		state       TEXT NOT NULL DEFAULT 'pending',
		resolved_by TEXT NOT NULL DEFAULT '',
		resolved_at TIMESTAMP,
		chat_id     INTEGER NOT NULL DEFAULT 0,
		message_id  INTEGER NOT NULL DEFAULT 0,
		created_at  TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_approvals_state ON approvals(state);
	CREATE INDEX IF NOT EXISTS idx_approvals_job ON approvals(job_id);

	CREATE TABLE IF NOT EXISTS user_preferences (
		user_id           INTEGER PRIMARY KEY,
		model_id          TEXT NOT NULL DEFAULT '',
		model_provider    TEXT NOT NULL DEFAULT '',
		active_session_id TEXT NOT NULL DEFAULT '',
		notify            INTEGER NOT NULL DEFAULT 1,
		tracker_preset    TEXT NOT NULL DEFAULT 'normal',
		tracker_overrides TEXT NOT NULL DEFAULT '{}',
		updated_at        TIMESTAMP NOT NULL
	);
	`
	_, err := s.pool.Writer().ExecContext(ctx, schema)
	return err
}

// migrate applies additive column migrations for databases created by
// earlier versions. Each step is idempotent.
func (s *Store) migrate() error {
	steps := []struct {
		table, column, definition string
	}{
		{"sessions", "last_summary", "TEXT NOT NULL DEFAULT ''"},
		{"jobs", "approval_scope", "TEXT NOT NULL DEFAULT ''"},
		{"jobs", "approval_state", "TEXT NOT NULL DEFAULT ''"},
		{"approvals", "chat_id", "INTEGER NOT NULL DEFAULT 0"},
		{"approvals", "message_id", "INTEGER NOT NULL DEFAULT 0"},
		{"user_preferences", "tracker_overrides", "TEXT NOT NULL DEFAULT '{}'"},
	}
	for _, st := range steps {
		if err := sqlite.EnsureColumn(s.pool.Writer().DB, st.table, st.column, st.definition); err != nil {
			return fmt.Errorf("ensure %s.%s: %w", st.table, st.column, err)
		}
	}
	return nil
}

// isoTime formats a timestamp the way every date in the database is stored.
// Fixed-width fractional seconds keep lexicographic TEXT ordering equal to
// chronological ordering.
func isoTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

func isoTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return isoTime(*t)
}

func marshalStrings(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func unmarshalStrings(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func marshalDetails(v map[string]any) string {
	if len(v) == 0 {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func unmarshalDetails(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
