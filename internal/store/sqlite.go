// ABOUTME: SQLite implementation of convogrid persistence using modernc.org/sqlite
// ABOUTME: Automatic schema creation with active-channel and participant uniqueness indexes

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements convogrid persistence on SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS teams (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			slug       TEXT NOT NULL UNIQUE,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS users (
			id         TEXT PRIMARY KEY,
			team_id    TEXT NOT NULL REFERENCES teams(id),
			email      TEXT NOT NULL,
			name       TEXT NOT NULL,
			staff      INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,

			UNIQUE(team_id, email)
		);

		CREATE TABLE IF NOT EXISTS api_keys (
			id           TEXT PRIMARY KEY,
			user_id      TEXT NOT NULL REFERENCES users(id),
			team_id      TEXT NOT NULL REFERENCES teams(id),
			secret_hash  TEXT NOT NULL,
			name         TEXT NOT NULL,
			created_at   TEXT NOT NULL,
			last_used_at TEXT,
			revoked_at   TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_api_keys_user ON api_keys(user_id);

		CREATE TABLE IF NOT EXISTS experiments (
			id          TEXT PRIMARY KEY,
			team_id     TEXT NOT NULL REFERENCES teams(id),
			name        TEXT NOT NULL,
			external_id TEXT NOT NULL UNIQUE,
			created_at  TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS experiment_versions (
			id            TEXT PRIMARY KEY,
			experiment_id TEXT NOT NULL REFERENCES experiments(id),
			number        INTEGER NOT NULL,
			is_default    INTEGER NOT NULL DEFAULT 0,
			seed_message  TEXT NOT NULL DEFAULT '',
			pre_survey    INTEGER NOT NULL DEFAULT 0,
			created_at    TEXT NOT NULL,

			UNIQUE(experiment_id, number)
		);

		CREATE TABLE IF NOT EXISTS channels (
			id                    TEXT PRIMARY KEY,
			team_id               TEXT NOT NULL REFERENCES teams(id),
			platform              TEXT NOT NULL,
			experiment_id         TEXT NOT NULL DEFAULT '',
			name                  TEXT NOT NULL,
			external_id           TEXT NOT NULL UNIQUE,
			extra_data            TEXT NOT NULL DEFAULT '{}',
			messaging_provider_id TEXT,
			deleted               INTEGER NOT NULL DEFAULT 0,
			created_at            TEXT NOT NULL,
			updated_at            TEXT NOT NULL
		);

		-- Active-channel uniqueness for global platforms: at most one
		-- non-deleted channel per (team, platform). Enforced here so the
		-- get-or-create race resolves at the storage layer.
		CREATE UNIQUE INDEX IF NOT EXISTS idx_channels_active_singleton
			ON channels(team_id, platform)
			WHERE deleted = 0 AND platform IN ('api', 'web', 'evaluations');

		CREATE INDEX IF NOT EXISTS idx_channels_team ON channels(team_id);
		CREATE INDEX IF NOT EXISTS idx_channels_platform ON channels(platform) WHERE deleted = 0;

		CREATE TABLE IF NOT EXISTS participants (
			id         TEXT PRIMARY KEY,
			team_id    TEXT NOT NULL REFERENCES teams(id),
			platform   TEXT NOT NULL,
			identifier TEXT NOT NULL,
			user_id    TEXT REFERENCES users(id),
			remote_id  TEXT NOT NULL DEFAULT '',
			name       TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,

			UNIQUE(team_id, platform, identifier)
		);

		CREATE TABLE IF NOT EXISTS sessions (
			id             TEXT PRIMARY KEY,
			team_id        TEXT NOT NULL REFERENCES teams(id),
			channel_id     TEXT NOT NULL REFERENCES channels(id),
			participant_id TEXT NOT NULL REFERENCES participants(id),
			experiment_id  TEXT NOT NULL REFERENCES experiments(id),
			version_id     TEXT NOT NULL REFERENCES experiment_versions(id),
			status         TEXT NOT NULL,
			consent_date   TEXT,
			ended_at       TEXT,
			reviewed_at    TEXT,
			seed_task_id   TEXT NOT NULL DEFAULT '',
			state          BLOB,
			external_id    TEXT NOT NULL UNIQUE,
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_participant ON sessions(participant_id);
		CREATE INDEX IF NOT EXISTS idx_sessions_channel ON sessions(channel_id);

		CREATE TABLE IF NOT EXISTS messages (
			id                  TEXT PRIMARY KEY,
			session_id          TEXT NOT NULL REFERENCES sessions(id),
			role                TEXT NOT NULL,
			content             TEXT NOT NULL,
			platform_message_id TEXT NOT NULL DEFAULT '',
			created_at          TEXT NOT NULL,

			CHECK (role IN ('participant', 'assistant', 'system'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_session_created
			ON messages(session_id, created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// ReleaseIdleConnections closes idle pooled connections. The cooperative
// dispatcher calls this on worker start, worker stop, and around every
// task so tasks never inherit stale connections.
func (s *SQLiteStore) ReleaseIdleConnections() {
	// database/sql closes idle connections when the idle limit drops to
	// zero; restore the default afterwards.
	s.db.SetMaxIdleConns(0)
	s.db.SetMaxIdleConns(2)
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// formatTime stores timestamps as UTC RFC3339 strings
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime reads timestamps written by formatTime
func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// nullableTime formats an optional timestamp for storage
func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// scanNullableTime converts a nullable column back to *time.Time
func scanNullableTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}
