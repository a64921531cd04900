// Package persistence provides SQLite-based storage for sessions, teams,
// rounds, decisions, cohort states and results.
package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/talgya/ageing-futures/internal/simerr"
)

// DB wraps a SQLite connection.
type DB struct {
	conn *sqlx.DB
	now  func() time.Time
}

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*DB, error) {
	conn, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite has a single writer.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn, now: time.Now}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	slog.Info("database opened", "path", path)
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		seed INTEGER NOT NULL,
		overrides_json TEXT NOT NULL,
		config_hash TEXT NOT NULL,
		current_round INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS teams (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		name TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE (session_id, name)
	);

	CREATE TABLE IF NOT EXISTS rounds (
		session_id TEXT NOT NULL REFERENCES sessions(id),
		number INTEGER NOT NULL,
		months INTEGER NOT NULL,
		shock_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		opened_at INTEGER NOT NULL,
		advanced_at INTEGER,
		PRIMARY KEY (session_id, number)
	);

	CREATE TABLE IF NOT EXISTS decisions (
		team_id TEXT NOT NULL REFERENCES teams(id),
		round INTEGER NOT NULL,
		mix_json TEXT NOT NULL,
		committed REAL NOT NULL,
		ready INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (team_id, round)
	);

	CREATE TABLE IF NOT EXISTS cohort_states (
		team_id TEXT PRIMARY KEY REFERENCES teams(id),
		version INTEGER NOT NULL,
		month INTEGER NOT NULL,
		state_json TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS results (
		team_id TEXT NOT NULL REFERENCES teams(id),
		round INTEGER NOT NULL,
		composite REAL NOT NULL,
		metrics_json TEXT NOT NULL,
		score_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (team_id, round)
	);

	CREATE TABLE IF NOT EXISTS audit (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		detail TEXT NOT NULL,
		at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_teams_session ON teams(session_id);
	CREATE INDEX IF NOT EXISTS idx_results_round ON results(round);
	CREATE INDEX IF NOT EXISTS idx_audit_session ON audit(session_id);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// notFound maps sql.ErrNoRows onto the shared sentinel.
func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, simerr.ErrNotFound)
	}
	return err
}
