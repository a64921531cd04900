package persistence

import (
	"fmt"
)

// Round statuses.
const (
	RoundOpen     = "open"
	RoundAdvanced = "advanced"
)

// Session is a classroom run: one room code, a fixed seed and the
// overrides applied to the base configuration.
type Session struct {
	ID            string `db:"id" json:"id"`
	Code          string `db:"code" json:"code"`
	Name          string `db:"name" json:"name"`
	Seed          int64  `db:"seed" json:"seed"`
	OverridesJSON string `db:"overrides_json" json:"-"`
	ConfigHash    string `db:"config_hash" json:"config_hash"`
	CurrentRound  int    `db:"current_round" json:"current_round"`
	CreatedAt     int64  `db:"created_at" json:"created_at"`
}

// Team belongs to one session.
type Team struct {
	ID        string `db:"id" json:"id"`
	SessionID string `db:"session_id" json:"session_id"`
	Name      string `db:"name" json:"name"`
	CreatedAt int64  `db:"created_at" json:"created_at"`
}

// Round is one decision-then-advance cycle of a session.
type Round struct {
	SessionID  string `db:"session_id" json:"session_id"`
	Number     int    `db:"number" json:"number"`
	Months     int    `db:"months" json:"months"`
	ShockID    string `db:"shock_id" json:"shock_id,omitempty"`
	Status     string `db:"status" json:"status"`
	OpenedAt   int64  `db:"opened_at" json:"opened_at"`
	AdvancedAt *int64 `db:"advanced_at" json:"advanced_at,omitempty"`
}

// CreateSession inserts a new session.
func (db *DB) CreateSession(s *Session) error {
	if s.CreatedAt == 0 {
		s.CreatedAt = db.now().Unix()
	}
	_, err := db.conn.NamedExec(`INSERT INTO sessions
		(id, code, name, seed, overrides_json, config_hash, current_round, created_at)
		VALUES (:id, :code, :name, :seed, :overrides_json, :config_hash, :current_round, :created_at)`, s)
	if err != nil {
		return fmt.Errorf("insert session %s: %w", s.Code, err)
	}
	return nil
}

// SessionByCode looks a session up by its room code.
func (db *DB) SessionByCode(code string) (Session, error) {
	var s Session
	err := db.conn.Get(&s, "SELECT * FROM sessions WHERE code = ?", code)
	return s, notFound(err, "session "+code)
}

// CodeExists reports whether a room code is taken.
func (db *DB) CodeExists(code string) (bool, error) {
	var n int
	err := db.conn.Get(&n, "SELECT COUNT(*) FROM sessions WHERE code = ?", code)
	return n > 0, err
}

// CreateTeam inserts a team.
func (db *DB) CreateTeam(t *Team) error {
	if t.CreatedAt == 0 {
		t.CreatedAt = db.now().Unix()
	}
	_, err := db.conn.NamedExec(`INSERT INTO teams (id, session_id, name, created_at)
		VALUES (:id, :session_id, :name, :created_at)`, t)
	if err != nil {
		return fmt.Errorf("insert team %q: %w", t.Name, err)
	}
	return nil
}

// Team loads a team by id.
func (db *DB) Team(id string) (Team, error) {
	var t Team
	err := db.conn.Get(&t, "SELECT * FROM teams WHERE id = ?", id)
	return t, notFound(err, "team "+id)
}

// Teams lists a session's teams in join order.
func (db *DB) Teams(sessionID string) ([]Team, error) {
	var teams []Team
	err := db.conn.Select(&teams,
		"SELECT * FROM teams WHERE session_id = ? ORDER BY created_at, id", sessionID)
	return teams, err
}

// OpenRound creates the session's next round and bumps its round counter in
// one transaction.
func (db *DB) OpenRound(r *Round) error {
	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	r.Status = RoundOpen
	if r.OpenedAt == 0 {
		r.OpenedAt = db.now().Unix()
	}
	if _, err := tx.NamedExec(`INSERT INTO rounds
		(session_id, number, months, shock_id, status, opened_at)
		VALUES (:session_id, :number, :months, :shock_id, :status, :opened_at)`, r); err != nil {
		return fmt.Errorf("insert round %d: %w", r.Number, err)
	}
	if _, err := tx.Exec("UPDATE sessions SET current_round = ? WHERE id = ?", r.Number, r.SessionID); err != nil {
		return err
	}
	return tx.Commit()
}

// Round loads one round of a session.
func (db *DB) Round(sessionID string, number int) (Round, error) {
	var r Round
	err := db.conn.Get(&r, "SELECT * FROM rounds WHERE session_id = ? AND number = ?", sessionID, number)
	return r, notFound(err, fmt.Sprintf("round %d", number))
}

// MarkRoundAdvanced closes a round once every team has been advanced.
func (db *DB) MarkRoundAdvanced(sessionID string, number int) error {
	_, err := db.conn.Exec("UPDATE rounds SET status = ?, advanced_at = ? WHERE session_id = ? AND number = ?",
		RoundAdvanced, db.now().Unix(), sessionID, number)
	return err
}
