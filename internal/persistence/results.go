package persistence

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/talgya/ageing-futures/internal/cohort"
	"github.com/talgya/ageing-futures/internal/policy"
	"github.com/talgya/ageing-futures/internal/scoring"
)

// Decision is a team's locked-in policy mix for a round.
type Decision struct {
	TeamID    string     `json:"team_id"`
	Round     int        `json:"round"`
	Mix       policy.Mix `json:"mix"`
	Committed float64    `json:"committed"`
	Ready     bool       `json:"ready"`
	UpdatedAt int64      `json:"updated_at"`
}

type decisionRow struct {
	TeamID    string  `db:"team_id"`
	Round     int     `db:"round"`
	MixJSON   string  `db:"mix_json"`
	Committed float64 `db:"committed"`
	Ready     bool    `db:"ready"`
	UpdatedAt int64   `db:"updated_at"`
}

// SaveDecision upserts a team's decision for a round.
func (db *DB) SaveDecision(d *Decision) error {
	mix, err := json.Marshal(d.Mix)
	if err != nil {
		return fmt.Errorf("encode mix: %w", err)
	}
	d.UpdatedAt = db.now().Unix()
	_, err = db.conn.Exec(`INSERT OR REPLACE INTO decisions
		(team_id, round, mix_json, committed, ready, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		d.TeamID, d.Round, string(mix), d.Committed, d.Ready, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save decision %s round %d: %w", d.TeamID, d.Round, err)
	}
	return nil
}

// Decision loads a team's decision for a round.
func (db *DB) Decision(teamID string, round int) (Decision, error) {
	var row decisionRow
	err := db.conn.Get(&row, "SELECT * FROM decisions WHERE team_id = ? AND round = ?", teamID, round)
	if err != nil {
		return Decision{}, notFound(err, fmt.Sprintf("decision of %s round %d", teamID, round))
	}
	d := Decision{
		TeamID:    row.TeamID,
		Round:     row.Round,
		Committed: row.Committed,
		Ready:     row.Ready,
		UpdatedAt: row.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(row.MixJSON), &d.Mix); err != nil {
		return Decision{}, fmt.Errorf("decode mix: %w", err)
	}
	return d, nil
}

// Result is one team's stored round outcome.
type Result struct {
	TeamID  string                  `json:"team_id"`
	Round   int                     `json:"round"`
	Metrics []cohort.MonthlyMetrics `json:"metrics"`
	Score   scoring.RoundScore      `json:"score"`
}

type resultRow struct {
	TeamID      string  `db:"team_id"`
	Round       int     `db:"round"`
	Composite   float64 `db:"composite"`
	MetricsJSON string  `db:"metrics_json"`
	ScoreJSON   string  `db:"score_json"`
	CreatedAt   int64   `db:"created_at"`
}

func (r resultRow) decode() (Result, error) {
	out := Result{TeamID: r.TeamID, Round: r.Round}
	if err := json.Unmarshal([]byte(r.MetricsJSON), &out.Metrics); err != nil {
		return Result{}, fmt.Errorf("decode metrics %s round %d: %w", r.TeamID, r.Round, err)
	}
	if err := json.Unmarshal([]byte(r.ScoreJSON), &out.Score); err != nil {
		return Result{}, fmt.Errorf("decode score %s round %d: %w", r.TeamID, r.Round, err)
	}
	return out, nil
}

func decodeResults(rows []resultRow) ([]Result, error) {
	out := make([]Result, 0, len(rows))
	for _, row := range rows {
		r, err := row.decode()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// RoundResults lists every team's result for one round of a session.
func (db *DB) RoundResults(sessionID string, round int) ([]Result, error) {
	var rows []resultRow
	err := db.conn.Select(&rows, `SELECT r.* FROM results r
		JOIN teams t ON t.id = r.team_id
		WHERE t.session_id = ? AND r.round = ?
		ORDER BY r.team_id`, sessionID, round)
	if err != nil {
		return nil, err
	}
	return decodeResults(rows)
}

// SessionResults lists every result of a session, by team then round.
func (db *DB) SessionResults(sessionID string) ([]Result, error) {
	var rows []resultRow
	err := db.conn.Select(&rows, `SELECT r.* FROM results r
		JOIN teams t ON t.id = r.team_id
		WHERE t.session_id = ?
		ORDER BY r.team_id, r.round`, sessionID)
	if err != nil {
		return nil, err
	}
	return decodeResults(rows)
}

// TeamResults lists a team's results in round order.
func (db *DB) TeamResults(teamID string) ([]Result, error) {
	var rows []resultRow
	err := db.conn.Select(&rows, "SELECT * FROM results WHERE team_id = ? ORDER BY round", teamID)
	if err != nil {
		return nil, err
	}
	return decodeResults(rows)
}

// AuditEntry records a lecturer or team action.
type AuditEntry struct {
	ID        int64  `db:"id" json:"id"`
	SessionID string `db:"session_id" json:"session_id"`
	Actor     string `db:"actor" json:"actor"`
	Action    string `db:"action" json:"action"`
	Detail    string `db:"detail" json:"detail"`
	At        int64  `db:"at" json:"at"`
}

// Audit appends an audit entry.
func (db *DB) Audit(sessionID, actor, action, detail string) error {
	_, err := db.conn.Exec(`INSERT INTO audit (session_id, actor, action, detail, at)
		VALUES (?, ?, ?, ?, ?)`, sessionID, actor, action, detail, db.now().Unix())
	return err
}

// AuditLog returns the most recent entries of a session, newest first.
func (db *DB) AuditLog(sessionID string, limit int) ([]AuditEntry, error) {
	var entries []AuditEntry
	err := db.conn.Select(&entries,
		"SELECT * FROM audit WHERE session_id = ? ORDER BY id DESC LIMIT ?", sessionID, limit)
	return entries, err
}
