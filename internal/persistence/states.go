package persistence

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"

	"github.com/talgya/ageing-futures/internal/cohort"
	"github.com/talgya/ageing-futures/internal/scoring"
	"github.com/talgya/ageing-futures/internal/simerr"
)

type stateRow struct {
	TeamID    string `db:"team_id"`
	Version   int64  `db:"version"`
	Month     int    `db:"month"`
	StateJSON string `db:"state_json"`
	UpdatedAt int64  `db:"updated_at"`
}

// InsertState stores a team's initial cohort.
func (db *DB) InsertState(s *cohort.State) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	_, err = db.conn.Exec(`INSERT INTO cohort_states (team_id, version, month, state_json, updated_at)
		VALUES (?, ?, ?, ?, ?)`, s.TeamID, s.Version, s.Month, string(data), db.now().Unix())
	if err != nil {
		return fmt.Errorf("insert state %s: %w", s.TeamID, err)
	}
	return nil
}

// LoadState returns a team's persisted cohort.
func (db *DB) LoadState(teamID string) (*cohort.State, error) {
	var row stateRow
	if err := db.conn.Get(&row, "SELECT * FROM cohort_states WHERE team_id = ?", teamID); err != nil {
		return nil, notFound(err, "state of team "+teamID)
	}
	var s cohort.State
	if err := json.Unmarshal([]byte(row.StateJSON), &s); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", teamID, err)
	}
	s.Version = row.Version
	return &s, nil
}

// SaveState replaces a team's cohort only if the stored version still
// equals expectedVersion. A concurrent writer yields simerr.ErrStaleState.
func (db *DB) SaveState(expectedVersion int64, s *cohort.State) error {
	return saveState(db.conn, db.now().Unix(), expectedVersion, s)
}

func saveState(ex sqlx.Execer, now int64, expectedVersion int64, s *cohort.State) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	res, err := ex.Exec(`UPDATE cohort_states
		SET version = ?, month = ?, state_json = ?, updated_at = ?
		WHERE team_id = ? AND version = ?`,
		s.Version, s.Month, string(data), now, s.TeamID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update state %s: %w", s.TeamID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("team %s at version %d: %w", s.TeamID, expectedVersion, simerr.ErrStaleState)
	}
	return nil
}

// Outcome is everything one team's advance commits.
type Outcome struct {
	ExpectedVersion int64
	State           *cohort.State
	Round           int
	Metrics         []cohort.MonthlyMetrics
	Score           scoring.RoundScore
}

// SaveRoundOutcome writes the advanced state and the round's results in one
// transaction. Nothing is written if the state is stale.
func (db *DB) SaveRoundOutcome(o Outcome) error {
	metrics, err := json.Marshal(o.Metrics)
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}
	score, err := json.Marshal(o.Score)
	if err != nil {
		return fmt.Errorf("encode score: %w", err)
	}

	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := db.now().Unix()
	if err := saveState(tx, now, o.ExpectedVersion, o.State); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO results (team_id, round, composite, metrics_json, score_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		o.State.TeamID, o.Round, o.Score.Composite, string(metrics), string(score), now); err != nil {
		return fmt.Errorf("insert result %s round %d: %w", o.State.TeamID, o.Round, err)
	}
	return tx.Commit()
}
