// Package session runs classroom sessions on top of the engine: teams join
// with a room code, lock in policy mixes, and the lecturer opens and
// advances rounds. The engine stays pure; this package loads and persists
// state around each advance.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/talgya/ageing-futures/internal/cohort"
	"github.com/talgya/ageing-futures/internal/config"
	"github.com/talgya/ageing-futures/internal/engine"
	"github.com/talgya/ageing-futures/internal/entropy"
	"github.com/talgya/ageing-futures/internal/persistence"
	"github.com/talgya/ageing-futures/internal/policy"
	"github.com/talgya/ageing-futures/internal/scoring"
	"github.com/talgya/ageing-futures/internal/shock"
	"github.com/talgya/ageing-futures/internal/simerr"
)

// Errors returned to callers for lifecycle misuse.
var (
	ErrNoOpenRound   = errors.New("no open round")
	ErrRoundOpen     = errors.New("current round has not been advanced")
	ErrTeamAdvanced  = errors.New("team has already advanced this round")
	// ErrDecisionsPending means the only teams that failed to advance have
	// a carried-over mix that no longer fits the budget. They must submit a
	// new decision before the round is advanced again.
	ErrDecisionsPending = errors.New("teams must revise their decisions")
	ErrInvalidMonths = fmt.Errorf("%w: round length must be between 1 and 24 months", simerr.ErrInvalid)
)

// DefaultRoundMonths is used when a round is opened without a length.
const DefaultRoundMonths = 6

const (
	maxRoundMonths = 24
	lockIdle       = time.Hour
)

// Service is the lecturer console and team-facing session logic.
type Service struct {
	Store *persistence.DB
	Base  *config.Bundle
	// Seeds draws the seed of sessions created without one. Nil uses
	// crypto/rand.
	Seeds *entropy.Source

	locks *TeamLocks

	bundleMu sync.Mutex
	bundles  map[string]*config.Bundle // session id → derived bundle
}

// NewService creates a session service over a store and base configuration.
func NewService(store *persistence.DB, base *config.Bundle) *Service {
	return &Service{
		Store:   store,
		Base:    base,
		locks:   NewTeamLocks(),
		bundles: make(map[string]*config.Bundle),
	}
}

// Settings are chosen by the lecturer at session creation. A zero Seed
// draws a fresh one.
type Settings struct {
	Name      string           `json:"name"`
	Seed      int64            `json:"seed"`
	Overrides config.Overrides `json:"overrides"`
}

// CreateSession validates the overrides, assigns a room code and stores the
// session.
func (s *Service) CreateSession(settings Settings) (persistence.Session, error) {
	bundle, err := s.Base.WithOverrides(settings.Overrides)
	if err != nil {
		return persistence.Session{}, err
	}
	overrides, err := json.Marshal(settings.Overrides)
	if err != nil {
		return persistence.Session{}, fmt.Errorf("encode overrides: %w", err)
	}
	hash, err := bundle.Hash()
	if err != nil {
		return persistence.Session{}, err
	}
	code, err := s.newCode()
	if err != nil {
		return persistence.Session{}, err
	}

	name := strings.TrimSpace(settings.Name)
	if name == "" {
		name = "Session " + code
	}
	seed := settings.Seed
	if seed == 0 {
		seed = s.Seeds.Seed()
	}
	sess := persistence.Session{
		ID:            uuid.NewString(),
		Code:          code,
		Name:          name,
		Seed:          seed,
		OverridesJSON: string(overrides),
		ConfigHash:    hash,
	}
	if err := s.Store.CreateSession(&sess); err != nil {
		return persistence.Session{}, err
	}
	s.bundleMu.Lock()
	s.bundles[sess.ID] = bundle
	s.bundleMu.Unlock()

	s.audit(sess.ID, "lecturer", "create_session", fmt.Sprintf("code=%s seed=%d", code, sess.Seed))
	slog.Info("session created", "code", code, "name", name, "cohort", humanize.Comma(int64(bundle.Baseline.CohortSize)))
	return sess, nil
}

func (s *Service) newCode() (string, error) {
	for i := 0; i < 8; i++ {
		code := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
		taken, err := s.Store.CodeExists(code)
		if err != nil {
			return "", err
		}
		if !taken {
			return code, nil
		}
	}
	return "", fmt.Errorf("could not allocate a free room code")
}

// Session looks up a session and its derived configuration.
func (s *Service) Session(code string) (persistence.Session, *config.Bundle, error) {
	sess, err := s.Store.SessionByCode(strings.ToUpper(code))
	if err != nil {
		return persistence.Session{}, nil, err
	}
	bundle, err := s.bundle(sess)
	if err != nil {
		return persistence.Session{}, nil, err
	}
	return sess, bundle, nil
}

func (s *Service) bundle(sess persistence.Session) (*config.Bundle, error) {
	s.bundleMu.Lock()
	defer s.bundleMu.Unlock()
	if b, ok := s.bundles[sess.ID]; ok {
		return b, nil
	}
	var o config.Overrides
	if err := json.Unmarshal([]byte(sess.OverridesJSON), &o); err != nil {
		return nil, fmt.Errorf("decode overrides of %s: %w", sess.Code, err)
	}
	b, err := s.Base.WithOverrides(o)
	if err != nil {
		return nil, err
	}
	hash, err := b.Hash()
	if err != nil {
		return nil, err
	}
	if hash != sess.ConfigHash {
		slog.Warn("session configuration changed since creation", "code", sess.Code)
	}
	s.bundles[sess.ID] = b
	return b, nil
}

// JoinTeam registers a team and seeds its cohort.
func (s *Service) JoinTeam(code, name string) (persistence.Team, error) {
	sess, bundle, err := s.Session(code)
	if err != nil {
		return persistence.Team{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return persistence.Team{}, fmt.Errorf("%w: team name is required", simerr.ErrInvalid)
	}
	teams, err := s.Store.Teams(sess.ID)
	if err != nil {
		return persistence.Team{}, err
	}
	for _, t := range teams {
		if strings.EqualFold(t.Name, name) {
			return persistence.Team{}, fmt.Errorf("%w: team name %q is taken", simerr.ErrInvalid, name)
		}
	}
	team := persistence.Team{ID: uuid.NewString(), SessionID: sess.ID, Name: name}
	if err := s.Store.CreateTeam(&team); err != nil {
		return persistence.Team{}, err
	}
	if err := s.Store.InsertState(cohort.New(team.ID, bundle)); err != nil {
		return persistence.Team{}, err
	}
	s.audit(sess.ID, team.Name, "join", team.ID)
	slog.Info("team joined", "code", sess.Code, "team", name)
	return team, nil
}

// StartRound opens the next round. The previous round must have been
// advanced. An empty shockID plays no shock.
func (s *Service) StartRound(code string, months int, shockID string) (persistence.Round, error) {
	sess, bundle, err := s.Session(code)
	if err != nil {
		return persistence.Round{}, err
	}
	if months == 0 {
		months = DefaultRoundMonths
	}
	if months < 1 || months > maxRoundMonths {
		return persistence.Round{}, ErrInvalidMonths
	}
	if shockID != "" {
		if _, ok := bundle.Shock(shockID); !ok {
			return persistence.Round{}, fmt.Errorf("%w: %q", simerr.ErrUnknownShock, shockID)
		}
	}
	if sess.CurrentRound > 0 {
		prev, err := s.Store.Round(sess.ID, sess.CurrentRound)
		if err != nil {
			return persistence.Round{}, err
		}
		if prev.Status != persistence.RoundAdvanced {
			return persistence.Round{}, ErrRoundOpen
		}
	}

	round := persistence.Round{SessionID: sess.ID, Number: sess.CurrentRound + 1, Months: months, ShockID: shockID}
	if err := s.Store.OpenRound(&round); err != nil {
		return persistence.Round{}, err
	}
	s.audit(sess.ID, "lecturer", "start_round", fmt.Sprintf("round=%d months=%d shock=%s", round.Number, months, shockID))
	slog.Info("round opened", "code", sess.Code, "round", humanize.Ordinal(round.Number), "months", months, "shock", shockID)
	return round, nil
}

func (s *Service) openRound(sess persistence.Session) (persistence.Round, error) {
	if sess.CurrentRound == 0 {
		return persistence.Round{}, ErrNoOpenRound
	}
	round, err := s.Store.Round(sess.ID, sess.CurrentRound)
	if err != nil {
		return persistence.Round{}, err
	}
	if round.Status != persistence.RoundOpen {
		return persistence.Round{}, ErrNoOpenRound
	}
	return round, nil
}

// SubmitDecision locks in a team's policy mix for the open round. A mix
// over budget is rejected with a BudgetError and nothing is stored. A team
// whose round outcome is already committed gets ErrTeamAdvanced.
func (s *Service) SubmitDecision(code, teamID string, mix policy.Mix, ready bool) (persistence.Decision, error) {
	sess, bundle, err := s.Session(code)
	if err != nil {
		return persistence.Decision{}, err
	}
	team, err := s.Store.Team(teamID)
	if err != nil {
		return persistence.Decision{}, err
	}
	if team.SessionID != sess.ID {
		return persistence.Decision{}, fmt.Errorf("team %s: %w", teamID, simerr.ErrNotFound)
	}
	round, err := s.openRound(sess)
	if err != nil {
		return persistence.Decision{}, err
	}

	unlock := s.locks.Lock(teamID)
	defer unlock()
	if done, _, err := s.existingResult(teamID, round.Number); err != nil {
		return persistence.Decision{}, err
	} else if done {
		return persistence.Decision{}, ErrTeamAdvanced
	}

	if err := policy.LockIn(mix, bundle, round.Months, bundle.Policies.RoundBudget); err != nil {
		slog.Info("decision rejected", "code", sess.Code, "team", team.Name, "error", err)
		return persistence.Decision{}, err
	}
	committed := policy.CommittedCost(mix, bundle, round.Months)
	d := persistence.Decision{
		TeamID:    teamID,
		Round:     round.Number,
		Mix:       mix,
		Committed: committed.InexactFloat64(),
		Ready:     ready,
	}
	if err := s.Store.SaveDecision(&d); err != nil {
		return persistence.Decision{}, err
	}
	s.audit(sess.ID, team.Name, "decision", fmt.Sprintf("round=%d policies=%d committed=%s ready=%t",
		round.Number, len(mix), committed.StringFixed(0), ready))
	return d, nil
}

// TeamOutcome is one team's result of an advance.
type TeamOutcome struct {
	TeamID string             `json:"team_id"`
	Name   string             `json:"name"`
	Score  scoring.RoundScore `json:"score"`
	Err    string             `json:"error,omitempty"`
	// NeedsDecision is set when the team's carried-over mix no longer fits
	// the budget at this round's length.
	NeedsDecision bool `json:"needs_decision,omitempty"`
}

// AdvanceRound simulates the open round for every team. Teams advance
// concurrently, each under its own lock; one team's failure does not
// affect another. The round closes only when every team committed. When
// the only failures are teams whose carried-over mix is over budget the
// error wraps ErrDecisionsPending.
func (s *Service) AdvanceRound(code string) ([]TeamOutcome, error) {
	sess, bundle, err := s.Session(code)
	if err != nil {
		return nil, err
	}
	round, err := s.openRound(sess)
	if err != nil {
		return nil, err
	}
	teams, err := s.Store.Teams(sess.ID)
	if err != nil {
		return nil, err
	}

	outcomes := make([]TeamOutcome, len(teams))
	var wg sync.WaitGroup
	for i, team := range teams {
		i, team := i, team
		wg.Add(1)
		go func() {
			defer wg.Done()
			out := TeamOutcome{TeamID: team.ID, Name: team.Name}
			score, err := s.advanceTeam(sess, bundle, round, team)
			switch {
			case simerr.IsBudget(err):
				out.Err = err.Error()
				out.NeedsDecision = true
				slog.Warn("team must revise decision", "code", sess.Code, "team", team.Name, "error", err)
			case err != nil:
				out.Err = err.Error()
				slog.Error("team advance failed", "code", sess.Code, "team", team.Name, "error", err)
			default:
				out.Score = score
			}
			outcomes[i] = out
		}()
	}
	wg.Wait()

	var errs []error
	pending := true
	for _, o := range outcomes {
		if o.Err != "" {
			errs = append(errs, fmt.Errorf("team %s: %s", o.Name, o.Err))
			pending = pending && o.NeedsDecision
		}
	}
	if len(errs) > 0 {
		if pending {
			return outcomes, fmt.Errorf("%w: %w", ErrDecisionsPending, errors.Join(errs...))
		}
		return outcomes, errors.Join(errs...)
	}
	if err := s.Store.MarkRoundAdvanced(sess.ID, round.Number); err != nil {
		return outcomes, err
	}
	s.locks.Prune(lockIdle)
	s.audit(sess.ID, "lecturer", "advance", fmt.Sprintf("round=%d teams=%d", round.Number, len(teams)))
	slog.Info("round advanced", "code", sess.Code, "round", humanize.Ordinal(round.Number), "teams", len(teams))
	return outcomes, nil
}

// advanceTeam runs and commits one team's round. A team that already has a
// result for the round is skipped, so a partially failed advance can be
// retried.
func (s *Service) advanceTeam(sess persistence.Session, b *config.Bundle, round persistence.Round, team persistence.Team) (scoring.RoundScore, error) {
	unlock := s.locks.Lock(team.ID)
	defer unlock()

	state, err := s.Store.LoadState(team.ID)
	if err != nil {
		return scoring.RoundScore{}, err
	}
	if done, score, err := s.existingResult(team.ID, round.Number); err != nil || done {
		return score, err
	}

	mix := policy.FromActive(state.ActivePolicies)
	d, err := s.Store.Decision(team.ID, round.Number)
	switch {
	case err == nil:
		mix = d.Mix
	case !errors.Is(err, simerr.ErrNotFound):
		return scoring.RoundScore{}, err
	}

	var activation *cohort.ActiveShock
	if round.ShockID != "" {
		activation, err = shock.Play(b, round.ShockID, state.Month+1, 0)
		if err != nil {
			return scoring.RoundScore{}, err
		}
	}

	res, err := engine.Advance(engine.Request{
		State:         state,
		Bundle:        b,
		Mix:           mix,
		Shock:         activation,
		Months:        round.Months,
		Seed:          sess.Seed,
		Round:         round.Number,
		RoundBoundary: true,
	})
	if err != nil {
		return scoring.RoundScore{}, err
	}

	if err := s.Store.SaveRoundOutcome(persistence.Outcome{
		ExpectedVersion: state.Version,
		State:           res.State,
		Round:           round.Number,
		Metrics:         res.Metrics,
		Score:           *res.Score,
	}); err != nil {
		return scoring.RoundScore{}, err
	}
	return *res.Score, nil
}

func (s *Service) existingResult(teamID string, round int) (bool, scoring.RoundScore, error) {
	results, err := s.Store.TeamResults(teamID)
	if err != nil {
		return false, scoring.RoundScore{}, err
	}
	for _, r := range results {
		if r.Round == round {
			return true, r.Score, nil
		}
	}
	return false, scoring.RoundScore{}, nil
}

// Leaderboard ranks the teams on the latest advanced round.
func (s *Service) Leaderboard(code string) ([]scoring.Standing, error) {
	sess, _, err := s.Session(code)
	if err != nil {
		return nil, err
	}
	latest := sess.CurrentRound
	if latest > 0 {
		r, err := s.Store.Round(sess.ID, latest)
		if err != nil {
			return nil, err
		}
		if r.Status != persistence.RoundAdvanced {
			latest--
		}
	}
	if latest == 0 {
		return []scoring.Standing{}, nil
	}
	results, err := s.Store.RoundResults(sess.ID, latest)
	if err != nil {
		return nil, err
	}
	scores := make([]scoring.RoundScore, 0, len(results))
	for _, r := range results {
		scores = append(scores, r.Score)
	}
	return scoring.Rank(scores), nil
}

// CumulativeLeaderboard ranks teams on their scores averaged over every
// advanced round.
func (s *Service) CumulativeLeaderboard(code string) ([]scoring.Standing, error) {
	sess, bundle, err := s.Session(code)
	if err != nil {
		return nil, err
	}
	results, err := s.Store.SessionResults(sess.ID)
	if err != nil {
		return nil, err
	}
	byTeam := make(map[string][]scoring.RoundScore)
	var order []string
	for _, r := range results {
		if _, ok := byTeam[r.TeamID]; !ok {
			order = append(order, r.TeamID)
		}
		byTeam[r.TeamID] = append(byTeam[r.TeamID], r.Score)
	}
	scores := make([]scoring.RoundScore, 0, len(order))
	for _, id := range order {
		scores = append(scores, scoring.Cumulative(byTeam[id], bundle.Scoring.Weights))
	}
	return scoring.Rank(scores), nil
}

// sessionTeam loads a team and checks it belongs to the session.
func (s *Service) sessionTeam(code, teamID string) (persistence.Team, *config.Bundle, error) {
	sess, bundle, err := s.Session(code)
	if err != nil {
		return persistence.Team{}, nil, err
	}
	team, err := s.Store.Team(teamID)
	if err != nil {
		return persistence.Team{}, nil, err
	}
	if team.SessionID != sess.ID {
		return persistence.Team{}, nil, fmt.Errorf("team %s: %w", teamID, simerr.ErrNotFound)
	}
	return team, bundle, nil
}

// TeamView is a team's current cohort for display. Band counts are
// rounded; the stored state keeps real-valued populations.
type TeamView struct {
	TeamID          string                `json:"team_id"`
	Name            string                `json:"name"`
	Month           int                   `json:"month"`
	Label           string                `json:"label"`
	Population      map[string]int64      `json:"population"`
	CumulativeSpend float64               `json:"cumulative_spend"`
	CumulativeQALY  float64               `json:"cumulative_qaly"`
	ActivePolicies  []cohort.ActivePolicy `json:"active_policies"`
	ActiveShock     *cohort.ActiveShock   `json:"active_shock,omitempty"`
}

// TeamState returns a team's current cohort.
func (s *Service) TeamState(code, teamID string) (TeamView, error) {
	team, bundle, err := s.sessionTeam(code, teamID)
	if err != nil {
		return TeamView{}, err
	}
	st, err := s.Store.LoadState(teamID)
	if err != nil {
		return TeamView{}, err
	}
	return TeamView{
		TeamID:          team.ID,
		Name:            team.Name,
		Month:           st.Month,
		Label:           engine.MonthLabel(bundle, st.Month),
		Population:      st.Rounded(),
		CumulativeSpend: st.CumulativeSpend,
		CumulativeQALY:  st.CumulativeQALY,
		ActivePolicies:  st.ActivePolicies,
		ActiveShock:     st.ActiveShock,
	}, nil
}

// TeamMetrics returns a team's monthly metrics across all advanced rounds.
func (s *Service) TeamMetrics(code, teamID string) ([]cohort.MonthlyMetrics, error) {
	if _, _, err := s.sessionTeam(code, teamID); err != nil {
		return nil, err
	}
	results, err := s.Store.TeamResults(teamID)
	if err != nil {
		return nil, err
	}
	out := []cohort.MonthlyMetrics{}
	for _, r := range results {
		out = append(out, r.Metrics...)
	}
	return out, nil
}

func (s *Service) audit(sessionID, actor, action, detail string) {
	if err := s.Store.Audit(sessionID, actor, action, detail); err != nil {
		slog.Warn("audit write failed", "action", action, "error", err)
	}
}
