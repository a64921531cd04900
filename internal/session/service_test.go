package session

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/talgya/ageing-futures/internal/config"
	"github.com/talgya/ageing-futures/internal/config/configtest"
	"github.com/talgya/ageing-futures/internal/persistence"
	"github.com/talgya/ageing-futures/internal/policy"
	"github.com/talgya/ageing-futures/internal/simerr"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := persistence.Open(filepath.Join(t.TempDir(), "session.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewService(db, configtest.Ward(t, 1000, 20, 10, 0.05))
}

func TestSessionLifecycle(t *testing.T) {
	svc := newTestService(t)

	sess, err := svc.CreateSession(Settings{Name: "Seminar A", Seed: 3, Overrides: config.Overrides{RoundBudget: 10000}})
	if err != nil {
		t.Fatal(err)
	}
	if len(sess.Code) != 6 {
		t.Errorf("room code %q", sess.Code)
	}

	red, err := svc.JoinTeam(sess.Code, "Red")
	if err != nil {
		t.Fatal(err)
	}
	blue, err := svc.JoinTeam(sess.Code, "Blue")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.JoinTeam(sess.Code, " red "); !errors.Is(err, simerr.ErrInvalid) {
		t.Errorf("duplicate team name = %v, want ErrInvalid", err)
	}

	// No round open yet.
	if _, err := svc.SubmitDecision(sess.Code, red.ID, nil, true); !errors.Is(err, ErrNoOpenRound) {
		t.Errorf("decision before round = %v, want ErrNoOpenRound", err)
	}

	if _, err := svc.StartRound(sess.Code, 6, "surge"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.StartRound(sess.Code, 6, ""); !errors.Is(err, ErrRoundOpen) {
		t.Errorf("second open round = %v, want ErrRoundOpen", err)
	}

	screen := policy.Mix{{PolicyID: "screen", Intensity: 1, Coverage: 1}}
	if _, err := svc.SubmitDecision(sess.Code, red.ID, screen, true); err != nil {
		t.Fatalf("red decision: %v", err)
	}
	results, err := svc.AdvanceRound(sess.Code)
	if err != nil {
		t.Fatalf("AdvanceRound: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("outcomes = %+v", results)
	}

	board, err := svc.Leaderboard(sess.Code)
	if err != nil {
		t.Fatal(err)
	}
	if len(board) != 2 || board[0].Rank != 1 || board[1].Rank != 2 {
		t.Fatalf("leaderboard = %+v", board)
	}
	if _, err := svc.AdvanceRound(sess.Code); !errors.Is(err, ErrNoOpenRound) {
		t.Errorf("advancing a closed round = %v, want ErrNoOpenRound", err)
	}

	// Round 2: red keeps screening without resubmitting.
	if _, err := svc.StartRound(sess.Code, 3, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.AdvanceRound(sess.Code); err != nil {
		t.Fatal(err)
	}

	state, err := svc.Store.LoadState(red.ID)
	if err != nil {
		t.Fatal(err)
	}
	if state.Month != 9 || state.Version != 2 {
		t.Errorf("red state month %d version %d, want 9 and 2", state.Month, state.Version)
	}
	if len(state.ActivePolicies) != 1 || state.ActivePolicies[0].ActivationMonth != 0 {
		t.Errorf("red policies = %+v", state.ActivePolicies)
	}

	cumulative, err := svc.CumulativeLeaderboard(sess.Code)
	if err != nil {
		t.Fatal(err)
	}
	if len(cumulative) != 2 || cumulative[0].Round != 2 {
		t.Errorf("cumulative = %+v", cumulative)
	}

	metrics, err := svc.TeamMetrics(sess.Code, blue.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(metrics) != 9 {
		t.Errorf("blue has %d months of metrics, want 9", len(metrics))
	}
	if metrics[0].ShockID != "surge" || metrics[2].ShockID != "" {
		t.Errorf("shock months: %q %q", metrics[0].ShockID, metrics[2].ShockID)
	}
}

func TestBudgetRejectionPersistsNothing(t *testing.T) {
	svc := newTestService(t)
	sess, err := svc.CreateSession(Settings{Overrides: config.Overrides{RoundBudget: 10000}})
	if err != nil {
		t.Fatal(err)
	}
	team, err := svc.JoinTeam(sess.Code, "Green")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.StartRound(sess.Code, 6, ""); err != nil {
		t.Fatal(err)
	}

	greedy := policy.Mix{
		{PolicyID: "prevent", Intensity: 1, Coverage: 1},
		{PolicyID: "beds", Intensity: 1, Coverage: 1},
	}
	_, err = svc.SubmitDecision(sess.Code, team.ID, greedy, true)
	var be *simerr.BudgetError
	if !errors.As(err, &be) {
		t.Fatalf("SubmitDecision = %v, want BudgetError", err)
	}
	if be.Budget != 10000 || be.Committed != 24000 {
		t.Errorf("budget error = %+v", be)
	}
	if _, err := svc.Store.Decision(team.ID, 1); !errors.Is(err, simerr.ErrNotFound) {
		t.Errorf("decision stored after rejection: %v", err)
	}
	state, _ := svc.Store.LoadState(team.ID)
	if state.Version != 0 || len(state.ActivePolicies) != 0 {
		t.Errorf("state changed after rejection: %+v", state)
	}
}

func TestStartRoundValidation(t *testing.T) {
	svc := newTestService(t)
	sess, err := svc.CreateSession(Settings{})
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name   string
		months int
		shock  string
		want   error
	}{
		{"too long", 25, "", simerr.ErrInvalid},
		{"negative", -1, "", simerr.ErrInvalid},
		{"unknown shock", 6, "meteor", simerr.ErrUnknownShock},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.StartRound(sess.Code, tt.months, tt.shock); !errors.Is(err, tt.want) {
				t.Errorf("StartRound() = %v, want %v", err, tt.want)
			}
		})
	}
	r, err := svc.StartRound(sess.Code, 0, "")
	if err != nil || r.Months != DefaultRoundMonths || r.Number != 1 {
		t.Errorf("default round = %+v, %v", r, err)
	}
	if _, _, err := svc.Session("nosuch"); !errors.Is(err, simerr.ErrNotFound) {
		t.Errorf("unknown code = %v", err)
	}
}

func TestCreateSessionRejectsBadOverrides(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.CreateSession(Settings{Overrides: config.Overrides{Weights: &config.Weights{}}})
	if !simerr.IsConfig(err) {
		t.Errorf("CreateSession = %v, want ConfigError", err)
	}
}

func TestTeamLocks(t *testing.T) {
	tl := NewTeamLocks()

	var mu sync.Mutex
	inside, maxInside := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := tl.Lock("t1")
			defer unlock()
			mu.Lock()
			inside++
			maxInside = max(maxInside, inside)
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()
	if maxInside != 1 {
		t.Errorf("%d holders at once, want 1", maxInside)
	}

	unlock := tl.Lock("held")
	time.Sleep(2 * time.Millisecond)
	if n := tl.Prune(time.Millisecond); n != 1 {
		t.Errorf("Prune dropped %d locks, want 1", n)
	}
	unlock()
	if n := tl.Prune(time.Millisecond); n != 1 {
		t.Errorf("Prune after release dropped %d, want 1", n)
	}
}

func TestDecisionAfterTeamAdvancedIsRejected(t *testing.T) {
	svc := newTestService(t)
	sess, err := svc.CreateSession(Settings{Seed: 1})
	if err != nil {
		t.Fatal(err)
	}
	red, _ := svc.JoinTeam(sess.Code, "Red")
	blue, _ := svc.JoinTeam(sess.Code, "Blue")
	if _, err := svc.StartRound(sess.Code, 3, ""); err != nil {
		t.Fatal(err)
	}

	// Corrupt Blue's stored state so its advance fails and the round stays open.
	setBand := func(teamID string, n float64) {
		t.Helper()
		st, err := svc.Store.LoadState(teamID)
		if err != nil {
			t.Fatal(err)
		}
		next := st.Clone()
		next.Population["a"] = n
		next.Version++
		if err := svc.Store.SaveState(st.Version, next); err != nil {
			t.Fatal(err)
		}
	}
	original, err := svc.Store.LoadState(blue.ID)
	if err != nil {
		t.Fatal(err)
	}
	setBand(blue.ID, -5)

	if _, err := svc.AdvanceRound(sess.Code); err == nil || errors.Is(err, ErrDecisionsPending) {
		t.Fatalf("AdvanceRound with a broken team = %v, want a hard failure", err)
	}

	beds := policy.Mix{{PolicyID: "beds", Intensity: 1, Coverage: 1}}
	if _, err := svc.SubmitDecision(sess.Code, red.ID, beds, true); !errors.Is(err, ErrTeamAdvanced) {
		t.Errorf("decision from an advanced team = %v, want ErrTeamAdvanced", err)
	}
	if _, err := svc.SubmitDecision(sess.Code, blue.ID, beds, true); err != nil {
		t.Errorf("decision from a team still to advance: %v", err)
	}

	setBand(blue.ID, original.Population["a"])
	if _, err := svc.AdvanceRound(sess.Code); err != nil {
		t.Fatalf("retry AdvanceRound: %v", err)
	}
	redState, _ := svc.Store.LoadState(red.ID)
	if len(redState.ActivePolicies) != 0 {
		t.Errorf("red policies = %+v, want none", redState.ActivePolicies)
	}
	blueState, _ := svc.Store.LoadState(blue.ID)
	if len(blueState.ActivePolicies) != 1 || blueState.ActivePolicies[0].PolicyID != "beds" {
		t.Errorf("blue policies = %+v, want beds", blueState.ActivePolicies)
	}
}

func TestCarriedOverMixOverBudgetNeedsDecision(t *testing.T) {
	svc := newTestService(t)
	sess, err := svc.CreateSession(Settings{Seed: 1, Overrides: config.Overrides{RoundBudget: 10000}})
	if err != nil {
		t.Fatal(err)
	}
	red, _ := svc.JoinTeam(sess.Code, "Red")
	blue, _ := svc.JoinTeam(sess.Code, "Blue")

	if _, err := svc.StartRound(sess.Code, 3, ""); err != nil {
		t.Fatal(err)
	}
	beds := policy.Mix{{PolicyID: "beds", Intensity: 1, Coverage: 1}}
	if _, err := svc.SubmitDecision(sess.Code, red.ID, beds, true); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.AdvanceRound(sess.Code); err != nil {
		t.Fatal(err)
	}

	// Six months of beds costs 12000 against a budget of 10000.
	if _, err := svc.StartRound(sess.Code, 6, ""); err != nil {
		t.Fatal(err)
	}
	outcomes, err := svc.AdvanceRound(sess.Code)
	if !errors.Is(err, ErrDecisionsPending) {
		t.Fatalf("AdvanceRound = %v, want ErrDecisionsPending", err)
	}
	for _, o := range outcomes {
		switch o.TeamID {
		case red.ID:
			if !o.NeedsDecision || o.Err == "" {
				t.Errorf("red outcome = %+v, want a pending decision", o)
			}
		case blue.ID:
			if o.NeedsDecision || o.Err != "" {
				t.Errorf("blue outcome = %+v, want success", o)
			}
		}
	}

	screen := policy.Mix{{PolicyID: "screen", Intensity: 1, Coverage: 1}}
	if _, err := svc.SubmitDecision(sess.Code, red.ID, screen, true); err != nil {
		t.Fatalf("revised decision: %v", err)
	}
	if _, err := svc.AdvanceRound(sess.Code); err != nil {
		t.Fatalf("AdvanceRound after revision: %v", err)
	}
	st, _ := svc.Store.LoadState(red.ID)
	if st.Month != 9 || len(st.ActivePolicies) != 1 || st.ActivePolicies[0].PolicyID != "screen" {
		t.Errorf("red state month %d policies %+v", st.Month, st.ActivePolicies)
	}
}

func TestTeamStateRoundsPopulation(t *testing.T) {
	svc := newTestService(t)
	sess, err := svc.CreateSession(Settings{Seed: 1})
	if err != nil {
		t.Fatal(err)
	}
	red, _ := svc.JoinTeam(sess.Code, "Red")

	view, err := svc.TeamState(sess.Code, red.ID)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]int64{"a": 495, "b": 495, "ward": 10}
	for band, n := range want {
		if view.Population[band] != n {
			t.Errorf("population[%s] = %d, want %d", band, view.Population[band], n)
		}
	}
	if view.Month != 0 || view.Label != "start" || view.Name != "Red" {
		t.Errorf("view = %+v", view)
	}

	other, err := svc.CreateSession(Settings{Seed: 2})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.TeamState(other.Code, red.ID); !errors.Is(err, simerr.ErrNotFound) {
		t.Errorf("team from another session = %v, want ErrNotFound", err)
	}
}
