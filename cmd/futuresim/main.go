// Command futuresim runs the Ageing Futures classroom simulation.
//
//	futuresim serve   run the HTTP API (default)
//	futuresim demo    run a three-team session in a scratch database and
//	                  print the leaderboard after every round
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"

	"github.com/talgya/ageing-futures/internal/api"
	"github.com/talgya/ageing-futures/internal/config"
	"github.com/talgya/ageing-futures/internal/entropy"
	"github.com/talgya/ageing-futures/internal/persistence"
	"github.com/talgya/ageing-futures/internal/policy"
	"github.com/talgya/ageing-futures/internal/scoring"
	"github.com/talgya/ageing-futures/internal/session"
)

func main() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(os.Getenv("FUTURESIM_LOG_LEVEL")),
	}))
	slog.SetDefault(logger)

	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = serve()
	case "demo":
		err = demo(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (want serve or demo)\n", cmd)
		os.Exit(2)
	}
	if err != nil {
		slog.Error("futuresim failed", "command", cmd, "error", err)
		os.Exit(1)
	}
}

func loadBundle() (*config.Bundle, error) {
	if dir := os.Getenv("FUTURESIM_CONFIG_DIR"); dir != "" {
		slog.Info("loading configuration", "dir", dir)
		return config.Load(dir)
	}
	slog.Info("loading embedded configuration")
	return config.LoadDefault()
}

func serve() error {
	bundle, err := loadBundle()
	if err != nil {
		return err
	}
	hash, err := bundle.Hash()
	if err != nil {
		return err
	}
	slog.Info("configuration ready",
		"cohort", humanize.Comma(int64(bundle.Baseline.CohortSize)),
		"bands", len(bundle.Baseline.Bands),
		"transitions", len(bundle.Transitions.Transitions),
		"policies", len(bundle.Policies.Policies),
		"hash", shortHash(hash),
	)

	dbPath := envOrDefault("FUTURESIM_DB", "data/futuresim.db")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return err
	}
	db, err := persistence.Open(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	svc := session.NewService(db, bundle)
	svc.Seeds = entropy.NewSource(os.Getenv("RANDOM_ORG_API_KEY"))
	if svc.Seeds.Enabled() {
		slog.Info("session seeds from random.org")
	}
	apiServer := &api.Server{
		Sessions: svc,
		Port:     envIntOrDefault("FUTURESIM_PORT", 8080),
		AdminKey: os.Getenv("FUTURESIM_ADMIN_KEY"),
	}
	apiServer.Start()

	fmt.Printf("API: http://localhost:%d/api/v1/status\n", apiServer.Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received signal, shutting down", "signal", sig)
	return apiServer.Shutdown()
}

// demoTeam is a scripted team strategy.
type demoTeam struct {
	name string
	mix  policy.Mix
}

func demo(args []string) error {
	fs := flag.NewFlagSet("demo", flag.ExitOnError)
	rounds := fs.Int("rounds", 3, "number of rounds")
	months := fs.Int("months", session.DefaultRoundMonths, "months per round")
	seed := fs.Int64("seed", int64(envIntOrDefault("FUTURESIM_SEED", 42)), "environment seed")
	shockID := fs.String("shock", "cold_snap", "shock played in round 2 (empty for none)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	bundle, err := loadBundle()
	if err != nil {
		return err
	}
	dir, err := os.MkdirTemp("", "futuresim-demo-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)
	db, err := persistence.Open(filepath.Join(dir, "demo.db"))
	if err != nil {
		return err
	}
	defer db.Close()

	svc := session.NewService(db, bundle)
	sess, err := svc.CreateSession(session.Settings{Name: "Demo", Seed: *seed})
	if err != nil {
		return err
	}

	strategies := []demoTeam{
		{name: "Prevention", mix: policy.Mix{
			{PolicyID: "falls_prevention", Intensity: 1, Coverage: 1},
			{PolicyID: "smoking_cessation", Intensity: 0.6, Coverage: 0.6},
			{PolicyID: "community_rehab", Intensity: 0.8, Coverage: 0.8},
		}},
		{name: "Acute capacity", mix: policy.Mix{
			{PolicyID: "hospital_at_home", Intensity: 1, Coverage: 1},
			{PolicyID: "care_home_beds", Intensity: 1, Coverage: 1},
		}},
		{name: "Status quo"},
	}
	teamIDs := make(map[string]string, len(strategies))
	names := make(map[string]string, len(strategies))
	for _, st := range strategies {
		team, err := svc.JoinTeam(sess.Code, st.name)
		if err != nil {
			return err
		}
		teamIDs[st.name] = team.ID
		names[team.ID] = st.name
	}

	for r := 1; r <= *rounds; r++ {
		shock := ""
		if r == 2 {
			shock = *shockID
		}
		if _, err := svc.StartRound(sess.Code, *months, shock); err != nil {
			return err
		}
		for _, st := range strategies {
			if _, err := svc.SubmitDecision(sess.Code, teamIDs[st.name], st.mix, true); err != nil {
				return fmt.Errorf("team %s: %w", st.name, err)
			}
		}
		if _, err := svc.AdvanceRound(sess.Code); err != nil {
			return err
		}
		standings, err := svc.Leaderboard(sess.Code)
		if err != nil {
			return err
		}
		title := fmt.Sprintf("Round %d", r)
		if shock != "" {
			title += " (shock: " + shock + ")"
		}
		printStandings(title, standings, names)
	}

	standings, err := svc.CumulativeLeaderboard(sess.Code)
	if err != nil {
		return err
	}
	printStandings("Cumulative", standings, names)
	return nil
}

func printStandings(title string, standings []scoring.Standing, names map[string]string) {
	fmt.Printf("\n%s\n", title)
	fmt.Printf("%-4s %-16s %9s %7s %7s %7s %7s %12s %s\n",
		"rank", "team", "composite", "health", "cost", "cap", "equity", "spend", "flags")
	for _, s := range standings {
		var flags []string
		if s.OverBudget {
			flags = append(flags, "over-budget")
		}
		if s.NearMiss {
			flags = append(flags, "near-miss")
		}
		fmt.Printf("%-4d %-16s %9.3f %7.3f %7.3f %7.3f %7.3f %12s %s\n",
			s.Rank, names[s.TeamID], s.Composite, s.Health, s.Cost, s.Capacity, s.Equity,
			humanize.Comma(int64(s.Spend)), strings.Join(flags, ","))
	}
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func logLevel(v string) slog.Level {
	switch strings.ToLower(v) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}
