// Package api provides the HTTP API for sessions, teams and leaderboards.
// Lecturer endpoints (session creation, opening and advancing rounds, audit)
// require a bearer token; team endpoints are public but rate limited.
package api

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/valyala/fasthttp"

	"github.com/talgya/ageing-futures/internal/policy"
	"github.com/talgya/ageing-futures/internal/session"
	"github.com/talgya/ageing-futures/internal/simerr"
)

const maxBodySize = 1 << 20

// Server serves the session API over HTTP.
type Server struct {
	Sessions *session.Service
	Port     int
	AdminKey string // Bearer token for lecturer endpoints. Empty = lecturer endpoints disabled.

	started     time.Time
	teamLimiter *RateLimiter
	srv         *fasthttp.Server
}

// Handler builds the routed request handler. Exposed for in-memory tests.
func (s *Server) Handler() fasthttp.RequestHandler {
	if s.teamLimiter == nil {
		s.teamLimiter = NewRateLimiter(120, time.Minute)
	}
	if s.started.IsZero() {
		s.started = time.Now()
	}
	return corsMiddleware(s.route)
}

// Start begins serving the HTTP API in a goroutine.
func (s *Server) Start() {
	s.srv = &fasthttp.Server{
		Handler:            s.Handler(),
		Name:               "futuresim",
		ReadTimeout:        15 * time.Second,
		WriteTimeout:       30 * time.Second,
		MaxRequestBodySize: maxBodySize,
	}
	addr := fmt.Sprintf(":%d", s.Port)
	slog.Info("HTTP API starting", "addr", addr, "admin_auth", s.AdminKey != "")

	go func() {
		for range time.Tick(time.Hour) {
			s.teamLimiter.Cleanup()
		}
	}()
	go func() {
		if err := s.srv.ListenAndServe(addr); err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}()
}

// Shutdown stops accepting connections and waits for open requests.
func (s *Server) Shutdown() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown()
}

func (s *Server) route(ctx *fasthttp.RequestCtx) {
	path := strings.TrimSuffix(string(ctx.Path()), "/")
	method := string(ctx.Method())

	switch {
	case path == "/api/v1/status" && method == fasthttp.MethodGet:
		s.handleStatus(ctx)
	case path == "/api/v1/policies" && method == fasthttp.MethodGet:
		s.handlePolicies(ctx)
	case path == "/api/v1/shocks" && method == fasthttp.MethodGet:
		s.handleShocks(ctx)
	case path == "/api/v1/sessions" && method == fasthttp.MethodPost:
		s.adminOnly(s.handleCreateSession)(ctx)
	case strings.HasPrefix(path, "/api/v1/sessions/"):
		s.handleSessionRoutes(ctx, strings.TrimPrefix(path, "/api/v1/sessions/"), method)
	default:
		writeError(ctx, fasthttp.StatusNotFound, "not found")
	}
}

// handleSessionRoutes dispatches /api/v1/sessions/{code}/...
func (s *Server) handleSessionRoutes(ctx *fasthttp.RequestCtx, rest, method string) {
	parts := strings.Split(rest, "/")
	ctx.SetUserValue("code", parts[0])

	switch {
	case len(parts) == 1 && method == fasthttp.MethodGet:
		s.handleSession(ctx)
	case len(parts) == 2 && parts[1] == "teams" && method == fasthttp.MethodPost:
		RateLimit(s.teamLimiter, s.handleJoin)(ctx)
	case len(parts) == 2 && parts[1] == "decisions" && method == fasthttp.MethodPost:
		RateLimit(s.teamLimiter, s.handleDecision)(ctx)
	case len(parts) == 2 && parts[1] == "rounds" && method == fasthttp.MethodPost:
		s.adminOnly(s.handleStartRound)(ctx)
	case len(parts) == 2 && parts[1] == "advance" && method == fasthttp.MethodPost:
		s.adminOnly(s.handleAdvance)(ctx)
	case len(parts) == 2 && parts[1] == "leaderboard" && method == fasthttp.MethodGet:
		s.handleLeaderboard(ctx)
	case len(parts) == 2 && parts[1] == "audit" && method == fasthttp.MethodGet:
		s.adminOnly(s.handleAudit)(ctx)
	case len(parts) == 4 && parts[1] == "teams" && parts[3] == "metrics" && method == fasthttp.MethodGet:
		ctx.SetUserValue("team", parts[2])
		s.handleTeamMetrics(ctx)
	case len(parts) == 4 && parts[1] == "teams" && parts[3] == "state" && method == fasthttp.MethodGet:
		ctx.SetUserValue("team", parts[2])
		s.handleTeamState(ctx)
	default:
		writeError(ctx, fasthttp.StatusNotFound, "not found")
	}
}

// corsMiddleware adds CORS headers for allowed frontend origins.
// Set CORS_ORIGINS to a comma-separated list of allowed origins.
// Localhost dev servers are always allowed.
func corsMiddleware(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	allowedOrigins := map[string]bool{
		"http://localhost:5173": true,
		"http://localhost:3000": true,
	}
	if env := os.Getenv("CORS_ORIGINS"); env != "" {
		for _, origin := range strings.Split(env, ",") {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				allowedOrigins[origin] = true
			}
		}
	}

	return func(ctx *fasthttp.RequestCtx) {
		origin := string(ctx.Request.Header.Peek("Origin"))
		if allowedOrigins[origin] {
			ctx.Response.Header.Set("Access-Control-Allow-Origin", origin)
			ctx.Response.Header.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			ctx.Response.Header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if ctx.IsOptions() {
			ctx.SetStatusCode(fasthttp.StatusNoContent)
			return
		}
		next(ctx)
	}
}

// checkBearerToken returns true if the request has a valid admin bearer token.
func (s *Server) checkBearerToken(ctx *fasthttp.RequestCtx) bool {
	auth := string(ctx.Request.Header.Peek("Authorization"))
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.AdminKey
}

// adminOnly wraps a handler to require bearer token auth.
func (s *Server) adminOnly(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if s.AdminKey == "" {
			writeError(ctx, fasthttp.StatusForbidden, "lecturer endpoints disabled (no FUTURESIM_ADMIN_KEY set)")
			return
		}
		if !s.checkBearerToken(ctx) {
			writeError(ctx, fasthttp.StatusUnauthorized, "unauthorized")
			return
		}
		next(ctx)
	}
}

func (s *Server) handleStatus(ctx *fasthttp.RequestCtx) {
	b := s.Sessions.Base
	hash, _ := b.Hash()
	writeJSON(ctx, map[string]any{
		"name":        "Ageing Futures",
		"uptime":      time.Since(s.started).Round(time.Second).String(),
		"config_hash": hash,
		"cohort_size": b.Baseline.CohortSize,
		"bands":       len(b.Baseline.Bands),
		"transitions": len(b.Transitions.Transitions),
		"policies":    len(b.Policies.Policies),
		"shocks":      len(b.Policies.Shocks),
		"services":    b.Services(),
	})
}

func (s *Server) handlePolicies(ctx *fasthttp.RequestCtx) {
	b := s.Sessions.Base
	writeJSON(ctx, map[string]any{
		"round_budget": b.Policies.RoundBudget,
		"policies":     b.Policies.Policies,
	})
}

func (s *Server) handleShocks(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, s.Sessions.Base.Policies.Shocks)
}

func (s *Server) handleCreateSession(ctx *fasthttp.RequestCtx) {
	var settings session.Settings
	if !readJSON(ctx, &settings) {
		return
	}
	sess, err := s.Sessions.CreateSession(settings)
	if err != nil {
		writeFailure(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusCreated)
	writeJSON(ctx, sess)
}

func (s *Server) handleSession(ctx *fasthttp.RequestCtx) {
	sess, b, err := s.Sessions.Session(code(ctx))
	if err != nil {
		writeFailure(ctx, err)
		return
	}
	teams, err := s.Sessions.Store.Teams(sess.ID)
	if err != nil {
		writeFailure(ctx, err)
		return
	}
	writeJSON(ctx, map[string]any{
		"session":      sess,
		"teams":        teams,
		"round_budget": b.Policies.RoundBudget,
		"weights":      b.Scoring.Weights.Normalise(),
	})
}

func (s *Server) handleJoin(ctx *fasthttp.RequestCtx) {
	var req struct {
		Name string `json:"name"`
	}
	if !readJSON(ctx, &req) {
		return
	}
	team, err := s.Sessions.JoinTeam(code(ctx), req.Name)
	if err != nil {
		writeFailure(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusCreated)
	writeJSON(ctx, team)
}

func (s *Server) handleDecision(ctx *fasthttp.RequestCtx) {
	var req struct {
		TeamID string     `json:"team_id"`
		Mix    policy.Mix `json:"mix"`
		Ready  bool       `json:"ready"`
	}
	if !readJSON(ctx, &req) {
		return
	}
	d, err := s.Sessions.SubmitDecision(code(ctx), req.TeamID, req.Mix, req.Ready)
	if err != nil {
		writeFailure(ctx, err)
		return
	}
	writeJSON(ctx, d)
}

func (s *Server) handleStartRound(ctx *fasthttp.RequestCtx) {
	var req struct {
		Months  int    `json:"months"`
		ShockID string `json:"shock_id"`
	}
	if !readJSON(ctx, &req) {
		return
	}
	round, err := s.Sessions.StartRound(code(ctx), req.Months, req.ShockID)
	if err != nil {
		writeFailure(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusCreated)
	writeJSON(ctx, round)
}

func (s *Server) handleAdvance(ctx *fasthttp.RequestCtx) {
	outcomes, err := s.Sessions.AdvanceRound(code(ctx))
	if err != nil && outcomes == nil {
		writeFailure(ctx, err)
		return
	}
	resp := map[string]any{"teams": outcomes}
	switch {
	case errors.Is(err, session.ErrDecisionsPending):
		ctx.SetStatusCode(fasthttp.StatusConflict)
		resp["error"] = err.Error()
	case err != nil:
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		resp["error"] = err.Error()
	}
	writeJSON(ctx, resp)
}

func (s *Server) handleLeaderboard(ctx *fasthttp.RequestCtx) {
	cumulative := ctx.QueryArgs().GetBool("cumulative")
	var (
		standings any
		err       error
	)
	if cumulative {
		standings, err = s.Sessions.CumulativeLeaderboard(code(ctx))
	} else {
		standings, err = s.Sessions.Leaderboard(code(ctx))
	}
	if err != nil {
		writeFailure(ctx, err)
		return
	}
	writeJSON(ctx, map[string]any{"cumulative": cumulative, "standings": standings})
}

func (s *Server) handleTeamState(ctx *fasthttp.RequestCtx) {
	team, _ := ctx.UserValue("team").(string)
	view, err := s.Sessions.TeamState(code(ctx), team)
	if err != nil {
		writeFailure(ctx, err)
		return
	}
	writeJSON(ctx, view)
}

func (s *Server) handleTeamMetrics(ctx *fasthttp.RequestCtx) {
	team, _ := ctx.UserValue("team").(string)
	metrics, err := s.Sessions.TeamMetrics(code(ctx), team)
	if err != nil {
		writeFailure(ctx, err)
		return
	}
	writeJSON(ctx, metrics)
}

func (s *Server) handleAudit(ctx *fasthttp.RequestCtx) {
	sess, _, err := s.Sessions.Session(code(ctx))
	if err != nil {
		writeFailure(ctx, err)
		return
	}
	limit := 100
	if v := ctx.QueryArgs().Peek("limit"); len(v) > 0 {
		if n, err := strconv.Atoi(string(v)); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	entries, err := s.Sessions.Store.AuditLog(sess.ID, limit)
	if err != nil {
		writeFailure(ctx, err)
		return
	}
	writeJSON(ctx, entries)
}

func code(ctx *fasthttp.RequestCtx) string {
	c, _ := ctx.UserValue("code").(string)
	return c
}

func readJSON(ctx *fasthttp.RequestCtx, v any) bool {
	body := ctx.PostBody()
	if len(body) == 0 {
		body = []byte("{}")
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// writeFailure maps the error taxonomy onto HTTP statuses.
func writeFailure(ctx *fasthttp.RequestCtx, err error) {
	var be *simerr.BudgetError
	if errors.As(err, &be) {
		ctx.SetStatusCode(fasthttp.StatusUnprocessableEntity)
		writeJSON(ctx, map[string]any{
			"error":     err.Error(),
			"committed": be.Committed,
			"budget":    be.Budget,
		})
		return
	}

	status := fasthttp.StatusInternalServerError
	switch {
	case errors.Is(err, simerr.ErrInvalid),
		errors.Is(err, simerr.ErrUnknownPolicy),
		errors.Is(err, simerr.ErrUnknownShock),
		simerr.IsConfig(err):
		status = fasthttp.StatusBadRequest
	case errors.Is(err, simerr.ErrNotFound):
		status = fasthttp.StatusNotFound
	case errors.Is(err, simerr.ErrStaleState),
		errors.Is(err, session.ErrNoOpenRound),
		errors.Is(err, session.ErrRoundOpen),
		errors.Is(err, session.ErrTeamAdvanced):
		status = fasthttp.StatusConflict
	}
	if status >= 500 {
		slog.Error("request failed", "path", string(ctx.Path()), "error", err)
	}
	writeError(ctx, status, err.Error())
}

func writeError(ctx *fasthttp.RequestCtx, status int, message string) {
	ctx.SetStatusCode(status)
	writeJSON(ctx, map[string]any{"status": status, "error": message})
}

func writeJSON(ctx *fasthttp.RequestCtx, data any) {
	body, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.SetBodyString(`{"error":"encode response"}`)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}
