package api

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/talgya/ageing-futures/internal/config/configtest"
	"github.com/talgya/ageing-futures/internal/persistence"
	"github.com/talgya/ageing-futures/internal/session"
)

const testKey = "secret"

type testServer struct {
	t      *testing.T
	client *fasthttp.Client
}

func newTestServer(t *testing.T, s *Server) *testServer {
	t.Helper()
	db, err := persistence.Open(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s.Sessions = session.NewService(db, configtest.Ward(t, 1000, 20, 10, 0.05))

	ln := fasthttputil.NewInmemoryListener()
	go fasthttp.Serve(ln, s.Handler())
	t.Cleanup(func() { ln.Close() })

	return &testServer{
		t: t,
		client: &fasthttp.Client{
			Dial: func(string) (net.Conn, error) { return ln.Dial() },
		},
	}
}

// do sends a request and decodes the JSON response into out (if non-nil).
func (ts *testServer) do(method, path, token string, body any, out any) int {
	ts.t.Helper()
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI("http://futuresim.test" + path)
	req.Header.SetMethod(method)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			ts.t.Fatal(err)
		}
		req.SetBody(raw)
		req.Header.SetContentType("application/json")
	}
	if err := ts.client.DoTimeout(req, resp, 5*time.Second); err != nil {
		ts.t.Fatalf("%s %s: %v", method, path, err)
	}
	if out != nil {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			ts.t.Fatalf("%s %s: decode %q: %v", method, path, resp.Body(), err)
		}
	}
	return resp.StatusCode()
}

func TestSessionFlowOverHTTP(t *testing.T) {
	ts := newTestServer(t, &Server{AdminKey: testKey})

	if got := ts.do("GET", "/api/v1/status", "", nil, nil); got != fasthttp.StatusOK {
		t.Fatalf("status = %d", got)
	}
	if got := ts.do("POST", "/api/v1/sessions", "", map[string]any{"name": "x"}, nil); got != fasthttp.StatusUnauthorized {
		t.Errorf("create without token = %d, want 401", got)
	}
	if got := ts.do("POST", "/api/v1/sessions", "wrong", map[string]any{"name": "x"}, nil); got != fasthttp.StatusUnauthorized {
		t.Errorf("create with wrong token = %d, want 401", got)
	}

	var sess persistence.Session
	if got := ts.do("POST", "/api/v1/sessions", testKey, map[string]any{
		"name":      "Seminar",
		"seed":      5,
		"overrides": map[string]any{"round_budget": 10000},
	}, &sess); got != fasthttp.StatusCreated {
		t.Fatalf("create session = %d", got)
	}
	base := "/api/v1/sessions/" + sess.Code

	var team persistence.Team
	if got := ts.do("POST", base+"/teams", "", map[string]any{"name": "Red"}, &team); got != fasthttp.StatusCreated {
		t.Fatalf("join = %d", got)
	}
	if got := ts.do("POST", base+"/teams", "", map[string]any{"name": ""}, nil); got != fasthttp.StatusBadRequest {
		t.Errorf("join without name = %d, want 400", got)
	}

	decision := func(mix []map[string]any) int {
		return ts.do("POST", base+"/decisions", "", map[string]any{"team_id": team.ID, "mix": mix, "ready": true}, nil)
	}
	if got := decision(nil); got != fasthttp.StatusConflict {
		t.Errorf("decision before round = %d, want 409", got)
	}
	if got := ts.do("POST", base+"/rounds", testKey, map[string]any{"months": 6, "shock_id": "surge"}, nil); got != fasthttp.StatusCreated {
		t.Fatalf("start round = %d", got)
	}

	var budgetErr struct {
		Committed float64 `json:"committed"`
		Budget    float64 `json:"budget"`
	}
	greedy := []map[string]any{
		{"policy_id": "prevent", "intensity": 1, "coverage": 1},
		{"policy_id": "beds", "intensity": 1, "coverage": 1},
	}
	if got := ts.do("POST", base+"/decisions", "", map[string]any{"team_id": team.ID, "mix": greedy}, &budgetErr); got != fasthttp.StatusUnprocessableEntity {
		t.Errorf("over-budget decision = %d, want 422", got)
	}
	if budgetErr.Committed != 24000 || budgetErr.Budget != 10000 {
		t.Errorf("budget error body = %+v", budgetErr)
	}
	if got := decision([]map[string]any{{"policy_id": "teleport", "intensity": 1, "coverage": 1}}); got != fasthttp.StatusBadRequest {
		t.Errorf("unknown policy = %d, want 400", got)
	}
	if got := decision([]map[string]any{{"policy_id": "screen", "intensity": 1, "coverage": 1}}); got != fasthttp.StatusOK {
		t.Errorf("valid decision = %d", got)
	}

	if got := ts.do("POST", base+"/advance", "", nil, nil); got != fasthttp.StatusUnauthorized {
		t.Errorf("advance without token = %d, want 401", got)
	}
	if got := ts.do("POST", base+"/advance", testKey, nil, nil); got != fasthttp.StatusOK {
		t.Fatalf("advance = %d", got)
	}

	var board struct {
		Standings []struct {
			Rank   int    `json:"rank"`
			TeamID string `json:"team_id"`
		} `json:"standings"`
	}
	if got := ts.do("GET", base+"/leaderboard", "", nil, &board); got != fasthttp.StatusOK {
		t.Fatalf("leaderboard = %d", got)
	}
	if len(board.Standings) != 1 || board.Standings[0].TeamID != team.ID || board.Standings[0].Rank != 1 {
		t.Errorf("leaderboard = %+v", board)
	}

	var metrics []map[string]any
	if got := ts.do("GET", base+"/teams/"+team.ID+"/metrics", "", nil, &metrics); got != fasthttp.StatusOK || len(metrics) != 6 {
		t.Errorf("metrics = %d with %d months", got, len(metrics))
	}

	var view struct {
		Month      int              `json:"month"`
		Population map[string]int64 `json:"population"`
	}
	if got := ts.do("GET", base+"/teams/"+team.ID+"/state", "", nil, &view); got != fasthttp.StatusOK || view.Month != 6 || len(view.Population) != 3 {
		t.Errorf("team state = %d %+v", got, view)
	}

	var audit []persistence.AuditEntry
	if got := ts.do("GET", base+"/audit?limit=2", testKey, nil, &audit); got != fasthttp.StatusOK || len(audit) != 2 {
		t.Errorf("audit = %d with %d entries", got, len(audit))
	}

	if got := ts.do("GET", "/api/v1/sessions/NOSUCH", "", nil, nil); got != fasthttp.StatusNotFound {
		t.Errorf("unknown session = %d, want 404", got)
	}
	if got := ts.do("GET", "/api/v1/nothing", "", nil, nil); got != fasthttp.StatusNotFound {
		t.Errorf("unknown path = %d, want 404", got)
	}
}

func TestLecturerEndpointsDisabledWithoutKey(t *testing.T) {
	ts := newTestServer(t, &Server{})
	if got := ts.do("POST", "/api/v1/sessions", "", map[string]any{}, nil); got != fasthttp.StatusForbidden {
		t.Errorf("create with no admin key configured = %d, want 403", got)
	}
}

func TestTeamEndpointsRateLimited(t *testing.T) {
	ts := newTestServer(t, &Server{AdminKey: testKey, teamLimiter: NewRateLimiter(1, time.Minute)})

	var sess persistence.Session
	if got := ts.do("POST", "/api/v1/sessions", testKey, map[string]any{}, &sess); got != fasthttp.StatusCreated {
		t.Fatalf("create session = %d", got)
	}
	path := "/api/v1/sessions/" + sess.Code + "/teams"
	if got := ts.do("POST", path, "", map[string]any{"name": "A"}, nil); got != fasthttp.StatusCreated {
		t.Fatalf("first join = %d", got)
	}
	if got := ts.do("POST", path, "", map[string]any{"name": "B"}, nil); got != fasthttp.StatusTooManyRequests {
		t.Errorf("second join = %d, want 429", got)
	}
}

func TestRateLimiterWindow(t *testing.T) {
	now := time.Unix(0, 0)
	rl := NewRateLimiter(2, time.Minute)
	rl.now = func() time.Time { return now }

	if !rl.Allow("1.2.3.4") || !rl.Allow("1.2.3.4") {
		t.Fatal("first two requests refused")
	}
	if rl.Allow("1.2.3.4") {
		t.Error("third request in window allowed")
	}
	if !rl.Allow("5.6.7.8") {
		t.Error("other client refused")
	}
	if got := rl.RetryAfter("1.2.3.4"); got != 61 {
		t.Errorf("RetryAfter = %d, want 61", got)
	}

	now = now.Add(time.Minute)
	if !rl.Allow("1.2.3.4") {
		t.Error("request after window refused")
	}

	now = now.Add(3 * time.Minute)
	rl.Cleanup()
	if len(rl.buckets) != 0 {
		t.Errorf("%d buckets after cleanup", len(rl.buckets))
	}
}
