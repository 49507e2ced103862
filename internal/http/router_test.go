package httpx

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/splax/teamforge/internal/domain"
	"github.com/splax/teamforge/internal/repository"
	"github.com/splax/teamforge/internal/repository/memory"
	"github.com/splax/teamforge/internal/service/team"
	"github.com/splax/teamforge/internal/txrunner"
	"github.com/splax/teamforge/internal/ws"
	jwtpkg "github.com/splax/teamforge/pkg/jwt"
)

const testSecret = "test-secret"

type rateLimiterStub struct {
	mu      sync.Mutex
	calls   []rateLimitCall
	allowFn func(key string, limit int, window time.Duration) rateDecision
}

type rateLimitCall struct {
	key    string
	limit  int
	window time.Duration
}

func (rl *rateLimiterStub) Allow(key string, limit int, window time.Duration) rateDecision {
	rl.mu.Lock()
	rl.calls = append(rl.calls, rateLimitCall{key: key, limit: limit, window: window})
	fn := rl.allowFn
	rl.mu.Unlock()
	if fn != nil {
		return fn(key, limit, window)
	}
	return rateDecision{allowed: true, count: 1, windowEnd: time.Now().Add(window)}
}

func (rl *rateLimiterStub) Close() {}

type conflictingTransactor struct{}

func (conflictingTransactor) WithinTx(context.Context, func(context.Context, repository.Store) error) error {
	return repository.ErrSerialization
}

type testEnv struct {
	router *Router
	server *httptest.Server
	hub    *ws.Hub
}

func newTestEnv(t *testing.T, tx repository.Transactor, limiter RateLimiter, users ...string) testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if store, ok := tx.(*memory.Store); ok && len(users) > 0 {
		err := store.WithinTx(context.Background(), func(ctx context.Context, s repository.Store) error {
			for _, id := range users {
				if err := s.CreateUser(ctx, &domain.User{ID: id, DisplayName: strings.ToUpper(id)}); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			t.Fatalf("seed users: %v", err)
		}
	}
	hub := ws.NewHub(16)
	runner := txrunner.New(tx, txrunner.WithPolicy(txrunner.Policy{MaxAttempts: 2}), txrunner.WithLogger(logger))
	svc := team.New(runner, ws.NewEventPublisher(hub, logger), logger)
	if limiter == nil {
		limiter = &rateLimiterStub{}
	}
	router := NewRouter(logger, svc, hub, limiter, testSecret, nil)
	server := httptest.NewServer(router)
	t.Cleanup(func() {
		server.Close()
		router.Close()
		hub.Stop()
	})
	return testEnv{router: router, server: server, hub: hub}
}

func token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := jwtpkg.GenerateToken(userID, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return tok
}

type apiResult struct {
	status int
	header http.Header
	body   []byte
}

func (r apiResult) decode(t *testing.T, v any) {
	t.Helper()
	if err := json.Unmarshal(r.body, v); err != nil {
		t.Fatalf("decode %s: %v", r.body, err)
	}
}

func (r apiResult) code(t *testing.T) string {
	t.Helper()
	var payload struct {
		Code string `json:"code"`
	}
	r.decode(t, &payload)
	return payload.Code
}

func (e testEnv) call(t *testing.T, method, path, userID string, body any) apiResult {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, userID))
	}
	resp, err := e.server.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return apiResult{status: resp.StatusCode, header: resp.Header, body: raw}
}

func expectStatus(t *testing.T, res apiResult, want int) {
	t.Helper()
	if res.status != want {
		t.Fatalf("expected status %d, got %d: %s", want, res.status, res.body)
	}
}

func waitForSubscribers(t *testing.T, hub *ws.Hub, topic string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers(topic) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no subscriber registered for %s", topic)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEveryErrorCodeHasAStatus(t *testing.T) {
	for _, code := range team.Codes() {
		if statusByCode[code] == 0 {
			t.Errorf("code %s has no HTTP status", code)
		}
	}
	if got := statusForCode(team.CodeCount); got != http.StatusInternalServerError {
		t.Fatalf("out of range code mapped to %d", got)
	}
}

func TestRoutesRequireAuthentication(t *testing.T) {
	env := newTestEnv(t, memory.New(), nil)
	res := env.call(t, http.MethodPost, "/teams", "", map[string]string{"name": "Alpha"})
	expectStatus(t, res, http.StatusUnauthorized)

	req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/teams/alpha", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	resp, err := env.server.Client().Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for invalid token, got %d", resp.StatusCode)
	}
}

func TestMembershipLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t, memory.New(), nil, "leader", "alice", "bob")

	res := env.call(t, http.MethodPost, "/teams", "leader", map[string]string{"name": "Night Owls"})
	expectStatus(t, res, http.StatusCreated)
	var created teamResponse
	res.decode(t, &created)
	if created.Slug != "night-owls" || created.LeaderUserID != "leader" {
		t.Fatalf("unexpected team %+v", created)
	}

	res = env.call(t, http.MethodPost, "/teams/night-owls/join", "alice", nil)
	expectStatus(t, res, http.StatusCreated)
	var joinReq joinRequestResponse
	res.decode(t, &joinReq)
	if joinReq.Status != "PENDING" {
		t.Fatalf("expected pending request, got %s", joinReq.Status)
	}

	res = env.call(t, http.MethodGet, "/teams/night-owls/requests", "leader", nil)
	expectStatus(t, res, http.StatusOK)
	var pending []joinRequestResponse
	res.decode(t, &pending)
	if len(pending) != 1 || pending[0].ID != joinReq.ID {
		t.Fatalf("unexpected pending list %+v", pending)
	}

	res = env.call(t, http.MethodPost, "/teams/night-owls/requests/"+joinReq.ID+"/approve", "leader", nil)
	expectStatus(t, res, http.StatusOK)
	var approval approvalResponse
	res.decode(t, &approval)
	if approval.Request.Status != "ACCEPTED" || approval.Request.RespondedAt == nil {
		t.Fatalf("unexpected approval %+v", approval)
	}

	res = env.call(t, http.MethodGet, "/teams/night-owls", "bob", nil)
	expectStatus(t, res, http.StatusOK)
	var detail struct {
		teamResponse
		Members  []memberResponse `json:"members"`
		Capacity int              `json:"capacity"`
	}
	res.decode(t, &detail)
	if len(detail.Members) != 2 || detail.Capacity != domain.MaxMembers {
		t.Fatalf("unexpected team detail %+v", detail)
	}

	res = env.call(t, http.MethodPost, "/teams/night-owls/leave", "alice", nil)
	expectStatus(t, res, http.StatusNoContent)

	res = env.call(t, http.MethodPost, "/teams/night-owls/join", "bob", nil)
	expectStatus(t, res, http.StatusCreated)
	res.decode(t, &joinReq)
	res = env.call(t, http.MethodPost, "/teams/night-owls/requests/"+joinReq.ID+"/approve", "leader", nil)
	expectStatus(t, res, http.StatusOK)
	res = env.call(t, http.MethodDelete, "/teams/night-owls/members/bob", "leader", nil)
	expectStatus(t, res, http.StatusNoContent)
}

func TestMembershipErrorsMapToStatusAndCode(t *testing.T) {
	env := newTestEnv(t, memory.New(), nil, "leader", "alice")
	expectStatus(t, env.call(t, http.MethodPost, "/teams", "leader", map[string]string{"name": "Alpha"}), http.StatusCreated)
	expectStatus(t, env.call(t, http.MethodPost, "/teams/alpha/join", "alice", nil), http.StatusCreated)

	cases := []struct {
		name   string
		method string
		path   string
		user   string
		body   any
		status int
		code   string
	}{
		{name: "duplicate apply", method: http.MethodPost, path: "/teams/alpha/join", user: "alice", status: http.StatusConflict, code: "ALREADY_APPLIED"},
		{name: "leader applies", method: http.MethodPost, path: "/teams/alpha/join", user: "leader", status: http.StatusConflict, code: "ALREADY_LEADER"},
		{name: "unknown team", method: http.MethodGet, path: "/teams/ghost", user: "alice", status: http.StatusNotFound, code: "TEAM_NOT_FOUND"},
		{name: "non-leader lists", method: http.MethodGet, path: "/teams/alpha/requests", user: "alice", status: http.StatusForbidden, code: "FORBIDDEN"},
		{name: "unknown request", method: http.MethodPost, path: "/teams/alpha/requests/nope/approve", user: "leader", status: http.StatusNotFound, code: "REQUEST_NOT_FOUND"},
		{name: "leader leaves", method: http.MethodPost, path: "/teams/alpha/leave", user: "leader", status: http.StatusConflict, code: "LEADER_CANNOT_LEAVE"},
		{name: "remove leader", method: http.MethodDelete, path: "/teams/alpha/members/leader", user: "leader", status: http.StatusConflict, code: "CANNOT_REMOVE_LEADER"},
		{name: "invalid name", method: http.MethodPost, path: "/teams", user: "alice", body: map[string]string{"name": "???"}, status: http.StatusBadRequest, code: "INVALID_NAME"},
		{name: "unknown user", method: http.MethodPost, path: "/teams", user: "ghost", body: map[string]string{"name": "Beta"}, status: http.StatusNotFound, code: "USER_NOT_FOUND"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := env.call(t, tc.method, tc.path, tc.user, tc.body)
			expectStatus(t, res, tc.status)
			if got := res.code(t); got != tc.code {
				t.Fatalf("expected code %s, got %s", tc.code, got)
			}
		})
	}

	res := env.call(t, http.MethodGet, "/teams/alpha/requests?status=bogus", "leader", nil)
	expectStatus(t, res, http.StatusBadRequest)
}

func TestRetryExhaustionReturns503WithRetryAfter(t *testing.T) {
	env := newTestEnv(t, conflictingTransactor{}, nil)
	res := env.call(t, http.MethodPost, "/teams/alpha/join", "alice", nil)
	expectStatus(t, res, http.StatusServiceUnavailable)
	if got := res.header.Get("Retry-After"); got != "1" {
		t.Fatalf("expected Retry-After 1, got %q", got)
	}
	if got := res.code(t); got != "RETRY_EXHAUSTED" {
		t.Fatalf("unexpected code %s", got)
	}
}

func TestRateLimitKeysByActionAndUser(t *testing.T) {
	limiter := &rateLimiterStub{}
	reset := time.Unix(1_950_000_000, 0)
	limiter.allowFn = func(key string, limit int, window time.Duration) rateDecision {
		return rateDecision{allowed: false, count: limit, windowEnd: reset}
	}
	env := newTestEnv(t, memory.New(), limiter, "alice")

	res := env.call(t, http.MethodPost, "/teams/alpha/join", "alice", nil)
	expectStatus(t, res, http.StatusTooManyRequests)
	if got := res.header.Get("X-RateLimit-Limit"); got != "30" {
		t.Fatalf("unexpected limit header %q", got)
	}
	if got := res.header.Get("X-RateLimit-Remaining"); got != "0" {
		t.Fatalf("unexpected remaining header %q", got)
	}
	if got := res.header.Get("X-RateLimit-Reset"); got != "1950000000" {
		t.Fatalf("unexpected reset header %q", got)
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	if len(limiter.calls) != 1 {
		t.Fatalf("expected one limiter call, got %d", len(limiter.calls))
	}
	call := limiter.calls[0]
	if call.key != "team.join:user:alice" || call.limit != rateLimitJoin || call.window != rateWindowDefault {
		t.Fatalf("unexpected limiter call %+v", call)
	}
}

func TestEventStreamOverSSE(t *testing.T) {
	env := newTestEnv(t, memory.New(), nil, "leader", "alice")
	expectStatus(t, env.call(t, http.MethodPost, "/teams", "leader", map[string]string{"name": "Alpha"}), http.StatusCreated)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.server.URL+"/teams/alpha/events?token="+token(t, "leader"), nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := env.server.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	waitForSubscribers(t, env.hub, "alpha")

	expectStatus(t, env.call(t, http.MethodPost, "/teams/alpha/join", "alice", nil), http.StatusCreated)

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		data, ok := strings.CutPrefix(strings.TrimSpace(line), "data: ")
		if !ok {
			continue
		}
		var event team.Event
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if event.Type != team.EventRequestCreated || event.UserID != "alice" {
			t.Fatalf("unexpected event %+v", event)
		}
		return
	}
}

func TestEventStreamOverWebsocket(t *testing.T) {
	env := newTestEnv(t, memory.New(), nil, "leader", "alice")
	expectStatus(t, env.call(t, http.MethodPost, "/teams", "leader", map[string]string{"name": "Alpha"}), http.StatusCreated)

	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws/teams/alpha?token=" + token(t, "alice")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitForSubscribers(t, env.hub, "alpha")

	expectStatus(t, env.call(t, http.MethodPost, "/teams/alpha/join", "alice", nil), http.StatusCreated)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var event team.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event.Type != team.EventRequestCreated || event.TeamSlug != "alpha" {
		t.Fatalf("unexpected event %+v", event)
	}
}

func TestStreamForUnknownTeamIs404(t *testing.T) {
	env := newTestEnv(t, memory.New(), nil, "alice")
	res := env.call(t, http.MethodGet, "/teams/ghost/events", "alice", nil)
	expectStatus(t, res, http.StatusNotFound)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, memory.New(), nil)
	handler := WithCORS(env.router, []string{"https://game.example"})

	cases := []struct {
		name    string
		origin  string
		headers string
		want    string
	}{
		{name: "authorization header", origin: "https://game.example", headers: "authorization", want: "https://game.example"},
		{name: "json body", origin: "https://game.example", headers: "authorization,content-type", want: "https://game.example"},
		{name: "no request headers", origin: "https://game.example", want: "https://game.example"},
		{name: "unknown origin", origin: "https://evil.example", headers: "authorization", want: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodOptions, "/teams", nil)
			req.Header.Set("Origin", tc.origin)
			req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			if tc.headers != "" {
				req.Header.Set("Access-Control-Request-Headers", tc.headers)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tc.want {
				t.Fatalf("unexpected allow origin %q", got)
			}
		})
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, memory.New(), nil)
	res := env.call(t, http.MethodGet, "/healthz", "", nil)
	expectStatus(t, res, http.StatusOK)
}
