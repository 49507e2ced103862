package httpx

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/teamforge/internal/service/team"
	"github.com/splax/teamforge/internal/ws"
)

// Router wires HTTP endpoints to the membership service.
type Router struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	teams     team.Service
	hub       *ws.Hub
	upgrader  websocket.Upgrader
	limiter   RateLimiter
	jwtSecret string
	dbHealth  func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	domainErrors       *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitCreate    = 10
	rateLimitJoin      = 30
	rateLimitRespond   = 60
	rateLimitLeave     = 30
	rateLimitRemove    = 30
	rateLimitRead      = 120
	rateLimitStream    = 30
	healthCheckTimeout = 2 * time.Second
)

// Rate limit actions, one bucket per action and user.
const (
	actionCreate  = "team.create"
	actionRead    = "team.read"
	actionJoin    = "team.join"
	actionRespond = "team.respond"
	actionLeave   = "team.leave"
	actionRemove  = "team.remove"
	actionStream  = "team.stream"
)

// NewRouter assembles routes with dependencies. A nil hub disables the
// event streams and a nil limiter falls back to the in-memory limiter.
func NewRouter(logger *slog.Logger, teamSvc team.Service, hub *ws.Hub, limiter RateLimiter, jwtSecret string, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		logger: logger,
		teams:  teamSvc,
		hub:    hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:   limiter,
		jwtSecret: jwtSecret,
		dbHealth:  dbHealth,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("GET /healthz", r.audit(r.handleHealthz))
	r.mux.Handle("GET /metrics", promhttp.Handler())

	r.mux.HandleFunc("POST /teams", r.audit(r.handlerAuthRate(actionCreate, rateLimitCreate, rateWindowDefault, r.handleCreateTeam)))
	r.mux.HandleFunc("GET /teams/{slug}", r.audit(r.handlerAuthRate(actionRead, rateLimitRead, rateWindowDefault, r.handleGetTeam)))
	r.mux.HandleFunc("POST /teams/{slug}/join", r.audit(r.handlerAuthRate(actionJoin, rateLimitJoin, rateWindowDefault, r.handleApply)))
	r.mux.HandleFunc("GET /teams/{slug}/requests", r.audit(r.handlerAuthRate(actionRead, rateLimitRead, rateWindowDefault, r.handleListRequests)))
	r.mux.HandleFunc("POST /teams/{slug}/requests/{id}/approve", r.audit(r.handlerAuthRate(actionRespond, rateLimitRespond, rateWindowDefault, r.handleApprove)))
	r.mux.HandleFunc("POST /teams/{slug}/requests/{id}/reject", r.audit(r.handlerAuthRate(actionRespond, rateLimitRespond, rateWindowDefault, r.handleReject)))
	r.mux.HandleFunc("POST /teams/{slug}/leave", r.audit(r.handlerAuthRate(actionLeave, rateLimitLeave, rateWindowDefault, r.handleLeave)))
	r.mux.HandleFunc("DELETE /teams/{slug}/members/{memberID}", r.audit(r.handlerAuthRate(actionRemove, rateLimitRemove, rateWindowDefault, r.handleRemoveMember)))

	r.mux.HandleFunc("GET /ws/teams/{slug}", r.audit(r.handlerStreamRate(actionStream, rateLimitStream, rateWindowRealtime, r.handleTeamWS)))
	r.mux.HandleFunc("GET /teams/{slug}/events", r.audit(r.handlerStreamRate(actionStream, rateLimitStream, rateWindowRealtime, r.handleTeamSSE)))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		route := req.Pattern
		if route == "" {
			route = req.URL.Path
		}
		r.recordRequestMetrics(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "user"
			fields = append(fields, "user_id", info.UserID)
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}
