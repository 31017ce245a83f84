// Package httpx exposes the admin portal HTTP surface.
package httpx

import (
	"bufio"
	"context"
	"encoding/json"
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

	"github.com/AudienceActivatorAI/lendpro-admin-portal/internal/repository"
	"github.com/AudienceActivatorAI/lendpro-admin-portal/internal/service/auth"
	"github.com/AudienceActivatorAI/lendpro-admin-portal/internal/service/client"
	"github.com/AudienceActivatorAI/lendpro-admin-portal/internal/service/deploy"
	"github.com/AudienceActivatorAI/lendpro-admin-portal/internal/ws"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	auth     auth.Service
	clients  client.Service
	deploy   deploy.Service
	hub      *ws.Hub
	upgrader websocket.Upgrader
	limiter  RateLimiter
	dbHealth func(context.Context) error

	// deployTimeout bounds the detached goroutine a deploy request spawns.
	deployTimeout time.Duration

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	deployOutcomes     *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitSignup    = 5
	rateLimitLogin     = 12
	rateLimitUserWrite = 60
	rateLimitUserRead  = 120
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
	sseHeartbeat       = 15 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, authSvc auth.Service, clientSvc client.Service, deploySvc deploy.Service, hub *ws.Hub, limiter RateLimiter, deployTimeout time.Duration, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:     http.NewServeMux(),
		logger:  logger,
		auth:    authSvc,
		clients: clientSvc,
		deploy:  deploySvc,
		hub:     hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:       limiter,
		dbHealth:      dbHealth,
		deployTimeout: deployTimeout,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.deployTimeout <= 0 {
		r.deployTimeout = 10 * time.Minute
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
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/auth/signup", r.audit("/auth/signup", r.withRateLimit("/auth/signup", rateLimitSignup, rateWindowDefault, rateLimitKeyIP, r.handleSignup)))
	r.mux.HandleFunc("/auth/login", r.audit("/auth/login", r.withRateLimit("/auth/login", rateLimitLogin, rateWindowDefault, rateLimitKeyIP, r.handleLogin)))
	r.mux.HandleFunc("/clients", r.audit("/clients", r.handlerAuthRate("/clients", rateLimitUserWrite, rateWindowDefault, r.handleClients)))
	r.mux.HandleFunc("/clients/", r.audit("/clients/{id}", r.handlerAuthRate("/clients/{id}", rateLimitUserWrite, rateWindowDefault, r.handleClientSubroutes)))
	r.mux.HandleFunc("/ws/deployments", r.audit("/ws/deployments", r.handlerAuthRate("/ws/deployments", rateLimitWebsocket, rateWindowRealtime, r.handleDeploymentsWS)))
	r.mux.HandleFunc("/events/deployments", r.audit("/events/deployments", r.handlerAuthRate("/events/deployments", rateLimitWebsocket, rateWindowRealtime, r.handleDeploymentsSSE)))
}

func (r *Router) handleSignup(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, tokens, err := r.auth.Signup(req.Context(), payload.Email, payload.Password)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"user": map[string]any{
			"id":    user.ID,
			"email": user.Email,
		},
		"tokens": tokens,
	})
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, tokens, err := r.auth.Login(req.Context(), payload.Email, payload.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user": map[string]any{
			"id":    user.ID,
			"email": user.Email,
		},
		"tokens": tokens,
	})
}

func (r *Router) handleClients(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		views, err := r.clients.List(req.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, views)
	case http.MethodPost:
		var payload client.CreateInput
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		detail, err := r.clients.Create(req.Context(), payload)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, detail)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleClientSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/clients/")
	parts := strings.Split(trimmed, "/")
	clientID := parts[0]
	if clientID == "" {
		r.notFound(w)
		return
	}
	switch {
	case len(parts) == 1:
		r.handleClientByID(w, req, clientID)
	case len(parts) == 2 && parts[1] == "config":
		r.handleClientConfig(w, req, clientID)
	case len(parts) == 2 && parts[1] == "deploy":
		r.handleClientDeploy(w, req, clientID, false)
	case len(parts) == 2 && parts[1] == "redeploy":
		r.handleClientDeploy(w, req, clientID, true)
	case len(parts) == 2 && parts[1] == "deployments":
		r.handleClientDeployments(w, req, clientID)
	case len(parts) == 2 && parts[1] == "audit":
		r.handleClientAudit(w, req, clientID)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleClientByID(w http.ResponseWriter, req *http.Request, clientID string) {
	switch req.Method {
	case http.MethodGet:
		detail, err := r.clients.Get(req.Context(), clientID)
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, detail)
	case http.MethodDelete:
		if err := r.deploy.DeleteClient(req.Context(), clientID); err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleClientConfig(w http.ResponseWriter, req *http.Request, clientID string) {
	if req.Method != http.MethodPut {
		r.methodNotAllowed(w)
		return
	}
	var payload client.ConfigInput
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	detail, err := r.clients.UpdateConfig(req.Context(), clientID, payload)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// handleClientDeploy acknowledges with 202 and runs the attempt in a
// detached goroutine; progress is observable through the ledger and the
// event streams.
func (r *Router) handleClientDeploy(w http.ResponseWriter, req *http.Request, clientID string, redeploy bool) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if _, err := r.clients.Get(req.Context(), clientID); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	route := "deploy"
	if redeploy {
		route = "redeploy"
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.deployTimeout+time.Minute)
		defer cancel()
		var err error
		if redeploy {
			_, err = r.deploy.Redeploy(ctx, clientID)
		} else {
			_, err = r.deploy.Deploy(ctx, clientID)
		}
		switch {
		case err == nil:
			r.recordDeployOutcome(route, "success")
		case errors.Is(err, deploy.ErrDeployInFlight):
			r.recordDeployOutcome(route, "conflict")
		default:
			r.recordDeployOutcome(route, "failed")
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "client_id": clientID})
}

func (r *Router) handleClientDeployments(w http.ResponseWriter, req *http.Request, clientID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	deployments, err := r.deploy.ListDeployments(req.Context(), clientID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, deployments)
}

func (r *Router) handleClientAudit(w http.ResponseWriter, req *http.Request, clientID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 100
	}
	entries, err := r.clients.ListAudit(req.Context(), clientID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (r *Router) handleDeploymentsWS(w http.ResponseWriter, req *http.Request) {
	clientID := req.URL.Query().Get("client_id")
	if clientID == "" {
		writeError(w, http.StatusBadRequest, "client_id query parameter required")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	sub := ws.NewClient(conn, r.logger)
	r.hub.Register(clientID, sub)
	go func() {
		defer func() {
			r.hub.Unregister(clientID, sub)
			sub.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleDeploymentsSSE(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	clientID := req.URL.Query().Get("client_id")
	if clientID == "" {
		writeError(w, http.StatusBadRequest, "client_id query parameter required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := ws.NewSSEClient(w, flusher, r.logger)
	r.hub.Register(clientID, sub)
	defer func() {
		r.hub.Unregister(clientID, sub)
		sub.Close()
	}()

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if err := sub.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
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

func statusFor(err error) int {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, deploy.ErrDeployInFlight):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
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
			actor = "admin"
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
		r.recordRequestMetrics(req.Method, route, status, duration)
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

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
