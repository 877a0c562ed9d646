// Package control provides the daemon control-plane HTTP API.
//
// The server binds to a loopback ephemeral port. Every request passes the
// rate limiter first (to bound abuse even from unauthenticated callers),
// then constant-time token auth, then the handler.
package control

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/wardenlabs/warden/internal/eventlog"
	"github.com/wardenlabs/warden/internal/logging"
)

// TokenHeader carries the shared-secret auth token on every request.
const TokenHeader = "X-Warden-Token"

// Config holds control server settings.
type Config struct {
	Token           string
	RateLimitWindow time.Duration
	RateLimitMax    int
	// ShutdownDelay is how long POST /stop waits before triggering shutdown,
	// letting the response flush.
	ShutdownDelay time.Duration
}

// Server exposes the session registry and lifecycle operations over HTTP.
type Server struct {
	cfg     Config
	hooks   Hooks
	limiter *rateLimiter

	// Events, when set, backs POST /events.
	events *eventlog.Log

	mu       sync.Mutex
	sessions map[int]*Session // keyed by PID

	listener  net.Listener
	httpSrv   *http.Server
	startTime time.Time
}

// NewServer creates a control server. events may be nil.
func NewServer(cfg Config, hooks Hooks, events *eventlog.Log) *Server {
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.RateLimitMax <= 0 {
		cfg.RateLimitMax = 300
	}
	if cfg.ShutdownDelay <= 0 {
		cfg.ShutdownDelay = 250 * time.Millisecond
	}
	return &Server{
		cfg:      cfg,
		hooks:    hooks,
		events:   events,
		limiter:  newRateLimiter(cfg.RateLimitWindow, cfg.RateLimitMax),
		sessions: make(map[int]*Session),
	}
}

// Start binds 127.0.0.1 on an ephemeral port and begins serving.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("bind control port: %w", err)
	}
	s.listener = listener
	s.startTime = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /session-started", s.handleSessionStarted)
	mux.HandleFunc("POST /list", s.handleList)
	mux.HandleFunc("POST /stop-session", s.handleStopSession)
	mux.HandleFunc("POST /spawn-session", s.handleSpawnSession)
	mux.HandleFunc("POST /stop", s.handleStop)
	mux.HandleFunc("POST /events", s.handleEvents)
	mux.HandleFunc("GET /health", s.handleHealth)

	s.httpSrv = &http.Server{
		Handler:           s.guard(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("control server stopped", "error", err)
		}
	}()
	return nil
}

// Port returns the bound port. Valid after Start.
func (s *Server) Port() int {
	if s.listener == nil {
		return 0
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Stop shuts the server down, waiting for in-flight requests up to ctx.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// guard applies rate limiting, then auth, before any business logic.
func (s *Server) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		now := time.Now()
		allowed, retryAfter := s.limiter.allow(now)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(s.cfg.RateLimitMax))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(s.limiter.remaining(now)))
		if !allowed {
			secs := int(retryAfter.Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
			return
		}

		if !s.authorized(r) {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "unauthorized"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// authorized requires exactly one token header matching the shared secret.
// Comparison is constant time over digests so wrong-length tokens leak
// nothing either.
func (s *Server) authorized(r *http.Request) bool {
	values := r.Header.Values(TokenHeader)
	if len(values) != 1 {
		return false
	}
	want := sha256.Sum256([]byte(s.cfg.Token))
	got := sha256.Sum256([]byte(values[0]))
	return subtle.ConstantTimeCompare(want[:], got[:]) == 1
}

// Track registers or updates a session in the registry.
func (s *Server) Track(sess Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[sess.PID]; ok {
		if sess.SessionID != "" {
			existing.SessionID = sess.SessionID
		}
		return
	}
	copied := sess
	s.sessions[sess.PID] = &copied
}

// Untrack removes a session once its process is confirmed stopped.
func (s *Server) Untrack(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, pid)
}

// Sessions returns a snapshot of tracked sessions with a known session id.
func (s *Server) Sessions() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.SessionID != "" {
			out = append(out, *sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

func (s *Server) handleSessionStarted(w http.ResponseWriter, r *http.Request) {
	var req sessionStartedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	startedBy := req.StartedBy
	if startedBy == "" {
		startedBy = StartedByTerminal
	}
	sess := Session{StartedBy: startedBy, SessionID: req.SessionID, PID: req.PID}
	s.Track(sess)
	s.hooks.SessionStarted(sess)

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Sessions())
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	var req stopSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	stopped := s.hooks.StopSession(req.SessionID)
	writeJSON(w, http.StatusOK, map[string]bool{"success": stopped})
}

func (s *Server) handleSpawnSession(w http.ResponseWriter, r *http.Request) {
	var req spawnSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	res := s.hooks.SpawnSession(req.Directory, req.SessionID)
	switch {
	case res.NeedsApproval:
		writeJSON(w, http.StatusConflict, map[string]any{
			"requiresUserApproval": true,
			"directory":            req.Directory,
		})
	case res.Err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": res.Err.Error()})
	default:
		s.Track(Session{StartedBy: StartedByDaemon, SessionID: res.SessionID, PID: res.PID})
		writeJSON(w, http.StatusOK, map[string]string{"sessionId": res.SessionID})
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	// Delay so the response flushes before the daemon tears the server down.
	time.AfterFunc(s.cfg.ShutdownDelay, s.hooks.RequestShutdown)
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var req eventsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if s.events == nil {
		writeJSON(w, http.StatusOK, []eventlog.Event{})
		return
	}
	limit := req.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	events, err := s.events.Recent(r.Context(), req.SessionID, limit)
	if err != nil {
		logging.Error("event log query failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "event log unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	utilization := 0.0
	if ms.HeapSys > 0 {
		utilization = float64(ms.HeapAlloc) / float64(ms.HeapSys)
	}

	status := "healthy"
	switch {
	case utilization > 0.90:
		status = "unhealthy"
	case utilization > 0.75:
		status = "degraded"
	}

	s.mu.Lock()
	sessionCount := len(s.sessions)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:        status,
		UptimeSeconds: time.Since(s.startTime).Seconds(),
		SessionCount:  sessionCount,
		Memory: MemoryStats{
			HeapAllocBytes:  ms.HeapAlloc,
			HeapSysBytes:    ms.HeapSys,
			HeapUtilization: utilization,
			NumGoroutine:    runtime.NumGoroutine(),
		},
		RateLimit: s.limiter.snapshot(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Debug("response encode failed", "error", err)
	}
}
