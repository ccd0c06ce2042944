package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/strangerlink/signal-server/internal/config"
	"github.com/strangerlink/signal-server/internal/metrics"
	"github.com/strangerlink/signal-server/internal/session"
	"github.com/strangerlink/signal-server/internal/turnrest"
)

var ErrServerClosed = http.ErrServerClosed

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// StatsSource reports matchmaking state. *session.Manager implements it.
type StatsSource interface {
	Stats() session.Stats
}

// ConnectionCounter reports transport state. *signaling.Server implements
// it.
type ConnectionCounter interface {
	Connections() int
	MaxConnections() int
}

// Deps are the runtime collaborators behind the API endpoints. Nil fields
// report zeros.
type Deps struct {
	Stats   StatsSource
	Conns   ConnectionCounter
	Metrics *metrics.Metrics
	// TURN, when set, mints per-request credentials for /webrtc/ice.
	TURN *turnrest.Generator
}

type Server struct {
	log   *slog.Logger
	cfg   config.Config
	build BuildInfo
	deps  Deps

	ready atomic.Bool

	mux *http.ServeMux
	srv *http.Server
}

func New(cfg config.Config, logger *slog.Logger, build BuildInfo, deps Deps) *Server {
	s := &Server{
		log:   logger,
		cfg:   cfg,
		build: build,
		deps:  deps,
		mux:   http.NewServeMux(),
	}

	s.registerRoutes()

	handler := chain(s.mux,
		recoverMiddleware(s.log),
		requestIDMiddleware(),
		requestLoggerMiddleware(s.log),
	)

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		// Other timeouts stay zero: /ws connections are long-lived.
	}

	return s
}

// Mux returns the underlying ServeMux for registering additional routes.
// It must only be used during startup before Serve is called.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info("http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) Close() error {
	s.ready.Store(false)
	return s.srv.Close()
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	s.mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		if err := s.cfg.ICEConfigError(); err != nil {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "error": err.Error()})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
	})

	s.mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.build)
	})

	s.mux.HandleFunc("GET /api/health", s.withOriginPolicy(s.handleAPIHealth))
	s.mux.HandleFunc("GET /api/stats", s.withOriginPolicy(s.handleAPIStats))
	s.mux.HandleFunc("GET /webrtc/ice", s.withOriginPolicy(s.handleICE))
	s.mux.Handle("GET /metrics", metrics.PrometheusHandler(s.deps.Metrics, s.gauges))
}

type queueStats struct {
	WaitingUsers int `json:"waitingUsers"`
	ActiveChats  int `json:"activeChats"`
}

type healthResponse struct {
	Status      string     `json:"status"`
	Timestamp   time.Time  `json:"timestamp"`
	Connections int        `json:"connections"`
	Queue       queueStats `json:"queue"`
}

type statsResponse struct {
	WaitingUsers      int `json:"waitingUsers"`
	ActiveChats       int `json:"activeChats"`
	TotalUsers        int `json:"totalUsers"`
	ActiveConnections int `json:"activeConnections"`
	MaxConnections    int `json:"maxConnections"`
}

func (s *Server) handleAPIHealth(w http.ResponseWriter, r *http.Request) {
	st := s.stats()
	WriteJSON(w, http.StatusOK, healthResponse{
		Status:      "ok",
		Timestamp:   time.Now().UTC(),
		Connections: s.connections(),
		Queue:       queueStats{WaitingUsers: st.Waiting, ActiveChats: st.ActivePairings},
	})
}

func (s *Server) handleAPIStats(w http.ResponseWriter, r *http.Request) {
	st := s.stats()
	resp := statsResponse{
		WaitingUsers:      st.Waiting,
		ActiveChats:       st.ActivePairings,
		TotalUsers:        st.Participants,
		ActiveConnections: s.connections(),
	}
	if s.deps.Conns != nil {
		resp.MaxConnections = s.deps.Conns.MaxConnections()
	}
	WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.ICEConfigError(); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}
	servers := s.cfg.ICEServers
	if s.deps.TURN != nil {
		creds, err := s.deps.TURN.Random()
		if err != nil {
			s.log.Error("mint turn credentials", "err", err)
			WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to mint turn credentials"})
			return
		}
		servers = turnrest.Apply(servers, creds)
	}
	w.Header().Set("Cache-Control", "no-store")
	WriteJSON(w, http.StatusOK, map[string]any{"iceServers": servers})
}

func (s *Server) gauges() map[string]int64 {
	st := s.stats()
	return map[string]int64{
		"waiting_users":   int64(st.Waiting),
		"active_pairings": int64(st.ActivePairings),
		"connections":     int64(s.connections()),
	}
}

func (s *Server) stats() session.Stats {
	if s.deps.Stats == nil {
		return session.Stats{}
	}
	return s.deps.Stats.Stats()
}

func (s *Server) connections() int {
	if s.deps.Conns == nil {
		return 0
	}
	return s.deps.Conns.Connections()
}

type Middleware func(http.Handler) http.Handler

func chain(handler http.Handler, middlewares ...Middleware) http.Handler {
	h := handler
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

func recoverMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic in http handler", "recover", rec, "stack", string(debug.Stack()))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func requestIDMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				reqID = uuid.NewString()
			}
			r.Header.Set("X-Request-ID", reqID)
			w.Header().Set("X-Request-ID", reqID)
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack lets /ws upgrades pass through the logging middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("httpserver: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func requestLoggerMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(sw, r)

			reqID := r.Header.Get("X-Request-ID")
			logger.Info("http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
				"request_id", reqID,
			)
		})
	}
}

// WriteJSON writes a JSON response body and sets the Content-Type header.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}
