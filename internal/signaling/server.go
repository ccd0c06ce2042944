package signaling

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/strangerlink/signal-server/internal/config"
	"github.com/strangerlink/signal-server/internal/geo"
	"github.com/strangerlink/signal-server/internal/matching"
	"github.com/strangerlink/signal-server/internal/metrics"
	"github.com/strangerlink/signal-server/internal/origin"
	"github.com/strangerlink/signal-server/internal/session"
)

// Sessions accepts events for the session loop. *session.Manager implements
// it.
type Sessions interface {
	Submit(ctx context.Context, ev session.Event) error
}

// Config wires together the runtime dependencies for the signaling service.
// Zero limits take the config package defaults.
type Config struct {
	Sessions   Sessions
	Hub        *Hub
	Authorizer Authorizer
	Resolver   geo.Resolver
	Logger     *slog.Logger
	Metrics    *metrics.Metrics

	AllowedOrigins  []string
	TrustProxy      bool
	StrictSignaling bool

	AuthTimeout  time.Duration
	IdleTimeout  time.Duration
	PingInterval time.Duration
	GeoTimeout   time.Duration

	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	// MaxConnections < 0 disables the cap.
	MaxConnections int
	SendQueueSize  int

	NewConnID func() matching.ConnID
}

// ConfigFrom maps the process configuration onto a signaling Config. The
// collaborators are left for the caller to fill in.
func ConfigFrom(cfg config.Config) Config {
	return Config{
		AllowedOrigins:       cfg.AllowedOrigins,
		TrustProxy:           cfg.TrustProxy,
		StrictSignaling:      cfg.StrictSignaling,
		AuthTimeout:          cfg.SignalingAuthTimeout,
		IdleTimeout:          cfg.WSIdleTimeout,
		PingInterval:         cfg.WSPingInterval,
		GeoTimeout:           cfg.GeoTimeout,
		MaxMessageBytes:      cfg.MaxMessageBytes,
		MaxMessagesPerSecond: cfg.MaxMessagesPerSecond,
		MaxConnections:       cfg.MaxConnections,
		SendQueueSize:        cfg.SendQueueSize,
	}
}

// Server implements the WebSocket signaling surface at GET /ws.
type Server struct {
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.Metrics
	sessions Sessions
	hub      *Hub
	authz    Authorizer
	resolver geo.Resolver
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	active atomic.Int64

	mu    sync.Mutex
	conns map[*wsConn]struct{}
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Hub == nil {
		cfg.Hub = NewHub(cfg.Logger, cfg.Metrics)
	}
	if cfg.Authorizer == nil {
		cfg.Authorizer = AllowAllAuthorizer{}
	}
	if cfg.Resolver == nil {
		cfg.Resolver = geo.NopResolver{}
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = config.DefaultSignalingAuthTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = config.DefaultWSIdleTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = config.DefaultWSPingInterval
	}
	if cfg.GeoTimeout <= 0 {
		cfg.GeoTimeout = config.DefaultGeoTimeout
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = config.DefaultMaxMessageBytes
	}
	if cfg.MaxMessagesPerSecond <= 0 {
		cfg.MaxMessagesPerSecond = config.DefaultMaxMessagesPerSecond
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = config.DefaultMaxConnections
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = config.DefaultSendQueueSize
	}
	if cfg.NewConnID == nil {
		cfg.NewConnID = func() matching.ConnID { return matching.ConnID(uuid.NewString()) }
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		sessions: cfg.Sessions,
		hub:      cfg.Hub,
		authz:    cfg.Authorizer,
		resolver: cfg.Resolver,
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[*wsConn]struct{}),
	}
	allowed := cfg.AllowedOrigins
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return origin.CheckRequest(r, allowed) },
	}
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWebSocket)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Connections is the number of open WebSocket connections, authenticated or
// not.
func (s *Server) Connections() int {
	return int(s.active.Load())
}

func (s *Server) MaxConnections() int {
	return s.cfg.MaxConnections
}

// Close tells every open connection the server is going away and closes it.
// New upgrades are still accepted; stop the listener first.
func (s *Server) Close() {
	s.cancel()

	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.goingAway()
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		http.Error(w, "session manager not configured", http.StatusInternalServerError)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.log.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "err", err)
		return
	}
	s.metrics.Inc(metrics.WSConnectionOpened)

	if n := s.active.Add(1); s.cfg.MaxConnections > 0 && n > int64(s.cfg.MaxConnections) {
		s.active.Add(-1)
		s.metrics.Inc(metrics.ServerFull)
		s.metrics.Inc(metrics.WSConnectionClosed)
		s.log.Warn("rejecting connection, server full", "remote_addr", r.RemoteAddr, "max_connections", s.cfg.MaxConnections)
		rejectServerFull(conn)
		return
	}

	c := newWSConn(s, conn, r)
	s.track(c)
	defer s.untrack(c)
	c.run(s.ctx)
}

func (s *Server) track(c *wsConn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c *wsConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// lookupCountry resolves the detected country of r. Failures are counted and
// leave the country empty, which the session layer treats as unknown.
func (s *Server) lookupCountry(ctx context.Context, r *http.Request) (ip, country string) {
	ip, err := geo.ClientIP(r, s.cfg.TrustProxy)
	if err != nil {
		return "", ""
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.GeoTimeout)
	defer cancel()
	country, err = s.resolver.Country(ctx, ip)
	if err != nil {
		s.metrics.Inc(metrics.GeoLookupError)
		s.log.Debug("geo lookup failed", "remote_addr", ip, "err", err)
		return ip, ""
	}
	return ip, country
}

func rejectServerFull(conn *websocket.Conn) {
	deadline := time.Now().Add(wsWriteWait)
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.WriteMessage(websocket.TextMessage, encodeServerFull())
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server full"), deadline)
	_ = conn.Close()
}
