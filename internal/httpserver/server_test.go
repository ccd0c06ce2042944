package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/strangerlink/signal-server/internal/config"
	"github.com/strangerlink/signal-server/internal/metrics"
	"github.com/strangerlink/signal-server/internal/session"
	"github.com/strangerlink/signal-server/internal/turnrest"
)

type fakeStats session.Stats

func (f fakeStats) Stats() session.Stats { return session.Stats(f) }

type fakeConns struct{ open, max int }

func (f fakeConns) Connections() int    { return f.open }
func (f fakeConns) MaxConnections() int { return f.max }

func baseConfig() config.Config {
	return config.Config{
		ListenAddr:      "127.0.0.1:0",
		LogFormat:       config.LogFormatText,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: 2 * time.Second,
		Mode:            config.ModeDev,
	}
}

func startTestServer(t *testing.T, cfg config.Config, deps Deps, register ...func(*http.ServeMux)) (baseURL string) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	build := BuildInfo{Commit: "abc", BuildTime: "time"}
	srv := New(cfg, log, build, deps)
	for _, r := range register {
		r(srv.Mux())
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-errCh
	})

	return "http://" + ln.Addr().String()
}

func getJSON(t *testing.T, url string, header http.Header, into any) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if into != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp
}

func TestHealthzReadyzVersion(t *testing.T) {
	baseURL := startTestServer(t, baseConfig(), Deps{})

	t.Run("healthz", func(t *testing.T) {
		var body map[string]any
		resp := getJSON(t, baseURL+"/healthz", nil, &body)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
		if body["ok"] != true {
			t.Fatalf("body=%v, want ok=true", body)
		}
		if resp.Header.Get("X-Request-ID") == "" {
			t.Fatalf("missing X-Request-ID header")
		}
	})

	t.Run("readyz", func(t *testing.T) {
		resp := getJSON(t, baseURL+"/readyz", nil, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
	})

	t.Run("version", func(t *testing.T) {
		var got BuildInfo
		getJSON(t, baseURL+"/version", nil, &got)
		want := BuildInfo{Commit: "abc", BuildTime: "time"}
		if got != want {
			t.Fatalf("got=%+v, want=%+v", got, want)
		}
	})
}

func TestRequestIDIsPropagated(t *testing.T) {
	baseURL := startTestServer(t, baseConfig(), Deps{})
	resp := getJSON(t, baseURL+"/healthz", http.Header{"X-Request-Id": {"req-123"}}, nil)
	if got := resp.Header.Get("X-Request-ID"); got != "req-123" {
		t.Fatalf("X-Request-ID=%q, want %q", got, "req-123")
	}
}

func TestAPIHealthAndStats(t *testing.T) {
	deps := Deps{
		Stats: fakeStats{Waiting: 3, ActivePairings: 2, Participants: 9},
		Conns: fakeConns{open: 11, max: 100},
	}
	baseURL := startTestServer(t, baseConfig(), deps)

	var health struct {
		Status      string    `json:"status"`
		Timestamp   time.Time `json:"timestamp"`
		Connections int       `json:"connections"`
		Queue       struct {
			WaitingUsers int `json:"waitingUsers"`
			ActiveChats  int `json:"activeChats"`
		} `json:"queue"`
	}
	getJSON(t, baseURL+"/api/health", nil, &health)
	if health.Status != "ok" || health.Connections != 11 || health.Queue.WaitingUsers != 3 || health.Queue.ActiveChats != 2 {
		t.Fatalf("health=%+v", health)
	}
	if health.Timestamp.IsZero() {
		t.Fatalf("health timestamp is zero")
	}

	var stats map[string]int
	getJSON(t, baseURL+"/api/stats", nil, &stats)
	want := map[string]int{
		"waitingUsers":      3,
		"activeChats":       2,
		"totalUsers":        9,
		"activeConnections": 11,
		"maxConnections":    100,
	}
	for k, v := range want {
		if stats[k] != v {
			t.Fatalf("stats[%s]=%d, want %d (stats=%v)", k, stats[k], v, stats)
		}
	}
}

func TestAPIStats_NilDepsReportZeros(t *testing.T) {
	baseURL := startTestServer(t, baseConfig(), Deps{})
	var stats map[string]int
	resp := getJSON(t, baseURL+"/api/stats", nil, &stats)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want 200", resp.StatusCode)
	}
	if stats["waitingUsers"] != 0 || stats["maxConnections"] != 0 {
		t.Fatalf("stats=%v, want zeros", stats)
	}
}

func TestICEEndpointSchema(t *testing.T) {
	cfg := baseConfig()
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478?transport=udp"}, Username: "user", Credential: "pass"},
	}
	baseURL := startTestServer(t, cfg, Deps{})

	var payload struct {
		ICEServers []map[string]any `json:"iceServers"`
	}
	resp := getJSON(t, baseURL+"/webrtc/ice", nil, &payload)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if len(payload.ICEServers) != 2 {
		t.Fatalf("expected 2 iceServers, got %d", len(payload.ICEServers))
	}
	if _, ok := payload.ICEServers[0]["urls"]; !ok {
		t.Fatalf("expected urls field on first server: %#v", payload.ICEServers[0])
	}
	if payload.ICEServers[1]["username"] != "user" {
		t.Fatalf("static turn username=%v, want user", payload.ICEServers[1]["username"])
	}
}

func TestICEEndpoint_MintsTURNRESTCredentials(t *testing.T) {
	cfg := baseConfig()
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478"}},
	}
	now := time.Unix(1700000000, 0)
	gen, err := turnrest.NewGenerator(turnrest.Config{
		SharedSecret:   "secret",
		TTL:            time.Hour,
		UsernamePrefix: "strangerlink",
		Now:            func() time.Time { return now },
		NewSessionID:   func() (string, error) { return "fixed", nil },
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	baseURL := startTestServer(t, cfg, Deps{TURN: gen})

	var payload struct {
		ICEServers []struct {
			URLs       []string `json:"urls"`
			Username   string   `json:"username"`
			Credential string   `json:"credential"`
		} `json:"iceServers"`
	}
	resp := getJSON(t, baseURL+"/webrtc/ice", nil, &payload)
	if got := resp.Header.Get("Cache-Control"); got != "no-store" {
		t.Fatalf("Cache-Control=%q, want no-store", got)
	}
	if len(payload.ICEServers) != 2 {
		t.Fatalf("iceServers=%+v", payload.ICEServers)
	}
	if payload.ICEServers[0].Username != "" {
		t.Fatalf("stun entry got credentials: %+v", payload.ICEServers[0])
	}
	turn := payload.ICEServers[1]
	if turn.Username != "1700003600:strangerlink:fixed" {
		t.Fatalf("username=%q", turn.Username)
	}
	if turn.Credential != turnrest.Sign([]byte("secret"), turn.Username) {
		t.Fatalf("credential=%q does not match signature", turn.Credential)
	}
}

func TestICEEndpoint_RejectsCrossOrigin(t *testing.T) {
	cfg := baseConfig()
	cfg.ICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}}
	baseURL := startTestServer(t, cfg, Deps{})

	resp := getJSON(t, baseURL+"/webrtc/ice", http.Header{"Origin": {"https://evil.example.com"}}, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestAPIStats_AllowedOriginGetsCORSHeaders(t *testing.T) {
	cfg := baseConfig()
	cfg.AllowedOrigins = []string{"https://app.example.com"}
	baseURL := startTestServer(t, cfg, Deps{})

	resp := getJSON(t, baseURL+"/api/stats", http.Header{"Origin": {"https://APP.example.com:443"}}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("Access-Control-Allow-Origin=%q", got)
	}
}

func TestReadyzFailsOnInvalidICEConfig(t *testing.T) {
	t.Setenv("STRANGERLINK_ICE_SERVERS_JSON", "[")

	cfg, err := config.Load([]string{"--listen-addr", "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("config.Load returned fatal error: %v", err)
	}
	if cfg.ICEConfigError() == nil {
		t.Fatalf("expected ICE config error to be captured for readiness")
	}

	baseURL := startTestServer(t, cfg, Deps{})

	resp := getJSON(t, baseURL+"/readyz", nil, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	resp = getJSON(t, baseURL+"/webrtc/ice", nil, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("ice status=%d, want 503", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.Inc(metrics.MatchCreated)
	m.Inc(metrics.MatchCreated)
	deps := Deps{
		Stats:   fakeStats{Waiting: 4, ActivePairings: 1},
		Conns:   fakeConns{open: 6},
		Metrics: m,
	}
	baseURL := startTestServer(t, baseConfig(), deps)

	resp, err := http.Get(baseURL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	text := string(body)
	for _, want := range []string{
		`strangerlink_events_total{event="` + metrics.MatchCreated + `"} 2`,
		"strangerlink_waiting_users 4",
		"strangerlink_active_pairings 1",
		"strangerlink_connections 6",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("metrics output missing %q:\n%s", want, text)
		}
	}
}

func TestWebSocketUpgradePassesThroughMiddleware(t *testing.T) {
	upgrader := websocket.Upgrader{}
	baseURL := startTestServer(t, baseConfig(), Deps{}, func(mux *http.ServeMux) {
		mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
			c, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			defer c.Close()
			_ = c.WriteMessage(websocket.TextMessage, []byte("hi"))
		})
	})

	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(baseURL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(msg) != "hi" {
		t.Fatalf("msg=%q, want hi", msg)
	}
}
