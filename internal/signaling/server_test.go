package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/strangerlink/signal-server/internal/matching"
	"github.com/strangerlink/signal-server/internal/metrics"
	"github.com/strangerlink/signal-server/internal/session"
)

type testServer struct {
	srv     *Server
	mgr     *session.Manager
	hub     *Hub
	metrics *metrics.Metrics
	ts      *httptest.Server
	wsURL   string
}

func newTestServer(t *testing.T, mutate func(*Config)) *testServer {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	hub := NewHub(log, m)

	var sessionN atomic.Int64
	mgrCfg := session.Config{
		Notifier: hub,
		Logger:   log,
		Metrics:  m,
		NewSessionID: func() string {
			return fmt.Sprintf("session-%d", sessionN.Add(1))
		},
	}
	mgr := session.NewManager(mgrCfg)
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = mgr.Run(ctx)
	}()

	var connN atomic.Int64
	cfg := Config{
		Sessions:        mgr,
		Hub:             hub,
		Logger:          log,
		Metrics:         m,
		StrictSignaling: true,
		NewConnID: func() matching.ConnID {
			return matching.ConnID(fmt.Sprintf("conn-%d", connN.Add(1)))
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv := NewServer(cfg)
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		srv.Close()
		ts.Close()
		cancel()
		<-runDone
	})

	return &testServer{
		srv:     srv,
		mgr:     mgr,
		hub:     hub,
		metrics: m,
		ts:      ts,
		wsURL:   "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
	}
}

func (s *testServer) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := s.wsURL
	if query != "" {
		url += "?" + query
	}
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type frame map[string]any

func (f frame) str(key string) string {
	s, _ := f[key].(string)
	return s
}

func readFrame(t *testing.T, c *websocket.Conn) frame {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return f
}

func expectFrame(t *testing.T, c *websocket.Conn, wantType string) frame {
	t.Helper()
	f := readFrame(t, c)
	if got := f.str("type"); got != wantType {
		t.Fatalf("frame type=%q, want %q (frame=%v)", got, wantType, f)
	}
	return f
}

func expectClose(t *testing.T, c *websocket.Conn, wantCode int) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := c.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, wantCode) {
			t.Fatalf("read err=%v, want close %d", err, wantCode)
		}
		return
	}
}

func send(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	if err := c.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

const testOfferSDP = "v=0\r\no=- 4215775240449105457 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

// pairClients connects two clients and drives them to match-found.
func pairClients(t *testing.T, s *testServer) (a, b *websocket.Conn, aID, bID string) {
	t.Helper()

	a = s.dial(t, "")
	aID = expectFrame(t, a, TypeHello).str("id")
	send(t, a, map[string]any{"type": TypeStartSearch, "country": "de"})
	if msg := expectFrame(t, a, TypeSearching).str("message"); msg != session.MessageSearching {
		t.Fatalf("searching message=%q, want %q", msg, session.MessageSearching)
	}

	b = s.dial(t, "")
	bID = expectFrame(t, b, TypeHello).str("id")
	send(t, b, map[string]any{"type": TypeStartSearch, "country": "fr"})

	for _, c := range []*websocket.Conn{a, b} {
		if msg := expectFrame(t, c, TypeSearching).str("message"); msg != session.MessageFoundPartner {
			t.Fatalf("searching message=%q, want %q", msg, session.MessageFoundPartner)
		}
	}

	fa := expectFrame(t, a, TypeMatchFound)
	fb := expectFrame(t, b, TypeMatchFound)
	if fa.str("partnerId") != bID || fb.str("partnerId") != aID {
		t.Fatalf("partner ids a=%v b=%v, want %q/%q", fa, fb, bID, aID)
	}
	if fa.str("partnerCountry") != "FR" || fb.str("partnerCountry") != "DE" {
		t.Fatalf("partner countries a=%v b=%v", fa, fb)
	}
	if fa.str("sessionId") == "" || fa.str("sessionId") != fb.str("sessionId") {
		t.Fatalf("session ids differ: %v vs %v", fa, fb)
	}
	return a, b, aID, bID
}

func TestServer_HelloCarriesIDAndUnknownCountry(t *testing.T) {
	s := newTestServer(t, nil)
	c := s.dial(t, "")
	f := expectFrame(t, c, TypeHello)
	if f.str("id") != "conn-1" {
		t.Fatalf("id=%q, want %q", f.str("id"), "conn-1")
	}
	if f.str("country") != matching.CountryUnknown {
		t.Fatalf("country=%q, want %q", f.str("country"), matching.CountryUnknown)
	}
}

func TestServer_MatchAndRelay(t *testing.T) {
	s := newTestServer(t, nil)
	a, b, aID, bID := pairClients(t, s)

	send(t, a, map[string]any{
		"type":  TypeWebRTCOffer,
		"to":    bID,
		"offer": map[string]any{"type": "offer", "sdp": testOfferSDP},
	})
	f := expectFrame(t, b, TypeWebRTCOffer)
	if f.str("from") != aID {
		t.Fatalf("from=%q, want %q", f.str("from"), aID)
	}
	offer, _ := f["offer"].(map[string]any)
	if offer["sdp"] != testOfferSDP {
		t.Fatalf("offer not forwarded verbatim: %v", f)
	}

	send(t, b, map[string]any{
		"type":      TypeICECandidate,
		"to":        aID,
		"candidate": map[string]any{"candidate": "candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host", "sdpMid": "0", "sdpMLineIndex": 0},
	})
	f = expectFrame(t, a, TypeICECandidate)
	if f.str("from") != bID {
		t.Fatalf("from=%q, want %q", f.str("from"), bID)
	}

	send(t, a, map[string]any{"type": TypeChatMessage, "to": bID, "message": "  hi there  "})
	f = expectFrame(t, b, TypeChatMessage)
	if f.str("message") != "  hi there  " {
		t.Fatalf("message=%q, want verbatim %q", f.str("message"), "  hi there  ")
	}
	if ts, _ := f["timestamp"].(float64); ts <= 0 {
		t.Fatalf("timestamp=%v, want > 0", f["timestamp"])
	}

	send(t, b, map[string]any{"type": TypeTyping, "to": aID, "isTyping": false})
	f = expectFrame(t, a, TypePartnerTyping)
	if typing, ok := f["isTyping"].(bool); !ok || typing {
		t.Fatalf("isTyping=%v, want false", f["isTyping"])
	}

	// The loop handles events in order, so once this error arrives every
	// relay above has been counted.
	send(t, a, map[string]any{"type": TypeStartSearch})
	if code := expectFrame(t, a, TypeError).str("code"); code != session.CodeAlreadyInSession {
		t.Fatalf("code=%q, want %q", code, session.CodeAlreadyInSession)
	}
	if got := s.metrics.Get(metrics.SignalRelayed); got != 4 {
		t.Fatalf("signal_relayed=%d, want 4", got)
	}
}

func TestServer_SkipNotifiesBothAndDropsStaleRelay(t *testing.T) {
	s := newTestServer(t, nil)
	a, b, aID, _ := pairClients(t, s)

	send(t, a, map[string]any{"type": TypeSkipPartner})
	if r := expectFrame(t, b, TypePartnerDisconnected).str("reason"); r != string(session.ReasonSkipped) {
		t.Fatalf("partner reason=%q, want %q", r, session.ReasonSkipped)
	}
	if r := expectFrame(t, a, TypePartnerDisconnected).str("reason"); r != string(session.ReasonYouSkipped) {
		t.Fatalf("initiator reason=%q, want %q", r, session.ReasonYouSkipped)
	}

	// b still thinks a is its partner.
	send(t, b, map[string]any{"type": TypeChatMessage, "to": aID, "message": "late"})
	// Round-trip a stop so the relay has been processed before checking.
	send(t, b, map[string]any{"type": TypeStopSearch})
	expectFrame(t, b, TypeSearchStopped)

	if got := s.metrics.Get(metrics.SignalDroppedStale); got != 1 {
		t.Fatalf("signal_dropped_stale=%d, want 1", got)
	}
}

func TestServer_DisconnectNotifiesPartner(t *testing.T) {
	s := newTestServer(t, nil)
	a, b, _, _ := pairClients(t, s)

	_ = a.Close()
	if r := expectFrame(t, b, TypePartnerDisconnected).str("reason"); r != string(session.ReasonDisconnected) {
		t.Fatalf("reason=%q, want %q", r, session.ReasonDisconnected)
	}
}

func TestServer_MalformedFramesKeepConnectionOpen(t *testing.T) {
	s := newTestServer(t, nil)
	c := s.dial(t, "")
	expectFrame(t, c, TypeHello)

	cases := []struct {
		frame string
		code  string
	}{
		{`{"type":"nope"}`, CodeBadMessage},
		{`{"type":"start-search","extra":1}`, CodeBadMessage},
		{`not json`, CodeBadMessage},
		{`{"type":"chat-message","to":"x","message":"   "}`, CodeBadRequest},
		{`{"type":"webrtc-offer","to":"x","offer":{"type":"offer","sdp":"garbage"}}`, CodeBadMessage},
		{`{"type":"start-search","gender":"robot"}`, CodeBadRequest},
	}
	for _, tc := range cases {
		if err := c.WriteMessage(websocket.TextMessage, []byte(tc.frame)); err != nil {
			t.Fatalf("write: %v", err)
		}
		f := expectFrame(t, c, TypeError)
		if f.str("code") != tc.code {
			t.Fatalf("frame %s: code=%q, want %q", tc.frame, f.str("code"), tc.code)
		}
	}

	send(t, c, map[string]any{"type": TypeStartSearch})
	expectFrame(t, c, TypeSearching)
}

func TestServer_BinaryFrameCloses(t *testing.T) {
	s := newTestServer(t, nil)
	c := s.dial(t, "")
	expectFrame(t, c, TypeHello)

	if err := c.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if code := expectFrame(t, c, TypeError).str("code"); code != CodeBadMessage {
		t.Fatalf("code=%q, want %q", code, CodeBadMessage)
	}
	expectClose(t, c, websocket.CloseUnsupportedData)
}

func TestServer_OversizeMessageCloses(t *testing.T) {
	s := newTestServer(t, func(cfg *Config) { cfg.MaxMessageBytes = 128 })
	c := s.dial(t, "")
	expectFrame(t, c, TypeHello)

	big := fmt.Sprintf(`{"type":"chat-message","to":"x","message":%q}`, strings.Repeat("a", 512))
	if err := c.WriteMessage(websocket.TextMessage, []byte(big)); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectClose(t, c, websocket.CloseMessageTooBig)
}

func TestServer_RateLimitCloses(t *testing.T) {
	s := newTestServer(t, func(cfg *Config) { cfg.MaxMessagesPerSecond = 2 })
	c := s.dial(t, "")
	expectFrame(t, c, TypeHello)

	for i := 0; i < 3; i++ {
		send(t, c, map[string]any{"type": TypeStopSearch})
	}
	expectFrame(t, c, TypeSearchStopped)
	expectFrame(t, c, TypeSearchStopped)
	if code := expectFrame(t, c, TypeError).str("code"); code != CodeRateLimited {
		t.Fatalf("code=%q, want %q", code, CodeRateLimited)
	}
	expectClose(t, c, websocket.ClosePolicyViolation)
	if got := s.metrics.Get(metrics.DropReasonRateLimited); got != 1 {
		t.Fatalf("rate_limited=%d, want 1", got)
	}
}

func TestServer_ServerFull(t *testing.T) {
	s := newTestServer(t, func(cfg *Config) { cfg.MaxConnections = 1 })
	first := s.dial(t, "")
	expectFrame(t, first, TypeHello)

	second := s.dial(t, "")
	f := expectFrame(t, second, TypeServerFull)
	if f.str("message") != MessageServerFull {
		t.Fatalf("message=%q, want %q", f.str("message"), MessageServerFull)
	}
	expectClose(t, second, websocket.CloseTryAgainLater)

	if got := s.metrics.Get(metrics.ServerFull); got != 1 {
		t.Fatalf("server_full=%d, want 1", got)
	}
	if got := s.srv.Connections(); got != 1 {
		t.Fatalf("Connections()=%d, want 1", got)
	}
}

func TestServer_RejectsCrossOrigin(t *testing.T) {
	s := newTestServer(t, func(cfg *Config) { cfg.AllowedOrigins = []string{"https://app.example.com"} })

	header := http.Header{"Origin": {"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(s.wsURL, header)
	if err == nil {
		t.Fatalf("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("resp=%v, want 403", resp)
	}

	header.Set("Origin", "https://app.example.com")
	c, _, err := websocket.DefaultDialer.Dial(s.wsURL, header)
	if err != nil {
		t.Fatalf("dial allowed origin: %v", err)
	}
	defer c.Close()
	expectFrame(t, c, TypeHello)
}

func TestServer_ShutdownClosesGoingAway(t *testing.T) {
	s := newTestServer(t, nil)
	c := s.dial(t, "")
	expectFrame(t, c, TypeHello)

	s.srv.Close()
	expectClose(t, c, websocket.CloseGoingAway)
}
