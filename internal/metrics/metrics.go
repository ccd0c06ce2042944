package metrics

import "sync"

// Counter names shared across packages.
const (
	SearchStarted      = "search_started"
	MatchCreated       = "match_created"
	SweepMatchCreated  = "sweep_match_created"
	SessionConnected   = "session_connected"
	SessionEndSkipped  = "session_end_skipped"
	SessionEndLeft     = "session_end_left"
	SessionEndDisconn  = "session_end_disconnected"
	SignalRelayed      = "signal_relayed"
	SignalDroppedStale = "signal_dropped_stale"
	ChatMessage        = "chat_message"
	BadRequest         = "bad_request"
	EventPanic         = "event_panic"
	PersistenceError   = "persistence_error"
	TelemetryDropped   = "telemetry_dropped"
	NotifyDropped      = "notify_dropped"

	AuthFailure           = "auth_failure"
	BadMessage            = "bad_message"
	ServerFull            = "server_full"
	WSConnectionOpened    = "ws_connection_opened"
	WSConnectionClosed    = "ws_connection_closed"
	GeoLookupError        = "geo_lookup_error"
	DropReasonRateLimited = "rate_limited"
)

// Metrics is a minimal, concurrency-safe counter registry.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

// Inc is safe to call on a nil *Metrics.
func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += n
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
