package signaling

import (
	"log/slog"
	"sync"

	"github.com/strangerlink/signal-server/internal/matching"
	"github.com/strangerlink/signal-server/internal/metrics"
	"github.com/strangerlink/signal-server/internal/session"
)

// outbox is the write side of one connection as seen by the Hub.
type outbox interface {
	// enqueue must not block. It reports false when the queue is full.
	enqueue(frame []byte) bool
	// overflow is called once enqueue has failed.
	overflow()
}

// Hub routes session notifications to live connections. It implements
// session.Notifier, so Notify runs on the session loop and never blocks.
type Hub struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	mu    sync.RWMutex
	conns map[matching.ConnID]outbox
}

var _ session.Notifier = (*Hub)(nil)

func NewHub(log *slog.Logger, m *metrics.Metrics) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:     log,
		metrics: m,
		conns:   make(map[matching.ConnID]outbox),
	}
}

func (h *Hub) Notify(to matching.ConnID, n session.Notification) {
	h.mu.RLock()
	c, ok := h.conns[to]
	h.mu.RUnlock()
	if !ok {
		return
	}

	frame, err := encodeNotification(n)
	if err != nil {
		h.log.Error("encode notification", "conn_id", to, "type", n.Type, "err", err)
		return
	}
	if !c.enqueue(frame) {
		h.metrics.Inc(metrics.NotifyDropped)
		h.log.Warn("send queue full, closing connection", "conn_id", to, "type", n.Type)
		c.overflow()
	}
}

// Len is the number of registered connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) register(id matching.ConnID, c outbox) {
	h.mu.Lock()
	h.conns[id] = c
	h.mu.Unlock()
}

func (h *Hub) unregister(id matching.ConnID) {
	h.mu.Lock()
	delete(h.conns, id)
	h.mu.Unlock()
}
