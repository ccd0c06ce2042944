package session

import (
	"context"

	"github.com/strangerlink/signal-server/internal/matching"
	"github.com/strangerlink/signal-server/internal/metrics"
)

// onSignal forwards a handshake, chat or typing payload to the sender's
// partner. Anything addressed to someone other than the current partner is
// dropped without telling the sender: it is normal for late ICE candidates
// to race a skip.
func (m *Manager) onSignal(ev Signal) {
	if !ev.Kind.Valid() || ev.To == "" {
		m.metrics.Inc(metrics.BadRequest)
		m.notifyError(ev.From, CodeBadRequest, "signal requires a valid kind and recipient")
		return
	}
	pr, ok := m.engine.Pairing(ev.From)
	if !ok || pr.Other(ev.From) != ev.To {
		m.metrics.Inc(metrics.SignalDroppedStale)
		m.log.Debug("dropping signal for stale pairing", "from", ev.From, "to", ev.To, "kind", ev.Kind)
		return
	}

	m.notify(ev.To, Notification{
		Type: NotifySignal,
		Signal: &RelayedSignal{
			Kind:      ev.Kind,
			From:      ev.From,
			Payload:   ev.Payload,
			Timestamp: m.now(),
		},
	})
	m.metrics.Inc(metrics.SignalRelayed)

	switch {
	case ev.Kind == SignalChat:
		pr.RecordMessage()
		m.metrics.Inc(metrics.ChatMessage)
		sessionID := pr.SessionID
		m.record("message_count", sessionID, func(ctx context.Context, r Recorder) error {
			return r.IncrementMessageCount(ctx, sessionID)
		})
	case ev.Kind.Handshake():
		if pr.RecordHandshake(ev.From) {
			m.establish(pr)
		}
	}
}

func (m *Manager) establish(pr *matching.Pairing) {
	for _, id := range []matching.ConnID{pr.A, pr.B} {
		if p, ok := m.participants[id]; ok {
			p.state = StateConnected
			m.recordParticipant(p)
		}
	}
	m.metrics.Inc(metrics.SessionConnected)
	m.log.Debug("session connected", "session_id", pr.SessionID)
}
