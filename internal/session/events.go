package session

import (
	"encoding/json"

	"github.com/strangerlink/signal-server/internal/matching"
)

// Event is an input to the Manager's loop.
type Event interface {
	isEvent()
}

// Connect registers a new transport connection.
type Connect struct {
	ID         matching.ConnID
	Country    string
	RemoteAddr string
}

// StartSearch enters (or refreshes) the waiting pool.
type StartSearch struct {
	ID      matching.ConnID
	Request SearchRequest
}

// Skip ends the current pairing and searches again after a short delay.
type Skip struct {
	ID matching.ConnID
}

// Stop ends the current pairing or search without searching again.
type Stop struct {
	ID matching.ConnID
}

// Disconnect is generated by the transport when the connection is gone.
type Disconnect struct {
	ID matching.ConnID
}

// Signal relays Payload from From to To if they are currently paired.
type Signal struct {
	From    matching.ConnID
	To      matching.ConnID
	Kind    SignalKind
	Payload json.RawMessage
}

// Barrier closes Done once every event submitted before it has been applied.
// Notifications those events produced have been handed to the Notifier by
// then.
type Barrier struct {
	Done chan struct{}
}

// Loop-internal events.
type (
	matchReady struct {
		sessionID string
		a, b      matching.ConnID
	}
	requeue struct {
		id    matching.ConnID
		epoch uint64
	}
	sweepTick struct{}
)

func (Connect) isEvent() {}
func (StartSearch) isEvent() {}
func (Skip) isEvent() {}
func (Stop) isEvent() {}
func (Disconnect) isEvent() {}
func (Signal) isEvent() {}
func (Barrier) isEvent() {}
func (matchReady) isEvent() {}
func (requeue) isEvent() {}
func (sweepTick) isEvent() {}
