package session

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/strangerlink/signal-server/internal/matching"
)

var (
	ErrClosed          = errors.New("session manager closed")
	ErrUnknownIdentity = errors.New("unknown identity")
	// ErrBadRequest wraps every validation failure of an inbound event.
	ErrBadRequest = errors.New("bad request")
)

// State is a participant's position in the session lifecycle.
type State int

const (
	StateIdle State = iota
	StateSearching
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSearching:
		return "searching"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Reason explains a partner-event notification.
type Reason string

const (
	ReasonSkipped      Reason = "skipped"
	ReasonLeft         Reason = "left"
	ReasonDisconnected Reason = "disconnected"
	// ReasonYouSkipped is sent to the participant that initiated a skip.
	ReasonYouSkipped Reason = "you-skipped"
)

// SignalKind identifies a relayed payload.
type SignalKind string

const (
	SignalOffer        SignalKind = "offer"
	SignalAnswer       SignalKind = "answer"
	SignalICECandidate SignalKind = "ice-candidate"
	SignalChat         SignalKind = "chat"
	SignalTyping       SignalKind = "typing"
)

func (k SignalKind) Valid() bool {
	switch k {
	case SignalOffer, SignalAnswer, SignalICECandidate, SignalChat, SignalTyping:
		return true
	default:
		return false
	}
}

// Handshake reports whether k counts towards Connecting -> Connected.
func (k SignalKind) Handshake() bool {
	return k == SignalOffer || k == SignalAnswer || k == SignalICECandidate
}

// NotificationType enumerates outbound notifications.
type NotificationType string

const (
	NotifyHello         NotificationType = "hello"
	NotifySearching     NotificationType = "searching"
	NotifyMatchFound    NotificationType = "match-found"
	NotifyPartnerEvent  NotificationType = "partner-event"
	NotifySearchStopped NotificationType = "search-stopped"
	NotifySignal        NotificationType = "signal"
	NotifyError         NotificationType = "error"
)

const (
	MessageSearching    = "Searching for someone..."
	MessageFoundPartner = "Found someone! Connecting..."
)

// Error codes carried by NotifyError.
const (
	CodeBadRequest       = "bad_request"
	CodeAlreadyInSession = "already_in_session"
	CodeUnknownIdentity  = "unknown_identity"
	CodeInternal         = "internal_error"
)

// Notification is a message from the core to one participant. Only the
// fields relevant to Type are set.
type Notification struct {
	Type NotificationType

	// NotifyHello
	ID      matching.ConnID
	Country string

	// NotifySearching, NotifyError
	Message string
	Code    string

	// NotifyMatchFound
	PartnerID      matching.ConnID
	PartnerCountry string
	SessionID      string

	// NotifyPartnerEvent
	Reason Reason

	// NotifySignal
	Signal *RelayedSignal
}

// RelayedSignal is a payload forwarded verbatim from one partner to the other.
type RelayedSignal struct {
	Kind      SignalKind
	From      matching.ConnID
	Payload   json.RawMessage
	Timestamp time.Time
}

// Notifier delivers notifications. Notify is called from the event loop and
// must not block.
type Notifier interface {
	Notify(to matching.ConnID, n Notification)
}

type NotifierFunc func(to matching.ConnID, n Notification)

func (f NotifierFunc) Notify(to matching.ConnID, n Notification) { f(to, n) }

// Stats are published by the loop after every event.
type Stats struct {
	Waiting        int
	ActivePairings int
	Participants   int
}
