package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/pion/ice/v4"
	"github.com/pion/webrtc/v4"

	"github.com/strangerlink/signal-server/internal/matching"
	"github.com/strangerlink/signal-server/internal/session"
)

// Client to server.
const (
	TypeAuth         = "auth"
	TypeStartSearch  = "start-search"
	TypeSkipPartner  = "skip-partner"
	TypeStopSearch   = "stop-search"
	TypeWebRTCOffer  = "webrtc-offer"
	TypeWebRTCAnswer = "webrtc-answer"
	TypeICECandidate = "ice-candidate"
	TypeChatMessage  = "chat-message"
	TypeTyping       = "typing"
)

// Server to client. The relay types above are reused with "from" instead of
// "to".
const (
	TypeHello               = "hello"
	TypeSearching           = "searching"
	TypeMatchFound          = "match-found"
	TypePartnerDisconnected = "partner-disconnected"
	TypeSearchStopped       = "search-stopped"
	TypePartnerTyping       = "partner-typing"
	TypeError               = "error"
	TypeServerFull          = "server-full"
)

const MaxChatMessageBytes = 1000

// Error codes owned by the transport. Codes from the session layer pass
// through unchanged.
const (
	CodeBadMessage   = "bad_message"
	CodeBadRequest   = session.CodeBadRequest
	CodeUnauthorized = "unauthorized"
	CodeRateLimited  = "rate_limited"
	CodeShuttingDown = "shutting_down"
)

const (
	MessageServerFull = "Server is full, please try again later"

	messageAuthRequired = "authentication required"
	messageAuthTimeout  = "authentication timeout"
	messageUnauthorized = "unauthorized"
	messageNotTextFrame = "expected text message"
	messageRateLimited  = "rate limit exceeded"
	messageIdleTimeout  = "idle timeout"
	messageShuttingDown = "server shutting down"
	messageSlowConsumer = "send queue overflow"
)

// ProtocolError rejects one inbound frame. The connection stays open.
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string { return e.Code + ": " + e.Message }

func badMessage(format string, args ...any) error {
	return &ProtocolError{Code: CodeBadMessage, Message: fmt.Sprintf(format, args...)}
}

func badRequest(format string, args ...any) error {
	return &ProtocolError{Code: CodeBadRequest, Message: fmt.Sprintf(format, args...)}
}

type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

type Credentials struct {
	APIKey string `json:"apiKey,omitempty"`
	Token  string `json:"token,omitempty"`
}

type Preferences struct {
	Gender  string `json:"gender,omitempty"`
	Country string `json:"country,omitempty"`
}

// Wire shapes of the inbound frames.
type (
	envelope struct {
		Type string `json:"type"`
	}
	authFrame struct {
		Type string `json:"type"`
		Credentials
	}
	startSearchFrame struct {
		Type        string       `json:"type"`
		Gender      string       `json:"gender,omitempty"`
		Country     string       `json:"country,omitempty"`
		Interests   []string     `json:"interests,omitempty"`
		Preferences *Preferences `json:"preferences,omitempty"`
	}
	offerFrame struct {
		Type  string          `json:"type"`
		To    string          `json:"to"`
		Offer json.RawMessage `json:"offer"`
	}
	answerFrame struct {
		Type   string          `json:"type"`
		To     string          `json:"to"`
		Answer json.RawMessage `json:"answer"`
	}
	candidateFrame struct {
		Type      string          `json:"type"`
		To        string          `json:"to"`
		Candidate json.RawMessage `json:"candidate"`
	}
	chatFrame struct {
		Type    string `json:"type"`
		To      string `json:"to"`
		Message string `json:"message"`
	}
	typingFrame struct {
		Type     string `json:"type"`
		To       string `json:"to"`
		IsTyping *bool  `json:"isTyping"`
	}
)

// ClientMessage is a validated inbound frame. Exactly one of Auth, Search and
// Signal is set for the types that carry a body.
type ClientMessage struct {
	Type string

	Auth   *Credentials
	Search *session.SearchRequest
	Signal *RelaySignal
}

// RelaySignal is the partner-addressed part of a relay frame. Payload is the
// JSON value that is forwarded to the partner.
type RelaySignal struct {
	To      matching.ConnID
	Kind    session.SignalKind
	Payload json.RawMessage
}

// ParseClientMessage decodes one text frame. Unknown fields and trailing
// data are rejected. With strict set, SDP and ICE candidates must parse.
func ParseClientMessage(data []byte, strict bool) (ClientMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ClientMessage{}, badMessage("invalid json: %v", err)
	}
	msg := ClientMessage{Type: env.Type}

	switch env.Type {
	case TypeAuth:
		var f authFrame
		if err := decodeStrictJSON(data, &f); err != nil {
			return ClientMessage{}, badMessage("%v", err)
		}
		if f.APIKey == "" && f.Token == "" {
			return ClientMessage{}, badMessage("auth message missing apiKey/token")
		}
		if f.APIKey != "" && f.Token != "" && f.APIKey != f.Token {
			return ClientMessage{}, badMessage("auth message must not include both apiKey and token unless they match")
		}
		msg.Auth = &f.Credentials

	case TypeStartSearch:
		var f startSearchFrame
		if err := decodeStrictJSON(data, &f); err != nil {
			return ClientMessage{}, badMessage("%v", err)
		}
		req := session.SearchRequest{
			Gender:    f.Gender,
			Country:   f.Country,
			Interests: f.Interests,
		}
		if f.Preferences != nil {
			req.PreferredGender = f.Preferences.Gender
			req.PreferredCountry = f.Preferences.Country
		}
		msg.Search = &req

	case TypeSkipPartner, TypeStopSearch:
		if err := decodeStrictJSON(data, &envelope{}); err != nil {
			return ClientMessage{}, badMessage("%v", err)
		}

	case TypeWebRTCOffer:
		var f offerFrame
		if err := decodeStrictJSON(data, &f); err != nil {
			return ClientMessage{}, badMessage("%v", err)
		}
		if err := validateDescription(f.Offer, webrtc.SDPTypeOffer, strict); err != nil {
			return ClientMessage{}, err
		}
		return withSignal(msg, f.To, session.SignalOffer, f.Offer)

	case TypeWebRTCAnswer:
		var f answerFrame
		if err := decodeStrictJSON(data, &f); err != nil {
			return ClientMessage{}, badMessage("%v", err)
		}
		if err := validateDescription(f.Answer, webrtc.SDPTypeAnswer, strict); err != nil {
			return ClientMessage{}, err
		}
		return withSignal(msg, f.To, session.SignalAnswer, f.Answer)

	case TypeICECandidate:
		var f candidateFrame
		if err := decodeStrictJSON(data, &f); err != nil {
			return ClientMessage{}, badMessage("%v", err)
		}
		if err := validateCandidate(f.Candidate, strict); err != nil {
			return ClientMessage{}, err
		}
		return withSignal(msg, f.To, session.SignalICECandidate, f.Candidate)

	case TypeChatMessage:
		var f chatFrame
		if err := decodeStrictJSON(data, &f); err != nil {
			return ClientMessage{}, badMessage("%v", err)
		}
		// Limits apply to the trimmed text; the original is relayed.
		text := strings.TrimSpace(f.Message)
		if text == "" {
			return ClientMessage{}, badRequest("chat message is empty")
		}
		if len(text) > MaxChatMessageBytes {
			return ClientMessage{}, badRequest("chat message longer than %d bytes", MaxChatMessageBytes)
		}
		payload, _ := json.Marshal(f.Message)
		return withSignal(msg, f.To, session.SignalChat, payload)

	case TypeTyping:
		var f typingFrame
		if err := decodeStrictJSON(data, &f); err != nil {
			return ClientMessage{}, badMessage("%v", err)
		}
		if f.IsTyping == nil {
			return ClientMessage{}, badRequest("typing message missing isTyping")
		}
		payload, _ := json.Marshal(*f.IsTyping)
		return withSignal(msg, f.To, session.SignalTyping, payload)

	case "":
		return ClientMessage{}, badMessage("message missing type")
	default:
		return ClientMessage{}, badMessage("unsupported message type %q", env.Type)
	}
	return msg, nil
}

func withSignal(msg ClientMessage, to string, kind session.SignalKind, payload json.RawMessage) (ClientMessage, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return ClientMessage{}, badRequest("%s message missing to", msg.Type)
	}
	msg.Signal = &RelaySignal{To: matching.ConnID(to), Kind: kind, Payload: payload}
	return msg, nil
}

func validateDescription(raw json.RawMessage, want webrtc.SDPType, strict bool) error {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return badRequest("missing %s", want)
	}
	var desc SessionDescription
	if err := decodeStrictJSON(raw, &desc); err != nil {
		return badMessage("invalid %s: %v", want, err)
	}
	if desc.Type != want.String() {
		return badMessage("%s has type %q", want, desc.Type)
	}
	if desc.SDP == "" {
		return badMessage("%s missing sdp", want)
	}
	if strict {
		sd := webrtc.SessionDescription{Type: want, SDP: desc.SDP}
		if _, err := sd.Unmarshal(); err != nil {
			return badMessage("invalid %s sdp: %v", want, err)
		}
	}
	return nil
}

// validateCandidate accepts an empty candidate string, which browsers send
// to signal end-of-candidates.
func validateCandidate(raw json.RawMessage, strict bool) error {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return badRequest("missing candidate")
	}
	var c Candidate
	if err := decodeStrictJSON(raw, &c); err != nil {
		return badMessage("invalid candidate: %v", err)
	}
	if !strict || c.Candidate == "" {
		return nil
	}
	if _, err := ice.UnmarshalCandidate(strings.TrimPrefix(c.Candidate, "candidate:")); err != nil {
		return badMessage("invalid ice candidate: %v", err)
	}
	return nil
}

// Event converts m into the session event it stands for. Auth frames have no
// event and return nil.
func (m ClientMessage) Event(from matching.ConnID) session.Event {
	switch {
	case m.Search != nil:
		return session.StartSearch{ID: from, Request: *m.Search}
	case m.Signal != nil:
		return session.Signal{From: from, To: m.Signal.To, Kind: m.Signal.Kind, Payload: m.Signal.Payload}
	case m.Type == TypeSkipPartner:
		return session.Skip{ID: from}
	case m.Type == TypeStopSearch:
		return session.Stop{ID: from}
	default:
		return nil
	}
}

func decodeStrictJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	return expectEOF(dec)
}

func expectEOF(dec *json.Decoder) error {
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("unexpected trailing data")
	}
	return nil
}
