package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/strangerlink/signal-server/internal/session"
)

type (
	helloFrame struct {
		Type    string `json:"type"`
		ID      string `json:"id"`
		Country string `json:"country"`
	}
	noticeFrame struct {
		Type    string `json:"type"`
		Message string `json:"message,omitempty"`
	}
	matchFoundFrame struct {
		Type           string `json:"type"`
		PartnerID      string `json:"partnerId"`
		PartnerCountry string `json:"partnerCountry"`
		SessionID      string `json:"sessionId"`
	}
	partnerDisconnectedFrame struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	}
	errorFrame struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	// relayFrame carries a partner payload; only the field for Type is set.
	relayFrame struct {
		Type      string          `json:"type"`
		From      string          `json:"from"`
		Offer     json.RawMessage `json:"offer,omitempty"`
		Answer    json.RawMessage `json:"answer,omitempty"`
		Candidate json.RawMessage `json:"candidate,omitempty"`
		Message   json.RawMessage `json:"message,omitempty"`
		IsTyping  json.RawMessage `json:"isTyping,omitempty"`
		Timestamp int64           `json:"timestamp,omitempty"`
	}
)

func encodeNotification(n session.Notification) ([]byte, error) {
	var frame any
	switch n.Type {
	case session.NotifyHello:
		frame = helloFrame{Type: TypeHello, ID: string(n.ID), Country: n.Country}
	case session.NotifySearching:
		frame = noticeFrame{Type: TypeSearching, Message: n.Message}
	case session.NotifyMatchFound:
		frame = matchFoundFrame{
			Type:           TypeMatchFound,
			PartnerID:      string(n.PartnerID),
			PartnerCountry: n.PartnerCountry,
			SessionID:      n.SessionID,
		}
	case session.NotifyPartnerEvent:
		frame = partnerDisconnectedFrame{Type: TypePartnerDisconnected, Reason: string(n.Reason)}
	case session.NotifySearchStopped:
		frame = noticeFrame{Type: TypeSearchStopped}
	case session.NotifyError:
		frame = errorFrame{Type: TypeError, Code: n.Code, Message: n.Message}
	case session.NotifySignal:
		if n.Signal == nil {
			return nil, fmt.Errorf("signal notification without payload")
		}
		f, err := relayFrameFor(n.Signal)
		if err != nil {
			return nil, err
		}
		frame = f
	default:
		return nil, fmt.Errorf("unsupported notification type %q", n.Type)
	}
	return json.Marshal(frame)
}

func relayFrameFor(sig *session.RelayedSignal) (relayFrame, error) {
	f := relayFrame{From: string(sig.From)}
	switch sig.Kind {
	case session.SignalOffer:
		f.Type, f.Offer = TypeWebRTCOffer, sig.Payload
	case session.SignalAnswer:
		f.Type, f.Answer = TypeWebRTCAnswer, sig.Payload
	case session.SignalICECandidate:
		f.Type, f.Candidate = TypeICECandidate, sig.Payload
	case session.SignalChat:
		f.Type, f.Message = TypeChatMessage, sig.Payload
		f.Timestamp = sig.Timestamp.UnixMilli()
	case session.SignalTyping:
		f.Type, f.IsTyping = TypePartnerTyping, sig.Payload
	default:
		return relayFrame{}, fmt.Errorf("unsupported signal kind %q", sig.Kind)
	}
	return f, nil
}

func encodeError(code, message string) []byte {
	data, _ := json.Marshal(errorFrame{Type: TypeError, Code: code, Message: message})
	return data
}

func encodeServerFull() []byte {
	data, _ := json.Marshal(noticeFrame{Type: TypeServerFull, Message: MessageServerFull})
	return data
}
