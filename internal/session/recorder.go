package session

import (
	"context"
	"time"

	"github.com/strangerlink/signal-server/internal/matching"
)

// Recorder is the persistence collaborator. Calls are best-effort telemetry:
// errors are logged by the Manager and never roll back in-memory state.
type Recorder interface {
	RecordSessionStart(ctx context.Context, rec SessionRecord) error
	RecordSessionEnd(ctx context.Context, end SessionEnd) error
	IncrementMessageCount(ctx context.Context, sessionID string) error
	RecordParticipant(ctx context.Context, p ParticipantRecord) error
	RemoveParticipant(ctx context.Context, id matching.ConnID) error
}

type SessionRecord struct {
	SessionID string
	A, B      matching.ConnID
	StartedAt time.Time
}

type SessionEnd struct {
	SessionID string
	EndedAt   time.Time
	Duration  time.Duration
	Messages  int
	Reason    Reason
}

// ParticipantRecord is the presence row of a live connection.
type ParticipantRecord struct {
	ID         matching.ConnID
	State      State
	PartnerID  matching.ConnID
	RemoteAddr string
	Country    string
	Profile    *matching.Profile
	SeenAt     time.Time
}

// NopRecorder discards everything.
type NopRecorder struct{}

func (NopRecorder) RecordSessionStart(context.Context, SessionRecord) error { return nil }
func (NopRecorder) RecordSessionEnd(context.Context, SessionEnd) error { return nil }
func (NopRecorder) IncrementMessageCount(context.Context, string) error { return nil }
func (NopRecorder) RecordParticipant(context.Context, ParticipantRecord) error { return nil }
func (NopRecorder) RemoveParticipant(context.Context, matching.ConnID) error { return nil }
