package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/strangerlink/signal-server/internal/matching"
	"github.com/strangerlink/signal-server/internal/session"
)

// Memory keeps records in process memory when no database is configured.
// Only live rows are retained: ended sessions are folded into running totals
// and participants are dropped when they disconnect, so memory stays
// proportional to the connected population.
type Memory struct {
	mu           sync.Mutex
	now          func() time.Time
	sessions     map[string]*ChatSession
	participants map[string]*Participant

	ended         int
	endedMessages int
	endedDuration int64
}

var _ session.Recorder = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		now:          time.Now,
		sessions:     make(map[string]*ChatSession),
		participants: make(map[string]*Participant),
	}
}

func (m *Memory) RecordSessionStart(_ context.Context, rec session.SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[rec.SessionID]; ok {
		return nil
	}
	m.sessions[rec.SessionID] = &ChatSession{
		SessionID: rec.SessionID,
		User1:     string(rec.A),
		User2:     string(rec.B),
		StartedAt: rec.StartedAt,
	}
	return nil
}

func (m *Memory) RecordSessionEnd(_ context.Context, end session.SessionEnd) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.sessions[end.SessionID]
	if !ok {
		return nil
	}
	delete(m.sessions, end.SessionID)

	m.ended++
	m.endedMessages += max(row.MessageCount, end.Messages)
	m.endedDuration += int64(end.Duration / time.Second)
	for _, id := range []string{row.User1, row.User2} {
		if p, ok := m.participants[id]; ok {
			p.TotalChats++
		}
	}
	return nil
}

func (m *Memory) IncrementMessageCount(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.sessions[sessionID]; ok {
		row.MessageCount++
	}
	return nil
}

func (m *Memory) RecordParticipant(_ context.Context, p session.ParticipantRecord) error {
	row := participantRow(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.participants[row.ID]; ok {
		row.TotalChats = old.TotalChats
		row.CreatedAt = old.CreatedAt
	} else {
		row.CreatedAt = m.now()
	}
	m.participants[row.ID] = row
	return nil
}

func (m *Memory) RemoveParticipant(_ context.Context, id matching.ConnID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.participants, string(id))
	return nil
}

// Session returns a copy of an open session row.
func (m *Memory) Session(sessionID string) (ChatSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.sessions[sessionID]
	if !ok {
		return ChatSession{}, false
	}
	return *row, true
}

// Participant returns a copy of a connected participant's row.
func (m *Memory) Participant(id matching.ConnID) (Participant, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.participants[string(id)]
	if !ok {
		return Participant{}, false
	}
	return *row, true
}

func (m *Memory) Summary(_ context.Context, topCountries int) (Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Summary{
		TotalSessions: m.ended + len(m.sessions),
		OpenSessions:  len(m.sessions),
		TotalMessages: m.endedMessages,
	}
	for _, row := range m.sessions {
		s.TotalMessages += row.MessageCount
	}
	if m.ended > 0 {
		s.AvgDurationSeconds = float64(m.endedDuration) / float64(m.ended)
	}

	byCountry := make(map[string]int)
	for _, p := range m.participants {
		s.OnlineParticipants++
		if p.InChat {
			s.InChatParticipants++
		}
		byCountry[p.Country]++
	}
	if topCountries > 0 {
		for country, n := range byCountry {
			s.TopCountries = append(s.TopCountries, CountryCount{Country: country, Count: n})
		}
		sort.Slice(s.TopCountries, func(i, j int) bool {
			a, b := s.TopCountries[i], s.TopCountries[j]
			if a.Count != b.Count {
				return a.Count > b.Count
			}
			return a.Country < b.Country
		})
		if len(s.TopCountries) > topCountries {
			s.TopCountries = s.TopCountries[:topCountries]
		}
	}
	return s, nil
}
