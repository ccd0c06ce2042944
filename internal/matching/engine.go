package matching

import (
	"time"

	"github.com/google/uuid"
)

// Match is the result of a placement attempt. Pairing is nil when no eligible
// candidate was found.
type Match struct {
	Pairing *Pairing
}

func (m Match) Matched() bool { return m.Pairing != nil }

// Stats is a point-in-time summary of engine state.
type Stats struct {
	Waiting        int
	ActivePairings int
	PairedIDs      int
}

// Engine combines the waiting pool, the pairing table and the scorer. It
// guarantees that an identity is never in both the pool and the table.
type Engine struct {
	pool  *Pool
	pairs *PairTable

	newSessionID func() string
}

type EngineOption func(*Engine)

// WithSessionIDSource overrides the session ID generator (uuid v4 by default).
func WithSessionIDSource(f func() string) EngineOption {
	return func(e *Engine) {
		if f != nil {
			e.newSessionID = f
		}
	}
}

func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		pool:         NewPool(),
		pairs:        NewPairTable(),
		newSessionID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enqueue inserts or overwrites id's candidate profile. Paired identities are
// rejected with ErrAlreadyPaired and nothing changes.
func (e *Engine) Enqueue(id ConnID, profile Profile, now time.Time) error {
	if id == "" {
		return ErrEmptyID
	}
	if e.pairs.Contains(id) {
		return ErrAlreadyPaired
	}
	e.pool.Put(id, profile, now)
	return nil
}

// Dequeue removes id from the waiting pool. It is idempotent.
func (e *Engine) Dequeue(id ConnID) {
	e.pool.Remove(id)
}

// Place scans the waiting pool for the best candidate for id and commits the
// pairing if one exists. Candidates are visited in insertion order and only a
// strictly higher score replaces the current best, so ties go to whoever has
// waited longest.
func (e *Engine) Place(id ConnID, now time.Time) (Match, error) {
	self, ok := e.pool.Get(id)
	if !ok {
		return Match{}, ErrNotWaiting
	}

	var (
		best      ConnID
		bestScore int
		found     bool
	)
	for _, c := range e.pool.Snapshot() {
		if c.ID == id || e.pairs.Contains(c.ID) {
			continue
		}
		s := Score(self.Profile, c.Profile)
		if !s.Eligible {
			continue
		}
		if !found || s.Value > bestScore {
			best, bestScore, found = c.ID, s.Value, true
		}
	}

	if !found {
		e.pool.Touch(id, now)
		return Match{}, nil
	}

	p := &Pairing{
		SessionID: e.newSessionID(),
		A:         id,
		B:         best,
		StartedAt: now,
	}
	e.pool.Remove(id)
	e.pool.Remove(best)
	e.pairs.add(p)
	return Match{Pairing: p}, nil
}

// Unpair closes id's pairing, removing both table entries in one step. The
// returned pairing has EndedAt and Duration filled in.
func (e *Engine) Unpair(id ConnID, now time.Time) (*Pairing, bool) {
	p, ok := e.pairs.remove(id)
	if !ok {
		return nil, false
	}
	p.EndedAt = now
	p.Duration = now.Sub(p.StartedAt)
	if p.Duration < 0 {
		p.Duration = 0
	}
	return p, true
}

// Remove drops every trace of id: its candidate profile and its pairing.
func (e *Engine) Remove(id ConnID, now time.Time) (*Pairing, bool) {
	e.pool.Remove(id)
	return e.Unpair(id, now)
}

func (e *Engine) Partner(id ConnID) (ConnID, bool) {
	return e.pairs.Partner(id)
}

func (e *Engine) Pairing(id ConnID) (*Pairing, bool) {
	return e.pairs.Get(id)
}

func (e *Engine) Waiting(id ConnID) bool {
	return e.pool.Contains(id)
}

func (e *Engine) Paired(id ConnID) bool {
	return e.pairs.Contains(id)
}

// Candidate returns id's waiting entry.
func (e *Engine) Candidate(id ConnID) (Candidate, bool) {
	return e.pool.Get(id)
}

// Candidates returns the waiting pool in insertion order.
func (e *Engine) Candidates() []Candidate {
	return e.pool.Snapshot()
}

func (e *Engine) Stats() Stats {
	paired := e.pairs.Len()
	return Stats{
		Waiting:        e.pool.Len(),
		ActivePairings: paired / 2,
		PairedIDs:      paired,
	}
}
