package matching

import "time"

// Pairing is a committed match between two identities.
type Pairing struct {
	SessionID string
	A, B      ConnID
	StartedAt time.Time

	// Messages counts relayed chat messages.
	Messages int

	EndedAt  time.Time
	Duration time.Duration

	handshakeA bool
	handshakeB bool
}

// Other returns the partner of id within the pairing.
func (p *Pairing) Other(id ConnID) ConnID {
	if id == p.A {
		return p.B
	}
	return p.A
}

// RecordHandshake marks that a handshake message was relayed from id. It
// returns true exactly once: when both directions have been observed.
func (p *Pairing) RecordHandshake(from ConnID) bool {
	before := p.Established()
	switch from {
	case p.A:
		p.handshakeA = true
	case p.B:
		p.handshakeB = true
	}
	return !before && p.Established()
}

// Established reports whether handshake traffic has flowed both ways.
func (p *Pairing) Established() bool {
	return p.handshakeA && p.handshakeB
}

func (p *Pairing) RecordMessage() {
	p.Messages++
}

// PairTable maps each paired identity to its pairing. Both identities of a
// pairing always point at the same *Pairing.
type PairTable struct {
	byID map[ConnID]*Pairing
}

func NewPairTable() *PairTable {
	return &PairTable{byID: make(map[ConnID]*Pairing)}
}

func (t *PairTable) add(p *Pairing) {
	t.byID[p.A] = p
	t.byID[p.B] = p
}

// remove deletes both entries of id's pairing and returns it.
func (t *PairTable) remove(id ConnID) (*Pairing, bool) {
	p, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	delete(t.byID, p.A)
	delete(t.byID, p.B)
	return p, true
}

func (t *PairTable) Get(id ConnID) (*Pairing, bool) {
	p, ok := t.byID[id]
	return p, ok
}

// Partner returns the identity id is paired with.
func (t *PairTable) Partner(id ConnID) (ConnID, bool) {
	p, ok := t.byID[id]
	if !ok {
		return "", false
	}
	return p.Other(id), true
}

func (t *PairTable) Contains(id ConnID) bool {
	_, ok := t.byID[id]
	return ok
}

// Len returns the number of paired identities (twice the number of pairings).
func (t *PairTable) Len() int {
	return len(t.byID)
}
