package matching

import (
	"container/list"
	"time"
)

// Pool is the waiting pool. Iteration order is insertion order; overwriting
// an existing entry keeps its position.
type Pool struct {
	order   *list.List
	entries map[ConnID]*list.Element
}

func NewPool() *Pool {
	return &Pool{
		order:   list.New(),
		entries: make(map[ConnID]*list.Element),
	}
}

// Put inserts or overwrites id's candidate profile and stamps it with now.
// Pairing checks belong to the Engine.
func (p *Pool) Put(id ConnID, profile Profile, now time.Time) {
	if el, ok := p.entries[id]; ok {
		c := el.Value.(*Candidate)
		c.Profile = profile.clone()
		c.EnqueuedAt = now
		c.LastAttempt = time.Time{}
		return
	}
	p.entries[id] = p.order.PushBack(&Candidate{
		ID:         id,
		Profile:    profile.clone(),
		EnqueuedAt: now,
	})
}

// Remove deletes id. It reports whether id was present; calling it for an
// absent id is a no-op.
func (p *Pool) Remove(id ConnID) bool {
	el, ok := p.entries[id]
	if !ok {
		return false
	}
	p.order.Remove(el)
	delete(p.entries, id)
	return true
}

func (p *Pool) Get(id ConnID) (Candidate, bool) {
	el, ok := p.entries[id]
	if !ok {
		return Candidate{}, false
	}
	return *el.Value.(*Candidate), true
}

func (p *Pool) Contains(id ConnID) bool {
	_, ok := p.entries[id]
	return ok
}

// Touch records a match attempt for id.
func (p *Pool) Touch(id ConnID, now time.Time) {
	if el, ok := p.entries[id]; ok {
		el.Value.(*Candidate).LastAttempt = now
	}
}

func (p *Pool) Len() int {
	return len(p.entries)
}

// Snapshot returns a copy of the pool in insertion order.
func (p *Pool) Snapshot() []Candidate {
	out := make([]Candidate, 0, len(p.entries))
	for el := p.order.Front(); el != nil; el = el.Next() {
		out = append(out, *el.Value.(*Candidate))
	}
	return out
}
