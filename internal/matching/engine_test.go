package matching

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"
)

func anyProfile(interests ...string) Profile {
	return Profile{
		Gender:           GenderOther,
		Country:          "US",
		PreferredGender:  GenderAny,
		PreferredCountry: CountryAny,
		Interests:        interests,
	}
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("session-%d", n)
	}
}

func checkInvariants(t *testing.T, e *Engine, known []ConnID) {
	t.Helper()
	for _, id := range known {
		if e.Waiting(id) && e.Paired(id) {
			t.Fatalf("%s is both waiting and paired", id)
		}
		partner, ok := e.Partner(id)
		if !ok {
			continue
		}
		back, ok := e.Partner(partner)
		if !ok || back != id {
			t.Fatalf("pairing not symmetric: %s -> %s -> %s (ok=%v)", id, partner, back, ok)
		}
		if partner == id {
			t.Fatalf("%s paired with itself", id)
		}
	}
}

func TestEngine_PlaceMatchesAndCommitsAtomically(t *testing.T) {
	e := NewEngine(WithSessionIDSource(sequentialIDs()))
	now := time.Unix(1000, 0)

	if err := e.Enqueue("a", anyProfile(), now); err != nil {
		t.Fatalf("Enqueue(a): %v", err)
	}
	m, err := e.Place("a", now)
	if err != nil {
		t.Fatalf("Place(a): %v", err)
	}
	if m.Matched() {
		t.Fatalf("expected no match with an empty pool")
	}
	if !e.Waiting("a") {
		t.Fatalf("expected a to stay in the pool")
	}
	if c, _ := e.Candidate("a"); !c.LastAttempt.Equal(now) {
		t.Fatalf("LastAttempt=%v, want %v", c.LastAttempt, now)
	}

	if err := e.Enqueue("b", anyProfile(), now); err != nil {
		t.Fatalf("Enqueue(b): %v", err)
	}
	m, err = e.Place("b", now.Add(time.Second))
	if err != nil {
		t.Fatalf("Place(b): %v", err)
	}
	if !m.Matched() {
		t.Fatalf("expected a match")
	}
	if m.Pairing.A != "b" || m.Pairing.B != "a" {
		t.Fatalf("pairing=%s/%s, want b/a", m.Pairing.A, m.Pairing.B)
	}
	if m.Pairing.SessionID != "session-1" {
		t.Fatalf("sessionID=%q, want session-1", m.Pairing.SessionID)
	}
	if e.Waiting("a") || e.Waiting("b") {
		t.Fatalf("matched identities must leave the pool")
	}
	if p, _ := e.Partner("a"); p != "b" {
		t.Fatalf("partner(a)=%q, want b", p)
	}
	st := e.Stats()
	if st.Waiting != 0 || st.ActivePairings != 1 || st.PairedIDs != 2 {
		t.Fatalf("stats=%+v", st)
	}
	checkInvariants(t, e, []ConnID{"a", "b"})
}

func TestEngine_EnqueueRejectsPairedIdentity(t *testing.T) {
	e := NewEngine()
	now := time.Unix(0, 0)
	_ = e.Enqueue("a", anyProfile(), now)
	_ = e.Enqueue("b", anyProfile(), now)
	if m, _ := e.Place("a", now); !m.Matched() {
		t.Fatalf("expected match")
	}

	if err := e.Enqueue("a", anyProfile(), now); !errors.Is(err, ErrAlreadyPaired) {
		t.Fatalf("Enqueue(paired)=%v, want ErrAlreadyPaired", err)
	}
	if e.Waiting("a") {
		t.Fatalf("rejected enqueue must not change state")
	}
	if err := e.Enqueue("", anyProfile(), now); !errors.Is(err, ErrEmptyID) {
		t.Fatalf("Enqueue(\"\")=%v, want ErrEmptyID", err)
	}
}

func TestEngine_PlaceUnknownIdentity(t *testing.T) {
	e := NewEngine()
	if _, err := e.Place("ghost", time.Unix(0, 0)); !errors.Is(err, ErrNotWaiting) {
		t.Fatalf("Place(ghost)=%v, want ErrNotWaiting", err)
	}
}

func TestEngine_PlacePrefersHigherScoreThenEarliest(t *testing.T) {
	e := NewEngine()
	now := time.Unix(0, 0)

	// Y and Z both share two interests with X; Y was enqueued first.
	_ = e.Enqueue("x", anyProfile("music", "games", "art"), now)
	_ = e.Enqueue("y", anyProfile("music", "games"), now)
	_ = e.Enqueue("z", anyProfile("music", "games", "food"), now)

	m, err := e.Place("x", now)
	if err != nil {
		t.Fatalf("Place(x): %v", err)
	}
	if !m.Matched() || m.Pairing.Other("x") != "y" {
		t.Fatalf("x matched %+v, want y", m.Pairing)
	}
	if !e.Waiting("z") {
		t.Fatalf("expected z to keep waiting")
	}
}

func TestEngine_PlacePicksStrictlyBestScore(t *testing.T) {
	e := NewEngine()
	now := time.Unix(0, 0)

	_ = e.Enqueue("early", anyProfile("food"), now)
	_ = e.Enqueue("late", anyProfile("music", "games"), now)
	_ = e.Enqueue("x", anyProfile("music", "games", "food"), now)

	m, _ := e.Place("x", now)
	if !m.Matched() || m.Pairing.Other("x") != "late" {
		t.Fatalf("x matched %+v, want late (score 21 > 11)", m.Pairing)
	}
}

func TestEngine_PlaceSkipsIneligible(t *testing.T) {
	e := NewEngine()
	now := time.Unix(0, 0)

	picky := anyProfile("music")
	picky.Gender = GenderFemale
	picky.PreferredGender = GenderMale
	_ = e.Enqueue("picky", picky, now)

	other := anyProfile("music")
	other.Gender = GenderFemale
	_ = e.Enqueue("other", other, now)

	m, _ := e.Place("picky", now)
	if m.Matched() {
		t.Fatalf("expected no eligible candidate, got %+v", m.Pairing)
	}

	male := anyProfile()
	male.Gender = GenderMale
	_ = e.Enqueue("male", male, now)
	m, _ = e.Place("picky", now)
	if !m.Matched() || m.Pairing.Other("picky") != "male" {
		t.Fatalf("picky matched %+v, want male", m.Pairing)
	}
}

func TestEngine_UnpairRemovesBothEntries(t *testing.T) {
	e := NewEngine()
	start := time.Unix(100, 0)
	_ = e.Enqueue("a", anyProfile(), start)
	_ = e.Enqueue("b", anyProfile(), start)
	_, _ = e.Place("a", start)

	p, ok := e.Unpair("b", start.Add(42*time.Second))
	if !ok {
		t.Fatalf("expected pairing")
	}
	if p.Duration != 42*time.Second {
		t.Fatalf("duration=%v, want 42s", p.Duration)
	}
	if e.Paired("a") || e.Paired("b") {
		t.Fatalf("teardown left a table entry")
	}
	if _, ok := e.Unpair("a", start); ok {
		t.Fatalf("second unpair should find nothing")
	}
}

func TestEngine_RemoveDropsPoolAndPairing(t *testing.T) {
	e := NewEngine()
	now := time.Unix(0, 0)
	_ = e.Enqueue("solo", anyProfile(), now)
	if _, ok := e.Remove("solo", now); ok {
		t.Fatalf("solo had no pairing")
	}
	if e.Waiting("solo") {
		t.Fatalf("expected solo removed from pool")
	}
}

func TestPairing_RecordHandshake(t *testing.T) {
	p := &Pairing{A: "a", B: "b"}
	if p.RecordHandshake("a") {
		t.Fatalf("one direction must not establish")
	}
	if p.RecordHandshake("a") {
		t.Fatalf("repeat direction must not establish")
	}
	if !p.RecordHandshake("b") {
		t.Fatalf("both directions must establish")
	}
	if p.RecordHandshake("b") {
		t.Fatalf("establish must be reported once")
	}
	if !p.Established() {
		t.Fatalf("expected established")
	}
}

func TestEngine_RandomOperationsKeepInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	e := NewEngine()
	now := time.Unix(0, 0)

	known := make([]ConnID, 24)
	for i := range known {
		known[i] = ConnID(fmt.Sprintf("id-%02d", i))
	}
	genders := []string{GenderMale, GenderFemale, GenderOther}
	prefs := []string{GenderAny, GenderAny, GenderMale, GenderFemale}
	countries := []string{"US", "CA"}
	countryPrefs := []string{CountryAny, CountryAny, "US"}
	tags := []string{"music", "games", "art", "food"}

	for step := 0; step < 5000; step++ {
		now = now.Add(100 * time.Millisecond)
		id := known[rng.Intn(len(known))]
		switch rng.Intn(5) {
		case 0, 1:
			p := Profile{
				Gender:           genders[rng.Intn(len(genders))],
				PreferredGender:  prefs[rng.Intn(len(prefs))],
				Country:          countries[rng.Intn(len(countries))],
				PreferredCountry: countryPrefs[rng.Intn(len(countryPrefs))],
			}
			for _, tag := range tags {
				if rng.Intn(2) == 0 {
					p.Interests = append(p.Interests, tag)
				}
			}
			err := e.Enqueue(id, p, now)
			if e.Paired(id) {
				if !errors.Is(err, ErrAlreadyPaired) {
					t.Fatalf("step %d: Enqueue(paired %s)=%v", step, id, err)
				}
				continue
			}
			if err != nil {
				t.Fatalf("step %d: Enqueue(%s): %v", step, id, err)
			}
			if _, err := e.Place(id, now); err != nil {
				t.Fatalf("step %d: Place(%s): %v", step, id, err)
			}
		case 2:
			e.Dequeue(id)
		case 3:
			partner, paired := e.Partner(id)
			e.Unpair(id, now)
			if paired && (e.Paired(id) || e.Paired(partner)) {
				t.Fatalf("step %d: teardown incomplete for %s/%s", step, id, partner)
			}
		case 4:
			e.Remove(id, now)
			if e.Waiting(id) || e.Paired(id) {
				t.Fatalf("step %d: remove left %s behind", step, id)
			}
		}
		checkInvariants(t, e, known)
	}
}
