package matching

import "time"

// ConnID identifies one live transport connection. It is assigned at connect
// time and is never reused.
type ConnID string

const (
	GenderMale   = "male"
	GenderFemale = "female"
	GenderOther  = "other"
	// GenderAny is only valid as a preference.
	GenderAny = "any"

	// CountryAny is only valid as a preference.
	CountryAny     = "ANY"
	CountryUnknown = "Unknown"
)

// Profile is the searchable part of a candidate. Values are expected to be
// normalized by the caller (see session.SearchRequest).
type Profile struct {
	Gender           string
	Country          string
	Interests        []string
	PreferredGender  string
	PreferredCountry string
}

// Candidate is a Profile waiting in the pool.
type Candidate struct {
	ID          ConnID
	Profile     Profile
	EnqueuedAt  time.Time
	LastAttempt time.Time
}

func (p Profile) clone() Profile {
	out := p
	if p.Interests != nil {
		out.Interests = append([]string(nil), p.Interests...)
	}
	return out
}
