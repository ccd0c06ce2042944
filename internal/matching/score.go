package matching

// Compatibility is the result of scoring a potential pairing. Value is only
// meaningful when Eligible is true.
type Compatibility struct {
	Eligible bool
	Value    int
}

const (
	sharedInterestWeight = 10
	eligibleFloor        = 1
)

// Score decides whether a and b may be paired and ranks the pairing.
//
// Both directions must accept: each side's gender preference must be
// GenderAny or the other's gender, and each side's country preference must be
// CountryAny or the other's country. An eligible pair scores
// 10*|shared interests| + 1, so sharing no interests still beats no match.
func Score(a, b Profile) Compatibility {
	if !accepts(a, b) || !accepts(b, a) {
		return Compatibility{}
	}
	return Compatibility{
		Eligible: true,
		Value:    sharedInterestWeight*sharedInterests(a.Interests, b.Interests) + eligibleFloor,
	}
}

func accepts(from, to Profile) bool {
	if from.PreferredGender != GenderAny && from.PreferredGender != to.Gender {
		return false
	}
	if from.PreferredCountry != CountryAny && from.PreferredCountry != to.Country {
		return false
	}
	return true
}

// sharedInterests counts the size of the set intersection. Duplicates on
// either side are counted once.
func sharedInterests(a, b []string) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, tag := range a {
		set[tag] = struct{}{}
	}
	n := 0
	for _, tag := range b {
		if _, ok := set[tag]; ok {
			n++
			delete(set, tag)
		}
	}
	return n
}
