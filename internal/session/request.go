package session

import (
	"fmt"
	"strings"

	"github.com/strangerlink/signal-server/internal/matching"
)

const (
	MaxInterests     = 32
	MaxInterestBytes = 64
)

// SearchRequest is the raw search input. Empty fields take defaults.
type SearchRequest struct {
	Gender           string
	Country          string
	Interests        []string
	PreferredGender  string
	PreferredCountry string
}

// Profile validates r and returns the normalized candidate profile.
// detectedCountry is used when the request does not name a country.
func (r SearchRequest) Profile(detectedCountry string) (matching.Profile, error) {
	gender, err := normalizeGender(r.Gender, matching.GenderOther, false)
	if err != nil {
		return matching.Profile{}, err
	}
	prefGender, err := normalizeGender(r.PreferredGender, matching.GenderAny, true)
	if err != nil {
		return matching.Profile{}, err
	}

	country := strings.TrimSpace(r.Country)
	if country == "" || strings.EqualFold(country, matching.CountryAny) {
		country = detectedCountry
	}
	country, err = normalizeCountry(country)
	if err != nil {
		return matching.Profile{}, err
	}

	prefCountry := strings.TrimSpace(r.PreferredCountry)
	switch {
	case prefCountry == "" || strings.EqualFold(prefCountry, matching.CountryAny):
		prefCountry = matching.CountryAny
	default:
		if !isCountryCode(prefCountry) {
			return matching.Profile{}, fmt.Errorf("%w: invalid preferred country %q", ErrBadRequest, r.PreferredCountry)
		}
		prefCountry = strings.ToUpper(prefCountry)
	}

	interests, err := normalizeInterests(r.Interests)
	if err != nil {
		return matching.Profile{}, err
	}

	return matching.Profile{
		Gender:           gender,
		Country:          country,
		Interests:        interests,
		PreferredGender:  prefGender,
		PreferredCountry: prefCountry,
	}, nil
}

func normalizeGender(raw, fallback string, allowAny bool) (string, error) {
	v := strings.ToLower(strings.TrimSpace(raw))
	switch v {
	case "":
		return fallback, nil
	case matching.GenderMale, matching.GenderFemale, matching.GenderOther:
		return v, nil
	case matching.GenderAny:
		if allowAny {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: invalid gender %q", ErrBadRequest, raw)
}

// normalizeCountry accepts an ISO-style two letter code, or anything that
// means "no idea", which becomes matching.CountryUnknown.
func normalizeCountry(raw string) (string, error) {
	v := strings.TrimSpace(raw)
	if v == "" || strings.EqualFold(v, matching.CountryUnknown) {
		return matching.CountryUnknown, nil
	}
	if !isCountryCode(v) {
		return "", fmt.Errorf("%w: invalid country %q", ErrBadRequest, raw)
	}
	return strings.ToUpper(v), nil
}

func isCountryCode(s string) bool {
	if len(s) != 2 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z') {
			return false
		}
	}
	return true
}

func normalizeInterests(raw []string) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, tag := range raw {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if len(tag) > MaxInterestBytes {
			return nil, fmt.Errorf("%w: interest longer than %d bytes", ErrBadRequest, MaxInterestBytes)
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	if len(out) > MaxInterests {
		return nil, fmt.Errorf("%w: more than %d interests", ErrBadRequest, MaxInterests)
	}
	return out, nil
}
