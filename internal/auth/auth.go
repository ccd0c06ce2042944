// Package auth verifies the credentials a signaling client presents before it
// can join the pool.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/strangerlink/signal-server/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

type Verifier interface {
	Verify(credential string) error
}

// NewVerifier returns the verifier for cfg.AuthMode. In none mode every
// credential, including the empty one, is accepted.
func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return openVerifier{}, nil
	case config.AuthModeAPIKey:
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	case config.AuthModeJWT:
		return NewJWTVerifier(cfg.JWTSecret), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

type openVerifier struct{}

func (openVerifier) Verify(string) error { return nil }

// CredentialFromQuery reads ?apiKey= or ?token=. Each mode prefers its own
// parameter and accepts the other as an alias.
func CredentialFromQuery(mode config.AuthMode, q url.Values) (string, error) {
	return pick(mode, q.Get("apiKey"), q.Get("token"))
}

// CredentialFromAuthMessage picks the credential from an in-band auth frame.
func CredentialFromAuthMessage(mode config.AuthMode, apiKey, token string) (string, error) {
	return pick(mode, apiKey, token)
}

// CredentialFromRequest looks at the Authorization and X-API-Key headers
// before falling back to the query string.
func CredentialFromRequest(mode config.AuthMode, r *http.Request) (string, error) {
	if mode == config.AuthModeNone {
		return "", nil
	}
	var apiKey, token string
	if scheme, value, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " "); ok {
		value = strings.TrimSpace(value)
		switch {
		case strings.EqualFold(scheme, "Bearer"):
			token = value
		case strings.EqualFold(scheme, "ApiKey"):
			apiKey = value
		}
	}
	if apiKey == "" {
		apiKey = strings.TrimSpace(r.Header.Get("X-API-Key"))
	}
	cred, err := pick(mode, apiKey, token)
	if errors.Is(err, ErrMissingCredentials) {
		return CredentialFromQuery(mode, r.URL.Query())
	}
	return cred, err
}

func pick(mode config.AuthMode, apiKey, token string) (string, error) {
	var first, second string
	switch mode {
	case config.AuthModeNone:
		return "", nil
	case config.AuthModeAPIKey:
		first, second = apiKey, token
	case config.AuthModeJWT:
		first, second = token, apiKey
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
	if first != "" {
		return first, nil
	}
	if second != "" {
		return second, nil
	}
	return "", ErrMissingCredentials
}
