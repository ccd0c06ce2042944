package signaling

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/strangerlink/signal-server/internal/auth"
	"github.com/strangerlink/signal-server/internal/config"
)

// AuthAuthorizer enforces AUTH_MODE=none|api_key|jwt on /ws.
//
// The credential comes from the in-band auth frame when there is one, and
// otherwise from the upgrade request headers or query string.
type AuthAuthorizer struct {
	mode     config.AuthMode
	verifier auth.Verifier
}

func NewAuthAuthorizer(cfg config.Config) (AuthAuthorizer, error) {
	v, err := auth.NewVerifier(cfg)
	if err != nil {
		return AuthAuthorizer{}, err
	}
	return AuthAuthorizer{mode: cfg.AuthMode, verifier: v}, nil
}

func (a AuthAuthorizer) Authorize(r *http.Request, hello *ClientHello) error {
	if a.mode == config.AuthModeNone {
		return nil
	}
	if a.verifier == nil {
		return errors.New("auth verifier not configured")
	}

	cred, err := credentialFromHelloAndRequest(a.mode, hello, r)
	if err != nil {
		return err
	}
	return a.verifier.Verify(cred)
}

func credentialFromHelloAndRequest(mode config.AuthMode, hello *ClientHello, r *http.Request) (string, error) {
	if hello != nil {
		if v := strings.TrimSpace(hello.Credential); v != "" {
			return v, nil
		}
	}
	return auth.CredentialFromRequest(mode, r)
}

// IsAuthMissing reports whether the client has not presented anything yet,
// as opposed to presenting something wrong.
func IsAuthMissing(err error) bool {
	return errors.Is(err, auth.ErrMissingCredentials)
}

func IsUnauthorized(err error) bool {
	return errors.Is(err, auth.ErrMissingCredentials) ||
		errors.Is(err, auth.ErrInvalidCredentials) ||
		errors.Is(err, auth.ErrUnsupportedJWT)
}

// unauthorizedMessage keeps configuration details out of client-visible
// errors.
func unauthorizedMessage(err error) string {
	if err == nil || IsUnauthorized(err) {
		return messageUnauthorized
	}
	return fmt.Sprintf("authorization failed: %v", err)
}
