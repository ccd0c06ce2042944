package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrUnsupportedJWT = errors.New("unsupported jwt")

// Tokens longer than this are rejected before any decoding.
const maxJWTLen = 8 * 1024

// JWTVerifier accepts HS256 tokens signed with a shared secret. exp is
// required; nbf and iat are checked when present.
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
	leeway time.Duration
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{
		secret: []byte(secret),
		now:    time.Now,
		leeway: 5 * time.Second,
	}
}

func (v *JWTVerifier) Verify(token string) error {
	_, err := v.Claims(token)
	return err
}

// Claims verifies token and returns its registered claims.
func (v *JWTVerifier) Claims(token string) (*jwt.RegisteredClaims, error) {
	if token == "" || len(token) > maxJWTLen || len(v.secret) == 0 {
		return nil, ErrInvalidCredentials
	}

	parser := jwt.NewParser(
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	)
	claims := &jwt.RegisteredClaims{}
	_, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrUnsupportedJWT
		}
		return v.secret, nil
	})
	switch {
	case err == nil:
		return claims, nil
	case errors.Is(err, ErrUnsupportedJWT):
		return nil, ErrUnsupportedJWT
	default:
		return nil, ErrInvalidCredentials
	}
}
