package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func sign(t *testing.T, method jwt.SigningMethod, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return token
}

func fixedVerifier(secret string, now time.Time) *JWTVerifier {
	v := NewJWTVerifier(secret)
	v.now = func() time.Time { return now }
	return v
}

func TestJWTVerifier_AcceptsValidHS256(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	v := fixedVerifier("secret", now)
	token := sign(t, jwt.SigningMethodHS256, "secret", jwt.MapClaims{
		"sub": "user-1",
		"iat": now.Unix(),
		"exp": now.Add(5 * time.Minute).Unix(),
	})

	claims, err := v.Claims(token)
	if err != nil {
		t.Fatalf("Claims: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Fatalf("Subject=%q, want %q", claims.Subject, "user-1")
	}
}

func TestJWTVerifier_Rejects(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	v := fixedVerifier("secret", now)

	cases := []struct {
		name  string
		token string
		want  error
	}{
		{"expired", sign(t, jwt.SigningMethodHS256, "secret", jwt.MapClaims{"exp": now.Add(-time.Minute).Unix()}), ErrInvalidCredentials},
		{"missing exp", sign(t, jwt.SigningMethodHS256, "secret", jwt.MapClaims{"sub": "x"}), ErrInvalidCredentials},
		{"not yet valid", sign(t, jwt.SigningMethodHS256, "secret", jwt.MapClaims{"exp": now.Add(time.Hour).Unix(), "nbf": now.Add(time.Minute).Unix()}), ErrInvalidCredentials},
		{"wrong secret", sign(t, jwt.SigningMethodHS256, "other", jwt.MapClaims{"exp": now.Add(time.Hour).Unix()}), ErrInvalidCredentials},
		{"hs512", sign(t, jwt.SigningMethodHS512, "secret", jwt.MapClaims{"exp": now.Add(time.Hour).Unix()}), ErrUnsupportedJWT},
		{"garbage", "not.a.jwt", ErrInvalidCredentials},
		{"empty", "", ErrInvalidCredentials},
		{"oversize", strings.Repeat("a", maxJWTLen+1), ErrInvalidCredentials},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := v.Verify(tc.token); !errors.Is(err, tc.want) {
				t.Fatalf("err=%v, want %v", err, tc.want)
			}
		})
	}
}

func TestJWTVerifier_LeewayOnExpiry(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	v := fixedVerifier("secret", now)
	token := sign(t, jwt.SigningMethodHS256, "secret", jwt.MapClaims{"exp": now.Add(-2 * time.Second).Unix()})
	if err := v.Verify(token); err != nil {
		t.Fatalf("Verify within leeway: %v", err)
	}
}

func TestJWTVerifier_EmptySecretRejects(t *testing.T) {
	v := fixedVerifier("", time.Unix(0, 0))
	token := sign(t, jwt.SigningMethodHS256, "x", jwt.MapClaims{"exp": 10})
	if err := v.Verify(token); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err=%v, want %v", err, ErrInvalidCredentials)
	}
}
