// Package turnrest mints short-lived coturn "use-auth-secret" credentials.
//
//	username   = <unix expiry>:<prefix>:<session>
//	credential = base64(hmac_sha1(secret, username))
//
// See https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest.
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

type Config struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string

	// Now and NewSessionID are overridable for tests.
	Now          func() time.Time
	NewSessionID func() (string, error)
}

type Credentials struct {
	Username   string    `json:"username"`
	Credential string    `json:"credential"`
	Expires    time.Time `json:"expires"`
}

type Generator struct {
	secret       []byte
	ttl          time.Duration
	prefix       string
	now          func() time.Time
	newSessionID func() (string, error)
}

func NewGenerator(cfg Config) (*Generator, error) {
	switch {
	case cfg.SharedSecret == "":
		return nil, errors.New("turnrest: shared secret is required")
	case cfg.TTL < time.Second:
		return nil, fmt.Errorf("turnrest: ttl %s is shorter than one second", cfg.TTL)
	case cfg.UsernamePrefix == "":
		return nil, errors.New("turnrest: username prefix is required")
	case strings.Contains(cfg.UsernamePrefix, ":"):
		return nil, errors.New("turnrest: username prefix must not contain ':'")
	}
	g := &Generator{
		secret:       []byte(cfg.SharedSecret),
		ttl:          cfg.TTL,
		prefix:       cfg.UsernamePrefix,
		now:          cfg.Now,
		newSessionID: cfg.NewSessionID,
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.newSessionID == nil {
		g.newSessionID = func() (string, error) {
			id, err := uuid.NewRandom()
			if err != nil {
				return "", err
			}
			return id.String(), nil
		}
	}
	return g, nil
}

// For binds credentials to a known session label.
func (g *Generator) For(session string) (Credentials, error) {
	if session == "" {
		return Credentials{}, errors.New("turnrest: session is required")
	}
	if strings.Contains(session, ":") {
		return Credentials{}, errors.New("turnrest: session must not contain ':'")
	}
	expires := g.now().UTC().Truncate(time.Second).Add(g.ttl.Truncate(time.Second))
	username := fmt.Sprintf("%d:%s:%s", expires.Unix(), g.prefix, session)
	return Credentials{
		Username:   username,
		Credential: Sign(g.secret, username),
		Expires:    expires,
	}, nil
}

// Random mints credentials for a fresh random session label.
func (g *Generator) Random() (Credentials, error) {
	session, err := g.newSessionID()
	if err != nil {
		return Credentials{}, fmt.Errorf("turnrest: session id: %w", err)
	}
	return g.For(session)
}

func Sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Apply returns a copy of servers with creds set on every entry that lists a
// turn: or turns: URL. STUN-only entries are left untouched.
func Apply(servers []webrtc.ICEServer, creds Credentials) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, len(servers))
	for i, server := range servers {
		out[i] = server
		if hasTURNURL(server) {
			out[i].Username = creds.Username
			out[i].Credential = creds.Credential
		}
	}
	return out
}

func hasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		scheme, _, ok := strings.Cut(strings.TrimSpace(raw), ":")
		if !ok {
			continue
		}
		if strings.EqualFold(scheme, "turn") || strings.EqualFold(scheme, "turns") {
			return true
		}
	}
	return false
}
