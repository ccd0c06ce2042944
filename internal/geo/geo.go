// Package geo resolves a client IP to the ISO country code used as the
// default self country of a search.
package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/strangerlink/signal-server/internal/config"
)

// Resolver returns an upper-case two letter country code, or "" when the
// address has no known location.
type Resolver interface {
	Country(ctx context.Context, ip string) (string, error)
}

type NopResolver struct{}

func (NopResolver) Country(context.Context, string) (string, error) { return "", nil }

// New builds the resolver selected by cfg.GeoProvider.
func New(cfg config.Config) (Resolver, error) {
	switch cfg.GeoProvider {
	case config.GeoProviderNone, "":
		return NopResolver{}, nil
	case config.GeoProviderIPInfo:
		return NewIPInfo(IPInfoConfig{
			BaseURL:   cfg.IPInfoBaseURL,
			Token:     cfg.IPInfoToken,
			CacheSize: cfg.GeoCacheSize,
			Timeout:   cfg.GeoTimeout,
		})
	default:
		return nil, fmt.Errorf("unsupported geo provider %q", cfg.GeoProvider)
	}
}

type IPInfoConfig struct {
	BaseURL   string
	Token     string
	CacheSize int
	Timeout   time.Duration
	// Client defaults to an http.Client with Timeout.
	Client *http.Client
}

// IPInfo looks addresses up against the ipinfo.io JSON API. Results,
// including empty ones, are cached by IP.
type IPInfo struct {
	baseURL *url.URL
	token   string
	client  *http.Client
	cache   *lru.Cache[string, string]
}

type ipInfoResponse struct {
	IP      string `json:"ip"`
	Country string `json:"country"`
	Bogon   bool   `json:"bogon"`
}

func NewIPInfo(cfg IPInfoConfig) (*IPInfo, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = config.DefaultIPInfoBaseURL
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("invalid ipinfo base url %q", cfg.BaseURL)
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = config.DefaultGeoCacheSize
	}
	cache, err := lru.New[string, string](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("geo cache: %w", err)
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = config.DefaultGeoTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return &IPInfo{baseURL: base, token: cfg.Token, client: client, cache: cache}, nil
}

func (g *IPInfo) Country(ctx context.Context, ip string) (string, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return "", fmt.Errorf("geo: invalid ip %q", ip)
	}
	addr = addr.Unmap()
	if !isPublic(addr) {
		return "", nil
	}
	key := addr.String()
	if country, ok := g.cache.Get(key); ok {
		return country, nil
	}

	country, err := g.lookup(ctx, key)
	if err != nil {
		return "", err
	}
	g.cache.Add(key, country)
	return country, nil
}

func (g *IPInfo) lookup(ctx context.Context, ip string) (string, error) {
	u := g.baseURL.JoinPath(ip, "json")
	if g.token != "" {
		u.RawQuery = url.Values{"token": {g.token}}.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("geo: lookup %s: %w", ip, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("geo: lookup %s: unexpected status %d", ip, resp.StatusCode)
	}

	var info ipInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", fmt.Errorf("geo: decode %s: %w", ip, err)
	}
	if info.Bogon {
		return "", nil
	}
	return normalizeCountry(info.Country), nil
}

func normalizeCountry(raw string) string {
	c := strings.ToUpper(strings.TrimSpace(raw))
	if len(c) != 2 || c[0] < 'A' || c[0] > 'Z' || c[1] < 'A' || c[1] > 'Z' {
		return ""
	}
	return c
}

func isPublic(addr netip.Addr) bool {
	return addr.IsValid() &&
		!addr.IsLoopback() &&
		!addr.IsPrivate() &&
		!addr.IsLinkLocalUnicast() &&
		!addr.IsLinkLocalMulticast() &&
		!addr.IsMulticast() &&
		!addr.IsUnspecified()
}

var errNoClientIP = errors.New("no client ip")

// ClientIP returns the address of the client behind r. With trustProxy the
// first X-Forwarded-For entry, then X-Real-IP, take precedence over the
// socket address.
func ClientIP(r *http.Request, trustProxy bool) (string, error) {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if addr, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
				return addr.Unmap().String(), nil
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			if addr, err := netip.ParseAddr(xri); err == nil {
				return addr.Unmap().String(), nil
			}
		}
	}

	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return "", errNoClientIP
	}
	return addr.Unmap().String(), nil
}
