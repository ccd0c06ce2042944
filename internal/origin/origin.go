// Package origin implements the browser Origin policy shared by the HTTP
// endpoints and the WebSocket upgrade.
package origin

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// NormalizeHeader validates a browser Origin header and returns it as
// scheme://host[:port] with the scheme and host lower-cased and default ports
// removed, plus the host[:port] part for same-host comparisons.
//
// "null" is accepted and returned as-is with an empty host.
func NormalizeHeader(originHeader string) (normalizedOrigin string, host string, ok bool) {
	trimmed := strings.TrimSpace(originHeader)
	switch trimmed {
	case "":
		return "", "", false
	case "null":
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" || u.ForceQuery {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = canonicalHost(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// IsAllowed reports whether a normalized origin may talk to requestHost.
//
// A non-empty allowlist is authoritative ("*" allows everything). With no
// allowlist only same-host requests pass. Schemes are not compared since TLS
// is usually terminated in front of the server.
func IsAllowed(normalizedOrigin, originHost, requestHost string, allowedOrigins []string) bool {
	if len(allowedOrigins) > 0 {
		for _, allowed := range allowedOrigins {
			if allowed == "*" || allowed == normalizedOrigin {
				return true
			}
		}
		return false
	}

	scheme, _, ok := strings.Cut(normalizedOrigin, "://")
	if !ok {
		// "null" never matches a host.
		return false
	}
	reqHost, ok := canonicalHost(strings.TrimSpace(requestHost), scheme)
	return ok && originHost == reqHost
}

// CheckRequest applies the policy to r. Requests without an Origin header
// are not from a browser and pass; duplicated or malformed headers fail.
func CheckRequest(r *http.Request, allowedOrigins []string) bool {
	values := r.Header.Values("Origin")
	switch len(values) {
	case 0:
		return true
	case 1:
	default:
		return false
	}
	normalized, host, ok := NormalizeHeader(values[0])
	if !ok {
		return false
	}
	return IsAllowed(normalized, host, r.Host, allowedOrigins)
}

func canonicalHost(authority, scheme string) (string, bool) {
	hostname, rawPort, ok := splitHostPort(authority)
	if !ok {
		return "", false
	}
	hostname = strings.ToLower(hostname)
	// Zone identifiers and escapes do not survive a round trip.
	if hostname == "" || strings.ContainsAny(hostname, "%[] ") {
		return "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	if strings.Contains(hostname, ":") {
		hostname = "[" + hostname + "]"
	}
	if port != 0 {
		hostname += ":" + strconv.FormatUint(port, 10)
	}
	return hostname, true
}

// splitHostPort splits host[:port]. IPv6 literals must be bracketed; the
// brackets are stripped from the returned hostname.
func splitHostPort(authority string) (hostname, port string, ok bool) {
	if authority == "" {
		return "", "", false
	}

	if strings.HasPrefix(authority, "[") {
		end := strings.IndexByte(authority, ']')
		if end < 0 {
			return "", "", false
		}
		hostname, rest := authority[1:end], authority[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		port, ok := strings.CutPrefix(rest, ":")
		if !ok || port == "" {
			return "", "", false
		}
		return hostname, port, true
	}

	hostname, port, found := strings.Cut(authority, ":")
	if !found {
		return authority, "", true
	}
	if hostname == "" || port == "" || strings.Contains(port, ":") {
		return "", "", false
	}
	return hostname, port, true
}
