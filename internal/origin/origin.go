// Package origin validates browser Origin headers for the meeting
// websocket and HTTP API.
package origin

import (
	"net/url"
	"strconv"
	"strings"
)

// Matcher decides whether a browser origin may join meetings on this
// deployment.
//
// Each allowed entry is one of:
//   - "*"                      allow any origin
//   - "https://meet.iglu.app"  exact normalized origin
//   - "https://*.iglu.app"     any direct or nested subdomain
//
// An empty allowlist falls back to same-host-only: the origin's
// host[:port] must match the incoming request's Host header (default
// ports are treated as equivalent).
type Matcher struct {
	allowAny  bool
	exact     map[string]struct{}
	wildcards []wildcard
}

type wildcard struct {
	scheme string
	domain string // without the leading "*."
}

func NewMatcher(allowed []string) (*Matcher, error) {
	m := &Matcher{exact: make(map[string]struct{})}
	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" {
			m.allowAny = true
			continue
		}
		if scheme, domain, ok := splitWildcard(entry); ok {
			m.wildcards = append(m.wildcards, wildcard{scheme: scheme, domain: domain})
			continue
		}
		normalized, _, ok := Normalize(entry)
		if !ok {
			return nil, &InvalidEntryError{Entry: entry}
		}
		m.exact[normalized] = struct{}{}
	}
	return m, nil
}

type InvalidEntryError struct {
	Entry string
}

func (e *InvalidEntryError) Error() string {
	return "invalid allowed origin " + strconv.Quote(e.Entry)
}

// Allows reports whether originHeader may access a request whose Host
// header is requestHost.
func (m *Matcher) Allows(originHeader, requestHost string) bool {
	normalized, host, ok := Normalize(originHeader)
	if !ok {
		return false
	}

	if m.allowAny {
		return true
	}

	if len(m.exact) > 0 || len(m.wildcards) > 0 {
		if _, ok := m.exact[normalized]; ok {
			return true
		}
		scheme, _, found := strings.Cut(normalized, "://")
		if !found {
			return false
		}
		hostname := host
		if i := strings.LastIndexByte(host, ':'); i >= 0 && !strings.HasSuffix(host, "]") {
			hostname = host[:i]
		}
		for _, w := range m.wildcards {
			if w.scheme != scheme {
				continue
			}
			if strings.HasSuffix(hostname, "."+w.domain) {
				return true
			}
		}
		return false
	}

	// Same host:port fallback. Scheme is intentionally not compared: the
	// server may sit behind a TLS-terminating reverse proxy and see the
	// request as HTTP while the browser Origin is HTTPS.
	scheme, _, found := strings.Cut(normalized, "://")
	if !found {
		return false
	}
	normalizedRequestHost, ok := normalizeRequestHost(requestHost, scheme)
	if !ok {
		return false
	}
	return host == normalizedRequestHost
}

func splitWildcard(entry string) (scheme, domain string, ok bool) {
	scheme, rest, found := strings.Cut(entry, "://")
	if !found || (scheme != "http" && scheme != "https") {
		return "", "", false
	}
	if !strings.HasPrefix(rest, "*.") {
		return "", "", false
	}
	domain = strings.ToLower(rest[2:])
	if domain == "" || strings.ContainsAny(domain, "/:") {
		return "", "", false
	}
	return scheme, domain, true
}

// Normalize validates and normalizes a browser Origin header value into
// scheme://host[:port] plus the host[:port] portion. The special value
// "null" is rejected: sandboxed frames have no business in a meeting.
func Normalize(originHeader string) (normalizedOrigin string, host string, ok bool) {
	trimmed := strings.TrimSpace(originHeader)
	if trimmed == "" || trimmed == "null" {
		return "", "", false
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	rawHostname, rawPort, ok := splitHostPort(u.Host)
	if !ok {
		return "", "", false
	}

	hostname := strings.ToLower(rawHostname)
	if hostname == "" {
		return "", "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", "", false
		}
		port = n
	}

	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host = hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host = host + ":" + strconv.FormatUint(port, 10)
	}
	return scheme + "://" + host, host, true
}

func normalizeRequestHost(requestHost, scheme string) (string, bool) {
	trimmed := strings.ToLower(strings.TrimSpace(requestHost))
	if trimmed == "" {
		return "", false
	}

	hostname, rawPort, ok := splitHostPort(trimmed)
	if !ok || hostname == "" {
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

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host = host + ":" + strconv.FormatUint(port, 10)
	}
	return host, true
}

// splitHostPort splits an authority host[:port] string. IPv6 literals are
// returned without brackets; the port is returned unvalidated and empty
// when absent.
func splitHostPort(rawHost string) (hostname, port string, ok bool) {
	if rawHost == "" {
		return "", "", false
	}

	if strings.HasPrefix(rawHost, "[") {
		end := strings.IndexByte(rawHost, ']')
		if end < 0 {
			return "", "", false
		}
		hostname = rawHost[1:end]
		rest := rawHost[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		if !strings.HasPrefix(rest, ":") || len(rest) == 1 {
			return "", "", false
		}
		return hostname, rest[1:], true
	}

	switch strings.Count(rawHost, ":") {
	case 0:
		return rawHost, "", true
	case 1:
		name, p, _ := strings.Cut(rawHost, ":")
		if name == "" || p == "" {
			return "", "", false
		}
		return name, p, true
	default:
		// Unbracketed IPv6 literals are not valid authority components.
		return "", "", false
	}
}
