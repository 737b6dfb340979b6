package backend

import (
	"net"
	"net/http"
	"strings"
)

// AllowlistRoundTripper enforces HTTPS-only requests to a fixed host allowlist.
// IP literals pass only when listed explicitly.
type AllowlistRoundTripper struct {
	Base      http.RoundTripper
	Allowlist map[string]bool
}

// NewAllowlistRoundTripper returns a RoundTripper that only lets requests
// through to the given hosts.
func NewAllowlistRoundTripper(base http.RoundTripper, hosts []string) *AllowlistRoundTripper {
	allowlist := make(map[string]bool, len(hosts))
	for _, host := range hosts {
		if host = canonicalHost(host); host != "" {
			allowlist[host] = true
		}
	}
	return &AllowlistRoundTripper{Base: base, Allowlist: allowlist}
}

// RoundTrip implements http.RoundTripper.
func (rt *AllowlistRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL == nil || req.URL.Scheme != "https" {
		return nil, ErrEgressBlocked
	}
	host := canonicalHost(req.URL.Hostname())
	if host == "" || !rt.Allowlist[host] {
		return nil, ErrEgressBlocked
	}
	base := rt.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// canonicalHost lowercases names and normalizes IP literals, so "[::1]" and
// "0:0::1" both match "::1".
func canonicalHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}
	return host
}
