package security

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ClientIPResolver extracts the address of the caller for rate limiting and
// audit logging.
//
// Forwarding headers are only honoured when TrustProxy is set. X-Forwarded-For
// is read from the right. The nearest proxy is the connection peer, and the
// remaining TrustedProxyCount (default 1) hops were appended by proxies we
// operate, so the entry just before them is the client. Entries further left
// are attacker-controlled and ignored.
type ClientIPResolver struct {
	TrustProxy        bool
	TrustedProxyCount int
}

// Resolve returns the client IP of r, falling back to RemoteAddr.
func (c ClientIPResolver) Resolve(r *http.Request) string {
	if c.TrustProxy {
		if ip, ok := c.fromForwardedFor(r.Header.Values("X-Forwarded-For")); ok {
			return ip
		}
		if ip, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (c ClientIPResolver) fromForwardedFor(headers []string) (string, bool) {
	var hops []string
	for _, h := range headers {
		for _, part := range strings.Split(h, ",") {
			if part = strings.TrimSpace(part); part != "" {
				hops = append(hops, part)
			}
		}
	}
	if len(hops) == 0 {
		return "", false
	}

	proxies := c.TrustedProxyCount
	if proxies <= 0 {
		proxies = 1
	}
	idx := len(hops) - proxies - 1
	if idx < 0 {
		idx = 0
	}

	ip, err := netip.ParseAddr(hops[idx])
	if err != nil {
		return "", false
	}
	return ip.String(), true
}
