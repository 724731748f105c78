package middleware

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
)

// TrustedProxies validates whether the direct TCP peer of a request is a
// reverse proxy whose forwarding headers may be believed. Forwarded headers
// from untrusted peers are ignored entirely, which prevents limit-bypass
// attacks where a client rotates its apparent address through spoofed
// X-Forwarded-For values.
type TrustedProxies struct {
	prefixes []netip.Prefix
}

// NewTrustedProxies parses a list of CIDR ranges or bare addresses into a
// proxy trust checker. Bare addresses are converted to single-host prefixes
// (/32 for IPv4, /128 for IPv6). Invalid entries are a configuration error;
// fail closed rather than silently trusting nothing.
func NewTrustedProxies(entries []string) (*TrustedProxies, error) {
	tp := &TrustedProxies{}
	for _, entry := range entries {
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			addr, addrErr := netip.ParseAddr(entry)
			if addrErr != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: must be an IP address or CIDR range", entry)
			}
			prefix = netip.PrefixFrom(addr, addr.BitLen())
		}
		tp.prefixes = append(tp.prefixes, prefix)
	}
	return tp, nil
}

// IsTrusted reports whether remoteAddr ("ip:port" or bare IP) belongs to a
// trusted proxy range. Unparseable addresses are never trusted.
func (tp *TrustedProxies) IsTrusted(remoteAddr string) bool {
	if tp == nil || len(tp.prefixes) == 0 {
		return false
	}
	host, err := hostFromAddr(remoteAddr)
	if err != nil {
		return false
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	for _, prefix := range tp.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// forwardedFor returns the X-Forwarded-For header when the direct peer is a
// trusted proxy, and empty otherwise. A forwarded header arriving from an
// untrusted peer is logged as a spoofing attempt.
func (tp *TrustedProxies) forwardedFor(r *http.Request) string {
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return ""
	}
	if !tp.IsTrusted(r.RemoteAddr) {
		slog.Warn("untrusted peer sent X-Forwarded-For, ignoring header",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("x_forwarded_for", xff),
		)
		return ""
	}
	return xff
}

// hostFromAddr extracts the host part of a "host:port" or bare address
// string. Handles bracketed IPv6 literals.
func hostFromAddr(addr string) (string, error) {
	host, _, err := net.SplitHostPort(addr)
	if err == nil {
		return host, nil
	}
	if ip := net.ParseIP(addr); ip != nil {
		return ip.String(), nil
	}
	return "", fmt.Errorf("invalid address format: %s", addr)
}
