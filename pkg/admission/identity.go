package admission

import (
	"fmt"
	"hash/fnv"
	"net"
	"strings"
)

// Request carries the per-request metadata the engine evaluates. The
// transport adapter fills it in; the engine performs no network I/O to
// resolve any of it.
type Request struct {
	// RemoteAddr is the direct peer address, typically "ip:port".
	RemoteAddr string

	// ForwardedFor is the X-Forwarded-For chain. The adapter must only
	// populate it when the direct peer is a trusted proxy; the resolver
	// takes the first hop at face value.
	ForwardedFor string

	// UserAgent is the raw User-Agent header.
	UserAgent string

	// Principal is the authenticated principal id when the caller is
	// logged in, empty otherwise.
	Principal string

	// Path is the request path.
	Path string

	// Method is the HTTP method. Advisory only.
	Method string

	// RawQuery is the unparsed query string.
	RawQuery string
}

// IdentifierResolver derives a canonical caller identity from request
// metadata. It always returns a value: absent metadata degrades to literal
// "unknown" components, never to an error.
type IdentifierResolver struct{}

// NewIdentifierResolver returns a resolver.
func NewIdentifierResolver() *IdentifierResolver {
	return &IdentifierResolver{}
}

// Resolve returns a stable identifier for the caller.
//
// An authenticated principal wins so throttling follows the logical user
// across addresses. Anonymous callers are keyed by client address plus a
// short user-agent digest, which separates NATed clients sharing one IP
// without fully de-anonymizing them. Digest collisions are tolerated; they
// only make limiting stricter, never looser.
func (r *IdentifierResolver) Resolve(req *Request) string {
	if p := strings.TrimSpace(req.Principal); p != "" {
		return "user:" + p
	}
	return fmt.Sprintf("anon:%s#%s", r.clientAddress(req), shortDigest(req.UserAgent))
}

// ClientAddress returns the caller's network address alone, used for
// allowlist and blocklist matching.
func (r *IdentifierResolver) ClientAddress(req *Request) string {
	return r.clientAddress(req)
}

func (r *IdentifierResolver) clientAddress(req *Request) string {
	if xff := strings.TrimSpace(req.ForwardedFor); xff != "" {
		first := xff
		if i := strings.IndexByte(xff, ','); i >= 0 {
			first = xff[:i]
		}
		first = strings.TrimSpace(first)
		if ip := net.ParseIP(first); ip != nil {
			return ip.String()
		}
	}

	addr := strings.TrimSpace(req.RemoteAddr)
	if addr == "" {
		return "unknown"
	}
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return host
	}
	if ip := net.ParseIP(addr); ip != nil {
		return ip.String()
	}
	return "unknown"
}

// shortDigest hashes the user agent into a fixed-width hex token. FNV-1a
// is enough here: the digest narrows identity, it does not authenticate.
func shortDigest(userAgent string) string {
	ua := strings.TrimSpace(userAgent)
	if ua == "" {
		return "unknown"
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(ua))
	return fmt.Sprintf("%08x", h.Sum32())
}
