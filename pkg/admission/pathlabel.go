package admission

import (
	"strings"

	"github.com/google/uuid"
)

// maxLabelSegments bounds how deep a path contributes to a metrics label.
// Deeper paths are truncated rather than dropped so a scan against
// /a/b/c/d/e/... still shows up under one label.
const maxLabelSegments = 6

// NormalizeMetricsPath collapses variable path segments into placeholders
// so request paths stay usable as a Prometheus label without exploding
// cardinality. Numeric IDs become ":id", UUIDs become ":uuid", and long
// hex tokens become ":hash". Query strings and trailing slashes are
// stripped.
//
// Examples:
//
//	NormalizeMetricsPath("/users/123/orders")                    // "/users/:id/orders"
//	NormalizeMetricsPath("/files/a81bc81b-dead-4e5d-abff-90865d1e13b1") // "/files/:uuid"
//	NormalizeMetricsPath("/api/v1/items?page=2")                 // "/api/v1/items"
func NormalizeMetricsPath(path string) string {
	if idx := strings.IndexByte(path, '?'); idx != -1 {
		path = path[:idx]
	}
	if len(path) > 1 && path[len(path)-1] == '/' {
		path = path[:len(path)-1]
	}
	if path == "" || path == "/" {
		return "/"
	}

	segments := strings.Split(path[1:], "/")
	truncated := false
	if len(segments) > maxLabelSegments {
		segments = segments[:maxLabelSegments]
		truncated = true
	}

	for i, seg := range segments {
		switch {
		case isNumeric(seg):
			segments[i] = ":id"
		case isUUID(seg):
			segments[i] = ":uuid"
		case isHexToken(seg):
			segments[i] = ":hash"
		}
	}

	out := "/" + strings.Join(segments, "/")
	if truncated {
		out += "/..."
	}
	return out
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func isUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// isHexToken reports whether a segment looks like an opaque hex token
// (session IDs, content hashes). Short hex strings are left alone since
// they are likely real route words ("ad", "feed").
func isHexToken(s string) bool {
	if len(s) < 16 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
