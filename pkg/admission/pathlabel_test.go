package admission

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeMetricsPath(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		expected string
	}{
		{name: "static path unchanged", path: "/api/v1/items", expected: "/api/v1/items"},
		{name: "root", path: "/", expected: "/"},
		{name: "empty", path: "", expected: "/"},
		{name: "numeric id", path: "/users/123/orders", expected: "/users/:id/orders"},
		{name: "multiple ids", path: "/users/123/orders/456", expected: "/users/:id/orders/:id"},
		{name: "uuid", path: "/files/a81bc81b-dead-4e5d-abff-90865d1e13b1", expected: "/files/:uuid"},
		{name: "hex token", path: "/sessions/deadbeefdeadbeef01", expected: "/sessions/:hash"},
		{name: "short hex word kept", path: "/feed/ad", expected: "/feed/ad"},
		{name: "query stripped", path: "/api/v1/items?page=2", expected: "/api/v1/items"},
		{name: "trailing slash stripped", path: "/users/123/", expected: "/users/:id"},
		{name: "deep path truncated", path: "/a/b/c/d/e/f/g/h", expected: "/a/b/c/d/e/f/..."},
		{name: "version segment kept", path: "/v2/status", expected: "/v2/status"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeMetricsPath(tt.path))
		})
	}
}
