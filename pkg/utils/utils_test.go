package utils

import (
	"strings"
	"testing"
)

func TestGeneratedIDsAreUniqueAndPrefixed(t *testing.T) {
	tests := []struct {
		name   string
		gen    func() string
		prefix string
	}{
		{"client", GenerateClientID, "console_"},
		{"request", GenerateRequestID, "req_"},
		{"viewer", GenerateViewerID, "viewer_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id1 := tt.gen()
			id2 := tt.gen()

			if id1 == id2 {
				t.Error("expected different IDs")
			}
			if !strings.HasPrefix(id1, tt.prefix) {
				t.Errorf("expected prefix %q, got %s", tt.prefix, id1)
			}
		})
	}
}
