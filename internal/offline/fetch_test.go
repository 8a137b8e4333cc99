package offline

import (
	"net/http"
	"testing"
)

func TestStripHopHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "close, X-Trace")
	h.Set("X-Trace", "abc")
	h.Set("Keep-Alive", "timeout=5")
	h.Set("Transfer-Encoding", "chunked")
	h.Set("Content-Type", "text/html")

	stripHopHeaders(h)
	for _, k := range []string{"Connection", "X-Trace", "Keep-Alive", "Transfer-Encoding"} {
		if h.Get(k) != "" {
			t.Errorf("%s kept", k)
		}
	}
	if h.Get("Content-Type") != "text/html" {
		t.Error("end-to-end header dropped")
	}
}

func TestDropCookie(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"offline0_client=abc", ""},
		{"theme=dark; offline0_client=abc; lang=ga", "theme=dark; lang=ga"},
		{"theme=dark", "theme=dark"},
	}
	for _, tt := range tests {
		h := http.Header{}
		h.Set("Cookie", tt.in)
		dropCookie(h, clientCookie)
		if got := h.Get("Cookie"); got != tt.want {
			t.Errorf("dropCookie(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
