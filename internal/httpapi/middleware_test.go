package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRemoteIP(t *testing.T) {
	cases := []struct {
		name       string
		remoteAddr string
		xff        string
		want       string
	}{
		{"direct", "192.0.2.1:5000", "", "192.0.2.1"},
		{"forwarded", "10.0.0.1:5000", "203.0.113.7", "203.0.113.7"},
		{"forwarded chain", "10.0.0.1:5000", "203.0.113.7, 10.0.0.2", "203.0.113.7"},
		{"forwarded empty first", "10.0.0.1:5000", " , 203.0.113.7", "203.0.113.7"},
		{"no port", "192.0.2.1", "", "192.0.2.1"},
	}

	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tc.remoteAddr
		if tc.xff != "" {
			req.Header.Set("X-Forwarded-For", tc.xff)
		}
		if got := remoteIP(req); got != tc.want {
			t.Fatalf("%s: expected %q, got %q", tc.name, tc.want, got)
		}
	}
}

func TestVisitorLimiterPerIP(t *testing.T) {
	lim := newVisitorLimiter(1, 1)

	if !lim.Allow("192.0.2.1") {
		t.Fatalf("first request must pass")
	}
	if lim.Allow("192.0.2.1") {
		t.Fatalf("second immediate request must be limited")
	}
	// a different client has its own bucket
	if !lim.Allow("192.0.2.2") {
		t.Fatalf("other client must not share the bucket")
	}
}

func TestVisitorLimiterDisabled(t *testing.T) {
	var lim *visitorLimiter
	if !lim.Allow("192.0.2.1") {
		t.Fatalf("nil limiter must allow everything")
	}
	if newVisitorLimiter(0, 10) != nil || newVisitorLimiter(10, 0) != nil {
		t.Fatalf("non-positive settings must disable the limiter")
	}
}

func TestBaseWriterUnwraps(t *testing.T) {
	base := httptest.NewRecorder()
	wrapped := &accessRecorder{ResponseWriter: base}
	if got := baseWriter(wrapped); got != http.ResponseWriter(base) {
		t.Fatalf("expected the underlying writer back")
	}
	if got := baseWriter(base); got != http.ResponseWriter(base) {
		t.Fatalf("unwrapped writer must pass through")
	}
}

func TestAccessRecorderDefaultsTo200(t *testing.T) {
	base := httptest.NewRecorder()
	rec := &accessRecorder{ResponseWriter: base}
	if _, err := rec.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if rec.Status() != http.StatusOK || rec.Bytes() != 5 {
		t.Fatalf("unexpected recorder state: %d %d", rec.Status(), rec.Bytes())
	}
}
