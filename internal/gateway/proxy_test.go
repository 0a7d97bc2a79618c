package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestParseRoute(t *testing.T) {
	cases := []struct {
		path string
		want route
		ok   bool
	}{
		{"/api/user/v1", route{"user", 1, "/"}, true},
		{"/api/user/v1/", route{"user", 1, "/"}, true},
		{"/api/user/v1/things/42", route{"user", 1, "/things/42"}, true},
		{"/api/audit-log/v12/health", route{"audit-log", 12, "/health"}, true},
		{"/api/user/v0/things", route{}, false},
		{"/api/User/v1/things", route{}, false},
		{"/api/user/version1/things", route{}, false},
		{"/api//v1/things", route{}, false},
		{"/api/user", route{}, false},
		{"/healthz", route{}, false},
	}
	for _, tc := range cases {
		got, ok := parseRoute(tc.path)
		if ok != tc.ok || got != tc.want {
			t.Errorf("parseRoute(%q) = %+v, %v; want %+v, %v", tc.path, got, ok, tc.want, tc.ok)
		}
	}
}

func TestRouteIsHealth(t *testing.T) {
	cases := []struct {
		sub  string
		want bool
	}{
		{"/health", true},
		{"/health/lb", true},
		{"/health/deep_probe-1", true},
		{"/health/a/b", false},
		{"/health/", false},
		{"/healthz", false},
		{"/", false},
		{"/things/health", false},
	}
	for _, tc := range cases {
		if got := (route{Subpath: tc.sub}).IsHealth(); got != tc.want {
			t.Errorf("IsHealth(%q) = %v, want %v", tc.sub, got, tc.want)
		}
	}
}

func TestHostUnroutable(t *testing.T) {
	for _, host := range []string{"0.0.0.0", "::"} {
		if !hostUnroutable(host) {
			t.Errorf("hostUnroutable(%q) = false", host)
		}
	}
	for _, host := range []string{"127.0.0.1", "user-svc", "::1", "10.0.0.7"} {
		if hostUnroutable(host) {
			t.Errorf("hostUnroutable(%q) = true", host)
		}
	}
}

func TestForwardingTrail(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/user/v1/things", nil)
	hdr := http.Header{}
	forwardingTrail(hdr, req)
	if hdr.Get("X-Forwarded-For") != "192.0.2.1" {
		t.Fatalf("X-Forwarded-For = %q", hdr.Get("X-Forwarded-For"))
	}
	if hdr.Get("X-Forwarded-Proto") != "http" || hdr.Get("X-Forwarded-Host") != "example.com" {
		t.Fatalf("trail = %q %q", hdr.Get("X-Forwarded-Proto"), hdr.Get("X-Forwarded-Host"))
	}

	// A prior hop's trail is extended, not replaced.
	req.Header.Set("X-Forwarded-For", "198.51.100.7")
	hdr = http.Header{}
	forwardingTrail(hdr, req)
	if hdr.Get("X-Forwarded-For") != "198.51.100.7, 192.0.2.1" {
		t.Fatalf("X-Forwarded-For = %q", hdr.Get("X-Forwarded-For"))
	}
}

func TestRelayHeadersDropsHopByHop(t *testing.T) {
	src := http.Header{}
	src.Set("Content-Type", "application/json")
	src.Set("X-Trace", "abc")
	src.Set("Transfer-Encoding", "chunked")
	src.Set("Connection", "X-Internal")
	src.Set("X-Internal", "1")
	src.Set("Authorization", "Bearer upstream-secret")

	dst := http.Header{}
	relayHeaders(dst, src)

	if dst.Get("Content-Type") != "application/json" || dst.Get("X-Trace") != "abc" {
		t.Fatalf("kept headers = %v", dst)
	}
	for _, k := range []string{"Transfer-Encoding", "Connection", "X-Internal", "Authorization"} {
		if dst.Get(k) != "" {
			t.Errorf("%s leaked through the relay", k)
		}
	}
}

func TestStatusCaptureFirstWriteWins(t *testing.T) {
	sc := &statusCapture{ResponseWriter: httptest.NewRecorder()}
	if sc.Wrote() {
		t.Fatal("fresh capture reports wrote")
	}
	sc.Write([]byte("hello"))
	if !sc.Wrote() || sc.Status() != http.StatusOK {
		t.Fatalf("after Write: wrote=%v status=%d", sc.Wrote(), sc.Status())
	}
	sc.WriteHeader(http.StatusInternalServerError)
	if sc.Status() != http.StatusOK {
		t.Fatalf("status = %d, want the first write to stand", sc.Status())
	}

	sc = &statusCapture{ResponseWriter: httptest.NewRecorder()}
	sc.WriteHeader(http.StatusNotFound)
	sc.Write([]byte("missing"))
	if sc.Status() != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", sc.Status())
	}
}
