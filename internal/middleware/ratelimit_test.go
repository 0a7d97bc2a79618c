package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func limitedHandler(perMinute, burst int) http.Handler {
	return RateLimit(perMinute, burst)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func TestRateLimitAllowsBurstThenRejects(t *testing.T) {
	h := limitedHandler(60, 3)

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		last = httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "203.0.113.5:1234"
		h.ServeHTTP(last, req)
		if last.Code != http.StatusOK {
			t.Fatalf("request %d rejected: %d", i, last.Code)
		}
	}
	if last.Header().Get("X-RateLimit-Limit") != "60" {
		t.Fatalf("limit header = %q, want 60", last.Header().Get("X-RateLimit-Limit"))
	}

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.5:1234"
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatal("429 response missing Retry-After")
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Fatalf("429 content type = %q", ct)
	}
}

func TestRateLimitIsolatesClients(t *testing.T) {
	h := limitedHandler(60, 1)

	first := httptest.NewRequest(http.MethodGet, "/", nil)
	first.RemoteAddr = "198.51.100.1:1000"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, first)
	if rr.Code != http.StatusOK {
		t.Fatalf("first client rejected: %d", rr.Code)
	}

	second := httptest.NewRequest(http.MethodGet, "/", nil)
	second.RemoteAddr = "198.51.100.2:1000"
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, second)
	if rr.Code != http.StatusOK {
		t.Fatalf("other client caught by first client's bucket: %d", rr.Code)
	}
}

func TestRateLimitDisabled(t *testing.T) {
	h := limitedHandler(0, 0)
	for i := 0; i < 50; i++ {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("disabled limiter rejected request %d", i)
		}
	}
}

func TestIPRateLimiterRemainingNeverNegative(t *testing.T) {
	l := NewIPRateLimiter(60, 1)
	l.Allow("k")
	_, remaining := l.Allow("k")
	if remaining < 0 {
		t.Fatalf("remaining = %d", remaining)
	}
}

func TestGlobalRateLimitSharesOneBucket(t *testing.T) {
	rejected := 0
	h := GlobalRateLimit(1, 2, func() { rejected++ })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// Two clients drain the shared burst, the third request is rejected
	// no matter where it comes from.
	for i, addr := range []string{"198.51.100.1:1000", "198.51.100.2:1000"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d rejected: %d", i, rr.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.3:1000"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rr.Code)
	}
	if rejected != 1 {
		t.Fatalf("reject hook fired %d times, want 1", rejected)
	}
}

func TestGlobalRateLimitDisabled(t *testing.T) {
	h := GlobalRateLimit(0, 0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	for i := 0; i < 20; i++ {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("disabled global cap rejected request %d", i)
		}
	}
}
