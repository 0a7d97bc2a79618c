package s2s

import (
	"net/http"
	"testing"
)

func TestSanitizeHeaders(t *testing.T) {
	in := http.Header{}
	in.Set("Content-Type", "application/json")
	in.Set("Accept", "application/json")
	in.Add("X-Custom", "one")
	in.Add("X-Custom", "two")
	in.Set("Authorization", "Bearer caller-token")
	in.Set("Connection", "keep-alive, X-Linked")
	in.Set("X-Linked", "drop-me")
	in.Set("Keep-Alive", "timeout=5")
	in.Set("Transfer-Encoding", "chunked")
	in.Set("Upgrade", "h2c")
	in.Set("Te", "trailers")

	out := SanitizeHeaders(in)

	for _, name := range []string{
		"Authorization", "Connection", "X-Linked", "Keep-Alive",
		"Transfer-Encoding", "Upgrade", "Te",
	} {
		if _, ok := out[name]; ok {
			t.Errorf("%s survived sanitization", name)
		}
	}
	if got := out.Get("Content-Type"); got != "application/json" {
		t.Fatalf("Content-Type = %q", got)
	}
	if vals := out.Values("X-Custom"); len(vals) != 2 || vals[0] != "one" || vals[1] != "two" {
		t.Fatalf("X-Custom = %v", vals)
	}

	// The input must be untouched.
	if in.Get("Authorization") == "" {
		t.Fatal("sanitization mutated the source headers")
	}
}

func TestSanitizeHeadersEmpty(t *testing.T) {
	if out := SanitizeHeaders(nil); len(out) != 0 {
		t.Fatalf("out = %v", out)
	}
	if out := SanitizeHeaders(http.Header{}); len(out) != 0 {
		t.Fatalf("out = %v", out)
	}
}
