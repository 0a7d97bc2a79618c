package s2s

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/northvale/mesh/internal/config"
	"github.com/northvale/mesh/internal/errors"
)

func verifierConfig() config.S2SConfig {
	return config.S2SConfig{
		Mode:            ModeHS256,
		Secret:          "test-secret",
		AcceptedIssuers: []string{"gateway"},
		TokenTTL:        90 * time.Second,
		MaxTokenTTL:     5 * time.Minute,
		ReplayWindow:    time.Minute,
	}
}

// handMint builds a token outside the Signer so individual claims can be
// bent out of shape.
func handMint(t *testing.T, mutate func(jwt.MapClaims)) string {
	t.Helper()
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": "gateway",
		"sub": "gateway",
		"aud": "internal-services",
		"iat": now.Unix(),
		"exp": now.Add(time.Minute).Unix(),
		"jti": uuid.NewString(),
	}
	if mutate != nil {
		mutate(claims)
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("signing: %v", err)
	}
	return tok
}

func TestVerifyAcceptsFreshToken(t *testing.T) {
	signer, err := NewSigner(config.S2SConfig{Mode: ModeHS256, Secret: "test-secret", Issuer: "gateway", TokenTTL: 90 * time.Second}, "gateway", nil)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	v, err := NewVerifier(verifierConfig(), nil)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	tok, _ := signer.Mint()
	claims, err := v.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Issuer != "gateway" || claims.Subject != "gateway" || claims.ID == "" {
		t.Fatalf("claims = %+v", claims)
	}
	if v.Stats()["verified"].(int64) != 1 {
		t.Fatalf("verified counter = %v", v.Stats()["verified"])
	}
}

func TestVerifyRejections(t *testing.T) {
	cases := []struct {
		name   string
		token  func(t *testing.T) string
		detail string
	}{
		{
			name: "wrong secret",
			token: func(t *testing.T) string {
				tok, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
					"iss": "gateway", "aud": "internal-services",
					"iat": time.Now().Unix(), "exp": time.Now().Add(time.Minute).Unix(),
					"jti": uuid.NewString(),
				}).SignedString([]byte("other-secret"))
				return tok
			},
			detail: "invalid token",
		},
		{
			name: "unknown issuer",
			token: func(t *testing.T) string {
				return handMint(t, func(c jwt.MapClaims) { c["iss"] = "stranger" })
			},
			detail: "not accepted",
		},
		{
			name: "wrong audience",
			token: func(t *testing.T) string {
				return handMint(t, func(c jwt.MapClaims) { c["aud"] = "public" })
			},
			detail: "audience",
		},
		{
			name: "missing jti",
			token: func(t *testing.T) string {
				return handMint(t, func(c jwt.MapClaims) { delete(c, "jti") })
			},
			detail: "jti",
		},
		{
			name: "missing iat",
			token: func(t *testing.T) string {
				return handMint(t, func(c jwt.MapClaims) { delete(c, "iat") })
			},
			detail: "iat",
		},
		{
			name: "missing exp",
			token: func(t *testing.T) string {
				return handMint(t, func(c jwt.MapClaims) { delete(c, "exp") })
			},
			detail: "invalid token",
		},
		{
			name: "expired",
			token: func(t *testing.T) string {
				return handMint(t, func(c jwt.MapClaims) {
					c["iat"] = time.Now().Add(-2 * time.Minute).Unix()
					c["exp"] = time.Now().Add(-time.Minute).Unix()
				})
			},
			detail: "invalid token",
		},
		{
			name: "lifetime over the cap",
			token: func(t *testing.T) string {
				return handMint(t, func(c jwt.MapClaims) {
					c["exp"] = time.Now().Add(time.Hour).Unix()
				})
			},
			detail: "exceeds",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v, err := NewVerifier(verifierConfig(), nil)
			if err != nil {
				t.Fatalf("NewVerifier: %v", err)
			}
			_, err = v.Verify(tc.token(t))
			if err == nil {
				t.Fatal("verification passed")
			}
			if !errors.IsCode(err, errors.CodeUnauthorized) {
				t.Fatalf("error = %v, want unauthorized", err)
			}
			e := errors.AsError(err)
			if e == nil {
				t.Fatalf("error %v is not a problem error", err)
			}
			if !strings.Contains(e.Detail, tc.detail) {
				t.Fatalf("detail = %q, want substring %q", e.Detail, tc.detail)
			}
		})
	}
}

func TestVerifyRejectsAlgNone(t *testing.T) {
	v, err := NewVerifier(verifierConfig(), nil)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"iss": "gateway", "aud": "internal-services",
		"iat": time.Now().Unix(), "exp": time.Now().Add(time.Minute).Unix(),
		"jti": uuid.NewString(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("signing none token: %v", err)
	}
	if _, err := v.Verify(tok); err == nil {
		t.Fatal("alg=none token was accepted")
	}
}

func TestVerifyDetectsReplay(t *testing.T) {
	v, err := NewVerifier(verifierConfig(), nil)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	tok := handMint(t, nil)

	if _, err := v.Verify(tok); err != nil {
		t.Fatalf("first use rejected: %v", err)
	}
	_, err = v.Verify(tok)
	if err == nil {
		t.Fatal("replayed token was accepted")
	}
	if !strings.Contains(err.Error(), "replayed") {
		t.Fatalf("error = %v, want replay rejection", err)
	}
	if v.Stats()["replays"].(int64) != 1 {
		t.Fatalf("replay counter = %v", v.Stats()["replays"])
	}
}

func TestVerifierFallsBackToConfiguredIssuer(t *testing.T) {
	cfg := verifierConfig()
	cfg.AcceptedIssuers = nil
	cfg.Issuer = "gateway"
	v, err := NewVerifier(cfg, nil)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	if _, err := v.Verify(handMint(t, nil)); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	cfg.Issuer = ""
	if _, err := NewVerifier(cfg, nil); err == nil {
		t.Fatal("verifier without issuers was accepted")
	}
}

func TestVerifierMiddleware(t *testing.T) {
	v, err := NewVerifier(verifierConfig(), nil)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	var gotClaims Claims
	var gotOK bool
	h := v.Middleware(func(r *http.Request) bool {
		return strings.HasSuffix(r.URL.Path, "/health")
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotClaims, gotOK = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("missing token", func(t *testing.T) {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/entries", nil))
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rr.Code)
		}
		if rr.Header().Get("WWW-Authenticate") == "" {
			t.Fatal("401 without WWW-Authenticate")
		}
		if ct := rr.Header().Get("Content-Type"); ct != "application/problem+json" {
			t.Fatalf("content type = %q", ct)
		}
	})

	t.Run("bad token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/entries", nil)
		req.Header.Set("Authorization", "Bearer junk")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rr.Code)
		}
	})

	t.Run("good token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/entries", nil)
		req.Header.Set("Authorization", "Bearer "+handMint(t, nil))
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200: %s", rr.Code, rr.Body.String())
		}
		if !gotOK || gotClaims.Subject != "gateway" {
			t.Fatalf("claims in context = %+v, ok %v", gotClaims, gotOK)
		}
	})

	t.Run("skip path", func(t *testing.T) {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rr.Code)
		}
	})
}
