package s2s

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/northvale/mesh/internal/config"
	"github.com/northvale/mesh/internal/errors"
	"github.com/northvale/mesh/internal/logging"
	"github.com/northvale/mesh/internal/middleware"
)

// replayCacheSize bounds the jti cache. At the default 90 s token
// lifetime this covers far more traffic than the window can see.
const replayCacheSize = 16384

// Claims is the verified caller identity bound to the request context.
type Claims struct {
	Issuer  string
	Subject string
	ID      string // jti
}

type claimsKey struct{}

// WithClaims binds verified claims to the context.
func WithClaims(ctx context.Context, c Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// ClaimsFromContext returns the verified claims, if the request passed
// verification.
func ClaimsFromContext(ctx context.Context) (Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(Claims)
	return c, ok
}

// Verifier checks inbound caller tokens: signature, issuer allow-list,
// audience, bounded lifetime, and single use of the jti within the
// replay window.
type Verifier struct {
	keyFunc  jwt.Keyfunc
	audience string
	accepted map[string]bool
	maxTTL   time.Duration
	seen     *expirable.LRU[string, struct{}]
	jwks     *JWKSProvider

	log      *logging.Logger
	verified atomic.Int64
	rejected atomic.Int64
	replays  atomic.Int64
}

// NewVerifier builds a verifier from config. hs256 verifies against the
// shared secret; rs256 verifies against the JWKS endpoint.
func NewVerifier(cfg config.S2SConfig, log *logging.Logger) (*Verifier, error) {
	if log == nil {
		log = logging.Global()
	}
	v := &Verifier{
		audience: cfg.Audience,
		maxTTL:   cfg.MaxTokenTTL,
		log:      log,
	}
	if v.audience == "" {
		v.audience = "internal-services"
	}
	if v.maxTTL <= 0 {
		v.maxTTL = 5 * time.Minute
	}

	issuers := cfg.AcceptedIssuers
	if len(issuers) == 0 && cfg.Issuer != "" {
		issuers = []string{cfg.Issuer}
	}
	if len(issuers) == 0 {
		return nil, fmt.Errorf("s2s verifier: no accepted issuers configured")
	}
	v.accepted = make(map[string]bool, len(issuers))
	for _, iss := range issuers {
		v.accepted[iss] = true
	}

	window := cfg.ReplayWindow
	if window <= 0 {
		window = 10 * time.Minute
	}
	v.seen = expirable.NewLRU[string, struct{}](replayCacheSize, nil, window)

	switch cfg.Mode {
	case ModeHS256, "":
		if cfg.Secret == "" {
			return nil, fmt.Errorf("s2s verifier: hs256 requires a shared secret")
		}
		secret := []byte(cfg.Secret)
		v.keyFunc = func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return secret, nil
		}
	case ModeRS256:
		if cfg.JWKSURL == "" {
			return nil, fmt.Errorf("s2s verifier: rs256 requires jwks_url")
		}
		provider, err := NewJWKSProvider(cfg.JWKSURL, 0)
		if err != nil {
			return nil, err
		}
		v.jwks = provider
		inner := provider.KeyFunc()
		v.keyFunc = func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return inner(token)
		}
	default:
		return nil, fmt.Errorf("s2s verifier: unsupported mode %q", cfg.Mode)
	}
	return v, nil
}

// Verify checks one token string and returns the caller claims.
func (v *Verifier) Verify(tokenString string) (Claims, error) {
	token, err := jwt.Parse(tokenString, v.keyFunc,
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return v.reject("invalid token: %v", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return v.reject("invalid token claims")
	}

	iss, _ := claims.GetIssuer()
	if !v.accepted[iss] {
		return v.reject("issuer %q is not accepted", iss)
	}

	aud, _ := claims.GetAudience()
	if !containsAudience(aud, v.audience) {
		return v.reject("token audience does not include %q", v.audience)
	}

	iat, err := claims.GetIssuedAt()
	if err != nil || iat == nil {
		return v.reject("token missing iat")
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return v.reject("token missing exp")
	}
	if lifetime := exp.Sub(iat.Time); lifetime > v.maxTTL {
		return v.reject("token lifetime %s exceeds the %s limit", lifetime, v.maxTTL)
	}

	jti, _ := claims["jti"].(string)
	if jti == "" {
		return v.reject("token missing jti")
	}
	if _, dup := v.seen.Get(jti); dup {
		v.replays.Add(1)
		return v.reject("token replayed")
	}
	v.seen.Add(jti, struct{}{})

	sub, _ := claims.GetSubject()
	v.verified.Add(1)
	return Claims{Issuer: iss, Subject: sub, ID: jti}, nil
}

func (v *Verifier) reject(format string, args ...any) (Claims, error) {
	v.rejected.Add(1)
	return Claims{}, errors.ErrUnauthorized.WithDetailf(format, args...)
}

// Middleware verifies the bearer token on every request except those skip
// approves. Failures answer 401 with a Problem body and WWW-Authenticate.
func (v *Verifier) Middleware(skip func(*http.Request) bool) middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip != nil && skip(r) {
				next.ServeHTTP(w, r)
				return
			}
			raw := extractBearer(r)
			if raw == "" {
				v.rejected.Add(1)
				v.deny(w, r, errors.ErrUnauthorized.WithDetail("Bearer token not provided"))
				return
			}
			claims, err := v.Verify(raw)
			if err != nil {
				v.deny(w, r, errors.AsError(err))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

func (v *Verifier) deny(w http.ResponseWriter, r *http.Request, e *errors.Error) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="internal"`)
	e.WithRequestID(middleware.RequestIDFromContext(r.Context())).WriteProblem(w)
}

// Close releases the JWKS refresher, if any.
func (v *Verifier) Close() {
	if v.jwks != nil {
		v.jwks.Close()
	}
}

// Stats reports verification counters.
func (v *Verifier) Stats() map[string]any {
	return map[string]any{
		"verified": v.verified.Load(),
		"rejected": v.rejected.Load(),
		"replays":  v.replays.Load(),
	}
}

func extractBearer(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	if strings.HasPrefix(auth, "Bearer ") || strings.HasPrefix(auth, "bearer ") {
		return auth[7:]
	}
	return ""
}

func containsAudience(aud jwt.ClaimStrings, want string) bool {
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}
