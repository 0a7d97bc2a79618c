package s2s

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// JWKSProvider fetches and caches the mesh's JSON Web Key Set for rs256
// verification. Keys refresh in the background; rotation needs no restart.
type JWKSProvider struct {
	cache  *jwk.Cache
	url    string
	cancel context.CancelFunc
}

// NewJWKSProvider registers jwksURL and performs an initial fetch so a
// bad URL fails at boot rather than on the first request.
func NewJWKSProvider(jwksURL string, refreshInterval time.Duration) (*JWKSProvider, error) {
	if refreshInterval <= 0 {
		refreshInterval = time.Hour
	}

	ctx, cancel := context.WithCancel(context.Background())
	cache := jwk.NewCache(ctx)

	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(refreshInterval)); err != nil {
		cancel()
		return nil, fmt.Errorf("s2s jwks: registering %s: %w", jwksURL, err)
	}
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		cancel()
		return nil, fmt.Errorf("s2s jwks: initial fetch from %s: %w", jwksURL, err)
	}

	return &JWKSProvider{cache: cache, url: jwksURL, cancel: cancel}, nil
}

// KeyFunc returns a jwt.Keyfunc that resolves keys by kid, falling back
// to the sole key of a kid-less set.
func (p *JWKSProvider) KeyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		keySet, err := p.cache.Get(ctx, p.url)
		if err != nil {
			return nil, fmt.Errorf("s2s jwks: fetching key set: %w", err)
		}

		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			if keySet.Len() == 1 {
				key, _ := keySet.Key(0)
				var raw interface{}
				if err := key.Raw(&raw); err != nil {
					return nil, fmt.Errorf("s2s jwks: extracting key: %w", err)
				}
				return raw, nil
			}
			return nil, fmt.Errorf("s2s jwks: token has no kid and the set holds %d keys", keySet.Len())
		}

		key, found := keySet.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("s2s jwks: key %q not in set", kid)
		}
		var raw interface{}
		if err := key.Raw(&raw); err != nil {
			return nil, fmt.Errorf("s2s jwks: extracting key %q: %w", kid, err)
		}
		return raw, nil
	}
}

// Close stops the background refresh.
func (p *JWKSProvider) Close() {
	p.cancel()
}
