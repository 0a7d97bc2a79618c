package s2s

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/northvale/mesh/internal/config"
	"github.com/northvale/mesh/internal/contract"
	"github.com/northvale/mesh/internal/errors"
	"github.com/northvale/mesh/internal/logging"
)

// FacilitatorSlug names the service-config facilitator. It cannot be
// resolved through the mirror it serves, so the resolver special-cases it
// from the configured bootstrap anchor.
const FacilitatorSlug = "svcfacilitator"

// resolverCacheSize bounds the composed-base cache.
const resolverCacheSize = 512

// Target is a resolved call destination: the composed base URL plus the
// record it came from, for preflight.
type Target struct {
	Base   string
	Record contract.ServiceConfigRecord
}

// Lookup is the mirror view the resolver reads. *mirror.Store satisfies it.
type Lookup interface {
	Lookup(ctx context.Context, slug string, version int) (contract.ServiceConfigRecord, bool, error)
}

// Resolver turns slug@version into a composed base
// <baseUrl><outboundApiPrefix>/<slug>/v<version>, caching results for the
// configured TTL so a mirror refresh propagates within one cache period.
type Resolver struct {
	lookup Lookup
	fac    config.FacilitatorClientConfig
	cache  *expirable.LRU[string, Target]
	log    *logging.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// NewResolver builds a resolver over the given mirror view. lookup may be
// nil for processes that only ever call the facilitator.
func NewResolver(lookup Lookup, fac config.FacilitatorClientConfig, log *logging.Logger) *Resolver {
	if log == nil {
		log = logging.Global()
	}
	ttl := fac.CacheTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Resolver{
		lookup: lookup,
		fac:    fac,
		cache:  expirable.NewLRU[string, Target](resolverCacheSize, nil, ttl),
		log:    log,
	}
}

// Resolve returns the call target for slug@version. The facilitator
// resolves from its bootstrap anchor; everything else resolves through
// the mirror.
func (r *Resolver) Resolve(ctx context.Context, slug string, version int) (Target, error) {
	if slug == FacilitatorSlug {
		return r.facilitatorTarget(version)
	}

	key := contract.Key(slug, version)
	if t, ok := r.cache.Get(key); ok {
		r.hits.Add(1)
		return t, nil
	}
	r.misses.Add(1)

	if r.lookup == nil {
		return Target{}, errors.ErrNotFound.WithDetailf("no route to %s", key)
	}
	rec, ok, err := r.lookup.Lookup(ctx, slug, version)
	if err != nil {
		return Target{}, err
	}
	if !ok {
		return Target{}, errors.ErrNotFound.WithDetailf("%s is not in the service mirror", key)
	}

	t := Target{Base: rec.ComposeBase(), Record: rec}
	r.cache.Add(key, t)
	return t, nil
}

// AdoptRecord caches a target for a record obtained out of band, such as
// a facilitator resolve during the gateway's health fallback.
func (r *Resolver) AdoptRecord(rec contract.ServiceConfigRecord) Target {
	t := Target{Base: rec.ComposeBase(), Record: rec}
	r.cache.Add(rec.Key(), t)
	return t
}

// Invalidate drops one cached target.
func (r *Resolver) Invalidate(slug string, version int) {
	r.cache.Remove(contract.Key(slug, version))
}

// Purge empties the cache, forcing mirror lookups on the next calls.
func (r *Resolver) Purge() {
	r.cache.Purge()
}

// Stats reports cache effectiveness.
func (r *Resolver) Stats() map[string]any {
	return map[string]any{
		"cached": r.cache.Len(),
		"hits":   r.hits.Load(),
		"misses": r.misses.Load(),
	}
}

// facilitatorTarget composes the facilitator base from the bootstrap
// config. The synthetic record mirrors how the facilitator would describe
// itself: not proxyable, health exposed.
func (r *Resolver) facilitatorTarget(version int) (Target, error) {
	base := strings.TrimRight(r.fac.BaseURL, "/")
	if base == "" {
		return Target{}, errors.ErrServiceUnavailable.WithDetail("facilitator base URL is not configured")
	}
	anchor := r.fac.PathAnchor
	if anchor == "" {
		anchor = "/api"
	}
	if version <= 0 {
		version = 1
	}
	rec := contract.ServiceConfigRecord{
		Slug:              FacilitatorSlug,
		Version:           version,
		BaseURL:           base,
		OutboundAPIPrefix: anchor,
		Enabled:           true,
		AllowProxy:        false,
		InternalOnly:      false,
		ExposeHealth:      true,
		ConfigRevision:    1,
	}
	return Target{
		Base:   fmt.Sprintf("%s%s/%s/v%d", base, anchor, FacilitatorSlug, version),
		Record: rec,
	}, nil
}
