// Package mirror holds the in-memory view of the service-config map and
// keeps it fresh. A snapshot is adopted from the database when the
// database has active records, from the filesystem last-known-good file
// when it does not, and refuses to exist at all when neither source can
// produce one. Concurrent refreshes collapse into a single flight.
package mirror

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/northvale/mesh/internal/contract"
	"github.com/northvale/mesh/internal/errors"
	"github.com/northvale/mesh/internal/logging"
)

// Snapshot sources.
const (
	SourceDB  = "db"
	SourceLKG = "lkg"
)

// staleRetry is how long a stale snapshot keeps being served after a
// refresh fails with both sources down, before the next attempt.
const staleRetry = 5 * time.Second

// Source loads the authoritative mirror. On the facilitator this is the
// registry store; remote consumers load over HTTP.
type Source interface {
	Load(ctx context.Context) (contract.Mirror, error)
}

// SourceFunc adapts a function to a Source.
type SourceFunc func(ctx context.Context) (contract.Mirror, error)

func (f SourceFunc) Load(ctx context.Context) (contract.Mirror, error) { return f(ctx) }

// Snapshot is one adopted mirror generation. The zero Snapshot is empty
// and reports no services.
type Snapshot struct {
	Mirror    contract.Mirror
	Source    string
	FetchedAt time.Time
}

// GetBySlugVersion looks up one record.
func (sn Snapshot) GetBySlugVersion(slug string, version int) (contract.ServiceConfigRecord, bool) {
	rec, ok := sn.Mirror[contract.Key(slug, version)]
	return rec, ok
}

// Size returns the number of mirrored services.
func (sn Snapshot) Size() int { return len(sn.Mirror) }

// Keys returns the mirror keys in stable order.
func (sn Snapshot) Keys() []string { return sn.Mirror.Keys() }

// Options configures a Store.
type Options struct {
	// TTL is the snapshot freshness window.
	TTL time.Duration

	// LKGPath is the last-known-good file. Empty disables the LKG tier.
	LKGPath string

	// RefreshTimeout bounds one source load.
	RefreshTimeout time.Duration

	// RequireExplicitPort refuses records whose baseUrl has no explicit
	// port. True outside production.
	RequireExplicitPort bool

	// OnAdopt, when set, observes every snapshot adoption (metrics,
	// cache invalidation). Called outside the store lock.
	OnAdopt func(Snapshot)
}

// PushResult reports an accepted push: the adopted snapshot and the
// outcome of the LKG persist. A failed persist does not undo the
// adoption.
type PushResult struct {
	Snapshot Snapshot
	LKGSaved bool
	LKGError string
}

// Store owns the current snapshot and the refresh flight.
type Store struct {
	source Source
	opts   Options
	log    *logging.Logger

	mu   sync.RWMutex
	snap *snapshot

	group singleflight.Group
	lkg   lkgFile

	refreshes       atomic.Int64
	dbLoads         atomic.Int64
	lkgLoads        atomic.Int64
	refreshFailures atomic.Int64
	staleServed     atomic.Int64
	pushes          atomic.Int64
}

type snapshot struct {
	Snapshot
	expiresAt time.Time
}

// NewStore builds a Store. The source may be nil for stores fed
// exclusively by pushes.
func NewStore(source Source, opts Options, log *logging.Logger) *Store {
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Second
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 10 * time.Second
	}
	if log == nil {
		log = logging.Global()
	}
	return &Store{
		source: source,
		opts:   opts,
		log:    log,
		lkg:    lkgFile{path: opts.LKGPath, requireExplicitPort: opts.RequireExplicitPort},
	}
}

// Get returns a fresh snapshot, refreshing through the source chain when
// the current one has expired. With no snapshot and no working source it
// fails with ColdStartNoDbNoLkg.
func (s *Store) Get(ctx context.Context) (Snapshot, error) {
	if sn, ok := s.fresh(); ok {
		return sn, nil
	}

	ch := s.group.DoChan("refresh", func() (interface{}, error) {
		return s.refresh()
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Snapshot{}, res.Err
		}
		return res.Val.(Snapshot), nil
	case <-ctx.Done():
		return Snapshot{}, errors.Wrapf(ctx.Err(), errors.CodeMirrorUnavailable, 503, "mirror refresh interrupted")
	}
}

// Lookup resolves one record through Get.
func (s *Store) Lookup(ctx context.Context, slug string, version int) (contract.ServiceConfigRecord, bool, error) {
	sn, err := s.Get(ctx)
	if err != nil {
		return contract.ServiceConfigRecord{}, false, err
	}
	rec, ok := sn.GetBySlugVersion(slug, version)
	return rec, ok, nil
}

// Current returns the snapshot as-is, expired or not, without touching
// any source. The bool reports whether one exists.
func (s *Store) Current() (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snap == nil {
		return Snapshot{}, false
	}
	return s.snap.Snapshot, true
}

// ReplaceWithPush adopts m as the current snapshot with source "db" and
// persists it as the new LKG. Validation failures reject the push; a
// failed persist is reported in the result but does not reject.
func (s *Store) ReplaceWithPush(m contract.Mirror) (PushResult, error) {
	if err := m.Validate(s.opts.RequireExplicitPort); err != nil {
		return PushResult{}, err
	}
	sn := s.adopt(m, SourceDB)
	s.pushes.Add(1)

	res := PushResult{Snapshot: sn, LKGSaved: true}
	if err := s.lkg.save(m, sn.FetchedAt); err != nil {
		res.LKGSaved = false
		res.LKGError = err.Error()
		s.log.Warn("mirror: push accepted but LKG persist failed",
			zap.String("path", s.opts.LKGPath), zap.Error(err))
	}
	return res, nil
}

// Stats reports store counters for the admin surface.
func (s *Store) Stats() map[string]interface{} {
	stats := map[string]interface{}{
		"refreshes":        s.refreshes.Load(),
		"db_loads":         s.dbLoads.Load(),
		"lkg_loads":        s.lkgLoads.Load(),
		"refresh_failures": s.refreshFailures.Load(),
		"stale_served":     s.staleServed.Load(),
		"pushes":           s.pushes.Load(),
	}
	s.mu.RLock()
	if s.snap != nil {
		stats["services"] = len(s.snap.Mirror)
		stats["source"] = s.snap.Source
		stats["age_seconds"] = int64(time.Since(s.snap.FetchedAt).Seconds())
	}
	s.mu.RUnlock()
	return stats
}

func (s *Store) fresh() (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snap != nil && time.Now().Before(s.snap.expiresAt) {
		return s.snap.Snapshot, true
	}
	return Snapshot{}, false
}

// refresh walks the source chain: database first, LKG second, stale
// snapshot third, cold-start failure last. Runs inside the singleflight
// group, detached from any one caller's context so an early hangup does
// not cancel the shared load.
func (s *Store) refresh() (Snapshot, error) {
	if sn, ok := s.fresh(); ok {
		return sn, nil
	}
	s.refreshes.Add(1)

	if s.source != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.RefreshTimeout)
		m, err := s.source.Load(ctx)
		cancel()
		switch {
		case err != nil:
			s.log.Warn("mirror: db load failed", zap.Error(err))
		case len(m) == 0:
			s.log.Warn("mirror: db has no active records")
		default:
			if verr := m.Validate(s.opts.RequireExplicitPort); verr != nil {
				s.log.Warn("mirror: db returned invalid records", zap.Error(verr))
				break
			}
			sn := s.adopt(m, SourceDB)
			s.dbLoads.Add(1)
			if serr := s.lkg.save(m, sn.FetchedAt); serr != nil {
				s.log.Warn("mirror: LKG persist failed",
					zap.String("path", s.opts.LKGPath), zap.Error(serr))
			}
			return sn, nil
		}
	}

	if m, updatedAt, err := s.lkg.load(); err == nil {
		sn := s.adopt(m, SourceLKG)
		s.lkgLoads.Add(1)
		s.log.Info("mirror: adopted last-known-good snapshot",
			zap.String("path", s.opts.LKGPath),
			zap.Time("updated_at", updatedAt),
			zap.Int("services", len(m)))
		return sn, nil
	} else if s.opts.LKGPath != "" {
		s.log.Warn("mirror: LKG load failed", zap.String("path", s.opts.LKGPath), zap.Error(err))
	}

	s.refreshFailures.Add(1)

	// Both sources down. A stale snapshot keeps serving for a short
	// window rather than going dark.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap != nil {
		s.snap.expiresAt = time.Now().Add(staleRetry)
		s.staleServed.Add(1)
		s.log.Warn("mirror: serving stale snapshot, both sources unavailable",
			zap.String("source", s.snap.Source),
			zap.Time("fetched_at", s.snap.FetchedAt))
		return s.snap.Snapshot, nil
	}
	return Snapshot{}, errors.ErrColdStart
}

func (s *Store) adopt(m contract.Mirror, source string) Snapshot {
	now := time.Now()
	sn := Snapshot{Mirror: m, Source: source, FetchedAt: now}
	s.mu.Lock()
	s.snap = &snapshot{Snapshot: sn, expiresAt: now.Add(s.opts.TTL)}
	s.mu.Unlock()
	if s.opts.OnAdopt != nil {
		s.opts.OnAdopt(sn)
	}
	return sn
}

// Expire marks the current snapshot stale so the next Get goes back to
// the sources. Used by operator-driven refresh.
func (s *Store) Expire() {
	s.mu.Lock()
	if s.snap != nil {
		s.snap.expiresAt = time.Time{}
	}
	s.mu.Unlock()
}
