// Package facilitator owns the service-config lifecycle: records and
// route policies persisted in a driver store, the published mirror cut
// from them, the filesystem last-known-good tier, and the resolve and
// write endpoints other services call.
package facilitator

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/northvale/mesh/internal/app"
	"github.com/northvale/mesh/internal/config"
	"github.com/northvale/mesh/internal/contract"
	"github.com/northvale/mesh/internal/facilitator/store"
	"github.com/northvale/mesh/internal/logging"
	"github.com/northvale/mesh/internal/metrics"
	"github.com/northvale/mesh/internal/mirror"
	"github.com/northvale/mesh/internal/s2s"
)

// Facilitator wires the store, the published mirror, and the handlers.
type Facilitator struct {
	cfg         config.FacilitatorConfig
	log         *logging.Logger
	store       store.Store
	mirror      *mirror.Store
	collector   *metrics.Collector
	requirePort bool

	resolves atomic.Int64
	pushes   atomic.Int64
	writes   atomic.Int64
}

// New opens the configured store driver and builds the mirror on top of
// it. The mirror publishes only enabled records that are not internal
// only; resolve reads the store directly and sees everything.
func New(cfg config.FacilitatorConfig, log *logging.Logger) (*Facilitator, error) {
	if log == nil {
		log = logging.Global()
	}
	st, err := store.Open(cfg.Store, log)
	if err != nil {
		return nil, fmt.Errorf("facilitator: %w", err)
	}

	f := &Facilitator{
		cfg:         cfg,
		log:         log,
		store:       st,
		collector:   metrics.NewCollector(cfg.Server.Slug),
		requirePort: !cfg.Server.IsProduction(),
	}
	f.mirror = mirror.NewStore(mirror.SourceFunc(f.publishable), mirror.Options{
		TTL:                 cfg.Mirror.TTL,
		LKGPath:             cfg.Mirror.LKGPath,
		RefreshTimeout:      cfg.Mirror.RefreshTimeout,
		RequireExplicitPort: f.requirePort,
		OnAdopt: func(sn mirror.Snapshot) {
			f.collector.MirrorRefresh(sn.Source)
			f.collector.SetMirrorServices(sn.Size())
		},
	}, log)

	log.Info("facilitator: store opened", zap.String("driver", st.Name()))
	return f, nil
}

// Collector exposes the metrics registry for the admin listener.
func (f *Facilitator) Collector() *metrics.Collector { return f.collector }

// publishable cuts the edge-facing mirror from the store: enabled
// records only, internal-only records withheld so their existence never
// leaves this service.
func (f *Facilitator) publishable(ctx context.Context) (contract.Mirror, error) {
	recs, err := f.store.ListRecords(ctx)
	if err != nil {
		return nil, err
	}
	m := contract.Mirror{}
	for _, rec := range recs {
		if rec.Enabled && !rec.InternalOnly {
			m[rec.Key()] = rec
		}
	}
	return m, nil
}

// Routes registers the facilitator API on the app.
func (f *Facilitator) Routes(a *app.App) {
	a.HandleAPI(http.MethodGet, "/mirror", f.getMirror)
	a.HandleAPI(http.MethodPost, "/mirror", f.postMirror)
	a.HandleAPI(http.MethodGet, "/resolve", f.resolveByKey)
	a.HandleAPI(http.MethodGet, "/resolve/:slug/:version", f.resolveByPath)

	// Write path. httprouter keeps one tree per method, so the PUT verb
	// segment catches both create and the disallowed PUT-with-id form.
	a.HandleAPI(http.MethodPut, "/svcconfig/:verb", f.createRecord)
	a.HandleAPI(http.MethodGet, "/svcconfig/read/:id", f.readRecord)
	a.HandleAPI(http.MethodPatch, "/svcconfig/update/:id", f.updateRecord)
	a.HandleAPI(http.MethodDelete, "/svcconfig/delete/:id", f.deleteRecord)

	a.HandleAPI(http.MethodPut, "/policy/:verb", f.createPolicy)
	a.HandleAPI(http.MethodGet, "/policy/read/:id", f.readPolicies)
	a.HandleAPI(http.MethodDelete, "/policy/delete/:id", f.deletePolicies)
}

// Attach registers lifecycle hooks and admin surfaces on the server.
func (f *Facilitator) Attach(srv *app.Server) {
	srv.OnBoot("mirror-warm", f.warm)
	srv.OnHangup("mirror-refresh", func(ctx context.Context) error {
		f.mirror.Expire()
		_, err := f.mirror.Get(ctx)
		return err
	})
	srv.OnShutdown("store-close", func(context.Context) error {
		return f.store.Close()
	})

	srv.AddHealthCheck("store", f.store.Ping)
	srv.AddHealthCheck("mirror", f.mirrorCheck)

	srv.RegisterStats("mirror", f.mirror.Stats)
	srv.RegisterStats("facilitator", f.Stats)
	srv.RegisterStats("config", func() map[string]any { return config.StatsMap(&f.cfg) })
}

// warm pulls the first snapshot. An empty store on first boot is not
// fatal; the mirror stays cold until the first record is written.
func (f *Facilitator) warm(ctx context.Context) error {
	if _, err := f.mirror.Get(ctx); err != nil {
		f.log.Warn("facilitator: mirror not warmed at boot", zap.Error(err))
	}
	return nil
}

func (f *Facilitator) mirrorCheck(context.Context) error {
	if _, ok := f.mirror.Current(); !ok {
		return fmt.Errorf("cold start: no snapshot adopted")
	}
	return nil
}

// HealthDetail contributes store and mirror state to the health body.
func (f *Facilitator) HealthDetail() map[string]any {
	detail := map[string]any{"store": f.store.Name()}
	if sn, ok := f.mirror.Current(); ok {
		detail["mirror"] = map[string]any{
			"source":   sn.Source,
			"services": sn.Size(),
		}
	}
	return detail
}

// Stats reports write-path counters.
func (f *Facilitator) Stats() map[string]any {
	return map[string]any{
		"store":    f.store.Name(),
		"resolves": f.resolves.Load(),
		"pushes":   f.pushes.Load(),
		"writes":   f.writes.Load(),
	}
}

// refreshPublished rebuilds the snapshot after a write so the next
// mirror read serves it. Failure is logged, not returned: the write
// itself already stands in the store.
func (f *Facilitator) refreshPublished(ctx context.Context) {
	f.mirror.Expire()
	if _, err := f.mirror.Get(ctx); err != nil {
		f.log.Warn("facilitator: mirror refresh after write failed", zap.Error(err))
	}
}

// callerSubject names the verified caller for updatedBy stamps. Open
// deployments without a verifier stamp the facilitator itself.
func callerSubject(r *http.Request) string {
	if c, ok := s2s.ClaimsFromContext(r.Context()); ok && c.Subject != "" {
		return c.Subject
	}
	return "svcfacilitator"
}

func isoNow() string {
	return time.Now().UTC().Format(time.RFC3339)
}
