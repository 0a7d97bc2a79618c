package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/northvale/mesh/internal/app"
	"github.com/northvale/mesh/internal/config"
	"github.com/northvale/mesh/internal/contract"
	"github.com/northvale/mesh/internal/logging"
	"github.com/northvale/mesh/internal/metrics"
	"github.com/northvale/mesh/internal/mirror"
	"github.com/northvale/mesh/internal/s2s"
	"github.com/northvale/mesh/internal/wal"
)

// Gateway owns the broker and every long-lived component behind it:
// the journal/engine pair, the pulled mirror, the S2S stack, and the
// flush loop. Attach registers its lifecycle on an app.Server.
type Gateway struct {
	cfg config.GatewayConfig
	log *logging.Logger

	journal   *wal.Journal
	engine    *wal.Engine
	store     *mirror.Store
	resolver  *s2s.Resolver
	signer    *s2s.Signer
	client    *s2s.Client
	sink      *auditSink
	broker    *Broker
	collector *metrics.Collector

	stop        chan struct{}
	done        chan struct{}
	stopOnce    sync.Once
	loopStarted atomic.Bool
}

// New wires the gateway from its configuration. Nothing touches the
// network until the server boots it.
func New(cfg config.GatewayConfig, log *logging.Logger) (*Gateway, error) {
	if log == nil {
		log = logging.Global()
	}
	gw := &Gateway{
		cfg:  cfg,
		log:  log,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	signer, err := s2s.NewSigner(cfg.S2S, cfg.Server.Slug, log)
	if err != nil {
		return nil, fmt.Errorf("gateway: signer: %w", err)
	}
	gw.signer = signer
	gw.collector = metrics.NewCollector(cfg.Server.Slug)

	// The mirror is pulled from the facilitator; the source closure
	// reads gw.client, which exists before any refresh can run.
	gw.store = mirror.NewStore(mirror.SourceFunc(func(ctx context.Context) (contract.Mirror, error) {
		doc, err := gw.client.FetchMirror(ctx)
		if err != nil {
			return nil, err
		}
		return doc.Mirror, nil
	}), mirror.Options{
		TTL:                 cfg.Facilitator.CacheTTL,
		RefreshTimeout:      cfg.Facilitator.Timeout,
		RequireExplicitPort: !cfg.Server.IsProduction(),
		OnAdopt: func(sn mirror.Snapshot) {
			gw.collector.MirrorRefresh(sn.Source)
			gw.collector.SetMirrorServices(sn.Size())
		},
	}, log)

	gw.resolver = s2s.NewResolver(gw.store, cfg.Facilitator, log)

	clientOpts := s2s.ClientOptions{
		Service: cfg.Server.Slug,
		Timeout: cfg.S2S.Timeout,
		Observe: gw.collector.S2SCall,
	}
	if cfg.S2S.MaxRetries > 0 {
		clientOpts.MaxAttempts = cfg.S2S.MaxRetries + 1
	}
	gw.client = s2s.NewClient(signer, gw.resolver, clientOpts, log)
	s2s.SetDefault(gw.client)

	journal, err := wal.NewJournal(cfg.WAL.Dir, cfg.WAL.FsyncInterval())
	if err != nil {
		return nil, fmt.Errorf("gateway: journal: %w", err)
	}
	gw.journal = journal
	gw.engine = wal.NewEngine(journal, wal.Options{
		MaxBatch:    cfg.WAL.MaxBatch,
		MaxBuffered: cfg.WAL.MaxBuffered,
	}, log)
	gw.sink = newAuditSink(gw.client, cfg.AuditSink, log)
	gw.engine.SetWriter(gw.sink)

	broker, err := NewBroker(Options{
		Service:       cfg.Server.Slug,
		Version:       cfg.Server.Version,
		Limits:        cfg.Limits,
		RedirectHTTPS: cfg.Server.RequiresHTTPS(),
		WAL:           gw.engine,
		Resolver:      gw.resolver,
		Signer:        signer,
		Client:        gw.client,
		Metrics:       gw.collector,
		Log:           log,
	})
	if err != nil {
		return nil, err
	}
	gw.broker = broker
	gw.registerMetrics()
	return gw, nil
}

// Handler returns the edge pipeline.
func (gw *Gateway) Handler() http.Handler { return gw.broker.Handler() }

// Collector exposes the metrics registry for the admin listener.
func (gw *Gateway) Collector() *metrics.Collector { return gw.collector }

// Attach registers the gateway's lifecycle on the server: journal
// replay before the listener opens, the flush loop, shutdown draining,
// refresh hooks, and the admin surfaces.
func (gw *Gateway) Attach(srv *app.Server) {
	srv.OnBoot("wal-replay", gw.replay)
	srv.OnBoot("mirror-warm", gw.warmMirror)
	srv.OnBoot("flush-loop", func(context.Context) error {
		gw.loopStarted.Store(true)
		go gw.flushLoop()
		return nil
	})
	srv.OnShutdown("audit-drain", gw.drain)
	srv.OnHangup("mirror-refresh", gw.refreshMirror)
	srv.OnHangup("wal-flush", func(ctx context.Context) error {
		_, err := gw.engine.Flush(ctx)
		return err
	})

	srv.AddHealthCheck("mirror", gw.mirrorCheck)
	srv.AddHealthCheck("wal", gw.walCheck)

	srv.RegisterStats("broker", gw.broker.Stats)
	srv.RegisterStats("wal", gw.engine.Stats)
	srv.RegisterStats("mirror", gw.store.Stats)
	srv.RegisterStats("resolver", gw.resolver.Stats)
	srv.RegisterStats("s2s", gw.client.Stats)
	srv.RegisterStats("sink", gw.sink.Stats)
	srv.RegisterStats("config", func() map[string]any { return config.StatsMap(&gw.cfg) })
}

// replay drains journal files a previous process left behind. It runs
// before the listener opens; a sink that stays down past the retry
// budget aborts the boot rather than accepting unaudited traffic.
func (gw *Gateway) replay(ctx context.Context) error {
	res, err := wal.Replay(ctx, gw.cfg.WAL.Dir, gw.sink, wal.ReplayOptions{
		MaxBatch:    gw.cfg.WAL.MaxBatch,
		MaxAttempts: gw.cfg.WAL.MaxAttempts,
	}, gw.log)
	if err != nil {
		return err
	}
	if res.Entries > 0 {
		gw.log.Info("gateway: journal backlog replayed",
			zap.Int("files", res.Files),
			zap.Int("entries", res.Entries),
			zap.Int("synthesized", res.Synthesized),
			zap.Int("quarantined", res.Quarantined))
	}
	return nil
}

// warmMirror pulls the first snapshot. A cold facilitator is not
// fatal; refreshes and the health fallback cover the gap.
func (gw *Gateway) warmMirror(ctx context.Context) error {
	if _, err := gw.store.Get(ctx); err != nil {
		gw.log.Warn("gateway: mirror not warmed at boot", zap.Error(err))
	}
	return nil
}

// flushLoop drains the engine on the configured cadence until drain
// stops it.
func (gw *Gateway) flushLoop() {
	defer close(gw.done)
	interval := gw.cfg.WAL.FlushInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-gw.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if _, err := gw.engine.Flush(ctx); err != nil {
				gw.log.Warn("gateway: scheduled flush failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// drain stops the flush loop and gives journaled entries one final
// delivery before the journal closes.
func (gw *Gateway) drain(ctx context.Context) error {
	gw.stopOnce.Do(func() { close(gw.stop) })
	if gw.loopStarted.Load() {
		select {
		case <-gw.done:
		case <-ctx.Done():
		}
	}
	return gw.engine.Close(ctx)
}

// refreshMirror forces the next resolve onto a fresh snapshot.
func (gw *Gateway) refreshMirror(ctx context.Context) error {
	gw.store.Expire()
	gw.resolver.Purge()
	_, err := gw.store.Get(ctx)
	return err
}

func (gw *Gateway) mirrorCheck(context.Context) error {
	if _, ok := gw.store.Current(); !ok {
		return fmt.Errorf("cold start: no snapshot adopted")
	}
	return nil
}

func (gw *Gateway) walCheck(context.Context) error {
	pending := gw.engine.Pending()
	if pending >= gw.engine.QueueCap() {
		return fmt.Errorf("flush queue full: %d entries waiting", pending)
	}
	return nil
}

// registerMetrics hooks the WAL and journal counters into the scrape.
func (gw *Gateway) registerMetrics() {
	c := gw.collector
	c.GaugeFunc("wal_pending_entries", "Audit entries queued for flush.", func() float64 {
		return float64(gw.engine.Pending())
	})
	c.GaugeFunc("wal_journal_bytes", "Bytes in the active journal file.", func() float64 {
		return float64(gw.journal.Size())
	})
	c.CounterFunc("wal_appended_total", "Audit entries journaled.", func() float64 {
		return float64(gw.engine.Appended())
	})
	c.CounterFunc("wal_flushed_total", "Audit entries accepted by the sink.", func() float64 {
		return float64(gw.engine.Flushed())
	})
	c.CounterFunc("wal_quarantined_total", "Audit entries refused as poison.", func() float64 {
		return float64(gw.engine.Quarantined())
	})
	c.CounterFunc("wal_dropped_total", "Audit entries evicted from the memory queue.", func() float64 {
		return float64(gw.engine.Dropped())
	})
	c.CounterFunc("broker_hard_stops_total", "Requests refused because BEGIN was not journaled.", func() float64 {
		return float64(gw.broker.hardStops.Load())
	})
}
