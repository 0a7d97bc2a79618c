// Package auditsvc is the audit receiver. It accepts relayed audit
// batches, journals them before acknowledging, and finalizes BEGIN/END
// pairs into idempotent records in the configured store. Acceptance
// means journaled: a crash after the ack is recovered by boot replay,
// and the eventId key makes re-delivered batches collapse to no-ops.
package auditsvc

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/northvale/mesh/internal/app"
	"github.com/northvale/mesh/internal/auditsvc/store"
	"github.com/northvale/mesh/internal/config"
	"github.com/northvale/mesh/internal/contract"
	"github.com/northvale/mesh/internal/errors"
	"github.com/northvale/mesh/internal/logging"
	"github.com/northvale/mesh/internal/metrics"
	"github.com/northvale/mesh/internal/wal"
)

// Service owns the receiver's long-lived parts: the journal/engine
// pair, the record store, and the flush loop that moves entries from
// one to the other.
type Service struct {
	cfg config.AuditConfig
	log *logging.Logger

	store     store.Store
	journal   *wal.Journal
	engine    *wal.Engine
	writer    *storeWriter
	collector *metrics.Collector

	stop        chan struct{}
	done        chan struct{}
	stopOnce    sync.Once
	loopStarted atomic.Bool

	batches atomic.Int64
	entries atomic.Int64
}

// New wires the receiver from its configuration. Nothing touches the
// network until the server boots it.
func New(cfg config.AuditConfig, log *logging.Logger) (*Service, error) {
	if log == nil {
		log = logging.Global()
	}
	st, err := store.Open(cfg.Store, log)
	if err != nil {
		return nil, fmt.Errorf("auditsvc: %w", err)
	}

	journal, err := wal.NewJournal(cfg.WAL.Dir, cfg.WAL.FsyncInterval())
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("auditsvc: journal: %w", err)
	}

	s := &Service{
		cfg:       cfg,
		log:       log,
		store:     st,
		journal:   journal,
		collector: metrics.NewCollector(cfg.Server.Slug),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.engine = wal.NewEngine(journal, wal.Options{
		MaxBatch:    cfg.WAL.MaxBatch,
		MaxBuffered: cfg.WAL.MaxBuffered,
	}, log)
	s.writer = newStoreWriter(st, log)
	s.engine.SetWriter(s.writer)
	s.registerMetrics()

	log.Info("auditsvc: store opened", zap.String("driver", st.Name()))
	return s, nil
}

// Collector exposes the metrics registry for the admin listener.
func (s *Service) Collector() *metrics.Collector { return s.collector }

// Routes mounts the receiver surface on the app.
func (s *Service) Routes(a *app.App) {
	a.HandleAPI(http.MethodPost, "/entries", s.postEntries)
	a.HandleAPI(http.MethodGet, "/records/:requestId", s.readByRequest)
	a.HandleAPI(http.MethodGet, "/record/:eventId", s.readByEvent)
}

// postEntries ingests one batch. The reply counts entries accepted
// into the journal; finalization into the store follows on the flush
// cadence.
func (s *Service) postEntries(w http.ResponseWriter, r *http.Request, _ httprouter.Params) error {
	if err := contract.VerifyContract(r.Header, contract.AuditEntriesContract); err != nil {
		return err
	}
	if s.store == nil || s.engine == nil {
		return errors.ErrWalNotReady
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return errors.Validation(errors.CodeBadRequest, "body", err.Error())
	}
	batch, err := contract.ParseAuditBatch(body)
	if err != nil {
		return err
	}

	if _, err := s.engine.AppendBatch(batch.Entries); err != nil {
		return err
	}
	s.batches.Add(1)
	s.entries.Add(int64(len(batch.Entries)))
	s.kickFlush()

	contract.WriteOK(w, s.cfg.Server.Slug, http.StatusOK, map[string]any{
		"accepted": len(batch.Entries),
	})
	return nil
}

// readByRequest lists the finalized records of one request, oldest
// END first. Entries still in the journal are not visible yet.
func (s *Service) readByRequest(w http.ResponseWriter, r *http.Request, ps httprouter.Params) error {
	rid := ps.ByName("requestId")
	recs, err := s.store.FindByRequest(r.Context(), rid)
	if err != nil {
		return err
	}
	if recs == nil {
		recs = []contract.AuditRecord{}
	}
	contract.WriteOK(w, s.cfg.Server.Slug, http.StatusOK, map[string]any{
		"requestId": rid,
		"records":   recs,
		"count":     len(recs),
	})
	return nil
}

func (s *Service) readByEvent(w http.ResponseWriter, r *http.Request, ps httprouter.Params) error {
	eventID := ps.ByName("eventId")
	rec, ok, err := s.store.GetRecord(r.Context(), eventID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.ErrNotFound.WithDetailf("%s is not recorded", eventID)
	}
	contract.WriteOK(w, s.cfg.Server.Slug, http.StatusOK, rec)
	return nil
}

// Attach registers the receiver's lifecycle on the server: journal
// replay before the listener opens, the flush loop, shutdown draining
// ahead of the store close, refresh hooks, and the admin surfaces.
func (s *Service) Attach(srv *app.Server) {
	srv.OnBoot("wal-replay", s.replay)
	srv.OnBoot("flush-loop", func(context.Context) error {
		s.loopStarted.Store(true)
		go s.flushLoop()
		return nil
	})
	srv.OnShutdown("wal-drain", s.drain)
	srv.OnShutdown("store-close", func(context.Context) error { return s.store.Close() })
	srv.OnHangup("wal-flush", func(ctx context.Context) error {
		_, err := s.engine.Flush(ctx)
		return err
	})

	srv.AddHealthCheck("store", s.store.Ping)
	srv.AddHealthCheck("wal", s.walCheck)

	srv.RegisterStats("wal", s.engine.Stats)
	srv.RegisterStats("writer", s.writer.Stats)
	srv.RegisterStats("audit", s.Stats)
	srv.RegisterStats("config", func() map[string]any { return config.StatsMap(&s.cfg) })
}

// replay drains journal files a previous process left behind into the
// store before the listener opens. Synthesis stays off: these are
// relayed entries, and an END missing here can still arrive in live
// traffic.
func (s *Service) replay(ctx context.Context) error {
	res, err := wal.Replay(ctx, s.cfg.WAL.Dir, s.writer, wal.ReplayOptions{
		MaxBatch:      s.cfg.WAL.MaxBatch,
		MaxAttempts:   s.cfg.WAL.MaxAttempts,
		SkipSynthesis: true,
	}, s.log)
	if err != nil {
		return err
	}
	if res.Entries > 0 {
		s.log.Info("auditsvc: journal backlog replayed",
			zap.Int("files", res.Files),
			zap.Int("entries", res.Entries),
			zap.Int("quarantined", res.Quarantined))
	}
	return nil
}

// flushLoop drains the engine on the configured cadence until drain
// stops it.
func (s *Service) flushLoop() {
	defer close(s.done)
	interval := s.cfg.WAL.FlushInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if _, err := s.engine.Flush(ctx); err != nil {
				s.log.Warn("auditsvc: scheduled flush failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// kickFlush runs one best-effort drain off the request path. The
// engine's single-flight makes overlapping kicks free.
func (s *Service) kickFlush() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := s.engine.Flush(ctx); err != nil {
			s.log.Debug("auditsvc: post-ingest flush failed", zap.Error(err))
		}
	}()
}

// drain stops the flush loop and gives journaled entries one final
// delivery before the journal closes. Runs before the store-close
// hook, so the writer still has a live backend.
func (s *Service) drain(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.loopStarted.Load() {
		select {
		case <-s.done:
		case <-ctx.Done():
		}
	}
	return s.engine.Close(ctx)
}

func (s *Service) walCheck(context.Context) error {
	pending := s.engine.Pending()
	if pending >= s.engine.QueueCap() {
		return fmt.Errorf("flush queue full: %d entries waiting", pending)
	}
	return nil
}

// HealthDetail contributes store and queue state to the health body.
func (s *Service) HealthDetail() map[string]any {
	return map[string]any{
		"store":      s.store.Name(),
		"walPending": s.engine.Pending(),
	}
}

// Stats reports ingest counters and store totals.
func (s *Service) Stats() map[string]interface{} {
	out := map[string]interface{}{
		"store":   s.store.Name(),
		"batches": s.batches.Load(),
		"entries": s.entries.Load(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if records, pending, err := s.store.Counts(ctx); err == nil {
		out["records"] = records
		out["pendingBegins"] = pending
	}
	return out
}

// registerMetrics hooks the WAL, journal, and writer counters into the
// scrape.
func (s *Service) registerMetrics() {
	c := s.collector
	c.GaugeFunc("wal_pending_entries", "Audit entries queued for flush.", func() float64 {
		return float64(s.engine.Pending())
	})
	c.GaugeFunc("wal_journal_bytes", "Bytes in the active journal file.", func() float64 {
		return float64(s.journal.Size())
	})
	c.CounterFunc("wal_appended_total", "Audit entries journaled.", func() float64 {
		return float64(s.engine.Appended())
	})
	c.CounterFunc("wal_flushed_total", "Audit entries applied to the store.", func() float64 {
		return float64(s.engine.Flushed())
	})
	c.CounterFunc("wal_quarantined_total", "Audit entries refused as poison.", func() float64 {
		return float64(s.engine.Quarantined())
	})
	c.CounterFunc("wal_dropped_total", "Audit entries evicted from the memory queue.", func() float64 {
		return float64(s.engine.Dropped())
	})
	c.CounterFunc("audit_records_persisted_total", "Finalized records inserted.", func() float64 {
		return float64(s.writer.persisted.Load())
	})
	c.CounterFunc("audit_duplicate_events_total", "Re-delivered eventIds collapsed to no-ops.", func() float64 {
		return float64(s.writer.duplicates.Load())
	})
}
