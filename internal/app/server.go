package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/northvale/mesh/internal/config"
	"github.com/northvale/mesh/internal/logging"
	"github.com/northvale/mesh/internal/metrics"
)

// ServerOptions configure a Server around an assembled handler.
type ServerOptions struct {
	Server  config.ServerConfig
	Admin   config.AdminConfig
	Log     *logging.Logger
	Handler http.Handler

	// Metrics backs the admin /metrics endpoint.
	Metrics *metrics.Collector
}

type hook struct {
	name string
	fn   func(context.Context) error
}

// Server owns the main listener, the optional admin listener, and the
// signal-driven lifecycle. Boot hooks run to completion before the main
// socket opens, so replay-style work finishes before any request arrives.
type Server struct {
	cfg       config.ServerConfig
	admin     config.AdminConfig
	log       *logging.Logger
	collector *metrics.Collector

	main     *http.Server
	adminSrv *http.Server

	mu        sync.Mutex
	bootHooks []hook
	stopHooks []hook
	hupHooks  []hook
	statsFns  map[string]func() map[string]any
	checks    map[string]func(context.Context) error

	ready     atomic.Bool
	boundAddr atomic.Value // string
	start     time.Time

	stopOnce sync.Once
	stopErr  error
}

// NewServer wires a Server. The handler is required; everything else has a
// workable default.
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Handler == nil {
		return nil, fmt.Errorf("app: server handler is required")
	}
	log := opts.Log
	if log == nil {
		log = logging.Global()
	}

	s := &Server{
		cfg:       opts.Server,
		admin:     opts.Admin,
		log:       log,
		collector: opts.Metrics,
		statsFns:  make(map[string]func() map[string]any),
		checks:    make(map[string]func(context.Context) error),
		start:     time.Now(),
	}
	s.main = &http.Server{
		Handler:           opts.Handler,
		ReadTimeout:       opts.Server.ReadTimeout,
		ReadHeaderTimeout: opts.Server.ReadHeaderTimeout,
		WriteTimeout:      opts.Server.WriteTimeout,
		IdleTimeout:       opts.Server.IdleTimeout,
	}
	if opts.Admin.Enabled {
		s.adminSrv = &http.Server{
			Addr:         opts.Admin.Addr(),
			Handler:      s.adminHandler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
	}
	return s, nil
}

// OnBoot registers work that must finish before the main listener opens.
// Hooks run in registration order; the first failure aborts startup.
func (s *Server) OnBoot(name string, fn func(context.Context) error) {
	s.mu.Lock()
	s.bootHooks = append(s.bootHooks, hook{name, fn})
	s.mu.Unlock()
}

// OnShutdown registers work that runs after both listeners drain.
func (s *Server) OnShutdown(name string, fn func(context.Context) error) {
	s.mu.Lock()
	s.stopHooks = append(s.stopHooks, hook{name, fn})
	s.mu.Unlock()
}

// OnHangup registers a refresh hook for SIGHUP. Configuration is frozen at
// boot, so SIGHUP refreshes components instead of reloading config.
func (s *Server) OnHangup(name string, fn func(context.Context) error) {
	s.mu.Lock()
	s.hupHooks = append(s.hupHooks, hook{name, fn})
	s.mu.Unlock()
}

// RegisterStats exposes a component's stats map under the admin /stats key.
func (s *Server) RegisterStats(name string, fn func() map[string]any) {
	s.mu.Lock()
	s.statsFns[name] = fn
	s.mu.Unlock()
}

// AddHealthCheck registers a dependency probe for the admin /health report.
func (s *Server) AddHealthCheck(name string, fn func(context.Context) error) {
	s.mu.Lock()
	s.checks[name] = fn
	s.mu.Unlock()
}

// Ready reports whether the main listener is accepting requests.
func (s *Server) Ready() bool { return s.ready.Load() }

// Addr reports the bound main listener address. Empty before Run opens the
// socket, which only happens after every boot hook has finished.
func (s *Server) Addr() string {
	if v := s.boundAddr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// Run executes the lifecycle: boot hooks, then both listeners, then a
// signal wait. SIGHUP triggers the refresh hooks; SIGINT and SIGTERM drain
// gracefully. Cancelling ctx drains too, which is how tests stop a server.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	boot := make([]hook, len(s.bootHooks))
	copy(boot, s.bootHooks)
	s.mu.Unlock()

	for _, h := range boot {
		s.log.Info("boot hook", zap.String("hook", h.name))
		if err := h.fn(ctx); err != nil {
			return fmt.Errorf("boot hook %s: %w", h.name, err)
		}
	}

	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr(), err)
	}
	s.boundAddr.Store(ln.Addr().String())
	s.ready.Store(true)
	s.log.Info("listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("service", s.cfg.Slug),
		zap.String("env", s.cfg.Env),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.main.Serve(ln); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	if s.adminSrv != nil {
		g.Go(func() error {
			s.log.Info("admin listening", zap.String("addr", s.admin.Addr()))
			if err := s.adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("admin serve: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		defer signal.Stop(quit)
		for {
			select {
			case <-gctx.Done():
				return s.drain()
			case sig := <-quit:
				if sig == syscall.SIGHUP {
					s.hangup(gctx)
					continue
				}
				s.log.Info("shutting down", zap.String("signal", sig.String()))
				return s.drain()
			}
		}
	})
	return g.Wait()
}

// drain shuts down with the configured deadline.
func (s *Server) drain() error {
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Shutdown(ctx)
}

// Shutdown stops the admin listener, drains the main listener, then runs
// the shutdown hooks in registration order. Safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { s.stopErr = s.doShutdown(ctx) })
	return s.stopErr
}

func (s *Server) doShutdown(ctx context.Context) error {
	s.ready.Store(false)

	var firstErr error
	if s.adminSrv != nil {
		if err := s.adminSrv.Shutdown(ctx); err != nil {
			s.log.Error("admin shutdown", zap.Error(err))
			firstErr = err
		}
	}
	if err := s.main.Shutdown(ctx); err != nil {
		s.log.Error("server shutdown", zap.Error(err))
		if firstErr == nil {
			firstErr = err
		}
	}

	s.mu.Lock()
	stop := make([]hook, len(s.stopHooks))
	copy(stop, s.stopHooks)
	s.mu.Unlock()
	for _, h := range stop {
		if err := h.fn(ctx); err != nil {
			s.log.Error("shutdown hook failed", zap.String("hook", h.name), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	s.log.Info("shutdown complete", zap.String("service", s.cfg.Slug))
	return firstErr
}

// hangup runs the refresh hooks. Failures are logged, never fatal.
func (s *Server) hangup(ctx context.Context) {
	s.mu.Lock()
	hooks := make([]hook, len(s.hupHooks))
	copy(hooks, s.hupHooks)
	s.mu.Unlock()

	if len(hooks) == 0 {
		s.log.Info("sighup ignored, no refresh hooks registered")
		return
	}
	for _, h := range hooks {
		if err := h.fn(ctx); err != nil {
			s.log.Error("refresh hook failed", zap.String("hook", h.name), zap.Error(err))
			continue
		}
		s.log.Info("refreshed", zap.String("hook", h.name))
	}
}

// adminHandler serves the operational endpoints on the admin listener.
func (s *Server) adminHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealth)

	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/readyz", s.handleReady)

	mux.HandleFunc("/stats", s.handleStats)

	if s.collector != nil {
		mux.Handle("/metrics", s.collector.Handler())
	}

	return mux
}

// handleHealth runs every registered dependency probe and reports degraded
// with a 503 when any of them fails.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	s.mu.Lock()
	probes := make(map[string]func(context.Context) error, len(s.checks))
	for name, fn := range s.checks {
		probes[name] = fn
	}
	s.mu.Unlock()

	checks := make(map[string]any, len(probes))
	healthy := true
	for name, fn := range probes {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := fn(ctx)
		cancel()
		if err != nil {
			checks[name] = map[string]any{"status": "fail", "error": err.Error()}
			healthy = false
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	status := http.StatusOK
	statusStr := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		statusStr = "degraded"
	}

	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"status":    statusStr,
		"service":   s.cfg.Slug,
		"uptime":    time.Since(s.start).String(),
		"timestamp": time.Now().Format(time.RFC3339),
		"checks":    checks,
	})
}

// handleReady reflects the listener state: not_ready before boot hooks
// finish and again once draining starts.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]any{
			"status":  "not_ready",
			"reasons": []string{"listener is not accepting requests"},
		})
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"status": "ready"})
}

// handleStats aggregates registered component stats into one document.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	s.mu.Lock()
	fns := make(map[string]func() map[string]any, len(s.statsFns))
	for name, fn := range s.statsFns {
		fns[name] = fn
	}
	s.mu.Unlock()

	out := map[string]any{
		"service": s.cfg.Slug,
		"env":     s.cfg.Env,
		"uptime":  time.Since(s.start).String(),
		"ready":   s.ready.Load(),
	}
	for name, fn := range fns {
		out[name] = fn()
	}
	json.NewEncoder(w).Encode(out)
}
