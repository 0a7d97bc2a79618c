// Package app assembles the shared skeleton every mesh binary runs on: a
// fixed boot order (health mount, request identity, access logging, S2S
// verification, body limits, routes, error sink) and the listener lifecycle
// around it. Services contribute routes and hooks; the skeleton decides
// ordering.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/northvale/mesh/internal/config"
	"github.com/northvale/mesh/internal/contract"
	"github.com/northvale/mesh/internal/errors"
	"github.com/northvale/mesh/internal/logging"
	"github.com/northvale/mesh/internal/metrics"
	"github.com/northvale/mesh/internal/middleware"
	"github.com/northvale/mesh/internal/s2s"
)

// Options configures an App. Service and Version anchor the versioned route
// prefix /api/<service>/v<version>.
type Options struct {
	Service string
	Version int

	Log    *logging.Logger
	Limits config.LimitsConfig

	// Verifier gates every non-health route behind S2S token verification.
	// Nil leaves routes open; only the gateway's public edge does that.
	Verifier *s2s.Verifier

	// Metrics, when set, observes each request on the collector.
	Metrics *metrics.Collector

	// HealthDetail contributes extra fields to the health response body.
	HealthDetail func() map[string]any
}

// Handle is a route handler that reports failures by returning an error.
// The app's sink renders returned errors as RFC 7807 Problem documents.
type Handle func(http.ResponseWriter, *http.Request, httprouter.Params) error

// App is the assembled service skeleton. Routes register through Handle or
// HandleAPI; Handler produces the final chain.
type App struct {
	opts   Options
	log    *logging.Logger
	router *httprouter.Router
	prefix string
	health string
	start  time.Time
}

// New builds an App and mounts the versioned health route. Health is mounted
// before anything else so it is never auth-gated and never rate-limited.
func New(opts Options) (*App, error) {
	if !contract.SlugPattern.MatchString(opts.Service) {
		return nil, errors.New(errors.CodeInternal, http.StatusInternalServerError, "app: service must be a slug")
	}
	if opts.Version <= 0 {
		opts.Version = 1
	}
	log := opts.Log
	if log == nil {
		log = logging.Global()
	}

	r := httprouter.New()
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false
	r.HandleMethodNotAllowed = true
	r.NotFound = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		errors.ErrNotFound.WithRequestID(middleware.RequestIDFromContext(req.Context())).WriteProblem(w)
	})
	r.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		errors.ErrMethodNotAllowed.WithRequestID(middleware.RequestIDFromContext(req.Context())).WriteProblem(w)
	})

	a := &App{
		opts:   opts,
		log:    log,
		router: r,
		prefix: contract.RoutePrefix(opts.Service, opts.Version),
		health: contract.RoutePrefix(opts.Service, opts.Version) + "/health",
		start:  time.Now(),
	}
	a.mountHealth()
	return a, nil
}

// Prefix returns the versioned route prefix, e.g. /api/svcfacilitator/v1.
func (a *App) Prefix() string { return a.prefix }

// Router exposes the underlying router for registrations that need full
// control. Handlers registered here bypass the error sink.
func (a *App) Router() *httprouter.Router { return a.router }

// Handle registers a route under the error sink.
func (a *App) Handle(method, path string, h Handle) {
	a.router.Handle(method, path, func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if err := h(w, r, ps); err != nil {
			a.WriteError(w, r, err)
		}
	})
}

// HandleAPI registers a route relative to the versioned prefix.
func (a *App) HandleAPI(method, sub string, h Handle) {
	a.Handle(method, a.prefix+sub, h)
}

// WriteError renders err as a Problem document with the request id bound.
// Non-mesh errors become opaque 500s; their cause stays in the log, not on
// the wire.
func (a *App) WriteError(w http.ResponseWriter, r *http.Request, err error) {
	e := errors.AsError(err)
	if e == nil {
		e = errors.ErrInternalServer.WithCause(err)
	}
	e = e.WithRequestID(middleware.RequestIDFromContext(r.Context())).WithInstance(r.URL.Path)
	if e.Status >= http.StatusInternalServerError {
		a.log.Error("request failed",
			zap.String("request_id", e.RequestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	e.WriteProblem(w)
}

// mountHealth registers GET <prefix>/health and the token variant. Probes
// answer with the standard envelope; the token, when present, is echoed so
// orchestrators can tell their probes apart.
func (a *App) mountHealth() {
	h := func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) error {
		body := map[string]any{
			"status":  "ok",
			"service": a.opts.Service,
			"version": a.opts.Version,
			"uptime":  time.Since(a.start).Round(time.Millisecond).String(),
		}
		if tok := ps.ByName("token"); tok != "" {
			body["probe"] = tok
		}
		if a.opts.HealthDetail != nil {
			for k, v := range a.opts.HealthDetail() {
				body[k] = v
			}
		}
		contract.WriteOK(w, a.opts.Service, http.StatusOK, body)
		return nil
	}
	a.Handle(http.MethodGet, a.health, h)
	a.Handle(http.MethodGet, a.health+"/:token", h)
}

// isHealth reports whether the request targets the health route or a token
// variant under it.
func (a *App) isHealth(r *http.Request) bool {
	p := r.URL.Path
	return p == a.health || strings.HasPrefix(p, a.health+"/")
}

// Handler assembles the chain around the router. Order is fixed: request
// identity, access log, panic recovery, S2S verification (health exempt),
// body limit, request timeout, routes.
func (a *App) Handler() http.Handler {
	al := middleware.AccessLogConfig{
		Logger:    a.log,
		SkipPaths: []string{a.health},
	}
	if a.opts.Metrics != nil {
		c := a.opts.Metrics
		slug := a.opts.Service
		al.Observe = func(method string, status int, d time.Duration) {
			c.ObserveRequest(slug, method, status, d)
		}
	}

	b := middleware.NewBuilder().
		Use(middleware.RequestID()).
		Use(middleware.AccessLog(al)).
		Use(middleware.RecoveryWithLogger(a.log))
	if a.opts.Verifier != nil {
		b.Use(a.opts.Verifier.Middleware(a.isHealth))
	}
	b.UseIf(a.opts.Limits.BodyLimitBytes > 0, middleware.BodyLimit(a.opts.Limits.BodyLimitBytes)).
		UseIf(a.opts.Limits.RequestTimeout > 0, middleware.Timeout(a.opts.Limits.RequestTimeout))
	return b.Handler(a.router)
}
