// Package gateway implements the public edge of the mesh. One broker
// fronts every /api/<slug>/v<major>/... request: it journals an audit
// BEGIN before anything is forwarded, resolves the target through the
// mirror, streams the exchange, and journals the END when the response
// finishes. A request whose BEGIN cannot be made durable is refused.
package gateway

import (
	"context"
	stderrors "errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/northvale/mesh/internal/config"
	"github.com/northvale/mesh/internal/contract"
	"github.com/northvale/mesh/internal/errors"
	"github.com/northvale/mesh/internal/logging"
	"github.com/northvale/mesh/internal/metrics"
	"github.com/northvale/mesh/internal/middleware"
	"github.com/northvale/mesh/internal/s2s"
	"github.com/northvale/mesh/internal/wal"
)

// pathPattern splits /api/<slug>/v<major>/<subpath>. Anything else is
// not a brokered path.
var pathPattern = regexp.MustCompile(`^/api/([a-z][a-z0-9-]*)/v([0-9]+)(?:/(.*))?$`)

// healthSubpath is the one subpath family the on-demand fallback may
// serve: /health with at most one extra token.
var healthSubpath = regexp.MustCompile(`^/health(?:/[A-Za-z0-9_-]+)?$`)

// route is one parsed brokered path. Subpath always begins with "/".
type route struct {
	Slug    string
	Version int
	Subpath string
}

func (rt route) Key() string { return contract.Key(rt.Slug, rt.Version) }

func (rt route) IsHealth() bool { return healthSubpath.MatchString(rt.Subpath) }

// parseRoute splits a request path into its route. The version must be
// a plain integer >= 1; the subpath defaults to "/".
func parseRoute(path string) (route, bool) {
	m := pathPattern.FindStringSubmatch(path)
	if m == nil {
		return route{}, false
	}
	version, err := strconv.Atoi(m[2])
	if err != nil || version < 1 {
		return route{}, false
	}
	sub := "/"
	if m[3] != "" {
		sub = "/" + m[3]
	}
	return route{Slug: m[1], Version: version, Subpath: sub}, true
}

type routeCtxKey struct{}

func withRoute(ctx context.Context, rt route) context.Context {
	return context.WithValue(ctx, routeCtxKey{}, rt)
}

func routeFrom(ctx context.Context) (route, bool) {
	rt, ok := ctx.Value(routeCtxKey{}).(route)
	return rt, ok
}

// Options wires a Broker. WAL, Resolver, Signer, and Client are
// required; the rest defaults.
type Options struct {
	// Service is the broker's own slug; its paths are never proxied.
	Service string
	// Version is the broker's own major version.
	Version int
	// Limits drive the DoS guards in front of the audited pipeline.
	Limits config.LimitsConfig
	// RedirectHTTPS answers plain-HTTP requests with a 308 to https.
	RedirectHTTPS bool

	WAL      *wal.Engine
	Resolver *s2s.Resolver
	Signer   *s2s.Signer
	Client   *s2s.Client
	Metrics  *metrics.Collector

	// Transport overrides the upstream transport. Nil gets the tuned
	// default.
	Transport http.RoundTripper

	Log *logging.Logger
}

// Broker is the edge request pipeline.
type Broker struct {
	service       string
	version       int
	limits        config.LimitsConfig
	redirectHTTPS bool

	log       *logging.Logger
	wal       *wal.Engine
	resolver  *s2s.Resolver
	signer    *s2s.Signer
	client    *s2s.Client
	transport http.RoundTripper
	collector *metrics.Collector
	start     time.Time

	flight singleflight.Group

	proxied   atomic.Int64
	fallbacks atomic.Int64
	hardStops atomic.Int64
}

// NewBroker builds the pipeline around its collaborators.
func NewBroker(opts Options) (*Broker, error) {
	switch {
	case opts.WAL == nil:
		return nil, errors.New(errors.CodeInternal, http.StatusInternalServerError, "gateway: wal engine is required")
	case opts.Resolver == nil:
		return nil, errors.New(errors.CodeInternal, http.StatusInternalServerError, "gateway: resolver is required")
	case opts.Signer == nil:
		return nil, errors.New(errors.CodeInternal, http.StatusInternalServerError, "gateway: signer is required")
	case opts.Client == nil:
		return nil, errors.New(errors.CodeInternal, http.StatusInternalServerError, "gateway: s2s client is required")
	}
	if opts.Service == "" {
		opts.Service = "gateway"
	}
	if !contract.SlugPattern.MatchString(opts.Service) {
		return nil, errors.New(errors.CodeInternal, http.StatusInternalServerError, "gateway: service must be a slug")
	}
	if opts.Version <= 0 {
		opts.Version = 1
	}
	if opts.Log == nil {
		opts.Log = logging.Global()
	}
	if opts.Transport == nil {
		opts.Transport = NewTransport(DefaultTransportConfig())
	}
	return &Broker{
		service:       opts.Service,
		version:       opts.Version,
		limits:        opts.Limits,
		redirectHTTPS: opts.RedirectHTTPS,
		log:           opts.Log,
		wal:           opts.WAL,
		resolver:      opts.Resolver,
		signer:        opts.Signer,
		client:        opts.Client,
		transport:     opts.Transport,
		collector:     opts.Metrics,
		start:         time.Now(),
	}, nil
}

// Handler assembles the pipeline. Triage runs before the guards so the
// broker's own health is never rate-limited and every parsed hit gets
// its EDGE line, rejected or not.
func (b *Broker) Handler() http.Handler {
	bld := middleware.NewBuilder()
	bld.Use(middleware.HTTPSRedirect(b.redirectHTTPS))
	bld.Use(middleware.RequestID())
	bld.Use(middleware.RecoveryWithLogger(b.log))
	bld.Use(b.triage())
	bld.Use(middleware.GlobalRateLimit(b.limits.GlobalRatePerSecond, b.limits.GlobalBurst, b.rateLimited))
	bld.Use(middleware.RateLimit(b.limits.RatePerMinute, b.limits.RateBurst, b.rateLimited))
	bld.UseIf(b.limits.BodyLimitBytes > 0, middleware.BodyLimit(b.limits.BodyLimitBytes))
	bld.UseIf(b.limits.RequestTimeout > 0, middleware.Timeout(b.limits.RequestTimeout))
	return bld.Handler(http.HandlerFunc(b.serve))
}

func (b *Broker) rateLimited() {
	if b.collector != nil {
		b.collector.RateLimited()
	}
}

// triage parses the route once, serves the broker's own slug locally,
// and emits the EDGE line for everything headed into the pipeline.
func (b *Broker) triage() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rt, ok := parseRoute(r.URL.Path)
			if !ok {
				b.deny(w, r, errors.ErrNotFound.WithDetailf("%s is not a versioned api path", r.URL.Path))
				return
			}
			if rt.Slug == b.service {
				b.serveSelf(w, r, rt)
				return
			}
			b.log.Edge("edge hit",
				zap.String("slug", rt.Slug),
				zap.Int("version", rt.Version),
				zap.String("method", r.Method),
				zap.String("url", r.URL.RequestURI()),
				zap.String("request_id", middleware.RequestIDFromContext(r.Context())))
			next.ServeHTTP(w, r.WithContext(withRoute(r.Context(), rt)))
		})
	}
}

// serveSelf answers /api/<own-slug>/... without proxying: health for
// health subpaths, 404 for the rest.
func (b *Broker) serveSelf(w http.ResponseWriter, r *http.Request, rt route) {
	if !rt.IsHealth() {
		b.deny(w, r, errors.ErrNotFound.WithDetailf("%s has no route %s", b.service, rt.Subpath))
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		b.deny(w, r, errors.ErrMethodNotAllowed)
		return
	}
	body := map[string]any{
		"status":  "ok",
		"service": b.service,
		"version": b.version,
		"uptime":  time.Since(b.start).Round(time.Millisecond).String(),
	}
	if tok := strings.TrimPrefix(rt.Subpath, "/health/"); tok != rt.Subpath && tok != "" {
		body["probe"] = tok
	}
	contract.WriteOK(w, b.service, http.StatusOK, body)
}

func (b *Broker) deny(w http.ResponseWriter, r *http.Request, e *errors.Error) {
	e.WithRequestID(middleware.RequestIDFromContext(r.Context())).
		WithInstance(r.URL.Path).
		WriteProblem(w)
}

// errClientGone marks an exchange whose caller disappeared before the
// upstream answered; nothing can be written.
var errClientGone = stderrors.New("client disconnected")

// serve is the audited core: BEGIN, dispatch, END. It only runs for
// routes that survived triage and the guards.
func (b *Broker) serve(w http.ResponseWriter, r *http.Request) {
	rt, ok := routeFrom(r.Context())
	if !ok {
		b.deny(w, r, errors.ErrNotFound)
		return
	}
	rid := middleware.RequestIDFromContext(r.Context())
	start := time.Now()

	if err := b.auditBegin(r, rt, rid); err != nil {
		b.hardStops.Add(1)
		b.log.Error("gateway: audit begin hard stop",
			zap.String("request_id", rid),
			zap.String("target", rt.Key()),
			zap.Error(err))
		b.deny(w, r, errors.ErrAuditBeginStop)
		return
	}

	sc := &statusCapture{ResponseWriter: w}
	ferr := b.dispatch(sc, r, rt)
	if ferr != nil && !sc.Wrote() && !stderrors.Is(ferr, errClientGone) {
		b.deny(sc, r, errors.AsError(ferr))
	}

	b.auditEnd(r, rt, rid, sc, ferr)
	if b.collector != nil {
		b.collector.ObserveRequest(rt.Slug, r.Method, sc.Status(), time.Since(start))
	}
}

// auditBegin journals the BEGIN entry. Zero byte growth means the entry
// never reached disk; the request must not proceed.
func (b *Broker) auditBegin(r *http.Request, rt route, rid string) error {
	entry := contract.AuditEntry{
		Meta:  contract.AuditMeta{Service: b.service, TS: time.Now().UnixMilli(), RequestID: rid},
		Phase: contract.PhaseBegin,
		Target: &contract.AuditTarget{
			Slug:    rt.Slug,
			Version: rt.Version,
			Route:   rt.Subpath,
			Method:  r.Method,
		},
	}
	growth, err := b.wal.Append(entry)
	if err != nil {
		return err
	}
	if growth <= 0 {
		return errors.ErrAuditBeginStop.WithDetailf("journal did not grow for request %s", rid)
	}
	return nil
}

// auditEnd journals the END entry and nudges the flush. A middleware
// deadline is recorded as timeout, a vanished client as client-abort.
func (b *Broker) auditEnd(r *http.Request, rt route, rid string, sc *statusCapture, ferr error) {
	end := contract.AuditEntry{
		Meta:   contract.AuditMeta{Service: b.service, TS: time.Now().UnixMilli(), RequestID: rid},
		Phase:  contract.PhaseEnd,
		Status: contract.StatusOK,
		Target: &contract.AuditTarget{
			Slug:    rt.Slug,
			Version: rt.Version,
			Route:   rt.Subpath,
			Method:  r.Method,
		},
	}
	switch {
	case r.Context().Err() == context.DeadlineExceeded:
		end.Status = contract.StatusError
		end.Err = contract.ErrMarkTimeout
	case r.Context().Err() == context.Canceled:
		end.Status = contract.StatusError
		end.Err = contract.ErrMarkClientAbort
	case ferr != nil:
		end.Status = contract.StatusError
	}
	if sc.Wrote() {
		end.HTTP = &contract.AuditHTTP{Code: sc.Status()}
	} else if end.Err == contract.ErrMarkTimeout {
		// The timeout middleware answers 504 once serve returns.
		end.HTTP = &contract.AuditHTTP{Code: http.StatusGatewayTimeout}
	}

	if _, err := b.wal.Append(end); err != nil {
		b.log.Error("gateway: audit end not journaled",
			zap.String("request_id", rid),
			zap.Error(err))
	}
	b.kickFlush()
}

// kickFlush runs one best-effort drain off the request path. The
// engine's single-flight makes overlapping kicks free.
func (b *Broker) kickFlush() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := b.wal.Flush(ctx); err != nil {
			b.log.Debug("gateway: post-request flush failed", zap.Error(err))
		}
	}()
}

// dispatch resolves and forwards. A resolve miss on a health subpath
// gets one chance at the facilitator fallback before the miss stands.
func (b *Broker) dispatch(w http.ResponseWriter, r *http.Request, rt route) error {
	target, err := b.resolver.Resolve(r.Context(), rt.Slug, rt.Version)
	if err != nil {
		if rt.IsHealth() && r.Method == http.MethodGet && b.healthFallback(w, r, rt) {
			return nil
		}
		return err
	}
	if perr := s2s.Preflight(target.Record, s2s.PreflightOptions{Edge: true, HealthProbe: rt.IsHealth()}); perr != nil {
		return perr
	}
	return b.proxy(w, r, rt, target)
}

// Stats feeds the admin surface.
func (b *Broker) Stats() map[string]any {
	return map[string]any{
		"proxied":    b.proxied.Load(),
		"fallbacks":  b.fallbacks.Load(),
		"hard_stops": b.hardStops.Load(),
	}
}

// statusCapture remembers what went over the wire for the END entry.
type statusCapture struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (sc *statusCapture) WriteHeader(code int) {
	if !sc.wrote {
		sc.status = code
		sc.wrote = true
	}
	sc.ResponseWriter.WriteHeader(code)
}

func (sc *statusCapture) Write(p []byte) (int, error) {
	if !sc.wrote {
		sc.status = http.StatusOK
		sc.wrote = true
	}
	return sc.ResponseWriter.Write(p)
}

func (sc *statusCapture) Flush() {
	if f, ok := sc.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sc *statusCapture) Status() int { return sc.status }

func (sc *statusCapture) Wrote() bool { return sc.wrote }
