// Package metrics exports the process metrics every mesh binary serves
// on its admin listener.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mesh"

// Collector bundles the mesh metrics behind a private registry. The
// service const-label carries the binary's slug so one scrape config
// covers the whole mesh.
type Collector struct {
	registry *prometheus.Registry
	service  string

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	rateLimited     prometheus.Counter

	mirrorRefreshes *prometheus.CounterVec
	mirrorServices  prometheus.Gauge

	s2sCalls *prometheus.CounterVec
}

// NewCollector builds the registry for one binary, runtime and process
// collectors included.
func NewCollector(service string) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	svc := prometheus.Labels{"service": service}

	return &Collector{
		registry: reg,
		service:  service,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "requests_total",
			Help:        "Requests handled, by target slug, method, and status class.",
			ConstLabels: svc,
		}, []string{"slug", "method", "class"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "request_duration_seconds",
			Help:        "Request duration by target slug.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: svc,
		}, []string{"slug"}),
		rateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "ratelimit_rejected_total",
			Help:        "Requests rejected by the per-IP rate limiter.",
			ConstLabels: svc,
		}),
		mirrorRefreshes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "mirror_refreshes_total",
			Help:        "Mirror snapshot adoptions, by source.",
			ConstLabels: svc,
		}, []string{"source"}),
		mirrorServices: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "mirror_services",
			Help:        "Services in the adopted mirror snapshot.",
			ConstLabels: svc,
		}),
		s2sCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "s2s_calls_total",
			Help:        "Outbound service calls, by target and outcome.",
			ConstLabels: svc,
		}, []string{"target", "outcome"}),
	}
}

// Handler serves the registry in text exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one handled request.
func (c *Collector) ObserveRequest(slug, method string, status int, d time.Duration) {
	c.requests.WithLabelValues(slug, method, statusClass(status)).Inc()
	c.requestDuration.WithLabelValues(slug).Observe(d.Seconds())
}

// RateLimited records one rejected request.
func (c *Collector) RateLimited() { c.rateLimited.Inc() }

// MirrorRefresh records one snapshot adoption (db, lkg, stale, push).
func (c *Collector) MirrorRefresh(source string) {
	c.mirrorRefreshes.WithLabelValues(source).Inc()
}

// SetMirrorServices tracks the adopted snapshot's size.
func (c *Collector) SetMirrorServices(n int) { c.mirrorServices.Set(float64(n)) }

// S2SCall records one outbound call outcome (ok, upstream_error,
// transport_error, circuit_open).
func (c *Collector) S2SCall(target, outcome string) {
	c.s2sCalls.WithLabelValues(target, outcome).Inc()
}

// GaugeFunc registers a gauge whose value is read live on every scrape.
// Components with their own counters (WAL queue depth, journal size)
// hook in through this instead of double-counting.
func (c *Collector) GaugeFunc(name, help string, fn func() float64) {
	c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        name,
		Help:        help,
		ConstLabels: prometheus.Labels{"service": c.service},
	}, fn))
}

// CounterFunc registers a cumulative counter read live on every scrape.
func (c *Collector) CounterFunc(name, help string, fn func() float64) {
	c.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace:   namespace,
		Name:        name,
		Help:        help,
		ConstLabels: prometheus.Labels{"service": c.service},
	}, fn))
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "xxx"
	}
	return strconv.Itoa(status/100) + "xx"
}
