package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/northvale/mesh/internal/config"
	"github.com/northvale/mesh/internal/contract"
	"github.com/northvale/mesh/internal/errors"
	"github.com/northvale/mesh/internal/metrics"
	"github.com/northvale/mesh/internal/mirror"
	"github.com/northvale/mesh/internal/s2s"
	"github.com/northvale/mesh/internal/wal"
)

// capture records what a test upstream last saw.
type capture struct {
	mu     sync.Mutex
	hits   int
	method string
	path   string
	header http.Header
}

func (c *capture) observe(r *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hits++
	c.method = r.Method
	c.path = r.URL.RequestURI()
	c.header = r.Header.Clone()
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits
}

func (c *capture) last() (string, string, http.Header) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.method, c.path, c.header
}

func serviceRecord(slug, baseURL string) contract.ServiceConfigRecord {
	return contract.ServiceConfigRecord{
		Slug:              slug,
		Version:           1,
		BaseURL:           baseURL,
		OutboundAPIPrefix: "/api",
		Enabled:           true,
		AllowProxy:        true,
		ExposeHealth:      true,
		ConfigRevision:    1,
	}
}

func mirrorOf(recs ...contract.ServiceConfigRecord) contract.Mirror {
	m := contract.Mirror{}
	for _, rec := range recs {
		m[rec.Key()] = rec
	}
	return m
}

type env struct {
	dir      string
	engine   *wal.Engine
	journal  *wal.Journal
	resolver *s2s.Resolver
	broker   *Broker
	handler  http.Handler
}

type envOptions struct {
	mirror    contract.Mirror
	source    mirror.Source
	limits    config.LimitsConfig
	fac       config.FacilitatorClientConfig
	collector *metrics.Collector
	redirect  bool
}

func newEnv(t *testing.T, eo envOptions) *env {
	t.Helper()

	dir := t.TempDir()
	j, err := wal.NewJournal(dir, 0)
	if err != nil {
		t.Fatalf("NewJournal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	engine := wal.NewEngine(j, wal.Options{}, nil)

	src := eo.source
	if src == nil {
		m := eo.mirror
		if m == nil {
			m = contract.Mirror{}
		}
		src = mirror.SourceFunc(func(context.Context) (contract.Mirror, error) { return m, nil })
	}
	store := mirror.NewStore(src, mirror.Options{TTL: time.Minute}, nil)

	fac := eo.fac
	if fac.BaseURL == "" {
		fac.BaseURL = "http://127.0.0.1:9"
	}
	resolver := s2s.NewResolver(store, fac, nil)

	signer, err := s2s.NewSigner(config.S2SConfig{
		Mode:     s2s.ModeHS256,
		Secret:   "edge-test-secret",
		TokenTTL: 90 * time.Second,
	}, "gateway", nil)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	client := s2s.NewClient(signer, resolver, s2s.ClientOptions{
		Service:     "gateway",
		Timeout:     2 * time.Second,
		MaxAttempts: 1,
		BackoffBase: time.Millisecond,
	}, nil)

	b, err := NewBroker(Options{
		Service:       "gateway",
		Version:       1,
		Limits:        eo.limits,
		RedirectHTTPS: eo.redirect,
		WAL:           engine,
		Resolver:      resolver,
		Signer:        signer,
		Client:        client,
		Metrics:       eo.collector,
	})
	if err != nil {
		t.Fatalf("NewBroker: %v", err)
	}
	return &env{dir: dir, engine: engine, journal: j, resolver: resolver, broker: b, handler: b.Handler()}
}

// journalEntries reads every audit entry the journal holds, in append
// order.
func journalEntries(t *testing.T, dir string) []contract.AuditEntry {
	t.Helper()
	files, err := wal.ListJournalFiles(dir)
	if err != nil {
		t.Fatalf("ListJournalFiles: %v", err)
	}
	var entries []contract.AuditEntry
	for _, path := range files {
		raw, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		for _, line := range strings.Split(string(raw), "\n") {
			if strings.TrimSpace(line) == "" {
				continue
			}
			var wl contract.WalLine
			if err := json.Unmarshal([]byte(line), &wl); err != nil {
				t.Fatalf("wal line %q: %v", line, err)
			}
			entry, err := contract.ParseAuditEntry(wl.Blob)
			if err != nil {
				t.Fatalf("audit entry: %v", err)
			}
			entries = append(entries, entry)
		}
	}
	return entries
}

func do(h http.Handler, method, target string, hdr http.Header, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	if hdr != nil {
		for k, vs := range hdr {
			req.Header[k] = vs
		}
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestBrokerProxiesAndJournals(t *testing.T) {
	up := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up.observe(r)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Upstream", "user-svc")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"answer":42}`))
	}))
	defer srv.Close()

	e := newEnv(t, envOptions{mirror: mirrorOf(serviceRecord("user", srv.URL))})

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer caller-token")
	hdr.Set("Connection", "X-Linked")
	hdr.Set("X-Linked", "leak")
	hdr.Set("X-Tenant", "acme")
	hdr.Set("X-Request-Id", "rid-edge-1")
	rec := do(e.handler, http.MethodGet, "/api/user/v1/things/42?full=1", hdr, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if gjson.Get(rec.Body.String(), "answer").Int() != 42 {
		t.Fatalf("body = %s", rec.Body.String())
	}
	if rec.Header().Get("X-Upstream") != "user-svc" || rec.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("relayed headers = %v", rec.Header())
	}

	method, path, got := up.last()
	if method != http.MethodGet || path != "/api/user/v1/things/42?full=1" {
		t.Fatalf("upstream saw %s %s", method, path)
	}
	auth := got.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") || strings.Contains(auth, "caller-token") {
		t.Fatalf("authorization = %q, want a minted token", auth)
	}
	if got.Get("X-Linked") != "" {
		t.Fatal("Connection-named header reached the upstream")
	}
	if got.Get("X-Tenant") != "acme" {
		t.Fatal("ordinary header was dropped")
	}
	if got.Get("X-Service-Name") != "gateway" || got.Get("X-Api-Version") != "1" {
		t.Fatalf("identity headers = %q %q", got.Get("X-Service-Name"), got.Get("X-Api-Version"))
	}
	if got.Get("X-Request-Id") != "rid-edge-1" {
		t.Fatalf("request id = %q", got.Get("X-Request-Id"))
	}
	if got.Get("X-Forwarded-For") != "192.0.2.1" || got.Get("X-Forwarded-Host") != "example.com" {
		t.Fatalf("forwarding trail = %q %q", got.Get("X-Forwarded-For"), got.Get("X-Forwarded-Host"))
	}

	entries := journalEntries(t, e.dir)
	if len(entries) != 2 {
		t.Fatalf("journal entries = %d, want BEGIN and END", len(entries))
	}
	begin, end := entries[0], entries[1]
	if begin.Phase != contract.PhaseBegin || begin.HTTP != nil {
		t.Fatalf("begin = %+v", begin)
	}
	if begin.Meta.RequestID != "rid-edge-1" || begin.Meta.Service != "gateway" || begin.Meta.TS <= 0 {
		t.Fatalf("begin meta = %+v", begin.Meta)
	}
	if begin.Target == nil || begin.Target.Slug != "user" || begin.Target.Version != 1 ||
		begin.Target.Route != "/things/42" || begin.Target.Method != http.MethodGet {
		t.Fatalf("begin target = %+v", begin.Target)
	}
	if end.Phase != contract.PhaseEnd || end.Status != contract.StatusOK || end.Err != "" {
		t.Fatalf("end = %+v", end)
	}
	if end.HTTP == nil || end.HTTP.Code != http.StatusOK {
		t.Fatalf("end http = %+v", end.HTTP)
	}

	if got := e.broker.Stats()["proxied"].(int64); got != 1 {
		t.Fatalf("proxied = %d, want 1", got)
	}
	if e.engine.Appended() != 2 {
		t.Fatalf("appended = %d, want 2", e.engine.Appended())
	}
}

func TestBrokerServesOwnHealth(t *testing.T) {
	e := newEnv(t, envOptions{})

	rec := do(e.handler, http.MethodGet, "/api/gateway/v1/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !gjson.Get(body, "ok").Bool() || gjson.Get(body, "service").String() != "gateway" {
		t.Fatalf("envelope = %s", body)
	}
	if gjson.Get(body, "data.body.status").String() != "ok" || gjson.Get(body, "data.body.version").Int() != 1 {
		t.Fatalf("health body = %s", body)
	}

	rec = do(e.handler, http.MethodGet, "/api/gateway/v1/health/lb", nil, nil)
	if gjson.Get(rec.Body.String(), "data.body.probe").String() != "lb" {
		t.Fatalf("probe body = %s", rec.Body.String())
	}

	rec = do(e.handler, http.MethodPost, "/api/gateway/v1/health", nil, nil)
	if rec.Code != http.StatusMethodNotAllowed || gjson.Get(rec.Body.String(), "title").String() != "method_not_allowed" {
		t.Fatalf("POST health = %d %s", rec.Code, rec.Body.String())
	}

	rec = do(e.handler, http.MethodGet, "/api/gateway/v1/accounts", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("own non-health route = %d", rec.Code)
	}

	// The broker's own surface is never audited.
	if e.engine.Appended() != 0 {
		t.Fatalf("appended = %d, want 0", e.engine.Appended())
	}
}

func TestBrokerRedirectsPlainHTTP(t *testing.T) {
	e := newEnv(t, envOptions{redirect: true})

	rec := do(e.handler, http.MethodGet, "http://edge.example/api/gateway/v1/health?probe=lb", nil, nil)
	if rec.Code != http.StatusPermanentRedirect {
		t.Fatalf("status = %d, want 308", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "https://edge.example/api/gateway/v1/health?probe=lb" {
		t.Fatalf("location = %q", loc)
	}

	// Behind a TLS-terminating proxy the request passes through.
	hdr := http.Header{"X-Forwarded-Proto": []string{"https"}}
	rec = do(e.handler, http.MethodGet, "http://edge.example/api/gateway/v1/health", hdr, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("forwarded https = %d, want 200", rec.Code)
	}

	// Development keeps plain HTTP.
	plain := newEnv(t, envOptions{})
	rec = do(plain.handler, http.MethodGet, "http://edge.example/api/gateway/v1/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("dev plain http = %d, want 200", rec.Code)
	}
}

func TestBrokerRejectsUnbrokeredPaths(t *testing.T) {
	e := newEnv(t, envOptions{})

	for _, path := range []string{
		"/",
		"/api",
		"/api/",
		"/api/user",
		"/api/User/v1/things",
		"/api/user/v0/things",
		"/api/user/vNaN/things",
		"/metrics",
	} {
		rec := do(e.handler, http.MethodGet, path, nil, nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", path, rec.Code)
		}
		if gjson.Get(rec.Body.String(), "title").String() != "not_found" {
			t.Errorf("%s: body = %s", path, rec.Body.String())
		}
	}
	if e.engine.Appended() != 0 {
		t.Fatalf("unbrokered paths were audited: %d entries", e.engine.Appended())
	}
}

func TestBrokerMirrorMiss(t *testing.T) {
	e := newEnv(t, envOptions{mirror: mirrorOf(serviceRecord("billing", "http://billing.internal:4002"))})

	rec := do(e.handler, http.MethodGet, "/api/ghost/v1/data", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(gjson.Get(rec.Body.String(), "detail").String(), "not in the service mirror") {
		t.Fatalf("body = %s", rec.Body.String())
	}

	entries := journalEntries(t, e.dir)
	if len(entries) != 2 {
		t.Fatalf("journal entries = %d", len(entries))
	}
	end := entries[1]
	if end.Status != contract.StatusError || end.HTTP == nil || end.HTTP.Code != http.StatusNotFound {
		t.Fatalf("end = %+v http = %+v", end, end.HTTP)
	}
}

func TestBrokerColdStartMirror(t *testing.T) {
	e := newEnv(t, envOptions{
		source: mirror.SourceFunc(func(context.Context) (contract.Mirror, error) {
			return nil, fmt.Errorf("db offline")
		}),
	})

	rec := do(e.handler, http.MethodGet, "/api/user/v1/things", nil, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	if gjson.Get(rec.Body.String(), "title").String() != errors.CodeColdStart {
		t.Fatalf("body = %s", rec.Body.String())
	}

	// The BEGIN was journaled before the resolve could fail.
	entries := journalEntries(t, e.dir)
	if len(entries) != 2 || entries[0].Phase != contract.PhaseBegin {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[1].HTTP == nil || entries[1].HTTP.Code != http.StatusServiceUnavailable {
		t.Fatalf("end http = %+v", entries[1].HTTP)
	}
}

func TestBrokerPreflightRefusals(t *testing.T) {
	vault := serviceRecord("vault", "http://vault.internal:4003")
	vault.InternalOnly = true
	batch := serviceRecord("batch", "http://batch.internal:4004")
	batch.AllowProxy = false
	dark := serviceRecord("dark", "http://dark.internal:4005")
	dark.ExposeHealth = false

	e := newEnv(t, envOptions{mirror: mirrorOf(vault, batch, dark)})

	// Disabled records never appear in a mirror; they reach the edge
	// only through a cached resolve that outlived a disable.
	paused := serviceRecord("paused", "http://paused.internal:4006")
	paused.Enabled = false
	e.resolver.AdoptRecord(paused)

	cases := []struct {
		name   string
		path   string
		status int
		title  string
	}{
		{"disabled", "/api/paused/v1/data", http.StatusNotFound, "service_disabled"},
		{"internal only", "/api/vault/v1/data", http.StatusNotFound, "not_found"},
		{"proxy opt-out", "/api/batch/v1/data", http.StatusForbidden, "forbidden"},
		{"unexposed health", "/api/dark/v1/health", http.StatusForbidden, "forbidden"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(e.handler, http.MethodGet, tc.path, nil, nil)
			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d", rec.Code, tc.status)
			}
			if got := gjson.Get(rec.Body.String(), "title").String(); got != tc.title {
				t.Fatalf("title = %q, want %q", got, tc.title)
			}
		})
	}

	// Every refusal happened after BEGIN, so each left a pair.
	if entries := journalEntries(t, e.dir); len(entries) != 2*len(cases) {
		t.Fatalf("journal entries = %d, want %d", len(entries), 2*len(cases))
	}
}

func TestBrokerRefusesUnroutableHost(t *testing.T) {
	e := newEnv(t, envOptions{mirror: mirrorOf(serviceRecord("user", "http://0.0.0.0:4001"))})

	rec := do(e.handler, http.MethodGet, "/api/user/v1/things", nil, nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(gjson.Get(rec.Body.String(), "detail").String(), "unroutable") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestBrokerUpstreamDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := srv.URL
	srv.Close()

	e := newEnv(t, envOptions{mirror: mirrorOf(serviceRecord("user", deadURL))})

	rec := do(e.handler, http.MethodGet, "/api/user/v1/things", nil, nil)
	if rec.Code != http.StatusBadGateway || gjson.Get(rec.Body.String(), "title").String() != "bad_gateway" {
		t.Fatalf("response = %d %s", rec.Code, rec.Body.String())
	}

	entries := journalEntries(t, e.dir)
	if len(entries) != 2 || entries[1].Status != contract.StatusError {
		t.Fatalf("entries = %+v", entries)
	}
	if got := e.broker.Stats()["proxied"].(int64); got != 0 {
		t.Fatalf("proxied = %d, want 0", got)
	}
}

func TestBrokerTimeoutMark(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(300 * time.Millisecond):
		}
	}))
	defer srv.Close()

	e := newEnv(t, envOptions{
		mirror: mirrorOf(serviceRecord("user", srv.URL)),
		limits: config.LimitsConfig{RequestTimeout: 50 * time.Millisecond},
	})

	rec := do(e.handler, http.MethodGet, "/api/user/v1/slow", nil, nil)
	if rec.Code != http.StatusGatewayTimeout || gjson.Get(rec.Body.String(), "title").String() != "gateway_timeout" {
		t.Fatalf("response = %d %s", rec.Code, rec.Body.String())
	}

	entries := journalEntries(t, e.dir)
	if len(entries) != 2 {
		t.Fatalf("journal entries = %d", len(entries))
	}
	end := entries[1]
	if end.Status != contract.StatusError || end.Err != contract.ErrMarkTimeout {
		t.Fatalf("end = %+v", end)
	}
	if end.HTTP == nil || end.HTTP.Code != http.StatusGatewayTimeout {
		t.Fatalf("end http = %+v", end.HTTP)
	}
}

func TestBrokerClientAbortMark(t *testing.T) {
	e := newEnv(t, envOptions{})
	e.resolver.AdoptRecord(serviceRecord("user", "http://203.0.113.9:4001"))

	req := httptest.NewRequest(http.MethodGet, "/api/user/v1/things", nil)
	ctx, cancel := context.WithCancel(req.Context())
	cancel()
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req.WithContext(ctx))

	// Nothing is written to a caller that is already gone.
	if rec.Body.Len() != 0 {
		t.Fatalf("body = %q, want empty", rec.Body.String())
	}

	entries := journalEntries(t, e.dir)
	if len(entries) != 2 {
		t.Fatalf("journal entries = %d", len(entries))
	}
	end := entries[1]
	if end.Status != contract.StatusError || end.Err != contract.ErrMarkClientAbort {
		t.Fatalf("end = %+v", end)
	}
	if end.HTTP != nil {
		t.Fatalf("end http = %+v, want absent", end.HTTP)
	}
}

func TestBrokerAuditBeginHardStop(t *testing.T) {
	up := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up.observe(r)
	}))
	defer srv.Close()

	e := newEnv(t, envOptions{mirror: mirrorOf(serviceRecord("user", srv.URL))})
	if err := e.journal.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	rec := do(e.handler, http.MethodGet, "/api/user/v1/things", nil, nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if gjson.Get(rec.Body.String(), "title").String() != errors.CodeAuditBeginStop {
		t.Fatalf("body = %s", rec.Body.String())
	}
	if up.count() != 0 {
		t.Fatalf("upstream hits = %d, want 0", up.count())
	}
	if got := e.broker.Stats()["hard_stops"].(int64); got != 1 {
		t.Fatalf("hard_stops = %d, want 1", got)
	}
}

func TestBrokerHealthFallback(t *testing.T) {
	up := &capture{}
	ghost := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up.observe(r)
		switch r.URL.Path {
		case "/api/ghost/v1/health":
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Probe-Owner", "ghost")
			w.Header().Set("Set-Cookie", "sid=1")
			w.Write([]byte(`{"status":"ok"}`))
		case "/api/ghost/v1/data":
			w.Write([]byte(`{"via":"adopted"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer ghost.Close()

	fac := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/svcfacilitator/v1/resolve/ghost/v1" {
			errors.ErrNotFound.WriteProblem(w)
			return
		}
		json.NewEncoder(w).Encode(contract.ResolveResponse{
			OK:      true,
			Service: "svcfacilitator",
			Data:    contract.MakeResolveData(serviceRecord("ghost", ghost.URL), nil),
		})
	}))
	defer fac.Close()

	e := newEnv(t, envOptions{
		mirror: mirrorOf(serviceRecord("billing", "http://billing.internal:4002")),
		fac:    config.FacilitatorClientConfig{BaseURL: fac.URL},
	})

	// A non-health path on an unmirrored service stays a plain miss.
	rec := do(e.handler, http.MethodGet, "/api/ghost/v1/data", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("pre-fallback data = %d", rec.Code)
	}

	// The health probe rides the facilitator fallback.
	rec = do(e.handler, http.MethodGet, "/api/ghost/v1/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("fallback health = %d %s", rec.Code, rec.Body.String())
	}
	if gjson.Get(rec.Body.String(), "status").String() != "ok" {
		t.Fatalf("fallback body = %s", rec.Body.String())
	}
	if rec.Header().Get("X-Probe-Owner") != "ghost" || rec.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("fallback headers = %v", rec.Header())
	}
	if rec.Header().Get("Set-Cookie") != "" {
		t.Fatal("fallback relayed a non-whitelisted header")
	}

	// The resolve was adopted, so the same service now proxies normally.
	rec = do(e.handler, http.MethodGet, "/api/ghost/v1/data", nil, nil)
	if rec.Code != http.StatusOK || gjson.Get(rec.Body.String(), "via").String() != "adopted" {
		t.Fatalf("post-fallback data = %d %s", rec.Code, rec.Body.String())
	}

	stats := e.broker.Stats()
	if stats["fallbacks"].(int64) != 1 || stats["proxied"].(int64) != 1 {
		t.Fatalf("stats = %v", stats)
	}

	entries := journalEntries(t, e.dir)
	if len(entries) != 6 {
		t.Fatalf("journal entries = %d, want 6", len(entries))
	}
	statuses := []string{entries[1].Status, entries[3].Status, entries[5].Status}
	want := []string{contract.StatusError, contract.StatusOK, contract.StatusOK}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("end statuses = %v, want %v", statuses, want)
		}
	}
}

func TestBrokerFallbackResolveFailure(t *testing.T) {
	fac := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errors.ErrNotFound.WithDetail("unknown service").WriteProblem(w)
	}))
	defer fac.Close()

	e := newEnv(t, envOptions{
		mirror: mirrorOf(serviceRecord("billing", "http://billing.internal:4002")),
		fac:    config.FacilitatorClientConfig{BaseURL: fac.URL},
	})

	rec := do(e.handler, http.MethodGet, "/api/ghost/v1/health", nil, nil)
	if rec.Code != http.StatusNotFound || gjson.Get(rec.Body.String(), "title").String() != "not_found" {
		t.Fatalf("response = %d %s", rec.Code, rec.Body.String())
	}
	if got := e.broker.Stats()["fallbacks"].(int64); got != 0 {
		t.Fatalf("fallbacks = %d, want 0", got)
	}
}

func TestBrokerFallbackHonorsUnexposedHealth(t *testing.T) {
	dark := serviceRecord("dark", "http://dark.internal:4005")
	dark.ExposeHealth = false
	fac := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(contract.ResolveResponse{
			OK:      true,
			Service: "svcfacilitator",
			Data:    contract.MakeResolveData(dark, nil),
		})
	}))
	defer fac.Close()

	e := newEnv(t, envOptions{
		mirror: mirrorOf(serviceRecord("billing", "http://billing.internal:4002")),
		fac:    config.FacilitatorClientConfig{BaseURL: fac.URL},
	})

	// The resolve succeeds but the probe preflight refuses, so the
	// original miss stands.
	rec := do(e.handler, http.MethodGet, "/api/dark/v1/health", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want the original 404", rec.Code)
	}
	if got := e.broker.Stats()["fallbacks"].(int64); got != 0 {
		t.Fatalf("fallbacks = %d, want 0", got)
	}
}

func TestBrokerGlobalRateLimit(t *testing.T) {
	e := newEnv(t, envOptions{
		mirror: mirrorOf(serviceRecord("billing", "http://billing.internal:4002")),
		limits: config.LimitsConfig{GlobalRatePerSecond: 0.5, GlobalBurst: 1},
	})

	if rec := do(e.handler, http.MethodGet, "/api/ghost/v1/data", nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("first request = %d", rec.Code)
	}
	rec := do(e.handler, http.MethodGet, "/api/ghost/v1/data", nil, nil)
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") != "1" {
		t.Fatalf("second request = %d, Retry-After %q", rec.Code, rec.Header().Get("Retry-After"))
	}

	// The guard sits in front of the audit pipeline: only the admitted
	// request left entries.
	if entries := journalEntries(t, e.dir); len(entries) != 2 {
		t.Fatalf("journal entries = %d, want 2", len(entries))
	}
}

func TestBrokerBodyLimit(t *testing.T) {
	up := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up.observe(r)
	}))
	defer srv.Close()

	e := newEnv(t, envOptions{
		mirror: mirrorOf(serviceRecord("user", srv.URL)),
		limits: config.LimitsConfig{BodyLimitBytes: 16},
	})

	rec := do(e.handler, http.MethodPost, "/api/user/v1/things", nil, strings.NewReader(strings.Repeat("x", 64)))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", rec.Code)
	}
	if up.count() != 0 {
		t.Fatalf("upstream hits = %d, want 0", up.count())
	}
	if e.engine.Appended() != 0 {
		t.Fatalf("oversized request was audited: %d entries", e.engine.Appended())
	}
}

func TestBrokerObservesRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	col := metrics.NewCollector("gateway")
	e := newEnv(t, envOptions{
		mirror:    mirrorOf(serviceRecord("user", srv.URL)),
		limits:    config.LimitsConfig{GlobalRatePerSecond: 0.5, GlobalBurst: 1},
		collector: col,
	})

	if rec := do(e.handler, http.MethodGet, "/api/user/v1/things", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("proxied request = %d", rec.Code)
	}
	if rec := do(e.handler, http.MethodGet, "/api/user/v1/things", nil, nil); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("limited request = %d", rec.Code)
	}

	scrape := httptest.NewRecorder()
	col.Handler().ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	out := scrape.Body.String()
	if !strings.Contains(out, `mesh_requests_total{class="2xx",method="GET",service="gateway",slug="user"} 1`) {
		t.Fatalf("missing request counter in scrape:\n%s", out)
	}
	if !strings.Contains(out, `mesh_ratelimit_rejected_total{service="gateway"} 1`) {
		t.Fatalf("missing rate limit counter in scrape:\n%s", out)
	}
}
