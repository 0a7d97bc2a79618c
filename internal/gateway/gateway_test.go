package gateway

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/northvale/mesh/internal/config"
	"github.com/northvale/mesh/internal/contract"
	"github.com/northvale/mesh/internal/errors"
	"github.com/northvale/mesh/internal/s2s"
	"github.com/northvale/mesh/internal/wal"
)

func gatewayConfig(t *testing.T, sinkURL string) config.GatewayConfig {
	t.Helper()
	return config.GatewayConfig{
		Server:      config.ServerConfig{Slug: "gateway", Version: 1, Env: "production"},
		S2S:         config.S2SConfig{Mode: s2s.ModeHS256, Secret: "boot-secret"},
		WAL:         config.WALConfig{Dir: t.TempDir()},
		Facilitator: config.FacilitatorClientConfig{BaseURL: "http://127.0.0.1:9"},
		AuditSink:   config.AuditSinkConfig{URL: sinkURL},
	}
}

// acceptAllSink answers every batch in full and keeps the bodies.
type acceptAllSink struct {
	mu     sync.Mutex
	bodies []string
}

func (s *acceptAllSink) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.bodies = append(s.bodies, string(body))
		s.mu.Unlock()
		contract.WriteOK(w, "svcaudit", http.StatusOK, map[string]any{
			"accepted": gjson.GetBytes(body, "entries.#").Int(),
		})
	})
}

func (s *acceptAllSink) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.bodies...)
}

func TestGatewayNewWiresEverything(t *testing.T) {
	gw, err := New(gatewayConfig(t, "http://127.0.0.1:9"), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer gw.drain(context.Background())

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/gateway/v1/health", nil))
	if rec.Code != http.StatusOK || gjson.Get(rec.Body.String(), "service").String() != "gateway" {
		t.Fatalf("own health = %d %s", rec.Code, rec.Body.String())
	}

	scrape := httptest.NewRecorder()
	gw.Collector().Handler().ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	out := scrape.Body.String()
	for _, metric := range []string{
		"mesh_wal_pending_entries",
		"mesh_wal_journal_bytes",
		"mesh_wal_appended_total",
		"mesh_broker_hard_stops_total",
	} {
		if !strings.Contains(out, metric) {
			t.Errorf("scrape is missing %s", metric)
		}
	}
}

func TestGatewayNewRequiresSignerMaterial(t *testing.T) {
	cfg := gatewayConfig(t, "http://127.0.0.1:9")
	cfg.S2S.Secret = ""
	if _, err := New(cfg, nil); err == nil || !strings.Contains(err.Error(), "signer") {
		t.Fatalf("New = %v, want a signer error", err)
	}
}

func TestGatewayReplayDrainsBacklog(t *testing.T) {
	dir := t.TempDir()

	// A previous process journaled a BEGIN and died before the END.
	seedJournal, err := wal.NewJournal(dir, 0)
	if err != nil {
		t.Fatalf("NewJournal: %v", err)
	}
	seed := wal.NewEngine(seedJournal, wal.Options{}, nil)
	if _, err := seed.Append(contract.AuditEntry{
		Meta:  contract.AuditMeta{Service: "gateway", TS: time.Now().UnixMilli(), RequestID: "r-77"},
		Phase: contract.PhaseBegin,
		Target: &contract.AuditTarget{
			Slug: "user", Version: 1, Route: "/things", Method: http.MethodGet,
		},
	}); err != nil {
		t.Fatalf("seed append: %v", err)
	}
	if err := seedJournal.Close(); err != nil {
		t.Fatalf("seed close: %v", err)
	}

	sink := &acceptAllSink{}
	srv := httptest.NewServer(sink.handler())
	defer srv.Close()

	cfg := gatewayConfig(t, srv.URL+"/api/svcaudit/v1")
	cfg.WAL.Dir = dir
	gw, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer gw.drain(context.Background())

	if err := gw.replay(context.Background()); err != nil {
		t.Fatalf("replay: %v", err)
	}

	bodies := sink.all()
	if len(bodies) != 1 {
		t.Fatalf("sink batches = %d, want 1", len(bodies))
	}
	body := bodies[0]
	if gjson.Get(body, "entries.#").Int() != 2 {
		t.Fatalf("replayed entries = %s", body)
	}
	// The dangling BEGIN was closed with a synthesized END.
	if gjson.Get(body, "entries.1.phase").String() != contract.PhaseEnd ||
		gjson.Get(body, "entries.1.err").String() != contract.ErrMarkShutdownReplay ||
		gjson.Get(body, "entries.1.status").String() != contract.StatusError {
		t.Fatalf("synthesized end = %s", gjson.Get(body, "entries.1").Raw)
	}
	if gjson.Get(body, "entries.1.meta.requestId").String() != "r-77" ||
		gjson.Get(body, "entries.1.target.slug").String() != "user" {
		t.Fatalf("synthesized end lost identity: %s", gjson.Get(body, "entries.1").Raw)
	}

	files, err := wal.ListJournalFiles(dir)
	if err != nil {
		t.Fatalf("ListJournalFiles: %v", err)
	}
	if len(files) != 0 {
		t.Fatalf("leftover files = %v, want none", files)
	}
}

func TestGatewayDrainDeliversAndCloses(t *testing.T) {
	sink := &acceptAllSink{}
	srv := httptest.NewServer(sink.handler())
	defer srv.Close()

	gw, err := New(gatewayConfig(t, srv.URL+"/api/svcaudit/v1"), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	begin := contract.AuditEntry{
		Meta:  contract.AuditMeta{Service: "gateway", TS: time.Now().UnixMilli(), RequestID: "r-9"},
		Phase: contract.PhaseBegin,
	}
	end := begin
	end.Phase = contract.PhaseEnd
	end.Status = contract.StatusOK
	if _, err := gw.engine.Append(begin); err != nil {
		t.Fatalf("append begin: %v", err)
	}
	if _, err := gw.engine.Append(end); err != nil {
		t.Fatalf("append end: %v", err)
	}

	if err := gw.drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(sink.all()) == 0 {
		t.Fatal("drain delivered nothing to the sink")
	}
	if _, err := gw.engine.Append(begin); !errors.IsCode(err, errors.CodeWalClosed) {
		t.Fatalf("append after drain = %v, want WAL_JOURNAL_CLOSED", err)
	}
}

func TestGatewayHealthChecks(t *testing.T) {
	gw, err := New(gatewayConfig(t, "http://127.0.0.1:9"), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer gw.drain(context.Background())

	if err := gw.mirrorCheck(context.Background()); err == nil {
		t.Fatal("cold mirror passed the health check")
	}
	if _, err := gw.store.ReplaceWithPush(mirrorOf(serviceRecord("user", "http://user-svc:4001"))); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := gw.mirrorCheck(context.Background()); err != nil {
		t.Fatalf("warm mirror failed the health check: %v", err)
	}
	if err := gw.walCheck(context.Background()); err != nil {
		t.Fatalf("idle wal failed the health check: %v", err)
	}

	// The push adoption flowed into the collector through OnAdopt.
	scrape := httptest.NewRecorder()
	gw.Collector().Handler().ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	out := scrape.Body.String()
	if !strings.Contains(out, `mesh_mirror_refreshes_total{service="gateway",source="db"} 1`) {
		t.Fatalf("missing adoption counter in scrape:\n%s", out)
	}
	if !strings.Contains(out, `mesh_mirror_services{service="gateway"} 1`) {
		t.Fatalf("missing mirror size gauge in scrape:\n%s", out)
	}
}
