package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/northvale/mesh/internal/config"
	"github.com/northvale/mesh/internal/errors"
	"github.com/northvale/mesh/internal/logging"
	"github.com/northvale/mesh/internal/s2s"
)

// auditSink is the wal.Writer the broker drains through: one POST per
// batch toward the audit receiver, contract header included. Flush and
// replay share it.
type auditSink struct {
	client *s2s.Client
	cfg    config.AuditSinkConfig
	log    *logging.Logger

	delivered atomic.Int64
	failures  atomic.Int64
}

func newAuditSink(client *s2s.Client, cfg config.AuditSinkConfig, log *logging.Logger) *auditSink {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log == nil {
		log = logging.Global()
	}
	return &auditSink{client: client, cfg: cfg, log: log}
}

// WriteBatch submits one batch. Short acceptance is surfaced as a
// transient failure so the engine keeps the remainder journaled.
func (s *auditSink) WriteBatch(ctx context.Context, entries []json.RawMessage) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	accepted, err := s.client.SubmitAuditEntries(ctx, s.cfg, entries)
	if err != nil {
		s.failures.Add(1)
		return err
	}
	if accepted < len(entries) {
		s.failures.Add(1)
		return errors.New(errors.CodeWriterTransient, http.StatusServiceUnavailable,
			"sink accepted a partial batch")
	}
	s.delivered.Add(int64(len(entries)))
	return nil
}

// Stats feeds the admin surface.
func (s *auditSink) Stats() map[string]any {
	return map[string]any{
		"delivered": s.delivered.Load(),
		"failures":  s.failures.Load(),
	}
}
