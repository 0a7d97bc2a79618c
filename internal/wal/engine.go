package wal

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/northvale/mesh/internal/contract"
	"github.com/northvale/mesh/internal/errors"
	"github.com/northvale/mesh/internal/logging"
)

// Writer delivers journaled entries downstream: over HTTP toward the
// audit receiver on the gateway side, into the record store on the
// receiver side. Errors it returns are classified to decide between
// retry and quarantine.
type Writer interface {
	WriteBatch(ctx context.Context, entries []json.RawMessage) error
}

// Options bounds the engine's memory and batch shape.
type Options struct {
	// MaxBatch caps entries per WriteBatch call.
	MaxBatch int
	// MaxBuffered caps the in-memory queue. Overflow is dropped from
	// memory only; the journal keeps every entry for replay.
	MaxBuffered int
}

// FlushResult reports one flush round.
type FlushResult struct {
	Accepted    int `json:"accepted"`
	Quarantined int `json:"quarantined,omitempty"`
	Pending     int `json:"pending,omitempty"`
}

// Engine couples the journal with a bounded in-memory queue and a
// single-flight flush toward an injected Writer. Append is the hot
// path: journal first (durability), then queue (delivery).
type Engine struct {
	journal *Journal
	opts    Options
	log     *logging.Logger

	mu     sync.Mutex
	queue  []json.RawMessage
	writer Writer

	flushing atomic.Bool

	appended    atomic.Int64
	dropped     atomic.Int64 // dropped from memory, journal retains
	flushed     atomic.Int64
	quarantined atomic.Int64
	flushErrors atomic.Int64
}

// NewEngine wires a journal to a flush queue. The writer is injected
// later via SetWriter; flushes before that fail with WAL_NOT_READY.
func NewEngine(j *Journal, opts Options, log *logging.Logger) *Engine {
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 256
	}
	if opts.MaxBuffered < opts.MaxBatch {
		opts.MaxBuffered = opts.MaxBatch * 16
	}
	if log == nil {
		log = logging.Global()
	}
	return &Engine{journal: j, opts: opts, log: log}
}

// SetWriter injects the downstream writer.
func (e *Engine) SetWriter(w Writer) {
	e.mu.Lock()
	e.writer = w
	e.mu.Unlock()
}

// Journal exposes the underlying journal (rotation, size checks).
func (e *Engine) Journal() *Journal { return e.journal }

// Append validates, journals, and queues one entry. It returns the
// journal byte growth so callers can hard-stop when an append did not
// make it to disk.
func (e *Engine) Append(entry contract.AuditEntry) (int64, error) {
	if err := entry.Validate(); err != nil {
		return 0, err
	}
	blob, err := json.Marshal(entry)
	if err != nil {
		return 0, errors.Wrap(err, errors.CodeWalAppendFailed, 500)
	}
	growth, err := e.journal.Append(blob)
	if err != nil {
		return 0, err
	}
	e.appended.Add(1)
	e.enqueue(blob)
	return growth, nil
}

// AppendBatch validates every entry up front, naming the first
// offender, then journals and queues all of them. Returns total byte
// growth.
func (e *Engine) AppendBatch(entries []contract.AuditEntry) (int64, error) {
	batch := contract.AuditBatch{Entries: entries}
	if err := batch.Validate(); err != nil {
		return 0, err
	}
	var total int64
	for _, entry := range entries {
		blob, err := json.Marshal(entry)
		if err != nil {
			return total, errors.Wrap(err, errors.CodeWalAppendFailed, 500)
		}
		growth, err := e.journal.Append(blob)
		if err != nil {
			return total, err
		}
		total += growth
		e.appended.Add(1)
		e.enqueue(blob)
	}
	return total, nil
}

func (e *Engine) enqueue(blob json.RawMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) >= e.opts.MaxBuffered {
		// Journaled but not held in memory; replay covers it.
		e.dropped.Add(1)
		return
	}
	e.queue = append(e.queue, blob)
}

func (e *Engine) takeBatch() []json.RawMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.queue)
	if n == 0 {
		return nil
	}
	if n > e.opts.MaxBatch {
		n = e.opts.MaxBatch
	}
	batch := make([]json.RawMessage, n)
	copy(batch, e.queue[:n])
	e.queue = e.queue[n:]
	return batch
}

func (e *Engine) requeueFront(batch []json.RawMessage) {
	if len(batch) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queue = append(batch, e.queue...)
}

// QueueCap returns the normalized in-memory queue bound.
func (e *Engine) QueueCap() int { return e.opts.MaxBuffered }

// Pending returns the queued entry count.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Cumulative counters, exposed individually for metric hookup.

func (e *Engine) Appended() int64    { return e.appended.Load() }
func (e *Engine) Dropped() int64     { return e.dropped.Load() }
func (e *Engine) Flushed() int64     { return e.flushed.Load() }
func (e *Engine) Quarantined() int64 { return e.quarantined.Load() }

// Flush drains the queue through the writer. Only one flush runs at a
// time; a call that loses the race returns immediately with accepted 0
// and no error. Retryable writer failures keep the affected entries
// queued and surface WAL_PERSIST_FAILED so the cadence tries again.
// Non-retryable batch failures fall back to per-item delivery and
// quarantine the poison entries so the queue keeps making progress.
func (e *Engine) Flush(ctx context.Context) (FlushResult, error) {
	if !e.flushing.CompareAndSwap(false, true) {
		return FlushResult{}, nil
	}
	defer e.flushing.Store(false)

	e.mu.Lock()
	w := e.writer
	e.mu.Unlock()
	if w == nil {
		return FlushResult{Pending: e.Pending()}, errors.ErrWalNotReady
	}

	var res FlushResult
	for {
		if err := ctx.Err(); err != nil {
			res.Pending = e.Pending()
			return res, errors.Wrap(err, errors.CodeWalPersistFailed, 503)
		}

		batch := e.takeBatch()
		if len(batch) == 0 {
			break
		}

		err := w.WriteBatch(ctx, batch)
		if err == nil {
			res.Accepted += len(batch)
			e.flushed.Add(int64(len(batch)))
			continue
		}

		if errors.Classify(err) == errors.ClassNonRetryable {
			acc, quar, ferr := e.flushPerItem(ctx, w, batch)
			res.Accepted += acc
			res.Quarantined += quar
			if ferr != nil {
				res.Pending = e.Pending()
				e.flushErrors.Add(1)
				return res, ferr
			}
			continue
		}

		// Retryable or unknown: keep the batch for the next cadence.
		e.requeueFront(batch)
		res.Pending = e.Pending()
		e.flushErrors.Add(1)
		return res, errors.Wrap(err, errors.CodeWalPersistFailed, 503)
	}
	res.Pending = e.Pending()
	return res, nil
}

// flushPerItem retries a poisoned batch one entry at a time. Entries
// the writer rejects non-retryably are quarantined (dropped from the
// queue, counted, logged); a retryable failure requeues the rest.
func (e *Engine) flushPerItem(ctx context.Context, w Writer, batch []json.RawMessage) (accepted, quarantined int, err error) {
	for i, item := range batch {
		werr := w.WriteBatch(ctx, []json.RawMessage{item})
		if werr == nil {
			accepted++
			e.flushed.Add(1)
			continue
		}
		if errors.Classify(werr) == errors.ClassNonRetryable {
			quarantined++
			e.quarantined.Add(1)
			e.log.Warn("wal: quarantined non-retryable entry",
				zap.Error(werr),
				zap.Int("batch_index", i))
			continue
		}
		e.requeueFront(batch[i:])
		return accepted, quarantined, errors.Wrap(werr, errors.CodeWalPersistFailed, 503)
	}
	return accepted, quarantined, nil
}

// Stats returns snapshot counters for the admin surface.
func (e *Engine) Stats() map[string]interface{} {
	return map[string]interface{}{
		"appended":     e.appended.Load(),
		"dropped":      e.dropped.Load(),
		"flushed":      e.flushed.Load(),
		"quarantined":  e.quarantined.Load(),
		"flush_errors": e.flushErrors.Load(),
		"pending":      e.Pending(),
		"journal_path": e.journal.Path(),
		"journal_size": e.journal.Size(),
	}
}

// Close attempts a final flush, then closes the journal. The flush is
// best-effort: a writer failure here must not block shutdown.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	w := e.writer
	e.mu.Unlock()
	if w != nil {
		if _, err := e.Flush(ctx); err != nil {
			e.log.Warn("wal: final flush failed, entries remain journaled", zap.Error(err))
		}
	}
	return e.journal.Close()
}
