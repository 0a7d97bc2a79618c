package auditsvc

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"

	"github.com/northvale/mesh/internal/auditsvc/store"
	"github.com/northvale/mesh/internal/contract"
	"github.com/northvale/mesh/internal/errors"
	"github.com/northvale/mesh/internal/logging"
)

// storeWriter drains journaled entries into the record store. BEGINs
// park under their requestId; ENDs join the parked BEGIN (when one
// exists) into a finalized record. Every step is idempotent because
// the flush path re-delivers whole batches after partial failures.
type storeWriter struct {
	store store.Store
	log   *logging.Logger

	parked     atomic.Int64
	persisted  atomic.Int64
	duplicates atomic.Int64
}

func newStoreWriter(st store.Store, log *logging.Logger) *storeWriter {
	if log == nil {
		log = logging.Global()
	}
	return &storeWriter{store: st, log: log}
}

// WriteBatch applies entries in order. A malformed blob fails the
// batch with its validation error so the engine degrades to per-item
// delivery and quarantines just the poison entry.
func (sw *storeWriter) WriteBatch(ctx context.Context, blobs []json.RawMessage) error {
	for _, blob := range blobs {
		entry, err := contract.ParseAuditEntry(blob)
		if err != nil {
			return err
		}
		if err := sw.apply(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}

func (sw *storeWriter) apply(ctx context.Context, entry contract.AuditEntry) error {
	switch entry.Phase {
	case contract.PhaseBegin:
		if err := sw.store.PutPending(ctx, entry); err != nil {
			return err
		}
		sw.parked.Add(1)
		return nil

	case contract.PhaseEnd:
		begin, ok, err := sw.store.GetPending(ctx, entry.Meta.RequestID)
		if err != nil {
			return err
		}
		var beginPtr *contract.AuditEntry
		if ok {
			beginPtr = &begin
		}
		rec, err := contract.FinalizeRecord(beginPtr, entry)
		if err != nil {
			return err
		}
		inserted, err := sw.store.InsertRecord(ctx, rec)
		if err != nil {
			return err
		}
		if inserted {
			sw.persisted.Add(1)
		} else {
			sw.duplicates.Add(1)
		}
		// Unconditional: also clears rows whose parked entry was
		// unreadable.
		return sw.store.DeletePending(ctx, entry.Meta.RequestID)
	}
	// ParseAuditEntry validated the phase; this is unreachable.
	return errors.New(errors.CodeWriterBadInput, http.StatusBadRequest, "unknown audit phase")
}

// Stats reports the writer's cumulative counters.
func (sw *storeWriter) Stats() map[string]interface{} {
	return map[string]interface{}{
		"parked":     sw.parked.Load(),
		"persisted":  sw.persisted.Load(),
		"duplicates": sw.duplicates.Load(),
	}
}
