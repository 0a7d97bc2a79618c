// Package store persists finalized audit records and parked BEGIN
// entries behind a small driver interface. Records are keyed by their
// eventId; a BEGIN waits under its requestId until the END that closes
// it arrives.
package store

import (
	"context"
	"fmt"

	"github.com/northvale/mesh/internal/config"
	"github.com/northvale/mesh/internal/contract"
	"github.com/northvale/mesh/internal/logging"
)

// Driver names accepted by Open. The config loader enforces the same set.
const (
	TypeMemory   = "memory"
	TypePostgres = "postgres"
)

// Error codes surfaced by drivers. The DB_*_FAILED shape classifies as
// retryable, so a flaky backend keeps entries journaled for the next
// flush instead of quarantining them.
const (
	CodeInsertFailed = "DB_INSERT_FAILED"
	CodeGetFailed    = "DB_GET_FAILED"
	CodeDeleteFailed = "DB_DELETE_FAILED"
	CodeListFailed   = "DB_LIST_FAILED"
	CodePingFailed   = "DB_PING_FAILED"
)

// Store is the persistence contract. Every write is idempotent: the
// flush path re-delivers whole batches after partial failures, so a
// second InsertRecord of the same eventId must no-op and report false.
type Store interface {
	InsertRecord(ctx context.Context, rec contract.AuditRecord) (bool, error)
	GetRecord(ctx context.Context, eventID string) (contract.AuditRecord, bool, error)
	FindByRequest(ctx context.Context, requestID string) ([]contract.AuditRecord, error)

	PutPending(ctx context.Context, entry contract.AuditEntry) error
	GetPending(ctx context.Context, requestID string) (contract.AuditEntry, bool, error)
	DeletePending(ctx context.Context, requestID string) error

	Counts(ctx context.Context) (records, pending int64, err error)

	Name() string
	Ping(ctx context.Context) error
	Close() error
}

// Open builds the driver named by cfg.Type.
func Open(cfg config.StoreConfig, log *logging.Logger) (Store, error) {
	switch cfg.Type {
	case TypeMemory:
		return NewMemory(), nil
	case TypePostgres:
		return NewPostgres(cfg.Postgres, log)
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", cfg.Type)
	}
}
