package store

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/northvale/mesh/internal/config"
	"github.com/northvale/mesh/internal/contract"
	"github.com/northvale/mesh/internal/errors"
	"github.com/northvale/mesh/internal/logging"
)

// schema is applied at open. Both tables are small and append-heavy;
// audit_pending rows live only between a BEGIN and its END.
const schema = `
CREATE TABLE IF NOT EXISTS audit_records (
	event_id        TEXT PRIMARY KEY,
	request_id      TEXT NOT NULL,
	slug            TEXT NOT NULL DEFAULT '',
	method          TEXT NOT NULL DEFAULT '',
	path            TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	http_code       INTEGER NOT NULL DEFAULT 0,
	begin_ts        BIGINT NOT NULL,
	end_ts          BIGINT NOT NULL,
	duration_ms     BIGINT NOT NULL,
	finalize_reason TEXT NOT NULL,
	billable_units  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS audit_records_request_idx ON audit_records (request_id);
CREATE TABLE IF NOT EXISTS audit_pending (
	request_id TEXT PRIMARY KEY,
	entry      JSONB NOT NULL
);`

const insertRecordSQL = `
INSERT INTO audit_records
	(event_id, request_id, slug, method, path, status, http_code,
	 begin_ts, end_ts, duration_ms, finalize_reason, billable_units)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (event_id) DO NOTHING`

const recordColumns = `event_id, request_id, slug, method, path, status, http_code,
	begin_ts, end_ts, duration_ms, finalize_reason, billable_units`

// Postgres is the durable driver. Rows are written exactly as the
// finalizer shaped them; the event_id primary key carries the
// idempotency guarantee, so re-delivered batches collapse to no-ops.
type Postgres struct {
	pool *pgxpool.Pool
	log  *logging.Logger
}

// NewPostgres connects, verifies the backend, and applies the schema.
func NewPostgres(cfg config.PostgresConfig, log *logging.Logger) (*Postgres, error) {
	if log == nil {
		log = logging.Global()
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errors.Wrapf(err, CodePingFailed, http.StatusServiceUnavailable, "store: postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrapf(err, CodePingFailed, http.StatusServiceUnavailable, "store: postgres unreachable")
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, errors.Wrapf(err, CodePingFailed, http.StatusServiceUnavailable, "store: schema bootstrap")
	}
	return &Postgres{pool: pool, log: log}, nil
}

func (p *Postgres) InsertRecord(ctx context.Context, rec contract.AuditRecord) (bool, error) {
	tag, err := p.pool.Exec(ctx, insertRecordSQL,
		rec.EventID, rec.RequestID, rec.Slug, rec.Method, rec.Path,
		rec.Status, rec.HTTPCode, rec.BeginTS, rec.EndTS, rec.DurationMS,
		rec.FinalizeReason, rec.BillableUnits)
	if err != nil {
		return false, errors.Wrapf(err, CodeInsertFailed, http.StatusServiceUnavailable, "store: insert %s", rec.EventID)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) GetRecord(ctx context.Context, eventID string) (contract.AuditRecord, bool, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM audit_records WHERE event_id = $1`, eventID)
	rec, err := scanRecord(row)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return contract.AuditRecord{}, false, nil
	}
	if err != nil {
		return contract.AuditRecord{}, false, errors.Wrapf(err, CodeGetFailed, http.StatusServiceUnavailable, "store: get %s", eventID)
	}
	return rec, true, nil
}

func (p *Postgres) FindByRequest(ctx context.Context, requestID string) ([]contract.AuditRecord, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM audit_records WHERE request_id = $1 ORDER BY end_ts, event_id`, requestID)
	if err != nil {
		return nil, errors.Wrapf(err, CodeListFailed, http.StatusServiceUnavailable, "store: find %s", requestID)
	}
	defer rows.Close()

	var recs []contract.AuditRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Wrapf(err, CodeListFailed, http.StatusServiceUnavailable, "store: find %s", requestID)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, CodeListFailed, http.StatusServiceUnavailable, "store: find %s", requestID)
	}
	return recs, nil
}

func (p *Postgres) PutPending(ctx context.Context, entry contract.AuditEntry) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, http.StatusInternalServerError)
	}
	// First BEGIN wins, matching the memory driver.
	_, err = p.pool.Exec(ctx,
		`INSERT INTO audit_pending (request_id, entry) VALUES ($1, $2) ON CONFLICT (request_id) DO NOTHING`,
		entry.Meta.RequestID, b)
	if err != nil {
		return errors.Wrapf(err, CodeInsertFailed, http.StatusServiceUnavailable, "store: park %s", entry.Meta.RequestID)
	}
	return nil
}

func (p *Postgres) GetPending(ctx context.Context, requestID string) (contract.AuditEntry, bool, error) {
	var b []byte
	err := p.pool.QueryRow(ctx,
		`SELECT entry FROM audit_pending WHERE request_id = $1`, requestID).Scan(&b)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return contract.AuditEntry{}, false, nil
	}
	if err != nil {
		return contract.AuditEntry{}, false, errors.Wrapf(err, CodeGetFailed, http.StatusServiceUnavailable, "store: pending %s", requestID)
	}
	var entry contract.AuditEntry
	if err := json.Unmarshal(b, &entry); err != nil {
		// Finalize without it rather than wedging the END forever; the
		// unconditional delete after insert clears the row.
		p.log.Warn("store: pending entry is corrupt, finalizing without it",
			zap.String("request_id", requestID), zap.Error(err))
		return contract.AuditEntry{}, false, nil
	}
	return entry, true, nil
}

func (p *Postgres) DeletePending(ctx context.Context, requestID string) error {
	if _, err := p.pool.Exec(ctx,
		`DELETE FROM audit_pending WHERE request_id = $1`, requestID); err != nil {
		return errors.Wrapf(err, CodeDeleteFailed, http.StatusServiceUnavailable, "store: unpark %s", requestID)
	}
	return nil
}

func (p *Postgres) Counts(ctx context.Context) (int64, int64, error) {
	var records, pending int64
	err := p.pool.QueryRow(ctx,
		`SELECT (SELECT count(*) FROM audit_records), (SELECT count(*) FROM audit_pending)`).
		Scan(&records, &pending)
	if err != nil {
		return 0, 0, errors.Wrapf(err, CodeListFailed, http.StatusServiceUnavailable, "store: counts")
	}
	return records, pending, nil
}

func (p *Postgres) Name() string { return TypePostgres }

func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return errors.Wrapf(err, CodePingFailed, http.StatusServiceUnavailable, "store: postgres unreachable")
	}
	return nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// scanRecord reads one row in recordColumns order.
func scanRecord(row pgx.Row) (contract.AuditRecord, error) {
	var rec contract.AuditRecord
	err := row.Scan(&rec.EventID, &rec.RequestID, &rec.Slug, &rec.Method, &rec.Path,
		&rec.Status, &rec.HTTPCode, &rec.BeginTS, &rec.EndTS, &rec.DurationMS,
		&rec.FinalizeReason, &rec.BillableUnits)
	return rec, err
}
