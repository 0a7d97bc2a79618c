package contract

import (
	"encoding/json"
	"fmt"

	"github.com/northvale/mesh/internal/errors"
)

// Audit phases and statuses.
const (
	PhaseBegin = "begin"
	PhaseEnd   = "end"

	StatusOK    = "ok"
	StatusError = "error"
)

// Finalize reasons for persisted audit records.
const (
	ReasonFinish         = "finish"
	ReasonError          = "error"
	ReasonTimeout        = "timeout"
	ReasonShutdownReplay = "shutdown-replay"
)

// Err markers carried on END entries terminated by middleware or replay.
const (
	ErrMarkTimeout        = "timeout"
	ErrMarkClientAbort    = "client-abort"
	ErrMarkShutdownReplay = "shutdown-replay"
)

// AuditMeta identifies the emitting service, the moment (epoch ms), and the
// request the entry belongs to.
type AuditMeta struct {
	Service   string `json:"service"`
	TS        int64  `json:"ts"`
	RequestID string `json:"requestId"`
}

// AuditTarget names the routed destination of an audited request.
type AuditTarget struct {
	Slug    string `json:"slug"`
	Version int    `json:"version"`
	Route   string `json:"route"`
	Method  string `json:"method"`
}

// AuditHTTP carries the response status code on END entries.
type AuditHTTP struct {
	Code int `json:"code"`
}

// AuditEntry is the refined wire unit: an explicit phase plus outcome
// fields. The payload blob stays opaque end to end.
type AuditEntry struct {
	Meta   AuditMeta       `json:"meta"`
	Phase  string          `json:"phase"`
	Status string          `json:"status,omitempty"`
	HTTP   *AuditHTTP      `json:"http,omitempty"`
	Err    string          `json:"err,omitempty"`
	Target *AuditTarget    `json:"target,omitempty"`
	Blob   json.RawMessage `json:"blob,omitempty"`
}

// Validate checks the entry shape, first offending field wins.
func (e AuditEntry) Validate() error {
	if !SlugPattern.MatchString(e.Meta.Service) {
		return errors.Validation("BLOB_INVALID_META", "meta.service", fmt.Sprintf("%q is not a slug", e.Meta.Service))
	}
	if e.Meta.TS <= 0 {
		return errors.Validation("BLOB_INVALID_META", "meta.ts", "must be a positive epoch-ms timestamp")
	}
	if e.Meta.RequestID == "" {
		return errors.Validation("BLOB_INVALID_META", "meta.requestId", "must not be empty")
	}
	switch e.Phase {
	case PhaseBegin:
		if e.HTTP != nil {
			return errors.Validation("BLOB_INVALID_PHASE", "http", "begin entries carry no http code")
		}
	case PhaseEnd:
		if e.Status != StatusOK && e.Status != StatusError {
			return errors.Validation("BLOB_INVALID_STATUS", "status", fmt.Sprintf("%q is not ok or error", e.Status))
		}
	default:
		return errors.Validation("BLOB_INVALID_PHASE", "phase", fmt.Sprintf("%q is not begin or end", e.Phase))
	}
	if e.HTTP != nil && (e.HTTP.Code < 100 || e.HTTP.Code > 599) {
		return errors.Validation("BLOB_INVALID_HTTP", "http.code", "must be in [100,599]")
	}
	if e.Target != nil {
		if !SlugPattern.MatchString(e.Target.Slug) {
			return errors.Validation("BLOB_INVALID_TARGET", "target.slug", fmt.Sprintf("%q is not a slug", e.Target.Slug))
		}
		if e.Target.Version < 1 {
			return errors.Validation("BLOB_INVALID_TARGET", "target.version", "must be >= 1")
		}
	}
	return nil
}

// ParseAuditEntry decodes and validates one entry.
func ParseAuditEntry(b []byte) (AuditEntry, error) {
	var e AuditEntry
	if err := json.Unmarshal(b, &e); err != nil {
		return AuditEntry{}, errors.New(errors.CodeAuditBlobInvalid, 400, err.Error())
	}
	if err := e.Validate(); err != nil {
		return AuditEntry{}, err
	}
	return e, nil
}

// AuditBatch is a non-empty array of entries.
type AuditBatch struct {
	Entries []AuditEntry `json:"entries"`
}

// Validate requires at least one entry and validates each, reporting the
// offending index.
func (b AuditBatch) Validate() error {
	if len(b.Entries) == 0 {
		return errors.Validation(errors.CodeAuditBlobInvalid, "entries", "must contain at least one entry")
	}
	for i, e := range b.Entries {
		if err := e.Validate(); err != nil {
			return errors.AsError(err).WithDetailf("entries[%d]: %s", i, errors.AsError(err).Detail)
		}
	}
	return nil
}

// ParseAuditBatch decodes and validates a batch.
func ParseAuditBatch(raw []byte) (AuditBatch, error) {
	var b AuditBatch
	if err := json.Unmarshal(raw, &b); err != nil {
		return AuditBatch{}, errors.New(errors.CodeAuditBlobInvalid, 400, err.Error())
	}
	if err := b.Validate(); err != nil {
		return AuditBatch{}, err
	}
	return b, nil
}

// WalLine is the journaled form: capture time plus the opaque blob, one
// JSON document per line.
type WalLine struct {
	AppendedAt int64           `json:"appendedAt"`
	Blob       json.RawMessage `json:"blob"`
}

// EventID derives the unique outcome id for a finalized request.
func EventID(requestID string, endTS int64) string {
	return fmt.Sprintf("evt-%s-%d", requestID, endTS)
}

// AuditRecord is the persisted, finalized outcome of one audited request.
type AuditRecord struct {
	EventID   string `json:"eventId"`
	RequestID string `json:"requestId"`

	Slug   string `json:"slug"`
	Method string `json:"method"`
	Path   string `json:"path"`

	Status   string `json:"status"`
	HTTPCode int    `json:"httpCode,omitempty"`

	BeginTS    int64 `json:"beginTs"`
	EndTS      int64 `json:"endTs"`
	DurationMS int64 `json:"durationMs"`

	FinalizeReason string `json:"finalizeReason"`
	BillableUnits  int    `json:"billableUnits"`
}

// reasonForEnd maps an END entry to its finalize reason.
func reasonForEnd(end AuditEntry) string {
	switch end.Err {
	case ErrMarkTimeout:
		return ReasonTimeout
	case ErrMarkShutdownReplay:
		return ReasonShutdownReplay
	case "":
		if end.Status == StatusOK {
			return ReasonFinish
		}
		return ReasonError
	default:
		return ReasonError
	}
}

// FinalizeRecord joins a BEGIN and END entry into the persisted record.
// begin may be nil when the matching BEGIN never arrived; the END timestamp
// then stands in and the duration is zero.
func FinalizeRecord(begin *AuditEntry, end AuditEntry) (AuditRecord, error) {
	if end.Phase != PhaseEnd {
		return AuditRecord{}, errors.Validation("BLOB_INVALID_PHASE", "phase", "finalize requires an end entry")
	}
	if err := end.Validate(); err != nil {
		return AuditRecord{}, err
	}

	beginTS := end.Meta.TS
	if begin != nil {
		if begin.Meta.RequestID != end.Meta.RequestID {
			return AuditRecord{}, errors.Validation("BLOB_INVALID_META", "meta.requestId", "begin and end must share a request id")
		}
		beginTS = begin.Meta.TS
	}

	duration := end.Meta.TS - beginTS
	if duration < 0 {
		duration = 0
	}

	rec := AuditRecord{
		EventID:        EventID(end.Meta.RequestID, end.Meta.TS),
		RequestID:      end.Meta.RequestID,
		Status:         end.Status,
		BeginTS:        beginTS,
		EndTS:          end.Meta.TS,
		DurationMS:     duration,
		FinalizeReason: reasonForEnd(end),
	}
	if end.HTTP != nil {
		rec.HTTPCode = end.HTTP.Code
	}

	target := end.Target
	if target == nil && begin != nil {
		target = begin.Target
	}
	if target != nil {
		rec.Slug = target.Slug
		rec.Method = target.Method
		rec.Path = target.Route
	}

	// Billable only for a finished request that was served 2xx/3xx.
	if rec.FinalizeReason == ReasonFinish && rec.HTTPCode >= 200 && rec.HTTPCode < 400 {
		rec.BillableUnits = 1
	}
	return rec, nil
}
