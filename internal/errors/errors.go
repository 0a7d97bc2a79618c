// Package errors defines the typed error surface of the mesh. Every failure
// carries a stable code; HTTP boundaries render errors as RFC 7807 Problem
// documents. Successes use the canonical envelope, errors never do.
package errors

import (
	stderrors "errors"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Stable error codes. Codes that reach the wire appear verbatim in the
// Problem "title" member.
const (
	CodeNotFound          = "not_found"
	CodeBadGateway        = "bad_gateway"
	CodeGatewayTimeout    = "gateway_timeout"
	CodeTooManyRequests   = "too_many_requests"
	CodeUnavailable       = "service_unavailable"
	CodeEntityTooLarge    = "request_entity_too_large"
	CodeMethodNotAllowed  = "method_not_allowed"
	CodeBadRequest        = "bad_request"
	CodeUnauthorized      = "unauthorized"
	CodeForbidden         = "forbidden"
	CodeInternal          = "internal_error"
	CodeMirrorUnavailable = "mirror_unavailable"
	CodeServiceDisabled   = "service_disabled"
	CodeKeyMismatch       = "key_mismatch"
	CodeContractMismatch  = "contract_id_mismatch"
	CodeAuditBeginStop    = "audit_begin_hard_stop"

	CodeColdStart        = "ColdStartNoDbNoLkg"
	CodeWalAppendFailed  = "WAL_APPEND_FAILED"
	CodeWalPersistFailed = "WAL_PERSIST_FAILED"
	CodeWalNotReady      = "WAL_NOT_READY"
	CodeWalClosed        = "WAL_JOURNAL_CLOSED"
	CodeAuditBlobInvalid = "AUDIT_BLOB_INVALID"
	CodeWriterBadInput   = "WRITER_BAD_INPUT"
	CodeWriterTransient  = "WRITER_TRANSIENT"
)

// Error is the mesh error type. Code is the stable identifier (rendered as
// the Problem title), Status the HTTP status a boundary answers with.
type Error struct {
	Code      string
	Status    int
	Detail    string
	RequestID string
	Instance  string

	underlying error
}

func (e *Error) Error() string {
	if e.underlying != nil {
		cause := e.underlying.Error()
		if e.Detail == "" || e.Detail == cause {
			return fmt.Sprintf("%s: %s", e.Code, cause)
		}
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Detail, cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.underlying
}

// Is matches mesh errors by code, so sentinel comparison survives the
// immutable-copy helpers.
func (e *Error) Is(target error) bool {
	var t *Error
	if !stderrors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// problem is the RFC 7807 wire shape.
type problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

// WriteProblem writes the error as an RFC 7807 response. Base singletons use
// pre-serialized bytes to avoid allocations. A bound request id is echoed as
// a header, never as a body member.
func (e *Error) WriteProblem(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/problem+json")
	if e.RequestID != "" {
		w.Header().Set("X-Request-Id", e.RequestID)
	}
	w.WriteHeader(e.Status)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(problem{
		Type:     "about:blank",
		Title:    e.Code,
		Status:   e.Status,
		Detail:   e.Detail,
		Instance: e.Instance,
	})
}

// FromProblem rebuilds an Error from an upstream Problem response. Bodies
// that do not parse as a Problem document become an opaque error coded by
// status class, with a truncated body excerpt as the detail.
func FromProblem(status int, body []byte) *Error {
	var p problem
	if err := json.Unmarshal(body, &p); err == nil && p.Title != "" {
		if p.Status == 0 {
			p.Status = status
		}
		return &Error{Code: p.Title, Status: p.Status, Detail: p.Detail, Instance: p.Instance}
	}
	excerpt := strings.TrimSpace(string(body))
	if len(excerpt) > 200 {
		excerpt = excerpt[:200]
	}
	code := CodeBadGateway
	if status >= 400 && status < 500 {
		code = CodeBadRequest
	}
	return &Error{Code: code, Status: status, Detail: excerpt}
}

// Common errors
var (
	ErrNotFound           = New(CodeNotFound, http.StatusNotFound, "The requested resource was not found")
	ErrMethodNotAllowed   = New(CodeMethodNotAllowed, http.StatusMethodNotAllowed, "Method not allowed")
	ErrUnauthorized       = New(CodeUnauthorized, http.StatusUnauthorized, "Missing or invalid credentials")
	ErrForbidden          = New(CodeForbidden, http.StatusForbidden, "Access denied")
	ErrTooManyRequests    = New(CodeTooManyRequests, http.StatusTooManyRequests, "Rate limit exceeded")
	ErrBadGateway         = New(CodeBadGateway, http.StatusBadGateway, "Upstream request failed")
	ErrServiceUnavailable = New(CodeUnavailable, http.StatusServiceUnavailable, "Service temporarily unavailable")
	ErrGatewayTimeout     = New(CodeGatewayTimeout, http.StatusGatewayTimeout, "Upstream request timed out")
	ErrBadRequest         = New(CodeBadRequest, http.StatusBadRequest, "Invalid request")
	ErrInternalServer     = New(CodeInternal, http.StatusInternalServerError, "Internal server error")
	ErrEntityTooLarge     = New(CodeEntityTooLarge, http.StatusRequestEntityTooLarge, "Request body too large")

	ErrMirrorUnavailable = New(CodeMirrorUnavailable, http.StatusServiceUnavailable, "Service configuration mirror is unavailable")
	ErrServiceDisabled   = New(CodeServiceDisabled, http.StatusNotFound, "Service is disabled")
	ErrKeyMismatch       = New(CodeKeyMismatch, http.StatusBadRequest, "Resolved entry does not match the requested key")
	ErrContractMismatch  = New(CodeContractMismatch, http.StatusBadRequest, "Contract id mismatch")
	ErrAuditBeginStop    = New(CodeAuditBeginStop, http.StatusInternalServerError, "Audit BEGIN could not be journaled")
	ErrColdStart         = New(CodeColdStart, http.StatusServiceUnavailable, "No database and no last-known-good snapshot")
	ErrWalNotReady       = New(CodeWalNotReady, http.StatusServiceUnavailable, "Audit writer is not initialized")
	ErrWalClosed         = New(CodeWalClosed, http.StatusServiceUnavailable, "Audit journal is closed")
)

// preSerialized holds Problem bytes for the base singletons above.
var preSerialized map[*Error][]byte

func init() {
	bases := []*Error{
		ErrNotFound, ErrMethodNotAllowed, ErrUnauthorized, ErrForbidden,
		ErrTooManyRequests, ErrBadGateway, ErrServiceUnavailable,
		ErrGatewayTimeout, ErrBadRequest, ErrInternalServer, ErrEntityTooLarge,
		ErrMirrorUnavailable, ErrServiceDisabled, ErrKeyMismatch,
		ErrContractMismatch, ErrAuditBeginStop, ErrColdStart, ErrWalNotReady,
		ErrWalClosed,
	}
	preSerialized = make(map[*Error][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(problem{
			Type:   "about:blank",
			Title:  e.Code,
			Status: e.Status,
			Detail: e.Detail,
		})
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a new Error.
func New(code string, status int, detail string) *Error {
	return &Error{Code: code, Status: status, Detail: detail}
}

// Wrap records an underlying cause, taking its message as the detail.
func Wrap(err error, code string, status int) *Error {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	return &Error{Code: code, Status: status, Detail: detail, underlying: err}
}

// Wrapf is Wrap with an explicit formatted detail.
func Wrapf(err error, code string, status int, format string, args ...any) *Error {
	return &Error{Code: code, Status: status, Detail: fmt.Sprintf(format, args...), underlying: err}
}

// WithDetail returns a copy with a replaced detail.
func (e *Error) WithDetail(detail string) *Error {
	return &Error{
		Code:       e.Code,
		Status:     e.Status,
		Detail:     detail,
		RequestID:  e.RequestID,
		Instance:   e.Instance,
		underlying: e.underlying,
	}
}

// WithDetailf is WithDetail with formatting.
func (e *Error) WithDetailf(format string, args ...any) *Error {
	return e.WithDetail(fmt.Sprintf(format, args...))
}

// WithRequestID returns a copy bound to a request id.
func (e *Error) WithRequestID(requestID string) *Error {
	return &Error{
		Code:       e.Code,
		Status:     e.Status,
		Detail:     e.Detail,
		RequestID:  requestID,
		Instance:   e.Instance,
		underlying: e.underlying,
	}
}

// WithInstance returns a copy carrying the request path for the Problem
// "instance" member.
func (e *Error) WithInstance(path string) *Error {
	return &Error{
		Code:       e.Code,
		Status:     e.Status,
		Detail:     e.Detail,
		RequestID:  e.RequestID,
		Instance:   path,
		underlying: e.underlying,
	}
}

// WithCause returns a copy recording an underlying error.
func (e *Error) WithCause(err error) *Error {
	return &Error{
		Code:      e.Code,
		Status:    e.Status,
		Detail:    e.Detail,
		RequestID: e.RequestID,
		Instance:  e.Instance,

		underlying: err,
	}
}

// AsError extracts a mesh *Error from any error, wrapping foreign errors as
// an opaque 500. Stack detail never reaches the wire.
func AsError(err error) *Error {
	var e *Error
	if stderrors.As(err, &e) {
		return e
	}
	return Wrapf(err, CodeInternal, http.StatusInternalServerError, "Internal server error")
}

// IsCode reports whether err carries the given mesh code.
func IsCode(err error, code string) bool {
	var e *Error
	if !stderrors.As(err, &e) {
		return false
	}
	return e.Code == code
}

// Validation builds a 400 error whose detail names the first offending field.
func Validation(code, field, msg string) *Error {
	return New(code, http.StatusBadRequest, fmt.Sprintf("%s: %s", field, msg))
}
