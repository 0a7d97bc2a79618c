package errors

import (
	stderrors "errors"
	"strings"
)

// Class partitions failures for the WAL retry policy.
type Class int

const (
	ClassUnknown Class = iota
	ClassRetryable
	ClassNonRetryable
)

func (c Class) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassNonRetryable:
		return "non-retryable"
	default:
		return "unknown"
	}
}

// nonRetryableCodes are contract and schema failures; retrying cannot fix the
// input, so the WAL quarantines these per item.
var nonRetryableCodes = map[string]bool{
	CodeAuditBlobInvalid: true,
	CodeWriterBadInput:   true,
	CodeContractMismatch: true,
	CodeBadRequest:       true,
}

// retryableCodes are transient transport or dependency failures.
var retryableCodes = map[string]bool{
	CodeWriterTransient:  true,
	CodeWalPersistFailed: true,
	CodeWalNotReady:      true,
	CodeBadGateway:       true,
	CodeGatewayTimeout:   true,
	CodeUnavailable:      true,
	CodeTooManyRequests:  true,
}

// transientFragments bias unknown errors toward retryable. They cover the
// usual network error strings surfaced by net and syscall.
var transientFragments = []string{
	"timeout",
	"timed out",
	"etimedout",
	"econnreset",
	"econnrefused",
	"connection reset",
	"connection refused",
	"broken pipe",
	"temporar", // temporary, temporarily
	"unexpected eof",
	"eof",
	"no such host",
	"network is unreachable",
	"i/o timeout",
}

// Classify tags an error for the WAL flush policy. Typed codes win; unknown
// errors fall back to message heuristics and classify retryable on a
// transient-looking message, otherwise unknown (callers treat unknown as
// retryable).
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}

	var e *Error
	if stderrors.As(err, &e) {
		if nonRetryableCodes[e.Code] {
			return ClassNonRetryable
		}
		if strings.HasPrefix(e.Code, "BLOB_INVALID_") {
			return ClassNonRetryable
		}
		if retryableCodes[e.Code] {
			return ClassRetryable
		}
		if strings.HasPrefix(e.Code, "DB_") && strings.HasSuffix(e.Code, "_FAILED") {
			return ClassRetryable
		}
	}

	msg := strings.ToLower(err.Error())
	for _, frag := range transientFragments {
		if strings.Contains(msg, frag) {
			return ClassRetryable
		}
	}
	return ClassUnknown
}
