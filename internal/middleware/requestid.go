package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

func init() {
	// Batch crypto/rand reads into a pool to avoid a syscall per UUID.
	uuid.EnableRandPool()
}

// RequestIDHeader is the canonical request-id header. Inbound requests may
// carry the id under any of the accepted aliases; responses and internal
// hops always use the canonical name.
const RequestIDHeader = "X-Request-Id"

// requestIDAliases is the inbound acceptance order. First non-empty wins.
var requestIDAliases = []string{
	RequestIDHeader,
	"X-Correlation-Id",
	"Request-Id",
	"X-Amzn-Trace-Id",
}

// PickRequestID scans the accepted header aliases and returns the first
// non-empty value, or "" when the request carries none.
func PickRequestID(h http.Header) string {
	for _, name := range requestIDAliases {
		if v := h.Get(name); v != "" {
			return v
		}
	}
	return ""
}

type requestIDKey struct{}

// WithRequestID binds a request id to the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the bound request id, or "".
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// RequestID adopts the inbound request id or mints one, rewrites the
// canonical header on the request, echoes it on the response, and binds it
// to the context for handlers and outbound calls.
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := PickRequestID(r.Header)
			if id == "" {
				id = uuid.NewString()
			}
			r.Header.Set(RequestIDHeader, id)
			w.Header().Set(RequestIDHeader, id)
			next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
		})
	}
}
