package middleware

import (
	"context"
	"net/http"
	"sync"

	"time"

	"github.com/northvale/mesh/internal/errors"
)

// Timeout caps request handling at d by deadline-ing the request context.
// If the handler overruns without having written anything, the client gets
// a 504 Problem; if headers already went out, the response is left as the
// handler produced it. Bodies are never buffered, so streaming survives.
func Timeout(d time.Duration) Middleware {
	if d <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()

			tw := &timeoutWriter{ResponseWriter: w}
			next.ServeHTTP(tw, r.WithContext(ctx))

			if ctx.Err() == context.DeadlineExceeded && !tw.wroteHeader() {
				errors.ErrGatewayTimeout.
					WithRequestID(RequestIDFromContext(r.Context())).
					WriteProblem(tw)
			}
		})
	}
}

// timeoutWriter tracks whether the handler committed a response.
type timeoutWriter struct {
	http.ResponseWriter
	mu    sync.Mutex
	wrote bool
}

func (tw *timeoutWriter) wroteHeader() bool {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return tw.wrote
}

func (tw *timeoutWriter) WriteHeader(status int) {
	tw.mu.Lock()
	tw.wrote = true
	tw.mu.Unlock()
	tw.ResponseWriter.WriteHeader(status)
}

func (tw *timeoutWriter) Write(b []byte) (int, error) {
	tw.mu.Lock()
	tw.wrote = true
	tw.mu.Unlock()
	return tw.ResponseWriter.Write(b)
}

func (tw *timeoutWriter) Flush() {
	if f, ok := tw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
