package middleware

import (
	"net/http"

	"github.com/northvale/mesh/internal/errors"
)

// BodyLimit caps request bodies at n bytes. Oversized declared lengths are
// rejected up front with a 413 Problem; chunked bodies are capped by
// MaxBytesReader, which surfaces the overflow to the handler's read path.
// n <= 0 disables the cap.
func BodyLimit(n int64) Middleware {
	if n <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > n {
				errors.ErrEntityTooLarge.
					WithRequestID(RequestIDFromContext(r.Context())).
					WriteProblem(w)
				return
			}
			if r.Body != nil && r.Body != http.NoBody {
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}
			next.ServeHTTP(w, r)
		})
	}
}
