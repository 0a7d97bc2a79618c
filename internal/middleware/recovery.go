package middleware

import (
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/northvale/mesh/internal/errors"
	"github.com/northvale/mesh/internal/logging"
)

// Recovery turns handler panics into a 500 Problem response. The stack
// goes to the log, never to the client.
func Recovery() Middleware {
	return RecoveryWithLogger(nil)
}

// RecoveryWithLogger is Recovery with an explicit logger. A nil logger
// falls back to the process-global one.
func RecoveryWithLogger(log *logging.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if v == http.ErrAbortHandler {
					panic(v)
				}
				l := log
				if l == nil {
					l = logging.Global()
				}
				l.Error("panic recovered",
					zap.Any("panic", v),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.ByteString("stack", debug.Stack()),
				)
				errors.ErrInternalServer.
					WithRequestID(RequestIDFromContext(r.Context())).
					WriteProblem(w)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
