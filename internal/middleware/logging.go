package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/northvale/mesh/internal/logging"
)

var recorderPool = sync.Pool{
	New: func() any { return &statusRecorder{} },
}

// AccessLogConfig controls the per-request log line.
type AccessLogConfig struct {
	// Logger defaults to the process-global logger.
	Logger *logging.Logger
	// Edge emits the line at the EDGE level instead of INFO. The gateway
	// uses this for its one-line-per-proxied-request log.
	Edge bool
	// SkipPaths are exact paths that never log (health probes, metrics).
	SkipPaths []string
	// Observe, when set, receives each logged request's outcome. Skipped
	// paths are not observed.
	Observe func(method string, status int, duration time.Duration)
}

// AccessLog emits one structured line per request after the handler
// finishes: method, path, status, bytes, duration, request id, client.
func AccessLog(cfg AccessLogConfig) Middleware {
	skip := make(map[string]bool, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skip[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := recorderPool.Get().(*statusRecorder)
			rec.ResponseWriter = w
			rec.status = http.StatusOK
			rec.bytes = 0

			next.ServeHTTP(rec, r)

			elapsed := time.Since(start)
			if cfg.Observe != nil {
				cfg.Observe(r.Method, rec.status, elapsed)
			}

			l := cfg.Logger
			if l == nil {
				l = logging.Global()
			}
			fields := []zap.Field{
				zap.String("request_id", RequestIDFromContext(r.Context())),
				zap.String("remote", clientIP(r)),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Int64("bytes", rec.bytes),
				zap.Duration("duration", elapsed),
			}
			if cfg.Edge {
				l.Edge("request", fields...)
			} else {
				l.Info("request", fields...)
			}

			rec.ResponseWriter = nil
			recorderPool.Put(rec)
		})
	}
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-Ip, then the
// socket peer.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for i := 0; i < len(xff); i++ {
			if xff[i] == ',' {
				return xff[:i]
			}
		}
		return xff
	}
	if rip := r.Header.Get("X-Real-Ip"); rip != "" {
		return rip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// statusRecorder captures status and byte count without buffering the body.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += int64(n)
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
