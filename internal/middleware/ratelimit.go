package middleware

import (
	"hash/fnv"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/northvale/mesh/internal/errors"
)

const limiterShards = 64

type limiterEntry struct {
	lim      *rate.Limiter
	mu       sync.Mutex
	lastSeen time.Time
}

type limiterShard struct {
	mu    sync.Mutex
	items map[string]*limiterEntry
}

// IPRateLimiter hands out one token bucket per client IP. Shards reduce
// lock contention; idle buckets are reaped after idleTTL.
type IPRateLimiter struct {
	perMinute int
	burst     int
	limitStr  string
	shards    [limiterShards]limiterShard

	idleTTL time.Duration
}

// NewIPRateLimiter builds a limiter allowing perMinute requests with the
// given burst per client. Burst 0 defaults to perMinute.
func NewIPRateLimiter(perMinute, burst int) *IPRateLimiter {
	if burst <= 0 {
		burst = perMinute
	}
	l := &IPRateLimiter{
		perMinute: perMinute,
		burst:     burst,
		limitStr:  strconv.Itoa(perMinute),
		idleTTL:   10 * time.Minute,
	}
	for i := range l.shards {
		l.shards[i].items = make(map[string]*limiterEntry)
	}
	go l.reap()
	return l
}

func (l *IPRateLimiter) shard(key string) *limiterShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &l.shards[h.Sum32()%limiterShards]
}

func (l *IPRateLimiter) entry(key string) *limiterEntry {
	s := l.shard(key)
	s.mu.Lock()
	e, ok := s.items[key]
	if !ok {
		e = &limiterEntry{
			lim: rate.NewLimiter(rate.Limit(float64(l.perMinute)/60.0), l.burst),
		}
		s.items[key] = e
	}
	s.mu.Unlock()
	return e
}

// Allow consumes one token for key, reporting whether the request may
// proceed and roughly how many tokens remain.
func (l *IPRateLimiter) Allow(key string) (bool, int) {
	e := l.entry(key)
	e.mu.Lock()
	e.lastSeen = time.Now()
	ok := e.lim.Allow()
	remaining := int(e.lim.Tokens())
	e.mu.Unlock()
	if remaining < 0 {
		remaining = 0
	}
	return ok, remaining
}

func (l *IPRateLimiter) reap() {
	for {
		time.Sleep(5 * time.Minute)
		cutoff := time.Now().Add(-l.idleTTL)
		for i := range l.shards {
			s := &l.shards[i]
			s.mu.Lock()
			for k, e := range s.items {
				e.mu.Lock()
				idle := e.lastSeen.Before(cutoff)
				e.mu.Unlock()
				if idle {
					delete(s.items, k)
				}
			}
			s.mu.Unlock()
		}
	}
}

// RateLimit rejects clients that exceed perMinute requests with a 429
// Problem. perMinute <= 0 disables the middleware entirely. onReject
// hooks fire once per rejection.
func RateLimit(perMinute, burst int, onReject ...func()) Middleware {
	if perMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	limiter := NewIPRateLimiter(perMinute, burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, remaining := limiter.Allow(clientIP(r))
			w.Header().Set("X-RateLimit-Limit", limiter.limitStr)
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			if !ok {
				w.Header().Set("Retry-After", "1")
				for _, fn := range onReject {
					fn()
				}
				errors.ErrTooManyRequests.
					WithRequestID(RequestIDFromContext(r.Context())).
					WriteProblem(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GlobalRateLimit caps total throughput across all clients with one
// shared bucket, in front of the per-IP limiter. perSecond <= 0
// disables the middleware.
func GlobalRateLimit(perSecond float64, burst int, onReject ...func()) Middleware {
	if perSecond <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if burst <= 0 {
		burst = int(perSecond)
		if burst < 1 {
			burst = 1
		}
	}
	lim := rate.NewLimiter(rate.Limit(perSecond), burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !lim.Allow() {
				w.Header().Set("Retry-After", "1")
				for _, fn := range onReject {
					fn()
				}
				errors.ErrTooManyRequests.
					WithRequestID(RequestIDFromContext(r.Context())).
					WriteProblem(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
