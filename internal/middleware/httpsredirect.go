package middleware

import (
	"fmt"
	"net/http"
	"sync/atomic"
)

var httpsRedirects atomic.Int64

// HTTPSRedirect sends plain-HTTP requests to the https scheme with a 308.
// Requests arriving through a TLS-terminating proxy are recognized by
// X-Forwarded-Proto. Enabled in staging and production; enabled=false is
// a pass-through.
func HTTPSRedirect(enabled bool) Middleware {
	if !enabled {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
				next.ServeHTTP(w, r)
				return
			}
			httpsRedirects.Add(1)

			host := r.Host
			// Strip an explicit port; the redirect target uses 443.
			for i := len(host) - 1; i >= 0; i-- {
				if host[i] == ':' {
					host = host[:i]
					break
				}
				if host[i] < '0' || host[i] > '9' {
					break
				}
			}
			target := fmt.Sprintf("https://%s%s", host, r.URL.RequestURI())
			http.Redirect(w, r, target, http.StatusPermanentRedirect)
		})
	}
}
