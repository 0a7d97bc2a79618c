package s2s

import (
	"net/http"
	"net/textproto"
	"strings"
)

// hopByHop lists the RFC 7230 connection-scoped headers. They describe one
// hop and are never forwarded.
var hopByHop = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// SanitizeHeaders copies h without hop-by-hop headers, anything named by
// the Connection header, or the inbound Authorization. Outbound calls get
// a freshly minted Authorization instead.
func SanitizeHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	if h == nil {
		return out
	}
	drop := map[string]bool{}
	for _, v := range h.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			tok = strings.TrimSpace(tok)
			if tok != "" {
				drop[textproto.CanonicalMIMEHeaderKey(tok)] = true
			}
		}
	}
	for k, vs := range h {
		ck := textproto.CanonicalMIMEHeaderKey(k)
		if hopByHop[ck] || drop[ck] || ck == "Authorization" {
			continue
		}
		for _, v := range vs {
			out.Add(ck, v)
		}
	}
	return out
}
