package gateway

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/northvale/mesh/internal/errors"
	"github.com/northvale/mesh/internal/middleware"
	"github.com/northvale/mesh/internal/s2s"
)

// TransportConfig tunes the shared upstream transport.
type TransportConfig struct {
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	IdleConnTimeout       time.Duration
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	ExpectContinueTimeout time.Duration
	ForceHTTP2            bool
}

// DefaultTransportConfig returns the tuned defaults.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		DialTimeout:           30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 0,
		ExpectContinueTimeout: 1 * time.Second,
		ForceHTTP2:            true,
	}
}

// NewTransport builds the upstream http.Transport.
func NewTransport(cfg TransportConfig) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     cfg.ForceHTTP2,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: cfg.ExpectContinueTimeout,
	}
}

// proxy streams one exchange. The inbound body flows upstream
// unbuffered; the response streams back with per-chunk flushes so
// long-lived responses are not held behind buffering. The caller's
// Authorization never crosses; a freshly minted token does.
func (b *Broker) proxy(w http.ResponseWriter, r *http.Request, rt route, target s2s.Target) error {
	full := target.Base + rt.Subpath
	if r.URL.RawQuery != "" {
		full += "?" + r.URL.RawQuery
	}
	u, err := url.Parse(full)
	if err != nil {
		return errors.ErrBadGateway.WithDetailf("composed base for %s is unparseable", rt.Key())
	}
	if hostUnroutable(u.Hostname()) {
		return errors.ErrBadGateway.WithDetailf("%s points at unroutable host %s", rt.Key(), u.Hostname())
	}

	token, err := b.signer.Mint()
	if err != nil {
		return errors.Wrapf(err, errors.CodeInternal, http.StatusInternalServerError, "token minting failed")
	}

	hdr := s2s.SanitizeHeaders(r.Header)
	hdr.Set("Authorization", "Bearer "+token)
	hdr.Set("X-Service-Name", b.service)
	hdr.Set("X-Api-Version", strconv.Itoa(rt.Version))
	hdr.Set(middleware.RequestIDHeader, middleware.RequestIDFromContext(r.Context()))
	forwardingTrail(hdr, r)

	outReq := (&http.Request{
		Method:        r.Method,
		URL:           u,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        hdr,
		Body:          r.Body,
		ContentLength: r.ContentLength,
		Host:          u.Host,
	}).WithContext(r.Context())

	resp, err := b.transport.RoundTrip(outReq)
	if err != nil {
		switch {
		case stderrors.Is(err, context.Canceled):
			return errClientGone
		case stderrors.Is(err, context.DeadlineExceeded):
			return errors.ErrGatewayTimeout.WithDetailf("%s did not answer within the request deadline", rt.Key())
		default:
			return errors.ErrBadGateway.WithDetailf("%s is unreachable: %v", rt.Key(), err)
		}
	}
	defer resp.Body.Close()

	b.proxied.Add(1)
	relayHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if err := copyBody(w, resp.Body); err != nil {
		// The status line is long gone; the END entry records the break.
		return errors.Wrap(err, errors.CodeBadGateway, http.StatusBadGateway)
	}
	return nil
}

// hostUnroutable refuses wildcard bind addresses in a record's baseUrl;
// they name a listener, not a destination.
func hostUnroutable(hostname string) bool {
	return hostname == "0.0.0.0" || hostname == "::"
}

// forwardingTrail appends the standard X-Forwarded-* trail.
func forwardingTrail(hdr http.Header, r *http.Request) {
	clientIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		clientIP = host
	}
	if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
		clientIP = prior + ", " + clientIP
	}
	hdr.Set("X-Forwarded-For", clientIP)
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	hdr.Set("X-Forwarded-Proto", proto)
	hdr.Set("X-Forwarded-Host", r.Host)
}

// relayHeaders copies the upstream response headers minus hop-by-hop
// noise, applying the same sanitize rules outbound calls use.
func relayHeaders(dst, src http.Header) {
	for k, vs := range s2s.SanitizeHeaders(src) {
		dst[k] = vs
	}
}

// copyBody streams the upstream body to the client, flushing after
// every chunk.
func copyBody(w http.ResponseWriter, body io.Reader) error {
	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		_, err := io.Copy(w, body)
		return err
	}
	buf := make([]byte, 32*1024)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			flusher.Flush()
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}
