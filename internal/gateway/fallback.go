package gateway

import (
	"io"
	"net/http"
	"net/textproto"
	"strings"

	"go.uber.org/zap"

	"github.com/northvale/mesh/internal/contract"
	"github.com/northvale/mesh/internal/s2s"
)

// healthFallback answers a health probe for a service the mirror does
// not carry by resolving it through the facilitator directly. One
// resolution flight per key; every failure returns false and leaves the
// original miss in place, so a broken fallback can never hurt the
// request beyond the 404 it already had.
func (b *Broker) healthFallback(w http.ResponseWriter, r *http.Request, rt route) bool {
	ctx := r.Context()

	_, err, _ := b.flight.Do(rt.Key(), func() (any, error) {
		data, err := b.client.ResolveRemote(ctx, rt.Slug, rt.Version)
		if err != nil {
			return nil, err
		}
		rec := recordFromResolve(data)
		b.resolver.AdoptRecord(rec)
		return rec, nil
	})
	if err != nil {
		b.log.Warn("gateway: health fallback resolution failed",
			zap.String("target", rt.Key()),
			zap.Error(err))
		return false
	}

	// CallRaw re-resolves through the freshly adopted record and
	// enforces the exposeHealth preflight.
	res, err := b.client.CallRaw(ctx, s2s.RawRequest{
		Slug:        rt.Slug,
		Version:     rt.Version,
		Method:      http.MethodGet,
		FullPath:    r.URL.RequestURI(),
		Headers:     r.Header,
		HealthProbe: true,
	})
	if err != nil {
		b.log.Warn("gateway: health fallback call failed",
			zap.String("target", rt.Key()),
			zap.Error(err))
		return false
	}

	b.fallbacks.Add(1)
	writeFiltered(w, res)
	return true
}

// recordFromResolve rebuilds the record a resolve response describes.
func recordFromResolve(d contract.ResolveData) contract.ServiceConfigRecord {
	return contract.ServiceConfigRecord{
		Slug:              d.Slug,
		Version:           d.Version,
		BaseURL:           d.BaseURL,
		OutboundAPIPrefix: d.OutboundAPIPrefix,
		Enabled:           d.Enabled,
		AllowProxy:        d.AllowProxy,
		InternalOnly:      d.InternalOnly,
		ExposeHealth:      d.ExposeHealth,
	}
}

// writeFiltered relays a fallback answer with the response surface
// clamped to the content type and X- extension headers.
func writeFiltered(w http.ResponseWriter, res *s2s.RawResult) {
	for k, vs := range res.Headers {
		ck := textproto.CanonicalMIMEHeaderKey(k)
		if ck == "Content-Type" || strings.HasPrefix(ck, "X-") {
			w.Header()[ck] = vs
		}
	}
	w.WriteHeader(res.Status)
	io.WriteString(w, res.BodyText)
}
