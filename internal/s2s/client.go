// Package s2s implements the service-to-service calling convention: token
// minting and verification, target resolution through the mirror, the
// DTO call surface, and the raw passthrough used by the gateway's health
// fallback. Every outbound request carries a freshly minted token and the
// propagated request id; inbound Authorization and hop-by-hop headers are
// never forwarded.
package s2s

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/northvale/mesh/internal/config"
	"github.com/northvale/mesh/internal/contract"
	"github.com/northvale/mesh/internal/errors"
	"github.com/northvale/mesh/internal/logging"
	"github.com/northvale/mesh/internal/middleware"
)

// Op is a DTO operation.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpRead   Op = "read"
	OpDelete Op = "delete"
	OpList   Op = "list"
)

// CallSpec describes one DTO call. Items carries the payload for create
// and update; read, delete, and list send no body.
type CallSpec struct {
	Slug    string
	Version int
	DTOType string
	Op      Op
	ID      string
	Items   []any
	Query   url.Values
	Headers http.Header
}

// Result is a successful DTO call: the upstream status and the parsed
// envelope.
type Result struct {
	Status   int
	Envelope contract.Envelope
}

// RawRequest is a passthrough call: the full inbound path (including the
// /api prefix and query) is preserved and only the host and port change.
type RawRequest struct {
	Slug     string
	Version  int
	Method   string
	FullPath string
	Headers  http.Header
	Body     []byte

	// HealthProbe relaxes preflight to the exposeHealth check.
	HealthProbe bool
}

// RawResult reports whatever the upstream answered. Raw calls never turn
// an HTTP status into an error.
type RawResult struct {
	Status   int
	Headers  http.Header
	BodyText string
}

// ClientOptions tune the shared client.
type ClientOptions struct {
	// Service is the caller's slug, used for envelopes and X-Service-Name.
	Service string
	// Timeout bounds each attempt.
	Timeout time.Duration
	// MaxAttempts caps tries per call, first attempt included.
	MaxAttempts int
	// BackoffBase is the first retry delay; later delays grow with jitter.
	BackoffBase time.Duration
	// Observe, when set, records each call outcome: ok, upstream_error,
	// transport_error, or circuit_open.
	Observe func(target, outcome string)
}

// Client is the shared S2S caller. One instance per process; all calls
// funnel through per-target circuit breakers.
type Client struct {
	http     *http.Client
	signer   *Signer
	resolver *Resolver
	service  string
	timeout  time.Duration
	attempts int
	base     time.Duration
	observe  func(target, outcome string)
	log      *logging.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*upstreamReply]

	calls    atomic.Int64
	rawCalls atomic.Int64
	retries  atomic.Int64
	failures atomic.Int64
}

// NewClient builds the shared caller.
func NewClient(signer *Signer, resolver *Resolver, opts ClientOptions, log *logging.Logger) *Client {
	if log == nil {
		log = logging.Global()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 250 * time.Millisecond
	}
	return &Client{
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        128,
				MaxIdleConnsPerHost: 32,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		signer:   signer,
		resolver: resolver,
		service:  opts.Service,
		timeout:  opts.Timeout,
		attempts: opts.MaxAttempts,
		base:     opts.BackoffBase,
		observe:  opts.Observe,
		log:      log,
		breakers: make(map[string]*gobreaker.CircuitBreaker[*upstreamReply]),
	}
}

// Resolver exposes the client's resolver for cache control.
func (c *Client) Resolver() *Resolver {
	return c.resolver
}

// Call performs one DTO operation against slug@version. Non-2xx answers
// come back as the upstream's Problem, re-typed; 2xx answers must carry a
// valid envelope.
func (c *Client) Call(ctx context.Context, call CallSpec) (*Result, error) {
	c.calls.Add(1)

	method, suffix, err := call.methodAndSuffix()
	if err != nil {
		return nil, err
	}
	target, err := c.resolver.Resolve(ctx, call.Slug, call.Version)
	if err != nil {
		return nil, err
	}
	if err := Preflight(target.Record, PreflightOptions{}); err != nil {
		return nil, err
	}

	fullURL := target.Base + suffix
	if len(call.Query) > 0 {
		fullURL += "?" + call.Query.Encode()
	}

	var body []byte
	hdr := c.outboundHeaders(ctx, call.Headers)
	if call.Op == OpCreate || call.Op == OpUpdate {
		env, err := contract.MakeOK(c.service, http.StatusOK, map[string]any{"items": call.Items})
		if err != nil {
			return nil, err
		}
		if body, err = json.Marshal(env); err != nil {
			return nil, errors.Wrapf(err, errors.CodeInternal, http.StatusInternalServerError, "envelope serialization failed")
		}
		hdr.Set("Content-Type", "application/json")
	}

	reply, err := c.roundTrip(ctx, target.Record.Key(), method, fullURL, body, hdr, true)
	if err != nil {
		return nil, err
	}
	if reply.status < 200 || reply.status > 299 {
		c.failures.Add(1)
		return nil, errors.FromProblem(reply.status, reply.body)
	}
	env, err := contract.ParseEnvelope(reply.body)
	if err != nil {
		c.failures.Add(1)
		return nil, errors.Wrapf(err, errors.CodeBadGateway, http.StatusBadGateway, "upstream envelope invalid")
	}
	return &Result{Status: reply.status, Envelope: env}, nil
}

// CallRaw forwards a request as-is to slug@version, changing only the
// host and port. The status is reported, never thrown; only transport
// failures and refused preflights error.
func (c *Client) CallRaw(ctx context.Context, raw RawRequest) (*RawResult, error) {
	c.rawCalls.Add(1)

	if !strings.HasPrefix(raw.FullPath, "/") {
		return nil, errors.ErrBadRequest.WithDetail("raw calls require the full inbound path")
	}
	target, err := c.resolver.Resolve(ctx, raw.Slug, raw.Version)
	if err != nil {
		return nil, err
	}
	if err := Preflight(target.Record, PreflightOptions{HealthProbe: raw.HealthProbe}); err != nil {
		return nil, err
	}

	base, err := url.Parse(target.Record.BaseURL)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeInternal, http.StatusInternalServerError, "record base URL unparseable")
	}
	method := raw.Method
	if method == "" {
		method = http.MethodGet
	}
	fullURL := base.Scheme + "://" + base.Host + raw.FullPath

	hdr := c.outboundHeaders(ctx, raw.Headers)
	// Passthrough keeps the caller's content negotiation.
	if accept := raw.Headers.Get("Accept"); accept != "" {
		hdr.Set("Accept", accept)
	} else {
		hdr.Del("Accept")
	}

	reply, err := c.roundTrip(ctx, target.Record.Key(), method, fullURL, raw.Body, hdr, false)
	if err != nil {
		return nil, err
	}
	return &RawResult{Status: reply.status, Headers: reply.header, BodyText: string(reply.body)}, nil
}

// FetchMirror pulls the full mirror document from the facilitator.
func (c *Client) FetchMirror(ctx context.Context) (contract.MirrorDoc, error) {
	target, err := c.resolver.Resolve(ctx, FacilitatorSlug, 1)
	if err != nil {
		return contract.MirrorDoc{}, err
	}
	hdr := c.outboundHeaders(ctx, nil)

	reply, err := c.roundTrip(ctx, target.Record.Key(), http.MethodGet, target.Base+"/mirror", nil, hdr, true)
	if err != nil {
		return contract.MirrorDoc{}, err
	}
	if reply.status != http.StatusOK {
		c.failures.Add(1)
		return contract.MirrorDoc{}, errors.FromProblem(reply.status, reply.body)
	}
	var doc contract.MirrorDoc
	if err := json.Unmarshal(reply.body, &doc); err != nil {
		c.failures.Add(1)
		return contract.MirrorDoc{}, errors.Wrapf(err, errors.CodeBadGateway, http.StatusBadGateway, "mirror document invalid")
	}
	return doc, nil
}

// PushMirror submits a complete mirror to the facilitator.
func (c *Client) PushMirror(ctx context.Context, m contract.Mirror) (contract.PushAck, error) {
	target, err := c.resolver.Resolve(ctx, FacilitatorSlug, 1)
	if err != nil {
		return contract.PushAck{}, err
	}
	body, err := json.Marshal(map[string]any{"mirror": m})
	if err != nil {
		return contract.PushAck{}, errors.Wrapf(err, errors.CodeInternal, http.StatusInternalServerError, "mirror serialization failed")
	}
	hdr := c.outboundHeaders(ctx, nil)
	hdr.Set("Content-Type", "application/json")
	hdr.Set(contract.ContractHeader, contract.MirrorContract)

	reply, err := c.roundTrip(ctx, target.Record.Key(), http.MethodPost, target.Base+"/mirror", body, hdr, false)
	if err != nil {
		return contract.PushAck{}, err
	}
	if reply.status != http.StatusOK {
		c.failures.Add(1)
		return contract.PushAck{}, errors.FromProblem(reply.status, reply.body)
	}
	var ack contract.PushAck
	if err := json.Unmarshal(reply.body, &ack); err != nil {
		c.failures.Add(1)
		return contract.PushAck{}, errors.Wrapf(err, errors.CodeBadGateway, http.StatusBadGateway, "push ack invalid")
	}
	return ack, nil
}

// ResolveRemote asks the facilitator to resolve slug@version directly,
// bypassing the mirror. The gateway's health fallback uses this for
// services the mirror does not carry.
func (c *Client) ResolveRemote(ctx context.Context, slug string, version int) (contract.ResolveData, error) {
	target, err := c.resolver.Resolve(ctx, FacilitatorSlug, 1)
	if err != nil {
		return contract.ResolveData{}, err
	}
	hdr := c.outboundHeaders(ctx, nil)

	fullURL := fmt.Sprintf("%s/resolve/%s/v%d", target.Base, url.PathEscape(slug), version)
	reply, err := c.roundTrip(ctx, target.Record.Key(), http.MethodGet, fullURL, nil, hdr, true)
	if err != nil {
		return contract.ResolveData{}, err
	}
	if reply.status != http.StatusOK {
		c.failures.Add(1)
		return contract.ResolveData{}, errors.FromProblem(reply.status, reply.body)
	}
	var resp contract.ResolveResponse
	if err := json.Unmarshal(reply.body, &resp); err != nil || !resp.OK {
		c.failures.Add(1)
		return contract.ResolveData{}, errors.Wrapf(err, errors.CodeBadGateway, http.StatusBadGateway, "resolve response invalid")
	}
	return resp.Data, nil
}

// SubmitAuditEntries delivers a WAL batch to the audit sink and returns
// how many entries the sink accepted. A configured sink URL is used
// as-is; otherwise the sink resolves like any other service.
func (c *Client) SubmitAuditEntries(ctx context.Context, sink config.AuditSinkConfig, entries []json.RawMessage) (int, error) {
	var (
		base string
		key  string
	)
	if sink.URL != "" {
		base = strings.TrimRight(sink.URL, "/")
		key = "audit-sink"
	} else {
		target, err := c.resolver.Resolve(ctx, sink.Slug, sink.Version)
		if err != nil {
			return 0, err
		}
		if err := Preflight(target.Record, PreflightOptions{}); err != nil {
			return 0, err
		}
		base = target.Base
		key = target.Record.Key()
	}

	body, err := json.Marshal(map[string]any{"entries": entries})
	if err != nil {
		return 0, errors.Wrapf(err, errors.CodeInternal, http.StatusInternalServerError, "batch serialization failed")
	}
	hdr := c.outboundHeaders(ctx, nil)
	hdr.Set("Content-Type", "application/json")
	hdr.Set(contract.ContractHeader, contract.AuditEntriesContract)

	reply, err := c.roundTrip(ctx, key, http.MethodPost, base+"/entries", body, hdr, true)
	if err != nil {
		return 0, err
	}
	if reply.status < 200 || reply.status > 299 {
		c.failures.Add(1)
		return 0, errors.FromProblem(reply.status, reply.body)
	}
	env, err := contract.ParseEnvelope(reply.body)
	if err != nil {
		c.failures.Add(1)
		return 0, errors.Wrapf(err, errors.CodeBadGateway, http.StatusBadGateway, "sink envelope invalid")
	}
	return int(gjson.GetBytes(env.Data.Body, "accepted").Int()), nil
}

// Stats reports call counters and breaker states.
func (c *Client) Stats() map[string]any {
	states := map[string]string{}
	c.mu.Lock()
	for key, br := range c.breakers {
		states[key] = br.State().String()
	}
	c.mu.Unlock()
	return map[string]any{
		"calls":     c.calls.Load(),
		"raw_calls": c.rawCalls.Load(),
		"retries":   c.retries.Load(),
		"failures":  c.failures.Load(),
		"breakers":  states,
	}
}

// methodAndSuffix maps the operation onto the DTO route family.
func (call CallSpec) methodAndSuffix() (string, string, error) {
	if !contract.SlugPattern.MatchString(call.DTOType) {
		return "", "", errors.ErrBadRequest.WithDetailf("dto type %q is not a slug", call.DTOType)
	}
	needsID := func() (string, error) {
		if call.ID == "" {
			return "", errors.ErrBadRequest.WithDetailf("%s requires an id", call.Op)
		}
		return url.PathEscape(call.ID), nil
	}
	switch call.Op {
	case OpCreate:
		return http.MethodPut, "/" + call.DTOType + "/create", nil
	case OpUpdate:
		id, err := needsID()
		if err != nil {
			return "", "", err
		}
		return http.MethodPatch, "/" + call.DTOType + "/update/" + id, nil
	case OpRead:
		id, err := needsID()
		if err != nil {
			return "", "", err
		}
		return http.MethodGet, "/" + call.DTOType + "/read/" + id, nil
	case OpDelete:
		id, err := needsID()
		if err != nil {
			return "", "", err
		}
		return http.MethodDelete, "/" + call.DTOType + "/delete/" + id, nil
	case OpList:
		return http.MethodGet, "/" + call.DTOType + "/list", nil
	default:
		return "", "", errors.ErrBadRequest.WithDetailf("unknown operation %q", call.Op)
	}
}

// outboundHeaders sanitizes inbound headers and stamps the propagated
// request id and caller identity. Authorization is set per attempt.
func (c *Client) outboundHeaders(ctx context.Context, inbound http.Header) http.Header {
	h := SanitizeHeaders(inbound)
	rid := middleware.RequestIDFromContext(ctx)
	if rid == "" {
		rid = middleware.PickRequestID(inbound)
	}
	if rid == "" {
		rid = uuid.NewString()
	}
	h.Set(middleware.RequestIDHeader, rid)
	h.Set("X-Service-Name", c.service)
	h.Set("Accept", "application/json")
	return h
}

// upstreamReply is one HTTP answer, body drained.
type upstreamReply struct {
	status int
	header http.Header
	body   []byte
}

// errUpstreamStatus marks 5xx answers inside the breaker so they count as
// failures while the response still reaches the caller.
var errUpstreamStatus = stderrors.New("upstream answered 5xx")

func transientStatus(status int) bool {
	return status == http.StatusBadGateway ||
		status == http.StatusServiceUnavailable ||
		status == http.StatusGatewayTimeout
}

// roundTrip drives the attempt loop: per-target breaker, capped attempts,
// exponential backoff with jitter. It returns a reply for any HTTP
// answer; errors mean the target was never reached.
func (c *Client) roundTrip(ctx context.Context, key, method, fullURL string, body []byte, hdr http.Header, retryOnStatus bool) (*upstreamReply, error) {
	br := c.breaker(key)
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.base
	bo.RandomizationFactor = 0.5
	bo.Multiplier = 2
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0

	for attempt := 1; ; attempt++ {
		tok, err := c.signer.Mint()
		if err != nil {
			c.failures.Add(1)
			return nil, errors.Wrapf(err, errors.CodeInternal, http.StatusInternalServerError, "token minting failed")
		}
		reply, err := br.Execute(func() (*upstreamReply, error) {
			return c.attempt(ctx, method, fullURL, body, hdr, tok)
		})

		switch {
		case err == nil:
			c.observeCall(key, "ok")
			return reply, nil

		case stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests):
			c.failures.Add(1)
			c.observeCall(key, "circuit_open")
			return nil, errors.ErrServiceUnavailable.WithDetailf("circuit open for %s", key)

		case stderrors.Is(err, errUpstreamStatus):
			if !retryOnStatus || !transientStatus(reply.status) || attempt >= c.attempts {
				c.observeCall(key, "upstream_error")
				return reply, nil
			}

		default:
			if attempt >= c.attempts {
				c.failures.Add(1)
				c.observeCall(key, "transport_error")
				return nil, errors.Wrapf(err, errors.CodeBadGateway, http.StatusBadGateway, "request to %s failed", key)
			}
		}

		c.retries.Add(1)
		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			c.failures.Add(1)
			c.observeCall(key, "transport_error")
			return nil, errors.Wrapf(ctx.Err(), errors.CodeGatewayTimeout, http.StatusGatewayTimeout, "request to %s interrupted", key)
		}
	}
}

func (c *Client) observeCall(target, outcome string) {
	if c.observe != nil {
		c.observe(target, outcome)
	}
}

// attempt performs one HTTP exchange and drains the body.
func (c *Client) attempt(ctx context.Context, method, fullURL string, body []byte, hdr http.Header, token string) (*upstreamReply, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var rdr io.Reader
	if len(body) > 0 {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, fullURL, rdr)
	if err != nil {
		return nil, err
	}
	for k, vs := range hdr {
		req.Header[k] = append([]string(nil), vs...)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	reply := &upstreamReply{status: resp.StatusCode, header: resp.Header, body: b}
	if resp.StatusCode >= 500 {
		return reply, errUpstreamStatus
	}
	return reply, nil
}

// breaker returns the per-target circuit breaker, creating it on first
// use.
func (c *Client) breaker(key string) *gobreaker.CircuitBreaker[*upstreamReply] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if br, ok := c.breakers[key]; ok {
		return br
	}
	br := gobreaker.NewCircuitBreaker[*upstreamReply](gobreaker.Settings{
		Name:        key,
		MaxRequests: 2,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn("s2s: circuit state change",
				zap.String("target", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	c.breakers[key] = br
	return br
}
