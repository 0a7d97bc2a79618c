package contract

import (
	"encoding/json"
	"net/http"

	"github.com/northvale/mesh/internal/errors"
)

// EnvelopeData carries the upstream status and opaque body of a success
// response.
type EnvelopeData struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// Envelope is the canonical success shape. Errors are RFC 7807 Problem
// documents and are never enveloped.
type Envelope struct {
	OK      bool         `json:"ok"`
	Service string       `json:"service"`
	Data    EnvelopeData `json:"data"`
}

// MakeOK builds a success envelope, marshaling body to its wire form.
func MakeOK(service string, status int, body any) (Envelope, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Envelope{}, errors.Wrapf(err, errors.CodeInternal, http.StatusInternalServerError, "envelope body serialization failed")
	}
	return MakeOKRaw(service, status, raw), nil
}

// MakeOKRaw builds a success envelope around an already-serialized body.
func MakeOKRaw(service string, status int, body json.RawMessage) Envelope {
	return Envelope{
		OK:      true,
		Service: service,
		Data:    EnvelopeData{Status: status, Body: body},
	}
}

// Validate checks the envelope invariants.
func (e Envelope) Validate() error {
	if !e.OK {
		return errors.Validation(errors.CodeBadRequest, "ok", "must be true; errors use Problem documents")
	}
	if !SlugPattern.MatchString(e.Service) {
		return errors.Validation(errors.CodeBadRequest, "service", "must be a slug")
	}
	if e.Data.Status < 100 || e.Data.Status > 599 {
		return errors.Validation(errors.CodeBadRequest, "data.status", "must be in [100,599]")
	}
	return nil
}

// ParseEnvelope decodes and validates a success envelope.
func ParseEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, errors.Validation(errors.CodeBadRequest, "envelope", err.Error())
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// WriteOK writes a success envelope. The HTTP status mirrors data.status.
func WriteOK(w http.ResponseWriter, service string, status int, body any) {
	env, err := MakeOK(service, status, body)
	if err != nil {
		errors.AsError(err).WriteProblem(w)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(env)
}

// PolicySplit partitions a service's enabled route policies by type.
type PolicySplit struct {
	Edge []RoutePolicy `json:"edge"`
	S2S  []RoutePolicy `json:"s2s"`
}

// ResolveData is the resolve response payload: the record projection the
// S2S resolver consumes, plus the partitioned policies.
type ResolveData struct {
	ID                string      `json:"_id"`
	Slug              string      `json:"slug"`
	Version           int         `json:"version"`
	BaseURL           string      `json:"baseUrl"`
	OutboundAPIPrefix string      `json:"outboundApiPrefix"`
	Enabled           bool        `json:"enabled"`
	AllowProxy        bool        `json:"allowProxy"`
	InternalOnly      bool        `json:"internalOnly"`
	ExposeHealth      bool        `json:"exposeHealth"`
	Policies          PolicySplit `json:"policies"`
}

// ResolveResponse is the resolve success shape: an envelope whose data is
// the record projection itself.
type ResolveResponse struct {
	OK      bool        `json:"ok"`
	Service string      `json:"service"`
	Data    ResolveData `json:"data"`
}

// MakeResolveData projects a record and its policies into the wire shape.
func MakeResolveData(rec ServiceConfigRecord, policies []RoutePolicy) ResolveData {
	split := PolicySplit{Edge: []RoutePolicy{}, S2S: []RoutePolicy{}}
	for _, p := range policies {
		if !p.Enabled {
			continue
		}
		switch p.Type {
		case PolicyTypeEdge:
			split.Edge = append(split.Edge, p)
		case PolicyTypeS2S:
			split.S2S = append(split.S2S, p)
		}
	}
	return ResolveData{
		ID:                rec.Key(),
		Slug:              rec.Slug,
		Version:           rec.Version,
		BaseURL:           rec.BaseURL,
		OutboundAPIPrefix: rec.OutboundAPIPrefix,
		Enabled:           rec.Enabled,
		AllowProxy:        rec.AllowProxy,
		InternalOnly:      rec.InternalOnly,
		ExposeHealth:      rec.ExposeHealth,
		Policies:          split,
	}
}
