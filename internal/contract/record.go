package contract

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/northvale/mesh/internal/errors"
)

// ServiceConfigRecord is the routing entity for one slug@major-version.
// Records are immutable once constructed; updates replace the record and
// bump ConfigRevision.
type ServiceConfigRecord struct {
	Slug    string `json:"slug"`
	Version int    `json:"version"`

	BaseURL           string `json:"baseUrl"`
	OutboundAPIPrefix string `json:"outboundApiPrefix"`
	Port              int    `json:"port,omitempty"` // computed from BaseURL

	Enabled      bool `json:"enabled"`
	AllowProxy   bool `json:"allowProxy"`
	InternalOnly bool `json:"internalOnly"`
	ExposeHealth bool `json:"exposeHealth"`

	ConfigRevision int    `json:"configRevision"`
	ETag           string `json:"etag,omitempty"`
	UpdatedAt      string `json:"updatedAt,omitempty"`
	UpdatedBy      string `json:"updatedBy,omitempty"`
}

// Key returns the record's mirror key.
func (r ServiceConfigRecord) Key() string {
	return Key(r.Slug, r.Version)
}

// Validate checks the record invariants, reporting the first offending
// field. requireExplicitPort is true outside production, where a baseUrl
// without an explicit port is refused.
func (r ServiceConfigRecord) Validate(requireExplicitPort bool) error {
	if !SlugPattern.MatchString(r.Slug) {
		return errors.Validation(errors.CodeBadRequest, "slug", fmt.Sprintf("%q does not match %s", r.Slug, SlugPattern))
	}
	if r.Version < 1 {
		return errors.Validation(errors.CodeBadRequest, "version", "must be >= 1")
	}
	u, err := url.Parse(r.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.Validation(errors.CodeBadRequest, "baseUrl", fmt.Sprintf("%q is not an absolute http(s) URL", r.BaseURL))
	}
	if u.Path != "" || u.RawQuery != "" || u.Fragment != "" {
		return errors.Validation(errors.CodeBadRequest, "baseUrl", "must be origin only, no path or query")
	}
	if requireExplicitPort && u.Port() == "" {
		return errors.Validation(errors.CodeBadRequest, "baseUrl", "must carry an explicit port outside production")
	}
	if !strings.HasPrefix(r.OutboundAPIPrefix, "/") {
		return errors.Validation(errors.CodeBadRequest, "outboundApiPrefix", "must begin with /")
	}
	if len(r.OutboundAPIPrefix) > 1 && strings.HasSuffix(r.OutboundAPIPrefix, "/") {
		return errors.Validation(errors.CodeBadRequest, "outboundApiPrefix", "must not end with /")
	}
	if r.ConfigRevision < 1 {
		return errors.Validation(errors.CodeBadRequest, "configRevision", "must be >= 1")
	}
	return nil
}

// EffectivePort returns the explicit port of BaseURL, or the scheme default.
func (r ServiceConfigRecord) EffectivePort() int {
	u, err := url.Parse(r.BaseURL)
	if err != nil {
		return 0
	}
	if p := u.Port(); p != "" {
		var n int
		fmt.Sscanf(p, "%d", &n)
		return n
	}
	if u.Scheme == "https" {
		return 443
	}
	return 80
}

// ComposeBase builds the composed base for S2S calls:
// <baseUrl><outboundApiPrefix>/<slug>/v<version>.
func (r ServiceConfigRecord) ComposeBase() string {
	return fmt.Sprintf("%s%s/%s/v%d", strings.TrimRight(r.BaseURL, "/"), r.OutboundAPIPrefix, r.Slug, r.Version)
}

// ParseServiceConfigRecord decodes and validates a record.
func ParseServiceConfigRecord(b []byte, requireExplicitPort bool) (ServiceConfigRecord, error) {
	var r ServiceConfigRecord
	if err := json.Unmarshal(b, &r); err != nil {
		return ServiceConfigRecord{}, errors.Validation(errors.CodeBadRequest, "record", err.Error())
	}
	if err := r.Validate(requireExplicitPort); err != nil {
		return ServiceConfigRecord{}, err
	}
	return r, nil
}

// Mirror is the wire form of the published map: slug@version to record.
// Every entry is enabled; disabled records are never mirrored.
type Mirror map[string]ServiceConfigRecord

// Validate checks key agreement and the per-record invariants.
func (m Mirror) Validate(requireExplicitPort bool) error {
	for key, rec := range m {
		if err := rec.Validate(requireExplicitPort); err != nil {
			return err
		}
		if rec.Key() != key {
			return errors.Validation(errors.CodeBadRequest, key, fmt.Sprintf("key does not match record identity %s", rec.Key()))
		}
		if !rec.Enabled {
			return errors.Validation(errors.CodeBadRequest, key, "disabled records are never mirrored")
		}
	}
	return nil
}

// Keys returns the mirror keys in stable order.
func (m Mirror) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ParseMirror decodes and validates a wire mirror document.
func ParseMirror(b []byte, requireExplicitPort bool) (Mirror, error) {
	var m Mirror
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, errors.Validation(errors.CodeBadRequest, "mirror", err.Error())
	}
	if err := m.Validate(requireExplicitPort); err != nil {
		return nil, err
	}
	return m, nil
}

// MirrorMeta describes the snapshot a mirror document was cut from.
type MirrorMeta struct {
	Source    string `json:"source"`
	FetchedAt string `json:"fetchedAt"`
	Count     int    `json:"count"`
}

// MirrorDoc is the GET /mirror wire shape.
type MirrorDoc struct {
	Mirror Mirror     `json:"mirror"`
	Meta   MirrorMeta `json:"meta"`
}

// PushAck is the POST /mirror wire shape. Accepted stays true even when
// the LKG persist failed, since the in-memory adoption stands.
type PushAck struct {
	OK        bool   `json:"ok"`
	Accepted  bool   `json:"accepted"`
	Services  int    `json:"services"`
	Source    string `json:"source"`
	LKGSaved  bool   `json:"lkgSaved"`
	LKGError  string `json:"lkgError,omitempty"`
	FetchedAt string `json:"fetchedAt"`
}

// Route policy types partition policies at resolve time.
const (
	PolicyTypeEdge = "edge"
	PolicyTypeS2S  = "s2s"
)

// RoutePolicy is the per-route access record. The unique key is
// (svcconfigId, version, method, path).
type RoutePolicy struct {
	SvcconfigID string `json:"svcconfigId"`
	Version     int    `json:"version"`
	Type        string `json:"type"`
	Method      string `json:"method"`
	Path        string `json:"path"`

	// MinAccessLevel 0 admits anonymous callers; >= 1 requires credentials.
	MinAccessLevel int  `json:"minAccessLevel"`
	Enabled        bool `json:"enabled"`
}

// Key returns the unique policy key.
func (p RoutePolicy) Key() string {
	return fmt.Sprintf("%s|%d|%s|%s", p.SvcconfigID, p.Version, p.Method, p.Path)
}

// Normalize validates the policy and canonicalizes method and path.
func (p RoutePolicy) Normalize() (RoutePolicy, error) {
	if p.SvcconfigID == "" {
		return p, errors.Validation(errors.CodeBadRequest, "svcconfigId", "must not be empty")
	}
	if p.Version < 1 {
		return p, errors.Validation(errors.CodeBadRequest, "version", "must be >= 1")
	}
	if p.Type != PolicyTypeEdge && p.Type != PolicyTypeS2S {
		return p, errors.Validation(errors.CodeBadRequest, "type", fmt.Sprintf("%q is not edge or s2s", p.Type))
	}
	method, err := NormalizeMethod(p.Method)
	if err != nil {
		return p, err
	}
	if p.MinAccessLevel < 0 {
		return p, errors.Validation(errors.CodeBadRequest, "minAccessLevel", "must be >= 0")
	}
	p.Method = method
	p.Path = NormalizePath(p.Path)
	return p, nil
}
