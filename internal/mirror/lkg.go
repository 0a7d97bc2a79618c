package mirror

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/northvale/mesh/internal/contract"
)

// LKGSchema tags the wrapped last-known-good document. Files written by
// older builds carry the bare mirror map instead; both forms load.
const LKGSchema = "mirror@v2"

// payloadSchemaJSON validates the mirror payload before any record is
// parsed, so a corrupted or foreign file is refused in one step instead
// of one field at a time.
const payloadSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "propertyNames": {"pattern": "^[a-z][a-z0-9-]*@v[0-9]+$"},
  "additionalProperties": {
    "type": "object",
    "required": ["slug", "version", "baseUrl", "outboundApiPrefix", "enabled", "allowProxy", "internalOnly", "exposeHealth", "configRevision"],
    "properties": {
      "slug": {"type": "string", "pattern": "^[a-z][a-z0-9-]*$"},
      "version": {"type": "integer", "minimum": 1},
      "baseUrl": {"type": "string", "minLength": 1},
      "outboundApiPrefix": {"type": "string", "pattern": "^/"},
      "port": {"type": "integer"},
      "enabled": {"type": "boolean"},
      "allowProxy": {"type": "boolean"},
      "internalOnly": {"type": "boolean"},
      "exposeHealth": {"type": "boolean"},
      "configRevision": {"type": "integer", "minimum": 1}
    }
  }
}`

var (
	payloadSchemaOnce sync.Once
	payloadSchema     *jsonschema.Schema
	payloadSchemaErr  error
)

func compiledPayloadSchema() (*jsonschema.Schema, error) {
	payloadSchemaOnce.Do(func() {
		var doc interface{}
		if err := json.Unmarshal([]byte(payloadSchemaJSON), &doc); err != nil {
			payloadSchemaErr = fmt.Errorf("parse payload schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("mirror-payload.json", doc); err != nil {
			payloadSchemaErr = fmt.Errorf("add payload schema: %w", err)
			return
		}
		payloadSchema, payloadSchemaErr = c.Compile("mirror-payload.json")
	})
	return payloadSchema, payloadSchemaErr
}

// lkgFile reads and writes the last-known-good snapshot file. Writes are
// atomic (tmp + fsync + rename) and skipped when the payload has not
// changed since the last one.
type lkgFile struct {
	path                string
	requireExplicitPort bool

	mu       sync.Mutex
	lastHash uint64
}

// load reads the LKG file, accepting either the wrapped document or a
// bare mirror map. The returned time is the document's updatedAt, or the
// file mtime when the document does not carry one.
func (l *lkgFile) load() (contract.Mirror, time.Time, error) {
	if l.path == "" {
		return nil, time.Time{}, fmt.Errorf("no LKG path configured")
	}
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, time.Time{}, err
	}
	if !gjson.ValidBytes(data) {
		return nil, time.Time{}, fmt.Errorf("not valid JSON")
	}

	payload := data
	var updatedAt time.Time
	if schema := gjson.GetBytes(data, "schema"); schema.Exists() {
		if schema.String() != LKGSchema {
			return nil, time.Time{}, fmt.Errorf("unrecognized schema %q, want %q", schema.String(), LKGSchema)
		}
		p := gjson.GetBytes(data, "payload")
		if !p.Exists() || !p.IsObject() {
			return nil, time.Time{}, fmt.Errorf("wrapped document has no payload object")
		}
		payload = []byte(p.Raw)
		if ts, err := time.Parse(time.RFC3339, gjson.GetBytes(data, "updatedAt").String()); err == nil {
			updatedAt = ts
		}
	}
	if updatedAt.IsZero() {
		if fi, err := os.Stat(l.path); err == nil {
			updatedAt = fi.ModTime()
		}
	}

	schema, err := compiledPayloadSchema()
	if err != nil {
		return nil, time.Time{}, err
	}
	var doc interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, time.Time{}, fmt.Errorf("decode payload: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, time.Time{}, fmt.Errorf("payload rejected: %w", err)
	}

	m, err := contract.ParseMirror(payload, l.requireExplicitPort)
	if err != nil {
		return nil, time.Time{}, err
	}
	if len(m) == 0 {
		return nil, time.Time{}, fmt.Errorf("holds no services")
	}

	l.mu.Lock()
	l.lastHash = xxhash.Sum64(canonicalPayload(m))
	l.mu.Unlock()
	return m, updatedAt, nil
}

// save writes m as a wrapped document. A payload identical to the last
// one written or loaded is skipped.
func (l *lkgFile) save(m contract.Mirror, fetchedAt time.Time) error {
	if l.path == "" {
		return nil
	}
	payload := canonicalPayload(m)
	if payload == nil {
		return fmt.Errorf("encode payload failed")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	hash := xxhash.Sum64(payload)
	if hash == l.lastHash {
		if _, err := os.Stat(l.path); err == nil {
			return nil
		}
	}

	doc := []byte(`{}`)
	doc, err := sjson.SetBytes(doc, "schema", LKGSchema)
	if err == nil {
		doc, err = sjson.SetBytes(doc, "updatedAt", fetchedAt.UTC().Format(time.RFC3339))
	}
	if err == nil {
		doc, err = sjson.SetRawBytes(doc, "payload", payload)
	}
	if err != nil {
		return fmt.Errorf("assemble document: %w", err)
	}

	if err := atomicWrite(l.path, doc); err != nil {
		return err
	}
	l.lastHash = hash
	return nil
}

// canonicalPayload marshals the mirror with stable key order. Returns
// nil only when a record holds an unencodable value, which the contract
// types never do.
func canonicalPayload(m contract.Mirror) []byte {
	if m == nil {
		m = contract.Mirror{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return b
}

// atomicWrite lands data at path via a temp file, fsync, and rename, so
// a crash mid-write leaves the previous file intact.
func atomicWrite(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	tmp := fmt.Sprintf("%s.tmp.%d", path, time.Now().UnixNano())
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
