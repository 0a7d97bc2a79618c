package config

import (
	"fmt"
	"reflect"

	"github.com/goccy/go-yaml"
)

// RedactedValue is the placeholder string used for redacted secrets.
const RedactedValue = "[REDACTED]"

// Redacted returns a deep copy of cfg with all string fields tagged
// `redact:"true"` replaced by RedactedValue. The original cfg is not
// mutated. Used by the admin stats endpoint before dumping config.
func Redacted[T any](cfg *T) (*T, error) {
	// Deep copy via YAML round-trip.
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("redact: marshal failed: %w", err)
	}
	cp := new(T)
	if err := yaml.Unmarshal(data, cp); err != nil {
		return nil, fmt.Errorf("redact: unmarshal failed: %w", err)
	}
	walkStructStrings(reflect.ValueOf(cp), "", func(field reflect.Value, _ string, tag reflect.StructTag) {
		if tag.Get("redact") == "true" && field.String() != "" {
			field.SetString(RedactedValue)
		}
	})
	return cp, nil
}

// StatsMap renders cfg for the admin stats document: secrets redacted,
// keys matching the file format rather than Go field names.
func StatsMap[T any](cfg *T) map[string]any {
	red, err := Redacted(cfg)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	data, err := yaml.Marshal(red)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return map[string]any{"error": err.Error()}
	}
	return m
}
