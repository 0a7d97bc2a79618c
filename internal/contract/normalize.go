package contract

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/northvale/mesh/internal/errors"
)

// SlugPattern is the service identifier shape: lowercase, digit and hyphen
// tail, leading letter.
var SlugPattern = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

var knownMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true,
	"PATCH": true, "DELETE": true, "OPTIONS": true,
}

// NormalizeSlug lowercases and validates a service slug.
func NormalizeSlug(s string) (string, error) {
	slug := strings.ToLower(strings.TrimSpace(s))
	if !SlugPattern.MatchString(slug) {
		return "", errors.Validation(errors.CodeBadRequest, "slug", fmt.Sprintf("%q does not match %s", s, SlugPattern))
	}
	return slug, nil
}

// NormalizeMethod uppercases and validates an HTTP method.
func NormalizeMethod(m string) (string, error) {
	method := strings.ToUpper(strings.TrimSpace(m))
	if !knownMethods[method] {
		return "", errors.Validation(errors.CodeBadRequest, "method", fmt.Sprintf("unknown method %q", m))
	}
	return method, nil
}

// NormalizePath canonicalizes a route path: leading slash, no duplicate
// slashes, no trailing slash except root, query and fragment stripped.
// Idempotent: NormalizePath(NormalizePath(x)) == NormalizePath(x).
func NormalizePath(p string) string {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
		if p == "" {
			p = "/"
		}
	}
	return p
}

// Key builds the mirror key for a slug and major version.
func Key(slug string, version int) string {
	return fmt.Sprintf("%s@%d", slug, version)
}

// RoutePrefix builds the versioned URL prefix every service mounts under.
func RoutePrefix(slug string, version int) string {
	return fmt.Sprintf("/api/%s/v%d", slug, version)
}

// ParseKey splits a "slug@version" mirror key.
func ParseKey(key string) (slug string, version int, err error) {
	i := strings.LastIndex(key, "@")
	if i <= 0 || i == len(key)-1 {
		return "", 0, errors.Validation(errors.CodeBadRequest, "key", fmt.Sprintf("%q is not slug@version", key))
	}
	slug, err = NormalizeSlug(key[:i])
	if err != nil {
		return "", 0, err
	}
	version, err = strconv.Atoi(key[i+1:])
	if err != nil || version < 1 {
		return "", 0, errors.Validation(errors.CodeBadRequest, "key", fmt.Sprintf("version in %q must be an integer >= 1", key))
	}
	return slug, version, nil
}
