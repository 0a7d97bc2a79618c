package s2s

import (
	"testing"

	"github.com/northvale/mesh/internal/contract"
	"github.com/northvale/mesh/internal/errors"
)

func TestPreflight(t *testing.T) {
	rec := func(enabled, allowProxy, internalOnly, exposeHealth bool) contract.ServiceConfigRecord {
		return contract.ServiceConfigRecord{
			Slug:         "user",
			Version:      1,
			Enabled:      enabled,
			AllowProxy:   allowProxy,
			InternalOnly: internalOnly,
			ExposeHealth: exposeHealth,
		}
	}

	cases := []struct {
		name     string
		rec      contract.ServiceConfigRecord
		opts     PreflightOptions
		wantCode string // empty means allowed
	}{
		{
			name: "internal call to enabled service",
			rec:  rec(true, true, false, true),
			opts: PreflightOptions{},
		},
		{
			name: "internal call to internal-only service",
			rec:  rec(true, false, true, false),
			opts: PreflightOptions{},
		},
		{
			name:     "disabled service",
			rec:      rec(false, true, false, true),
			opts:     PreflightOptions{},
			wantCode: errors.CodeServiceDisabled,
		},
		{
			name: "edge call to proxyable service",
			rec:  rec(true, true, false, true),
			opts: PreflightOptions{Edge: true},
		},
		{
			name:     "edge call to internal-only service",
			rec:      rec(true, true, true, true),
			opts:     PreflightOptions{Edge: true},
			wantCode: errors.CodeNotFound,
		},
		{
			name:     "edge call without proxy permission",
			rec:      rec(true, false, false, true),
			opts:     PreflightOptions{Edge: true},
			wantCode: errors.CodeForbidden,
		},
		{
			name: "health probe to health-exposing service",
			rec:  rec(true, true, false, true),
			opts: PreflightOptions{HealthProbe: true},
		},
		{
			name: "health probe bypasses disabled and internal-only",
			rec:  rec(false, false, true, true),
			opts: PreflightOptions{HealthProbe: true},
		},
		{
			name:     "health probe without exposed health",
			rec:      rec(true, true, false, false),
			opts:     PreflightOptions{HealthProbe: true},
			wantCode: errors.CodeForbidden,
		},
		{
			name:     "edge health probe without exposed health",
			rec:      rec(true, true, false, false),
			opts:     PreflightOptions{Edge: true, HealthProbe: true},
			wantCode: errors.CodeForbidden,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Preflight(tc.rec, tc.opts)
			if tc.wantCode == "" {
				if err != nil {
					t.Fatalf("Preflight = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Preflight allowed the call, want %s", tc.wantCode)
			}
			if err.Code != tc.wantCode {
				t.Fatalf("code = %s, want %s", err.Code, tc.wantCode)
			}
		})
	}
}
