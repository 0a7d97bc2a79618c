package s2s

import (
	"github.com/northvale/mesh/internal/contract"
	"github.com/northvale/mesh/internal/errors"
)

// PreflightOptions says where a call originates. Edge marks gateway
// proxying of an external request; HealthProbe marks a health-check
// subpath, which is the one thing reachable on services that are
// otherwise off limits.
type PreflightOptions struct {
	Edge        bool
	HealthProbe bool
}

// Preflight decides whether a resolved record may be called. Health
// probes need only exposeHealth. Everything else requires an enabled
// record; the edge additionally refuses internal-only services (as a 404,
// so their existence does not leak) and services that opted out of
// proxying.
func Preflight(rec contract.ServiceConfigRecord, opts PreflightOptions) *errors.Error {
	if opts.HealthProbe {
		if !rec.ExposeHealth {
			return errors.ErrForbidden.WithDetailf("%s does not expose health", rec.Key())
		}
		return nil
	}
	if !rec.Enabled {
		return errors.ErrServiceDisabled.WithDetailf("%s is disabled", rec.Key())
	}
	if opts.Edge {
		if rec.InternalOnly {
			return errors.ErrNotFound.WithDetailf("no route for %s", rec.Key())
		}
		if !rec.AllowProxy {
			return errors.ErrForbidden.WithDetailf("%s does not allow gateway proxying", rec.Key())
		}
	}
	return nil
}
