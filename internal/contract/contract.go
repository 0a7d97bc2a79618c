// Package contract defines the wire surface of the mesh: service-config
// records, route policies, audit shapes, the success envelope, and the
// normalization rules every boundary applies. Shapes refuse to instantiate
// on invalid input; validation surfaces the first offending field.
package contract

import (
	"net/http"

	"github.com/northvale/mesh/internal/errors"
)

// Contract ids. The sender places the id in the X-NV-Contract header; the
// receiver rejects on divergence. Values compare case-exact.
const (
	AuditEntriesContract = "audit/entries@v1"
	MirrorContract       = "svcconfig/mirror@v2"
	ResolveContract      = "svcconfig/resolve@v1"
)

// ContractHeader is the canonical contract-id header. LegacyContractHeader
// appeared in older senders and is rejected outright rather than silently
// accepted.
const (
	ContractHeader       = "X-NV-Contract"
	LegacyContractHeader = "X-Contract-Id"
)

// VerifyContract checks the contract-id header against the expected id.
func VerifyContract(h http.Header, want string) *errors.Error {
	if legacy := h.Get(LegacyContractHeader); legacy != "" {
		return errors.ErrContractMismatch.WithDetailf(
			"contract_id_mismatch: header %s is not accepted, send %s, expected: %s",
			LegacyContractHeader, ContractHeader, want)
	}
	got := h.Get(ContractHeader)
	if got == "" {
		return errors.ErrContractMismatch.WithDetailf(
			"contract_id_mismatch: missing %s header, expected: %s", ContractHeader, want)
	}
	if got != want {
		return errors.ErrContractMismatch.WithDetailf(
			"contract_id_mismatch: got %s, expected: %s", got, want)
	}
	return nil
}
