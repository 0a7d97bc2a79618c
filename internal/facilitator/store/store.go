// Package store persists the facilitator's service-config records and
// route policies behind a small driver interface. Records live under
// svcconfig/record/<slug@version>, policies under
// svcconfig/policy/<svcconfigId>/..., so every driver shares one key
// layout and operators can read a store with plain KV tooling.
package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/northvale/mesh/internal/config"
	"github.com/northvale/mesh/internal/contract"
	"github.com/northvale/mesh/internal/logging"
)

// Driver names accepted by Open. The config loader enforces the same set.
const (
	TypeMemory = "memory"
	TypeRedis  = "redis"
	TypeEtcd   = "etcd"
)

// Error codes surfaced by drivers. The DB_*_FAILED shape classifies as
// retryable, so a flaky backend degrades to the mirror's LKG tier instead
// of poisoning callers.
const (
	CodePutFailed    = "DB_PUT_FAILED"
	CodeGetFailed    = "DB_GET_FAILED"
	CodeDeleteFailed = "DB_DELETE_FAILED"
	CodeListFailed   = "DB_LIST_FAILED"
	CodePingFailed   = "DB_PING_FAILED"
)

const (
	recordPrefix = "svcconfig/record/"
	policyPrefix = "svcconfig/policy/"
)

// Store is the persistence contract. Records are keyed by slug@version;
// policies group under their parent record's key. Writers normalize and
// validate before calling in, so drivers store values as given.
type Store interface {
	PutRecord(ctx context.Context, rec contract.ServiceConfigRecord) error
	GetRecord(ctx context.Context, key string) (contract.ServiceConfigRecord, bool, error)
	DeleteRecord(ctx context.Context, key string) (bool, error)
	ListRecords(ctx context.Context) ([]contract.ServiceConfigRecord, error)

	PutPolicy(ctx context.Context, p contract.RoutePolicy) error
	ListPolicies(ctx context.Context, svcconfigID string) ([]contract.RoutePolicy, error)
	DeletePolicies(ctx context.Context, svcconfigID string) (int, error)

	Name() string
	Ping(ctx context.Context) error
	Close() error
}

// Open builds the driver named by cfg.Type.
func Open(cfg config.StoreConfig, log *logging.Logger) (Store, error) {
	switch cfg.Type {
	case TypeMemory:
		return NewMemory(), nil
	case TypeRedis:
		return NewRedis(cfg.Redis, log)
	case TypeEtcd:
		return NewEtcd(cfg.Etcd, log)
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", cfg.Type)
	}
}

func recordKey(key string) string {
	return recordPrefix + key
}

// policyKey appends the policy's discriminator under the parent scope.
// The svcconfigId is a slug@version with no / or |, so the scope prefix
// is unambiguous even though route paths contain slashes.
func policyKey(p contract.RoutePolicy) string {
	return fmt.Sprintf("%s%d|%s|%s", policyScope(p.SvcconfigID), p.Version, p.Method, p.Path)
}

func policyScope(svcconfigID string) string {
	return policyPrefix + svcconfigID + "/"
}

// Network drivers return keys in backend order; listings are sorted so
// every driver reports the same stable order as the memory store.

func sortRecords(recs []contract.ServiceConfigRecord) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].Key() < recs[j].Key() })
}

func sortPolicies(ps []contract.RoutePolicy) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].Key() < ps[j].Key() })
}
