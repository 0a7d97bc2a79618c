package store

import (
	"context"
	"sort"
	"sync"

	"github.com/northvale/mesh/internal/contract"
)

// Memory is the in-process driver: development, tests, and single-node
// deployments that load their records at boot.
type Memory struct {
	mu       sync.RWMutex
	records  map[string]contract.ServiceConfigRecord
	policies map[string]map[string]contract.RoutePolicy
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		records:  make(map[string]contract.ServiceConfigRecord),
		policies: make(map[string]map[string]contract.RoutePolicy),
	}
}

func (m *Memory) PutRecord(_ context.Context, rec contract.ServiceConfigRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Key()] = rec
	return nil
}

func (m *Memory) GetRecord(_ context.Context, key string) (contract.ServiceConfigRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[key]
	return rec, ok, nil
}

func (m *Memory) DeleteRecord(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[key]
	delete(m.records, key)
	return ok, nil
}

func (m *Memory) ListRecords(_ context.Context) ([]contract.ServiceConfigRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.records))
	for k := range m.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	recs := make([]contract.ServiceConfigRecord, 0, len(keys))
	for _, k := range keys {
		recs = append(recs, m.records[k])
	}
	return recs, nil
}

func (m *Memory) PutPolicy(_ context.Context, p contract.RoutePolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	scope, ok := m.policies[p.SvcconfigID]
	if !ok {
		scope = make(map[string]contract.RoutePolicy)
		m.policies[p.SvcconfigID] = scope
	}
	scope[p.Key()] = p
	return nil
}

func (m *Memory) ListPolicies(_ context.Context, svcconfigID string) ([]contract.RoutePolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	scope := m.policies[svcconfigID]
	keys := make([]string, 0, len(scope))
	for k := range scope {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]contract.RoutePolicy, 0, len(keys))
	for _, k := range keys {
		out = append(out, scope[k])
	}
	return out, nil
}

func (m *Memory) DeletePolicies(_ context.Context, svcconfigID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.policies[svcconfigID])
	delete(m.policies, svcconfigID)
	return n, nil
}

func (m *Memory) Name() string { return TypeMemory }

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
