package store

import (
	"context"
	"sort"
	"sync"

	"github.com/northvale/mesh/internal/contract"
)

// Memory keeps records and pending BEGINs in process. The default for
// development and the fixture for tests; a restart loses everything,
// which the journal upstream is there to absorb.
type Memory struct {
	mu      sync.RWMutex
	records map[string]contract.AuditRecord
	pending map[string]contract.AuditEntry
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]contract.AuditRecord),
		pending: make(map[string]contract.AuditEntry),
	}
}

func (m *Memory) InsertRecord(_ context.Context, rec contract.AuditRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[rec.EventID]; exists {
		return false, nil
	}
	m.records[rec.EventID] = rec
	return true, nil
}

func (m *Memory) GetRecord(_ context.Context, eventID string) (contract.AuditRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[eventID]
	return rec, ok, nil
}

func (m *Memory) FindByRequest(_ context.Context, requestID string) ([]contract.AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var recs []contract.AuditRecord
	for _, rec := range m.records {
		if rec.RequestID == requestID {
			recs = append(recs, rec)
		}
	}
	sortRecords(recs)
	return recs, nil
}

// PutPending parks a BEGIN under its requestId. The first BEGIN wins;
// a re-delivered duplicate is a no-op.
func (m *Memory) PutPending(_ context.Context, entry contract.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.pending[entry.Meta.RequestID]; !exists {
		m.pending[entry.Meta.RequestID] = entry
	}
	return nil
}

func (m *Memory) GetPending(_ context.Context, requestID string) (contract.AuditEntry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.pending[requestID]
	return entry, ok, nil
}

func (m *Memory) DeletePending(_ context.Context, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, requestID)
	return nil
}

func (m *Memory) Counts(context.Context) (int64, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.records)), int64(len(m.pending)), nil
}

func (m *Memory) Name() string { return TypeMemory }

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

// sortRecords orders by end time, eventId as the tiebreak, so every
// driver reports the same stable order.
func sortRecords(recs []contract.AuditRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].EndTS != recs[j].EndTS {
			return recs[i].EndTS < recs[j].EndTS
		}
		return recs[i].EventID < recs[j].EventID
	})
}
