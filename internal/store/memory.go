package store

import (
	"sort"
	"sync"

	"github.com/trailofbits/necessist/internal/candidate"
)

// MemoryStore is the --no-sqlite sink: same Store contract, no durability
// across process restarts. --resume against a MemoryStore is a no-op
// (nothing was ever persisted to resume from) — that's an expected
// property of the flag combination, not a bug to special-case.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]candidate.Removal
}

// NewMemory constructs an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{records: map[string]candidate.Removal{}}
}

func (m *MemoryStore) Get(spanKey string) (candidate.Removal, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[spanKey]

	return rec, ok, nil
}

func (m *MemoryStore) Put(rec candidate.Removal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records[rec.SpanKey] = rec

	return nil
}

func (m *MemoryStore) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records = map[string]candidate.Removal{}

	return nil
}

func (m *MemoryStore) All() ([]candidate.Removal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]candidate.Removal, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].SpanKey < out[j].SpanKey })

	return out, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
