package settings

import (
	"context"
	"sync"
)

// memRepository is an in-memory repository used by tests and local runs
// without a database.
type memRepository struct {
	mu   sync.Mutex
	live map[string]Record
	hist map[string][]Record
}

// NewMemoryRepository builds the in-memory repository.
func NewMemoryRepository() *memRepository {
	return &memRepository{
		live: make(map[string]Record),
		hist: make(map[string][]Record),
	}
}

func (m *memRepository) current(_ context.Context, category string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.live[category]
	if !ok {
		return Record{}, ErrVersionNotFound
	}
	return rec, nil
}

func (m *memRepository) version(_ context.Context, category string, version int) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.hist[category] {
		if rec.Version == version {
			return rec, nil
		}
	}
	return Record{}, ErrVersionNotFound
}

func (m *memRepository) apply(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hist[rec.Category] = append(m.hist[rec.Category], rec)
	m.live[rec.Category] = rec
	return nil
}

func (m *memRepository) history(_ context.Context, category string, limit, beforeVersion int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	all := m.hist[category]
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		if beforeVersion > 0 && all[i].Version >= beforeVersion {
			continue
		}
		out = append(out, all[i])
	}
	return out, nil
}
