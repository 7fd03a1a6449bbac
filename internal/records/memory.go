package records

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/openmined/syncq/internal/syncq"
)

type MemoryStore struct {
	tables map[string]map[string]Entry
	mu     sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tables: make(map[string]map[string]Entry)}
}

func (s *MemoryStore) GetByID(_ context.Context, table, key string) (syncq.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.tables[table][key]
	if !ok {
		return nil, ErrNotFound
	}
	return maps.Clone(entry.Data), nil
}

func (s *MemoryStore) Put(_ context.Context, table, key string, data syncq.Record) (syncq.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, ok := s.tables[table]
	if !ok {
		rows = make(map[string]Entry)
		s.tables[table] = rows
	}

	var prev syncq.Record
	if old, ok := rows[key]; ok {
		prev = old.Data
	}
	rows[key] = Entry{Table: table, Key: key, Data: maps.Clone(data), UpdatedAt: time.Now()}
	return prev, nil
}

func (s *MemoryStore) Delete(_ context.Context, table, key string) (syncq.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.tables[table][key]
	if !ok {
		return nil, ErrNotFound
	}
	delete(s.tables[table], key)
	return old.Data, nil
}

func (s *MemoryStore) List(_ context.Context, table string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := slices.Sorted(maps.Keys(s.tables[table]))
	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.tables[table][k])
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
