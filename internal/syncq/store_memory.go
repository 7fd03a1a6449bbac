package syncq

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/openmined/syncq/internal/queue"
)

// MemoryStore keeps items in process memory. Nothing survives a restart.
type MemoryStore struct {
	items map[string]*SyncItem
	seq   int64
	mu    sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*SyncItem)}
}

func (s *MemoryStore) Enqueue(_ context.Context, item *SyncItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insert(item)
}

func (s *MemoryStore) insert(item *SyncItem) error {
	if _, ok := s.items[item.ID]; ok {
		return ErrDuplicateItem
	}
	s.seq++
	item.Seq = s.seq
	s.items[item.ID] = item.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*SyncItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[id]
	if !ok {
		return nil, ErrItemNotFound
	}
	return item.Clone(), nil
}

func (s *MemoryStore) SelectBatch(_ context.Context, sel Selection) ([]*SyncItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sel.Limit <= 0 {
		return nil, nil
	}

	pq := queue.NewPriorityQueue[*SyncItem](selectionOrder)
	for _, item := range s.items {
		if slices.Contains(sel.ExcludeIDs, item.ID) || !sel.eligible(item) {
			continue
		}
		pq.Enqueue(item)
	}

	picked := pq.DequeueN(sel.Limit)
	batch := make([]*SyncItem, 0, len(picked))
	for _, item := range picked {
		batch = append(batch, item.Clone())
	}
	return batch, nil
}

func (s *MemoryStore) Update(_ context.Context, item *SyncItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.items[item.ID]
	if !ok {
		return ErrItemNotFound
	}
	if item.RetryCount < cur.RetryCount {
		return ErrRetryCountDecreased
	}

	updated := cur.Clone()
	updated.Status = item.Status
	updated.RetryCount = item.RetryCount
	updated.NextRetryTime = item.NextRetryTime
	updated.LastError = item.LastError
	updated.Force = item.Force
	updated.Remote = item.Remote
	updated.UpdatedAt = item.UpdatedAt
	updated.DeadLetteredAt = nil
	if item.DeadLetteredAt != nil {
		t := *item.DeadLetteredAt
		updated.DeadLetteredAt = &t
	}
	s.items[item.ID] = updated
	return nil
}

func (s *MemoryStore) Replace(_ context.Context, oldID string, item *SyncItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[oldID]; !ok {
		return ErrItemNotFound
	}
	if err := s.insert(item); err != nil {
		return err
	}
	delete(s.items, oldID)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[id]; !ok {
		return ErrItemNotFound
	}
	delete(s.items, id)
	return nil
}

func (s *MemoryStore) PurgeSucceeded(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for id, item := range s.items {
		if item.Status == StatusSuccess {
			delete(s.items, id)
			purged++
		}
	}
	return purged, nil
}

func (s *MemoryStore) Count(_ context.Context, f Filter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, item := range s.items {
		if f.match(item) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]*SyncItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*SyncItem, 0)
	for _, item := range s.items {
		if f.match(item) {
			out = append(out, item.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *SyncItem) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Seq, b.Seq)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
