package syncq

import (
	"context"
	"time"
)

// Selection describes one bounded batch query. Every selection only returns items
// that are pending or error, not dead-lettered, below MaxRetryCount and due at Now.
type Selection struct {
	Now           time.Time
	Limit         int
	MaxRetryCount int
	// PriorityOnly restricts the batch to items with priority >= MinPriority or whose
	// table matches PriorityTables.
	PriorityOnly   bool
	MinPriority    int
	PriorityTables *PriorityTables
	ExcludeIDs     []string
}

// Filter narrows Count and List. Zero values match everything.
type Filter struct {
	Statuses []ItemStatus
	Table    string
	// DeadLetter selects only dead-lettered (true) or only live (false) items.
	DeadLetter *bool
	// MaxRetryCount, when positive, keeps only items with retryCount below it.
	MaxRetryCount int
	// MinRetryCount, when positive, keeps only items with retryCount at or above it.
	MinRetryCount int
	Limit         int
}

// Store is the durable ledger of sync items. Implementations must be safe for
// concurrent use. List and SelectBatch return copies the caller may modify.
type Store interface {
	// Enqueue inserts a new item and assigns its Seq.
	Enqueue(ctx context.Context, item *SyncItem) error
	Get(ctx context.Context, id string) (*SyncItem, error)
	// SelectBatch returns eligible items ordered by priority desc, createdAt asc, seq asc.
	SelectBatch(ctx context.Context, sel Selection) ([]*SyncItem, error)
	// Update persists the mutable fields of item. It fails with ErrRetryCountDecreased
	// if the stored retry count is higher than item.RetryCount.
	Update(ctx context.Context, item *SyncItem) error
	// Replace atomically deletes oldID and inserts item.
	Replace(ctx context.Context, oldID string, item *SyncItem) error
	Delete(ctx context.Context, id string) error
	PurgeSucceeded(ctx context.Context) (int, error)
	Count(ctx context.Context, f Filter) (int, error)
	// List returns matching items ordered by createdAt, seq.
	List(ctx context.Context, f Filter) ([]*SyncItem, error)
	Close() error
}

func (s Selection) eligible(item *SyncItem) bool {
	if item.Status != StatusPending && item.Status != StatusError {
		return false
	}
	if item.IsDeadLetter() || item.RetryCount >= s.MaxRetryCount {
		return false
	}
	if item.NextRetryTime.After(s.Now) {
		return false
	}
	if s.PriorityOnly && item.Priority < s.MinPriority && !s.PriorityTables.Match(item.Table) {
		return false
	}
	return true
}

func (f Filter) match(item *SyncItem) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if item.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Table != "" && item.Table != f.Table {
		return false
	}
	if f.DeadLetter != nil && item.IsDeadLetter() != *f.DeadLetter {
		return false
	}
	if f.MaxRetryCount > 0 && item.RetryCount >= f.MaxRetryCount {
		return false
	}
	if f.MinRetryCount > 0 && item.RetryCount < f.MinRetryCount {
		return false
	}
	return true
}

// selectionOrder is the batch order: priority desc, createdAt asc, seq asc.
func selectionOrder(a, b *SyncItem) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Seq < b.Seq
}

func boolPtr(b bool) *bool { return &b }
