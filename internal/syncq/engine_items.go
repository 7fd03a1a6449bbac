package syncq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Resolution settles an item parked by the manual conflict policy.
type Resolution string

const (
	// ResolveKeepLocal re-queues the local mutation with force set.
	ResolveKeepLocal Resolution = "keep-local"
	// ResolveKeepRemote drops the local mutation.
	ResolveKeepRemote Resolution = "keep-remote"
)

func (e *Engine) Item(ctx context.Context, id string) (*SyncItem, error) {
	return e.store.Get(ctx, id)
}

func (e *Engine) Items(ctx context.Context, f Filter) ([]*SyncItem, error) {
	return e.store.List(ctx, f)
}

// DeadLetters lists items that exhausted their retries or failed permanently.
func (e *Engine) DeadLetters(ctx context.Context) ([]*SyncItem, error) {
	return e.store.List(ctx, Filter{DeadLetter: boolPtr(true)})
}

func (e *Engine) Conflicts(ctx context.Context) ([]*SyncItem, error) {
	return e.store.List(ctx, Filter{Statuses: []ItemStatus{StatusConflict}})
}

// Requeue replaces a dead-lettered item with a fresh pending copy of its mutation.
// The copy gets a new id and a zero retry count.
func (e *Engine) Requeue(ctx context.Context, id string) (*SyncItem, error) {
	old, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !old.IsDeadLetter() {
		return nil, ErrNotDeadLettered
	}

	now := e.clock.Now()
	fresh := &SyncItem{
		ID:            e.tracker.NextID(old.Table, old.Payload.Key, now),
		Table:         old.Table,
		Action:        old.Action,
		Payload:       old.Payload,
		Priority:      old.Priority,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
		NextRetryTime: now,
		Force:         old.Force,
	}
	if err := e.store.Replace(ctx, old.ID, fresh); err != nil {
		return nil, fmt.Errorf("failed to requeue %s: %w", id, err)
	}
	slog.Info("sync requeue", "id", old.ID, "newId", fresh.ID, "table", fresh.Table)

	Publish(e.events, TopicItemEnqueued, ItemEnqueued{
		ItemID:   fresh.ID,
		Table:    fresh.Table,
		Action:   fresh.Action,
		Priority: fresh.Priority,
	})
	e.refreshCounts(ctx)
	return fresh.Clone(), nil
}

// RequeueAll requeues every dead-lettered item and returns how many were requeued.
func (e *Engine) RequeueAll(ctx context.Context) (int, error) {
	dead, err := e.DeadLetters(ctx)
	if err != nil {
		return 0, err
	}

	var errs []error
	n := 0
	for _, item := range dead {
		if _, err := e.Requeue(ctx, item.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// ResolveConflict settles an item in conflict status.
func (e *Engine) ResolveConflict(ctx context.Context, id string, resolution Resolution) (*SyncItem, error) {
	item, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.Status != StatusConflict {
		return nil, ErrNotInConflict
	}

	switch resolution {
	case ResolveKeepLocal:
		now := e.clock.Now()
		item.Status = StatusPending
		item.Force = true
		item.LastError = ""
		item.Remote = nil
		item.NextRetryTime = now
		item.UpdatedAt = now
		if err := e.store.Update(ctx, item); err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", id, err)
		}

	case ResolveKeepRemote:
		if err := e.store.Delete(ctx, id); err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", id, err)
		}
		Publish(e.events, TopicItemSynced, ItemSynced{
			ItemID: item.ID,
			Table:  item.Table,
			Key:    keyOf(item),
			Action: item.Action,
		})

	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidResolution, resolution)
	}

	slog.Info("sync conflict resolved", "id", id, "table", item.Table, "resolution", resolution)
	e.refreshCounts(ctx)
	return item, nil
}
