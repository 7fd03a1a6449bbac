package syncq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// runPass executes one sync pass. The caller holds muSync.
func (e *Engine) runPass(ctx context.Context, trigger Trigger) (*PassResult, error) {
	cfg, tables := e.snapshotConfig()
	result := &PassResult{
		PassID:    uuid.NewString(),
		Trigger:   trigger,
		StartedAt: e.clock.Now(),
	}

	var timedOut atomic.Bool
	guard := e.clock.AfterFunc(cfg.SyncTimeout, func() { timedOut.Store(true) })
	defer guard.Stop()

	batch, err := e.selectBatch(ctx, cfg, tables, result.StartedAt)
	if err != nil {
		return e.failPass(result, OutcomeFailed, fmt.Errorf("select batch: %w", err))
	}
	if len(batch) == 0 {
		e.deadLetterExhausted(ctx)
		result.Outcome = OutcomeCompleted
		result.FinishedAt = e.clock.Now()
		e.state.settle(result.FinishedAt)
		e.refreshCounts(ctx)
		return result, nil
	}

	result.Planned = len(batch)
	e.state.beginPass(batch)
	Publish(e.events, TopicPassStarted, PassStarted{PassID: result.PassID, Trigger: trigger, Planned: len(batch)})
	slog.Info("sync pass start", "pass", result.PassID, "trigger", trigger, "items", len(batch))

	var abandoned error
	for i, item := range batch {
		if timedOut.Load() {
			abandoned = ErrPassTimeout
			break
		}
		if e.stopping.Load() {
			abandoned = ErrNotRunning
			break
		}
		if err := ctx.Err(); err != nil {
			abandoned = err
			break
		}

		e.processItem(ctx, cfg, item, result)

		progress := float64(i+1) / float64(len(batch)) * progressMax
		e.state.setProgress(progress)
		Publish(e.events, TopicPassProgress, PassProgress{
			PassID:   result.PassID,
			ItemID:   item.ID,
			Done:     i + 1,
			Total:    len(batch),
			Progress: progress,
		})
	}

	// bookkeeping must not be cut short by a cancelled caller
	bookCtx := context.WithoutCancel(ctx)

	// the retry limit may have been lowered while this pass ran
	e.deadLetterExhausted(bookCtx)

	purged, err := e.store.PurgeSucceeded(bookCtx)
	if err != nil {
		e.refreshCounts(bookCtx)
		return e.failPass(result, OutcomeFailed, fmt.Errorf("purge: %w", err))
	}
	result.Purged = purged
	e.refreshCounts(bookCtx)

	if abandoned != nil {
		outcome := OutcomeFailed
		if errors.Is(abandoned, ErrPassTimeout) {
			outcome = OutcomeTimeout
		}
		return e.failPass(result, outcome, abandoned)
	}

	result.Outcome = OutcomeCompleted
	result.FinishedAt = e.clock.Now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)
	e.state.endPass(*result)
	Publish(e.events, TopicPassCompleted, PassCompleted{Result: *result})

	slog.Info("sync pass done",
		"pass", result.PassID,
		"attempted", result.Attempted,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"conflicts", result.Conflicts,
		"deadLettered", result.DeadLettered,
		"took", result.Duration,
	)
	return result, nil
}

func (e *Engine) failPass(result *PassResult, outcome PassOutcome, err error) (*PassResult, error) {
	result.Outcome = outcome
	result.Error = err.Error()
	result.FinishedAt = e.clock.Now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)

	e.state.endPass(*result)
	Publish(e.events, TopicPassFailed, PassFailed{Result: *result, Error: result.Error})

	slog.Warn("sync pass failed", "pass", result.PassID, "outcome", outcome, "attempted", result.Attempted, "planned", result.Planned, "error", err)
	return result, err
}

// selectBatch picks the priority sub-batch first and fills the remaining capacity
// with the oldest eligible items.
func (e *Engine) selectBatch(ctx context.Context, cfg *Config, tables *PriorityTables, now time.Time) ([]*SyncItem, error) {
	var batch []*SyncItem

	if cfg.EnablePrioritySync {
		prio, err := e.store.SelectBatch(ctx, Selection{
			Now:            now,
			Limit:          cfg.BatchSize,
			MaxRetryCount:  cfg.MaxRetryCount,
			PriorityOnly:   true,
			MinPriority:    HighPriority,
			PriorityTables: tables,
		})
		if err != nil {
			return nil, err
		}
		batch = prio
	}

	remaining := cfg.BatchSize - len(batch)
	if remaining <= 0 {
		return batch, nil
	}
	rest, err := e.store.SelectBatch(ctx, Selection{
		Now:           now,
		Limit:         remaining,
		MaxRetryCount: cfg.MaxRetryCount,
		ExcludeIDs:    itemIDs(batch),
	})
	if err != nil {
		return nil, err
	}
	return append(batch, rest...), nil
}

func (e *Engine) processItem(ctx context.Context, cfg *Config, item *SyncItem, result *PassResult) {
	result.Attempted++

	item.Status = StatusSyncing
	item.UpdatedAt = e.clock.Now()
	if err := e.store.Update(ctx, item); err != nil {
		slog.Warn("sync item mark syncing", "id", item.ID, "error", err)
		return
	}

	err := e.applier.Apply(ctx, item.Clone())
	switch {
	case err == nil:
		e.markSucceeded(ctx, cfg, item, result)
	case IsConflict(err):
		e.handleConflict(ctx, cfg, item, err, result)
	default:
		e.markFailed(ctx, cfg, item, err, result)
	}
}

func (e *Engine) markSucceeded(ctx context.Context, cfg *Config, item *SyncItem, result *PassResult) {
	item.Status = StatusSuccess
	item.LastError = ""
	item.UpdatedAt = e.clock.Now()
	if err := e.store.Update(ctx, item); err != nil {
		slog.Error("sync item mark success", "id", item.ID, "error", err)
	}

	result.Succeeded++
	e.state.recordItem(true)
	Publish(e.events, TopicItemSynced, ItemSynced{
		ItemID: item.ID,
		Table:  item.Table,
		Key:    keyOf(item),
		Action: item.Action,
	})

	if cfg.EnableSyncLogging {
		slog.Info("sync item applied", "id", item.ID, "table", item.Table, "action", item.Action, "force", item.Force)
	}
}

func (e *Engine) markFailed(ctx context.Context, cfg *Config, item *SyncItem, applyErr error, result *PassResult) {
	now := e.clock.Now()
	policy := cfg.retryPolicy()
	permanent := IsPermanent(applyErr)

	item.RetryCount++
	item.Status = StatusError
	item.LastError = applyErr.Error()
	item.UpdatedAt = now

	deadLetter := permanent || policy.IsExhausted(item.RetryCount)
	if deadLetter {
		item.DeadLetteredAt = &now
	} else {
		item.NextRetryTime = now.Add(policy.Delay(item.RetryCount))
	}

	if err := e.store.Update(ctx, item); err != nil {
		slog.Error("sync item mark failed", "id", item.ID, "error", err)
	}

	result.Failed++
	e.state.recordItem(false)

	if deadLetter {
		result.DeadLettered++
		Publish(e.events, TopicItemDeadLettered, ItemDeadLettered{
			ItemID:     item.ID,
			Table:      item.Table,
			RetryCount: item.RetryCount,
			Error:      item.LastError,
			Permanent:  permanent,
		})
		slog.Warn("sync item dead-lettered", "id", item.ID, "table", item.Table, "retries", item.RetryCount, "permanent", permanent, "error", applyErr)
		return
	}

	Publish(e.events, TopicItemFailed, ItemFailed{
		ItemID:        item.ID,
		Table:         item.Table,
		RetryCount:    item.RetryCount,
		NextRetryTime: item.NextRetryTime,
		Error:         item.LastError,
	})
	if cfg.EnableSyncLogging {
		slog.Info("sync item failed", "id", item.ID, "table", item.Table, "retries", item.RetryCount, "nextRetry", item.NextRetryTime, "error", applyErr)
	}
}

func (e *Engine) handleConflict(ctx context.Context, cfg *Config, item *SyncItem, applyErr error, result *PassResult) {
	var conflict *ConflictError
	errors.As(applyErr, &conflict)

	result.Conflicts++
	Publish(e.events, TopicConflictDetected, ConflictDetected{
		ItemID: item.ID,
		Table:  item.Table,
		Policy: cfg.ConflictResolution,
		Remote: conflict.Remote,
	})
	slog.Warn("sync item conflict", "id", item.ID, "table", item.Table, "policy", cfg.ConflictResolution, "error", applyErr)

	switch cfg.ConflictResolution {
	case ConflictFavorLocal:
		// one forced re-apply; if that fails too the item goes through normal retry
		if item.Force {
			e.markFailed(ctx, cfg, item, applyErr, result)
			return
		}
		item.Force = true
		if err := e.applier.Apply(ctx, item.Clone()); err != nil {
			e.markFailed(ctx, cfg, item, err, result)
			return
		}
		e.markSucceeded(ctx, cfg, item, result)

	case ConflictFavorRemote:
		item.Status = StatusSuccess
		item.LastError = ""
		item.UpdatedAt = e.clock.Now()
		if err := e.store.Update(ctx, item); err != nil {
			slog.Error("sync item discard", "id", item.ID, "error", err)
		}

		result.Succeeded++
		e.state.recordItem(true)
		Publish(e.events, TopicItemSynced, ItemSynced{
			ItemID:    item.ID,
			Table:     item.Table,
			Key:       keyOf(item),
			Action:    item.Action,
			Discarded: true,
		})
		slog.Info("sync item discarded for remote version", "id", item.ID, "table", item.Table, "reason", applyErr)

	case ConflictManual:
		item.Status = StatusConflict
		item.LastError = applyErr.Error()
		item.Remote = conflict.Remote
		item.UpdatedAt = e.clock.Now()
		if err := e.store.Update(ctx, item); err != nil {
			slog.Error("sync item park conflict", "id", item.ID, "error", err)
		}
	}
}

// deadLetterExhausted stamps live items whose retry count already reached the
// current limit. That only happens when the limit was lowered after they failed.
// The caller holds muSync.
func (e *Engine) deadLetterExhausted(ctx context.Context) int {
	e.mu.RLock()
	maxRetry := e.cfg.MaxRetryCount
	e.mu.RUnlock()

	items, err := e.store.List(ctx, Filter{
		Statuses:      []ItemStatus{StatusPending, StatusError},
		DeadLetter:    boolPtr(false),
		MinRetryCount: maxRetry,
	})
	if err != nil {
		slog.Warn("sync list exhausted", "error", err)
		return 0
	}

	n := 0
	for _, item := range items {
		now := e.clock.Now()
		item.Status = StatusError
		item.DeadLetteredAt = &now
		item.UpdatedAt = now
		if item.LastError == "" {
			item.LastError = fmt.Sprintf("retry limit %d reached", maxRetry)
		}
		if err := e.store.Update(ctx, item); err != nil {
			slog.Warn("sync dead-letter exhausted", "id", item.ID, "error", err)
			continue
		}
		n++

		Publish(e.events, TopicItemDeadLettered, ItemDeadLettered{
			ItemID:     item.ID,
			Table:      item.Table,
			RetryCount: item.RetryCount,
			Error:      item.LastError,
		})
		slog.Warn("sync item dead-lettered", "id", item.ID, "table", item.Table, "retries", item.RetryCount, "maxRetryCount", maxRetry)
	}
	return n
}

func keyOf(item *SyncItem) *string {
	key, ok := item.Payload.KeyString()
	if !ok {
		return nil
	}
	return &key
}

func itemIDs(items []*SyncItem) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.ID
	}
	return out
}
