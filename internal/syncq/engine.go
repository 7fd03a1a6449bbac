package syncq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// Deps are the collaborators of an Engine. Store and Applier are required.
type Deps struct {
	Store   Store
	Applier Applier
	// Records is used to compute incremental payloads when the caller does not pass
	// the previous record.
	Records RecordStore
	// Prober enables periodic reachability checks. Without it only SetOnline changes
	// the network status.
	Prober Prober
	Clock  clockwork.Clock
	Events *Broadcaster
}

// Engine queues local mutations and applies them to the remote in sync passes.
// At most one pass runs at a time.
type Engine struct {
	store   Store
	applier Applier
	clock   clockwork.Clock
	events  *Broadcaster
	tracker *ChangeTracker
	network *NetworkMonitor
	state   *syncState

	cfg      *Config
	priority *PriorityTables
	running  bool
	baseCtx  context.Context
	cancel   context.CancelFunc
	autoSync *task
	mu       sync.RWMutex

	throttle   clockwork.Timer
	throttleMu sync.Mutex

	muSync   sync.Mutex
	stopping atomic.Bool
	wg       sync.WaitGroup
}

func New(deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.New("sync engine requires a store")
	}
	if deps.Applier == nil {
		return nil, errors.New("sync engine requires an applier")
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Events == nil {
		deps.Events = NewBroadcaster(deps.Clock)
	}

	e := &Engine{
		store:    deps.Store,
		applier:  deps.Applier,
		clock:    deps.Clock,
		events:   deps.Events,
		tracker:  NewChangeTracker(deps.Records, deps.Clock),
		state:    newSyncState(true),
		cfg:      DefaultConfig(),
		priority: NewPriorityTables(nil),
	}
	e.network = NewNetworkMonitor(deps.Prober, deps.Clock, e.onNetworkChange)
	return e, nil
}

func (e *Engine) Events() *Broadcaster {
	return e.events
}

// Start applies cfg (nil means DefaultConfig) and begins automatic syncing.
func (e *Engine) Start(ctx context.Context, cfg *Config) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	e.cfg = cfg.Clone()
	e.priority = NewPriorityTables(cfg.PriorityTables)
	e.baseCtx, e.cancel = context.WithCancel(ctx)
	e.running = true
	e.autoSync = every(e.clock, cfg.AutoSyncInterval, func() { e.trigger(TriggerAuto) })
	baseCtx := e.baseCtx
	e.mu.Unlock()

	slog.Info("sync start",
		"autoSyncInterval", cfg.AutoSyncInterval,
		"batchSize", cfg.BatchSize,
		"maxRetryCount", cfg.MaxRetryCount,
		"conflictResolution", cfg.ConflictResolution,
	)

	e.state.reset(e.network.Online())
	e.muSync.Lock()
	e.recoverInterrupted(baseCtx)
	e.deadLetterExhausted(baseCtx)
	e.muSync.Unlock()
	e.network.Start(baseCtx, cfg.NetworkCheckInterval)
	e.refreshCounts(baseCtx)
	return nil
}

// Stop cancels all timers and waits for an in-flight pass. The pass stops between
// items; the item being applied is allowed to finish.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return ErrNotRunning
	}
	e.running = false
	autoSync := e.autoSync
	e.autoSync = nil
	cancel := e.cancel
	e.mu.Unlock()

	autoSync.Stop()
	e.network.Stop()
	e.stopThrottle()

	e.stopping.Store(true)
	e.wg.Wait()
	e.stopping.Store(false)
	cancel()

	slog.Info("sync stop")
	return nil
}

func (e *Engine) Running() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// TriggerSync requests a pass in the background. It returns false without doing
// anything when the engine is stopped, offline or already syncing.
func (e *Engine) TriggerSync() bool {
	return e.trigger(TriggerManual)
}

// SyncNow runs a pass on the calling goroutine and returns its result.
func (e *Engine) SyncNow(ctx context.Context) (*PassResult, error) {
	e.mu.RLock()
	if !e.running {
		e.mu.RUnlock()
		return nil, ErrNotRunning
	}
	if !e.network.Online() {
		e.mu.RUnlock()
		return nil, ErrOffline
	}
	if !e.muSync.TryLock() {
		e.mu.RUnlock()
		return nil, ErrSyncAlreadyRunning
	}
	e.wg.Add(1)
	e.mu.RUnlock()

	defer e.wg.Done()
	defer e.muSync.Unlock()
	return e.runPass(ctx, TriggerManual)
}

func (e *Engine) trigger(reason Trigger) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.running {
		return false
	}
	if !e.network.Online() {
		slog.Debug("sync skipped", "trigger", reason, "reason", "offline")
		return false
	}
	if !e.muSync.TryLock() {
		slog.Debug("sync skipped", "trigger", reason, "reason", ErrSyncAlreadyRunning)
		return false
	}

	e.wg.Add(1)
	ctx := e.baseCtx
	go func() {
		defer e.wg.Done()
		defer e.muSync.Unlock()
		if _, err := e.runPass(ctx, reason); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("sync pass", "trigger", reason, "error", err)
		}
	}()
	return true
}

type enqueueOptions struct {
	previous Record
	full     bool
}

type EnqueueOption func(*enqueueOptions)

// WithPrevious passes the record as it was before an update, so the incremental diff
// does not need a RecordStore lookup.
func WithPrevious(prev Record) EnqueueOption {
	return func(o *enqueueOptions) {
		o.previous = prev
	}
}

// WithFullRecord sends the whole record even when incremental sync is enabled. Use it
// for updates of records that have no earlier local version.
func WithFullRecord() EnqueueOption {
	return func(o *enqueueOptions) {
		o.full = true
	}
}

// Enqueue records a local mutation. priority 0 means DefaultPriority. High priority
// items (or items of a priority table) schedule a throttled pass when priority sync
// is enabled.
func (e *Engine) Enqueue(ctx context.Context, table string, action Action, record Record, priority int, opts ...EnqueueOption) (*SyncItem, error) {
	if priority == 0 {
		priority = DefaultPriority
	}
	if priority < MinPriority || priority > MaxPriority {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidPriority, priority)
	}

	var o enqueueOptions
	for _, opt := range opts {
		opt(&o)
	}

	cfg, tables := e.snapshotConfig()
	item, err := e.tracker.Track(ctx, Mutation{
		Table:    table,
		Action:   action,
		Record:   record,
		Previous: o.previous,
	}, TrackOptions{
		KeyField:    cfg.KeyField,
		Incremental: cfg.EnableIncrementalSync && !o.full,
		Compress:    cfg.EnableCompression,
	})
	if err != nil {
		return nil, err
	}
	item.Priority = priority

	if err := e.store.Enqueue(ctx, item); err != nil {
		return nil, fmt.Errorf("failed to enqueue %s: %w", table, err)
	}
	if cfg.EnableSyncLogging {
		slog.Info("sync enqueue", "id", item.ID, "table", table, "action", action, "priority", priority, "incremental", item.Payload.Incremental)
	}

	Publish(e.events, TopicItemEnqueued, ItemEnqueued{
		ItemID:   item.ID,
		Table:    item.Table,
		Action:   item.Action,
		Priority: item.Priority,
	})
	e.refreshCounts(ctx)

	if cfg.EnablePrioritySync && (priority >= HighPriority || tables.Match(table)) {
		e.scheduleThrottled(cfg.SyncThrottleTime)
	}
	return item.Clone(), nil
}

// scheduleThrottled arms one pending priority trigger. Further requests before it
// fires collapse into it.
func (e *Engine) scheduleThrottled(delay time.Duration) {
	if !e.Running() {
		return
	}

	e.throttleMu.Lock()
	defer e.throttleMu.Unlock()
	if e.throttle != nil {
		return
	}
	e.throttle = e.clock.AfterFunc(delay, func() {
		e.throttleMu.Lock()
		e.throttle = nil
		e.throttleMu.Unlock()
		e.trigger(TriggerPriority)
	})
}

func (e *Engine) stopThrottle() {
	e.throttleMu.Lock()
	defer e.throttleMu.Unlock()
	if e.throttle != nil {
		e.throttle.Stop()
		e.throttle = nil
	}
}

// UpdateConfig merges patch into the running config. Timers are rescheduled when
// their intervals change.
func (e *Engine) UpdateConfig(patch *ConfigPatch) (*Config, error) {
	e.mu.Lock()
	next := patch.Apply(e.cfg)
	if err := next.Validate(); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	prev := e.cfg
	e.cfg = next
	e.priority = NewPriorityTables(next.PriorityTables)

	var oldAutoSync *task
	if e.running && next.AutoSyncInterval != prev.AutoSyncInterval {
		oldAutoSync = e.autoSync
		e.autoSync = every(e.clock, next.AutoSyncInterval, func() { e.trigger(TriggerAuto) })
	}
	restartNetwork := e.running && next.NetworkCheckInterval != prev.NetworkCheckInterval
	baseCtx := e.baseCtx
	e.mu.Unlock()

	oldAutoSync.Stop()
	if restartNetwork {
		e.network.Start(baseCtx, next.NetworkCheckInterval)
	}

	if next.MaxRetryCount != prev.MaxRetryCount {
		// a running pass sweeps on its way out
		if next.MaxRetryCount < prev.MaxRetryCount && e.muSync.TryLock() {
			e.deadLetterExhausted(context.Background())
			e.muSync.Unlock()
		}
		e.refreshCounts(context.Background())
	}

	slog.Info("sync config updated", "autoSyncInterval", next.AutoSyncInterval, "batchSize", next.BatchSize, "conflictResolution", next.ConflictResolution)
	return next.Clone(), nil
}

func (e *Engine) Config() *Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg.Clone()
}

func (e *Engine) snapshotConfig() (*Config, *PriorityTables) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg.Clone(), e.priority
}

// SetOnline pushes a network status, e.g. from an OS connectivity callback.
func (e *Engine) SetOnline(online bool) {
	e.network.SetOnline(online)
}

func (e *Engine) Online() bool {
	return e.network.Online()
}

func (e *Engine) onNetworkChange(online bool) {
	e.state.setOnline(online)
	Publish(e.events, TopicNetworkStatus, NetworkStatusChanged{Online: online})
	if online {
		e.trigger(TriggerNetwork)
	}
}

func (e *Engine) State() SyncState {
	return e.state.snapshot()
}

// History returns past passes, most recent first.
func (e *Engine) History() []PassResult {
	return e.state.historySnapshot()
}

func (e *Engine) ClearHistory() {
	e.state.clearHistory()
}

func (e *Engine) refreshCounts(ctx context.Context) {
	e.mu.RLock()
	maxRetry := e.cfg.MaxRetryCount
	e.mu.RUnlock()

	pending, err := e.store.Count(ctx, Filter{
		Statuses:      []ItemStatus{StatusPending, StatusError},
		DeadLetter:    boolPtr(false),
		MaxRetryCount: maxRetry,
	})
	if err != nil {
		slog.Warn("sync count pending", "error", err)
		return
	}
	dead, err := e.store.Count(ctx, Filter{DeadLetter: boolPtr(true)})
	if err != nil {
		slog.Warn("sync count dead letters", "error", err)
		return
	}
	conflicts, err := e.store.Count(ctx, Filter{Statuses: []ItemStatus{StatusConflict}})
	if err != nil {
		slog.Warn("sync count conflicts", "error", err)
		return
	}

	if e.state.setCounts(pending, dead, conflicts) {
		Publish(e.events, TopicPendingCountChanged, PendingCountChanged{Count: pending})
	}
}

// recoverInterrupted returns items left in syncing by a crash to pending.
func (e *Engine) recoverInterrupted(ctx context.Context) {
	items, err := e.store.List(ctx, Filter{Statuses: []ItemStatus{StatusSyncing}})
	if err != nil {
		slog.Warn("sync recover interrupted", "error", err)
		return
	}
	for _, item := range items {
		item.Status = StatusPending
		item.UpdatedAt = e.clock.Now()
		if err := e.store.Update(ctx, item); err != nil {
			slog.Warn("sync recover interrupted", "id", item.ID, "error", err)
			continue
		}
		slog.Info("sync recovered interrupted item", "id", item.ID, "table", item.Table)
	}
}
