package syncq

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var engineEpoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeApplier struct {
	mu    sync.Mutex
	calls []*SyncItem
	fn    func(n int, item *SyncItem) error
}

func (a *fakeApplier) Apply(_ context.Context, item *SyncItem) error {
	a.mu.Lock()
	a.calls = append(a.calls, item)
	n := len(a.calls)
	fn := a.fn
	a.mu.Unlock()

	if fn == nil {
		return nil
	}
	return fn(n, item)
}

func (a *fakeApplier) Calls() []*SyncItem {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*SyncItem(nil), a.calls...)
}

func (a *fakeApplier) Count() int {
	return len(a.Calls())
}

func (a *fakeApplier) Tables() []string {
	var out []string
	for _, c := range a.Calls() {
		out = append(out, c.Table)
	}
	return out
}

type testEngine struct {
	*Engine
	clock   clockwork.FakeClock
	store   Store
	applier *fakeApplier
}

// newTestEngine starts an engine on a fake clock with timers pushed far out, so only
// the test decides when passes run.
func newTestEngine(t *testing.T, mutate func(cfg *Config)) *testEngine {
	t.Helper()
	clock := clockwork.NewFakeClockAt(engineEpoch)
	store := NewMemoryStore()
	applier := &fakeApplier{}

	e, err := New(Deps{Store: store, Applier: applier, Clock: clock})
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.AutoSyncInterval = 24 * time.Hour
	cfg.SyncThrottleTime = time.Hour
	cfg.BaseRetryDelay = time.Second
	cfg.RetryDelayCap = 30 * time.Second
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, e.Start(context.Background(), cfg))
	t.Cleanup(func() { _ = e.Stop() })

	return &testEngine{Engine: e, clock: clock, store: store, applier: applier}
}

func (te *testEngine) enqueue(t *testing.T, table string, priority int) *SyncItem {
	t.Helper()
	item, err := te.Enqueue(context.Background(), table, ActionCreate, Record{"id": table}, priority)
	require.NoError(t, err)
	return item
}

func TestNew_RequiresStoreAndApplier(t *testing.T) {
	_, err := New(Deps{Applier: &fakeApplier{}})
	assert.Error(t, err)
	_, err = New(Deps{Store: NewMemoryStore()})
	assert.Error(t, err)
}

func TestEngine_Lifecycle(t *testing.T) {
	te := newTestEngine(t, nil)

	assert.True(t, te.Running())
	assert.ErrorIs(t, te.Start(context.Background(), nil), ErrAlreadyStarted)

	require.NoError(t, te.Stop())
	assert.ErrorIs(t, te.Stop(), ErrNotRunning)
	assert.False(t, te.TriggerSync())

	_, err := te.SyncNow(context.Background())
	assert.ErrorIs(t, err, ErrNotRunning)

	// restart works
	require.NoError(t, te.Start(context.Background(), te.Config()))
	assert.True(t, te.Running())
}

func TestEngine_StartRejectsInvalidConfig(t *testing.T) {
	e, err := New(Deps{Store: NewMemoryStore(), Applier: &fakeApplier{}})
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.BatchSize = 0
	assert.ErrorIs(t, e.Start(context.Background(), cfg), ErrInvalidConfig)
	assert.False(t, e.Running())
}

func TestEngine_EnqueueValidation(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := te.Enqueue(ctx, "notes", ActionCreate, Record{"id": 1}, 6)
	assert.ErrorIs(t, err, ErrInvalidPriority)
	_, err = te.Enqueue(ctx, "notes", ActionCreate, Record{"id": 1}, -1)
	assert.ErrorIs(t, err, ErrInvalidPriority)

	item, err := te.Enqueue(ctx, "notes", ActionCreate, Record{"id": 1}, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultPriority, item.Priority)
	assert.Equal(t, 1, te.State().PendingCount)

	_, err = te.Enqueue(ctx, "notes", ActionUpdate, Record{"id": 1, "a": 1}, 3, WithPrevious(Record{"id": 1, "a": 1}))
	assert.ErrorIs(t, err, ErrNoChanges)
	assert.Equal(t, 1, te.State().PendingCount)
}

func TestEngine_PassAppliesAndPurges(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	synced := Subscribe(te.Events(), TopicItemSynced, 8)
	defer synced.Close()

	te.enqueue(t, "a", 3)
	te.enqueue(t, "b", 3)

	result, err := te.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Equal(t, 2, result.Attempted)
	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, 2, result.Purged)

	remaining, err := te.store.Count(ctx, Filter{})
	require.NoError(t, err)
	assert.Zero(t, remaining)

	state := te.State()
	assert.Equal(t, EngineIdle, state.Status)
	assert.Equal(t, 0, state.PendingCount)
	assert.Equal(t, 2, state.SuccessCount)
	assert.Equal(t, progressMax, state.Progress)
	require.NotNil(t, state.LastSyncTime)
	assert.Len(t, state.History, 1)

	ev := <-synced.C()
	assert.Equal(t, "a", ev.Table)
	require.NotNil(t, ev.Key)
	assert.Equal(t, "a", *ev.Key)
}

func TestEngine_EmptyPassLeavesNoHistory(t *testing.T) {
	te := newTestEngine(t, nil)

	result, err := te.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Attempted)
	assert.Empty(t, te.History())
}

// Scenario A: a burst of high priority writes collapses into one throttled pass that
// applies them before older low priority items.
func TestEngine_PriorityThrottle(t *testing.T) {
	te := newTestEngine(t, func(cfg *Config) {
		cfg.SyncThrottleTime = time.Second
		cfg.BatchSize = 10
	})

	started := Subscribe(te.Events(), TopicPassStarted, 8)
	defer started.Close()

	te.enqueue(t, "low1", 1)
	te.enqueue(t, "low2", 1)
	te.enqueue(t, "low3", 1)
	te.clock.Advance(time.Millisecond)
	te.enqueue(t, "high1", 5)
	te.enqueue(t, "high2", 5)

	// nothing runs before the throttle window elapses
	assert.Zero(t, te.applier.Count())

	te.clock.Advance(time.Second)
	require.Eventually(t, func() bool { return len(te.History()) == 1 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"high1", "high2", "low1", "low2", "low3"}, te.applier.Tables())
	assert.Equal(t, TriggerPriority, te.History()[0].Trigger)

	te.clock.Advance(time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, te.History(), 1)
	assert.Len(t, started.C(), 1)
}

func TestEngine_PriorityTablesGoFirst(t *testing.T) {
	te := newTestEngine(t, func(cfg *Config) {
		cfg.PriorityTables = []string{"orders", "audit_*"}
	})

	te.enqueue(t, "notes", 3)
	te.clock.Advance(time.Millisecond)
	te.enqueue(t, "orders", 1)
	te.clock.Advance(time.Millisecond)
	te.enqueue(t, "audit_log", 1)

	_, err := te.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"orders", "audit_log", "notes"}, te.applier.Tables())
}

func TestEngine_PrioritySyncDisabled(t *testing.T) {
	te := newTestEngine(t, func(cfg *Config) {
		cfg.EnablePrioritySync = false
		cfg.PriorityTables = []string{"orders"}
	})

	te.enqueue(t, "notes", 3)
	te.enqueue(t, "orders", 1)
	te.enqueue(t, "urgent", 5)

	_, err := te.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"urgent", "notes", "orders"}, te.applier.Tables())
}

func TestEngine_BatchSizeBound(t *testing.T) {
	te := newTestEngine(t, func(cfg *Config) {
		cfg.BatchSize = 2
	})
	for _, table := range []string{"a", "b", "c", "high", "e"} {
		p := 3
		if table == "high" {
			p = 5
		}
		te.enqueue(t, table, p)
	}

	result, err := te.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Attempted)
	assert.Equal(t, []string{"high", "a"}, te.applier.Tables())
	assert.Equal(t, 3, te.State().PendingCount)
}

// Scenario B: a permanently failing remote backs off and ends in the dead letter list.
func TestEngine_RetryUntilDeadLetter(t *testing.T) {
	te := newTestEngine(t, func(cfg *Config) {
		cfg.MaxRetryCount = 3
	})
	te.applier.fn = func(int, *SyncItem) error { return errors.New("503 unavailable") }
	ctx := context.Background()

	dead := Subscribe(te.Events(), TopicItemDeadLettered, 4)
	defer dead.Close()

	queued := te.enqueue(t, "notes", 3)

	var lastRetry time.Time
	for pass := 1; pass <= 3; pass++ {
		result, err := te.SyncNow(ctx)
		require.NoError(t, err, "pass %d", pass)
		assert.Equal(t, 1, result.Failed)

		item, err := te.store.Get(ctx, queued.ID)
		require.NoError(t, err)
		assert.Equal(t, pass, item.RetryCount)
		assert.Equal(t, StatusError, item.Status)
		assert.Equal(t, "503 unavailable", item.LastError)

		if pass < 3 {
			assert.False(t, item.IsDeadLetter())
			assert.True(t, item.NextRetryTime.After(lastRetry))
			lastRetry = item.NextRetryTime

			// not due yet
			result, err = te.SyncNow(ctx)
			require.NoError(t, err)
			assert.Zero(t, result.Attempted)

			te.clock.Advance(item.NextRetryTime.Sub(te.clock.Now()))
		} else {
			assert.True(t, item.IsDeadLetter())
		}
	}

	te.clock.Advance(time.Hour)
	result, err := te.SyncNow(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Attempted)
	assert.Equal(t, 3, te.applier.Count())

	state := te.State()
	assert.Equal(t, EngineIdle, state.Status)
	assert.Equal(t, 0, state.PendingCount)
	assert.Equal(t, 1, state.DeadLetterCount)
	assert.Equal(t, 3, state.FailedCount)

	letters, err := te.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, queued.ID, letters[0].ID)

	ev := <-dead.C()
	assert.Equal(t, 3, ev.RetryCount)
	assert.False(t, ev.Permanent)
}

func TestEngine_BackoffSchedule(t *testing.T) {
	te := newTestEngine(t, func(cfg *Config) {
		cfg.MaxRetryCount = 5
	})
	te.applier.fn = func(int, *SyncItem) error { return errors.New("timeout") }
	ctx := context.Background()
	queued := te.enqueue(t, "notes", 3)

	// delay(n) = base * 2^n with n the new retry count
	for n, want := range []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second} {
		_, err := te.SyncNow(ctx)
		require.NoError(t, err)

		item, err := te.store.Get(ctx, queued.ID)
		require.NoError(t, err)
		assert.Equal(t, n+1, item.RetryCount)
		assert.Equal(t, want, item.NextRetryTime.Sub(te.clock.Now()))
		te.clock.Advance(want)
	}
}

func TestEngine_PermanentFailureDeadLettersImmediately(t *testing.T) {
	te := newTestEngine(t, nil)
	te.applier.fn = func(int, *SyncItem) error { return Permanent(errors.New("422 invalid record")) }
	ctx := context.Background()
	queued := te.enqueue(t, "notes", 3)

	result, err := te.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.DeadLettered)

	item, err := te.store.Get(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, item.RetryCount)
	assert.True(t, item.IsDeadLetter())
	assert.Equal(t, "422 invalid record", item.LastError)
}

// Scenario C: offline triggers are no-ops and coming back online starts one pass.
func TestEngine_OfflineThenOnline(t *testing.T) {
	te := newTestEngine(t, nil)
	network := Subscribe(te.Events(), TopicNetworkStatus, 4)
	defer network.Close()

	te.SetOnline(false)
	assert.False(t, te.State().IsOnline)

	te.enqueue(t, "notes", 3)
	assert.False(t, te.TriggerSync())
	_, err := te.SyncNow(context.Background())
	assert.ErrorIs(t, err, ErrOffline)
	assert.Equal(t, 1, te.State().PendingCount)
	assert.Zero(t, te.applier.Count())

	// repeated offline signal is not an edge
	te.SetOnline(false)

	te.SetOnline(true)
	require.Eventually(t, func() bool { return len(te.History()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, te.applier.Count())
	assert.Equal(t, TriggerNetwork, te.History()[0].Trigger)
	assert.True(t, te.State().IsOnline)

	assert.False(t, (<-network.C()).Online)
	assert.True(t, (<-network.C()).Online)
	assert.Empty(t, network.C())
}

// Scenario D: an incremental update ships only changed fields and the cache hears
// about the synced key.
func TestEngine_IncrementalUpdateNotifiesCache(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	var invalidated []string
	cancel := Handle(te.Events(), TopicItemSynced, func(ev ItemSynced) {
		invalidated = append(invalidated, ev.Table+"/"+*ev.Key)
	})
	defer cancel()

	_, err := te.Enqueue(ctx, "notes", ActionUpdate,
		Record{"id": 7, "title": "new", "body": "unchanged"},
		3,
		WithPrevious(Record{"id": 7, "title": "old", "body": "unchanged"}),
	)
	require.NoError(t, err)

	_, err = te.SyncNow(ctx)
	require.NoError(t, err)

	calls := te.applier.Calls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].Payload.Incremental)
	assert.Equal(t, Record{"id": 7, "title": "new"}, calls[0].Payload.Fields)
	assert.Equal(t, []string{"notes/7"}, invalidated)
}

func TestEngine_FullRecordOption(t *testing.T) {
	te := newTestEngine(t, nil)

	item, err := te.Enqueue(context.Background(), "notes", ActionUpdate,
		Record{"id": 8, "title": "first"},
		3,
		WithPrevious(Record{"id": 8, "title": "first"}),
		WithFullRecord(),
	)
	require.NoError(t, err)
	assert.False(t, item.Payload.Incremental)
	assert.Equal(t, Record{"id": 8, "title": "first"}, item.Payload.Fields)
}

func TestEngine_SingleFlight(t *testing.T) {
	te := newTestEngine(t, nil)
	entered := make(chan struct{})
	release := make(chan struct{})
	te.applier.fn = func(n int, _ *SyncItem) error {
		if n == 1 {
			close(entered)
			<-release
		}
		return nil
	}
	started := Subscribe(te.Events(), TopicPassStarted, 16)
	defer started.Close()

	te.enqueue(t, "a", 3)
	te.enqueue(t, "b", 3)

	require.True(t, te.TriggerSync())
	<-entered

	var wg sync.WaitGroup
	var accepted atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if te.TriggerSync() {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, accepted.Load())

	_, err := te.SyncNow(context.Background())
	assert.ErrorIs(t, err, ErrSyncAlreadyRunning)
	assert.Equal(t, EngineSyncing, te.State().Status)
	assert.Len(t, te.State().CurrentBatch, 2)

	close(release)
	require.Eventually(t, func() bool { return len(te.History()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, te.applier.Count())
	assert.Len(t, started.C(), 1)

	// the lock is released once the pass goroutine returns
	te.enqueue(t, "c", 3)
	require.Eventually(t, func() bool {
		_, err := te.SyncNow(context.Background())
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, te.applier.Count())
}

func TestEngine_PassTimeout(t *testing.T) {
	te := newTestEngine(t, func(cfg *Config) {
		cfg.SyncTimeout = 10 * time.Second
	})
	ctx := context.Background()
	te.applier.fn = func(n int, _ *SyncItem) error {
		if n == 1 {
			// the timeout fires while the first apply is in flight
			te.clock.Advance(11 * time.Second)
			time.Sleep(50 * time.Millisecond)
		}
		return nil
	}

	first := te.enqueue(t, "a", 3)
	te.clock.Advance(time.Millisecond)
	second := te.enqueue(t, "b", 3)
	te.clock.Advance(time.Millisecond)
	third := te.enqueue(t, "c", 3)

	result, err := te.SyncNow(ctx)
	assert.ErrorIs(t, err, ErrPassTimeout)
	assert.Equal(t, OutcomeTimeout, result.Outcome)
	assert.Equal(t, 1, result.Attempted)
	assert.Equal(t, 1, result.Succeeded)

	// the in-flight item finished, the rest were not touched
	_, err = te.store.Get(ctx, first.ID)
	assert.ErrorIs(t, err, ErrItemNotFound)
	for _, id := range []string{second.ID, third.ID} {
		item, err := te.store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, item.Status)
		assert.Zero(t, item.RetryCount)
	}

	state := te.State()
	assert.Equal(t, EngineError, state.Status)
	assert.Equal(t, ErrPassTimeout.Error(), state.LastError)
	assert.Equal(t, OutcomeTimeout, state.History[0].Outcome)

	// the lock was released and the next pass finishes the job
	result, err = te.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, EngineIdle, te.State().Status)
}

func TestEngine_EmptyPassClearsError(t *testing.T) {
	te := newTestEngine(t, func(cfg *Config) {
		cfg.SyncTimeout = 10 * time.Second
	})
	ctx := context.Background()
	te.applier.fn = func(n int, _ *SyncItem) error {
		if n == 1 {
			te.clock.Advance(11 * time.Second)
			time.Sleep(50 * time.Millisecond)
		}
		return nil
	}

	te.enqueue(t, "a", 3)
	te.clock.Advance(time.Millisecond)
	left := te.enqueue(t, "b", 3)

	_, err := te.SyncNow(ctx)
	assert.ErrorIs(t, err, ErrPassTimeout)
	require.Equal(t, EngineError, te.State().Status)

	// nothing left to sync
	require.NoError(t, te.store.Delete(ctx, left.ID))
	te.clock.Advance(time.Minute)

	result, err := te.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Zero(t, result.Attempted)

	state := te.State()
	assert.Equal(t, EngineIdle, state.Status)
	assert.Empty(t, state.LastError)
	require.NotNil(t, state.LastSyncTime)
	assert.Equal(t, result.FinishedAt, *state.LastSyncTime)
	assert.Len(t, state.History, 1)
}

func TestEngine_AutoSync(t *testing.T) {
	te := newTestEngine(t, func(cfg *Config) {
		cfg.AutoSyncInterval = 30 * time.Second
	})
	te.enqueue(t, "notes", 3)

	te.clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return len(te.History()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, TriggerAuto, te.History()[0].Trigger)
}

func TestEngine_UpdateConfig(t *testing.T) {
	te := newTestEngine(t, nil)

	bad := 0
	_, err := te.UpdateConfig(&ConfigPatch{BatchSize: &bad})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Equal(t, 50, te.Config().BatchSize)

	interval := time.Minute
	size := 1
	cfg, err := te.UpdateConfig(&ConfigPatch{AutoSyncInterval: &interval, BatchSize: &size})
	require.NoError(t, err)
	assert.Equal(t, time.Minute, cfg.AutoSyncInterval)

	te.enqueue(t, "a", 3)
	te.enqueue(t, "b", 3)

	te.clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return len(te.History()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, te.applier.Count())
}

func TestEngine_HistoryAndEvents(t *testing.T) {
	te := newTestEngine(t, nil)
	all := te.Events().SubscribeAll(64)
	defer all.Close()

	te.enqueue(t, "a", 3)
	_, err := te.SyncNow(context.Background())
	require.NoError(t, err)

	var topics []string
	for len(all.C()) > 0 {
		topics = append(topics, (<-all.C()).Topic)
	}
	assert.Equal(t, []string{
		TopicItemEnqueued.Name(),
		TopicPendingCountChanged.Name(),
		TopicPassStarted.Name(),
		TopicItemSynced.Name(),
		TopicPassProgress.Name(),
		TopicPendingCountChanged.Name(),
		TopicPassCompleted.Name(),
	}, topics)

	assert.Len(t, te.History(), 1)
	te.ClearHistory()
	assert.Empty(t, te.History())
}

func TestEngine_RecoversInterruptedItems(t *testing.T) {
	store := NewMemoryStore()
	stuck := newItem("stuck", withStatus(StatusSyncing))
	require.NoError(t, store.Enqueue(context.Background(), stuck))

	applier := &fakeApplier{}
	e, err := New(Deps{Store: store, Applier: applier, Clock: clockwork.NewFakeClockAt(engineEpoch.Add(time.Minute))})
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.AutoSyncInterval = 24 * time.Hour
	require.NoError(t, e.Start(context.Background(), cfg))
	defer e.Stop()

	item, err := store.Get(context.Background(), "stuck")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, item.Status)
	assert.Equal(t, 1, e.State().PendingCount)
}

func TestEngine_ProberDrivesOnlineState(t *testing.T) {
	clock := clockwork.NewFakeClockAt(engineEpoch)
	var down atomic.Bool
	down.Store(true)
	prober := ProberFunc(func(context.Context) error {
		if down.Load() {
			return errors.New("no route to host")
		}
		return nil
	})

	applier := &fakeApplier{}
	e, err := New(Deps{Store: NewMemoryStore(), Applier: applier, Prober: prober, Clock: clock})
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.AutoSyncInterval = 24 * time.Hour
	cfg.NetworkCheckInterval = 5 * time.Second
	require.NoError(t, e.Start(context.Background(), cfg))
	defer e.Stop()

	assert.False(t, e.Online())
	assert.False(t, e.State().IsOnline)

	_, err = e.Enqueue(context.Background(), "notes", ActionCreate, Record{"id": 1}, 3)
	require.NoError(t, err)

	down.Store(false)
	clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool { return len(e.History()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, applier.Count())
}
