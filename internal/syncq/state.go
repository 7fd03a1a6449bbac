package syncq

import (
	"slices"
	"sync"
	"time"
)

const (
	historyLimit = 20
	progressMin  = 0.0
	progressMax  = 100.0
)

// EngineStatus is the orchestrator state.
type EngineStatus string

const (
	EngineIdle    EngineStatus = "idle"
	EngineSyncing EngineStatus = "syncing"
	EngineError   EngineStatus = "error"
)

// PassOutcome is how a pass ended.
type PassOutcome string

const (
	OutcomeCompleted PassOutcome = "completed"
	OutcomeTimeout   PassOutcome = "timeout"
	OutcomeFailed    PassOutcome = "failed"
)

// PassResult summarizes one sync pass. It is also the history entry.
type PassResult struct {
	PassID       string        `json:"passId"`
	Trigger      Trigger       `json:"trigger"`
	Outcome      PassOutcome   `json:"outcome"`
	StartedAt    time.Time     `json:"startedAt"`
	FinishedAt   time.Time     `json:"finishedAt"`
	Duration     time.Duration `json:"duration"`
	Planned      int           `json:"planned"`
	Attempted    int           `json:"attempted"`
	Succeeded    int           `json:"succeeded"`
	Failed       int           `json:"failed"`
	DeadLettered int           `json:"deadLettered"`
	Conflicts    int           `json:"conflicts"`
	Purged       int           `json:"purged"`
	Error        string        `json:"error,omitempty"`
}

// SyncState is a point-in-time snapshot of the engine.
type SyncState struct {
	Status          EngineStatus `json:"status"`
	LastSyncTime    *time.Time   `json:"lastSyncTime,omitempty"`
	LastError       string       `json:"lastError,omitempty"`
	PendingCount    int          `json:"pendingCount"`
	FailedCount     int          `json:"failedCount"`
	SuccessCount    int          `json:"successCount"`
	DeadLetterCount int          `json:"deadLetterCount"`
	ConflictCount   int          `json:"conflictCount"`
	IsOnline        bool         `json:"isOnline"`
	Progress        float64      `json:"progress"`
	CurrentBatch    []SyncItem   `json:"currentBatch"`
	History         []PassResult `json:"history"`
}

// syncState is the mutable state behind SyncState. Only the engine writes it.
type syncState struct {
	status          EngineStatus
	lastSyncTime    *time.Time
	lastError       string
	pendingCount    int
	failedCount     int
	successCount    int
	deadLetterCount int
	conflictCount   int
	isOnline        bool
	progress        float64
	currentBatch    []SyncItem
	history         []PassResult // most recent first
	mu              sync.RWMutex
}

func newSyncState(online bool) *syncState {
	return &syncState{status: EngineIdle, isOnline: online}
}

func (s *syncState) snapshot() SyncState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := SyncState{
		Status:          s.status,
		LastError:       s.lastError,
		PendingCount:    s.pendingCount,
		FailedCount:     s.failedCount,
		SuccessCount:    s.successCount,
		DeadLetterCount: s.deadLetterCount,
		ConflictCount:   s.conflictCount,
		IsOnline:        s.isOnline,
		Progress:        s.progress,
		CurrentBatch:    slices.Clone(s.currentBatch),
		History:         slices.Clone(s.history),
	}
	if s.lastSyncTime != nil {
		t := *s.lastSyncTime
		snap.LastSyncTime = &t
	}
	if snap.CurrentBatch == nil {
		snap.CurrentBatch = []SyncItem{}
	}
	if snap.History == nil {
		snap.History = []PassResult{}
	}
	return snap
}

func (s *syncState) beginPass(batch []*SyncItem) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.status = EngineSyncing
	s.progress = progressMin
	s.currentBatch = make([]SyncItem, len(batch))
	for i, item := range batch {
		s.currentBatch[i] = *item.Clone()
	}
}

func (s *syncState) setProgress(progress float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = min(max(progress, progressMin), progressMax)
}

func (s *syncState) recordItem(succeeded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if succeeded {
		s.successCount++
	} else {
		s.failedCount++
	}
}

// endPass records the result and returns the engine to idle, or to error when the
// pass did not complete.
func (s *syncState) endPass(result PassResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.currentBatch = nil
	s.pushHistory(result)

	switch result.Outcome {
	case OutcomeCompleted:
		s.status = EngineIdle
		s.progress = progressMax
		s.lastError = ""
		t := result.FinishedAt
		s.lastSyncTime = &t
	default:
		s.status = EngineError
		s.lastError = result.Error
	}
}

// settle marks a pass that found nothing to do. It leaves history alone.
func (s *syncState) settle(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = EngineIdle
	s.lastError = ""
	s.progress = progressMax
	s.lastSyncTime = &at
}

func (s *syncState) pushHistory(result PassResult) {
	s.history = append([]PassResult{result}, s.history...)
	if len(s.history) > historyLimit {
		s.history = s.history[:historyLimit]
	}
}

func (s *syncState) clearHistory() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = nil
}

func (s *syncState) historySnapshot() []PassResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := slices.Clone(s.history)
	if out == nil {
		out = []PassResult{}
	}
	return out
}

func (s *syncState) setOnline(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isOnline = online
}

// setCounts stores queue counts and reports whether pending changed.
func (s *syncState) setCounts(pending, deadLetters, conflicts int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.pendingCount != pending
	s.pendingCount = pending
	s.deadLetterCount = deadLetters
	s.conflictCount = conflicts
	return changed
}

func (s *syncState) reset(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = EngineIdle
	s.isOnline = online
	s.progress = progressMin
	s.lastError = ""
	s.currentBatch = nil
}
