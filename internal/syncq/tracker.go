package syncq

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/openmined/syncq/internal/codec"
)

// Mutation is a local change handed to the engine. Previous is the record as it was
// before the change; when nil and the action is an update, the tracker asks the
// RecordStore for it.
type Mutation struct {
	Table    string
	Action   Action
	Record   Record
	Previous Record
}

type TrackOptions struct {
	KeyField          string
	Incremental       bool
	Compress          bool
	CompressThreshold int
}

// ChangeTracker turns mutations into sync items.
type ChangeTracker struct {
	records RecordStore
	clock   clockwork.Clock
	seq     atomic.Uint64
}

func NewChangeTracker(records RecordStore, clock clockwork.Clock) *ChangeTracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ChangeTracker{records: records, clock: clock}
}

// Track builds a pending SyncItem for m. Priority is left for the caller to set.
func (t *ChangeTracker) Track(ctx context.Context, m Mutation, opts TrackOptions) (*SyncItem, error) {
	if m.Table == "" {
		return nil, fmt.Errorf("%w: table is required", ErrInvalidMutation)
	}
	if !m.Action.Valid() {
		return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidMutation, m.Action)
	}
	if m.Record == nil {
		return nil, fmt.Errorf("%w: record is required", ErrInvalidMutation)
	}
	if opts.KeyField == "" {
		opts.KeyField = "id"
	}

	key := m.Record[opts.KeyField]
	payload := Payload{Key: key, Fields: copyRecord(m.Record)}

	if m.Action == ActionUpdate && opts.Incremental {
		prev := m.Previous
		if prev == nil {
			prev = t.lookupPrevious(ctx, m.Table, key)
		}
		if prev != nil {
			diff, removed, err := diffRecord(opts.KeyField, prev, m.Record)
			if err != nil {
				return nil, err
			}
			changed := len(diff) > 1 || (len(diff) == 1 && !hasKey(diff, opts.KeyField))
			if !changed && len(removed) == 0 {
				return nil, ErrNoChanges
			}
			payload.Fields = diff
			payload.Removed = removed
			payload.Incremental = true
		}
	}

	if opts.Compress {
		threshold := opts.CompressThreshold
		if threshold <= 0 {
			threshold = defaultCompressThreshold
		}
		encoded, ok, err := compressFields(payload.Fields, threshold)
		if err != nil {
			return nil, err
		}
		if ok {
			payload.Fields = nil
			payload.Compressed = true
			payload.Encoded = encoded
		}
	}

	now := t.clock.Now()
	return &SyncItem{
		ID:            t.NextID(m.Table, key, now),
		Table:         m.Table,
		Action:        m.Action,
		Payload:       payload,
		Priority:      DefaultPriority,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
		NextRetryTime: now,
	}, nil
}

// NextID returns a fresh item id. The internal counter makes ids unique even for
// mutations of the same record within one clock tick.
func (t *ChangeTracker) NextID(table string, key any, at time.Time) string {
	return newItemID(table, key, at, t.seq.Add(1))
}

func (t *ChangeTracker) lookupPrevious(ctx context.Context, table string, key any) Record {
	if t.records == nil || key == nil {
		return nil
	}
	prev, err := t.records.GetByID(ctx, table, fmt.Sprint(key))
	if err != nil {
		if !errors.Is(err, ErrRecordNotFound) {
			slog.Warn("sync tracker previous lookup", "table", table, "key", key, "error", err)
		}
		return nil
	}
	return prev
}

// diffRecord keeps the key field plus every field of next whose JSON form differs
// from prev. Fields present in prev but missing from next are returned sorted in
// removed.
func diffRecord(keyField string, prev, next Record) (diff Record, removed []string, err error) {
	diff = make(Record)
	for field, value := range next {
		if field == keyField {
			diff[field] = value
			continue
		}
		old, ok := prev[field]
		if !ok {
			diff[field] = value
			continue
		}
		same, err := jsonEqual(old, value)
		if err != nil {
			return nil, nil, fmt.Errorf("diff field %q: %w", field, err)
		}
		if !same {
			diff[field] = value
		}
	}
	for field := range prev {
		if field == keyField {
			continue
		}
		if _, ok := next[field]; !ok {
			removed = append(removed, field)
		}
	}
	slices.Sort(removed)
	return diff, removed, nil
}

func jsonEqual(a, b any) (bool, error) {
	ja, err := codec.Canonical(a)
	if err != nil {
		return false, err
	}
	jb, err := codec.Canonical(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ja, jb), nil
}

func hasKey(r Record, key string) bool {
	_, ok := r[key]
	return ok
}

func copyRecord(r Record) Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
