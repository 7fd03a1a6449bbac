package syncq

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapRecords map[string]Record

func (m mapRecords) GetByID(_ context.Context, table, key string) (Record, error) {
	r, ok := m[table+"/"+key]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return r, nil
}

type failingRecords struct{}

func (failingRecords) GetByID(context.Context, string, string) (Record, error) {
	return nil, errors.New("disk on fire")
}

func newTestTracker(records RecordStore) (*ChangeTracker, clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	return NewChangeTracker(records, clock), clock
}

func TestTrack_CreateCarriesFullRecord(t *testing.T) {
	tracker, clock := newTestTracker(nil)

	item, err := tracker.Track(context.Background(), Mutation{
		Table:  "notes",
		Action: ActionCreate,
		Record: Record{"id": 1, "title": "hello", "body": "world"},
	}, TrackOptions{Incremental: true})
	require.NoError(t, err)

	assert.Equal(t, "notes", item.Table)
	assert.Equal(t, StatusPending, item.Status)
	assert.Equal(t, DefaultPriority, item.Priority)
	assert.Equal(t, clock.Now(), item.CreatedAt)
	assert.Equal(t, clock.Now(), item.NextRetryTime)
	assert.False(t, item.Payload.Incremental)
	assert.Equal(t, 1, item.Payload.Key)
	assert.Len(t, item.Payload.Fields, 3)
}

func TestTrack_IncrementalUpdateSendsOnlyChangedFields(t *testing.T) {
	tracker, _ := newTestTracker(nil)

	item, err := tracker.Track(context.Background(), Mutation{
		Table:    "notes",
		Action:   ActionUpdate,
		Record:   Record{"id": 7, "title": "new", "body": "same", "tags": []string{"a"}},
		Previous: Record{"id": 7, "title": "old", "body": "same", "tags": []string{"a"}},
	}, TrackOptions{Incremental: true})
	require.NoError(t, err)

	assert.True(t, item.Payload.Incremental)
	assert.Equal(t, Record{"id": 7, "title": "new"}, item.Payload.Fields)
}

func TestTrack_IncrementalUsesRecordStore(t *testing.T) {
	records := mapRecords{"notes/7": {"id": 7, "title": "old", "pinned": false}}
	tracker, _ := newTestTracker(records)

	item, err := tracker.Track(context.Background(), Mutation{
		Table:  "notes",
		Action: ActionUpdate,
		Record: Record{"id": 7, "title": "old", "pinned": true},
	}, TrackOptions{Incremental: true})
	require.NoError(t, err)

	assert.Equal(t, Record{"id": 7, "pinned": true}, item.Payload.Fields)
}

func TestTrack_MissingPreviousFallsBackToFullRecord(t *testing.T) {
	for name, records := range map[string]RecordStore{
		"not found": mapRecords{},
		"error":     failingRecords{},
		"no store":  nil,
	} {
		t.Run(name, func(t *testing.T) {
			tracker, _ := newTestTracker(records)
			item, err := tracker.Track(context.Background(), Mutation{
				Table:  "notes",
				Action: ActionUpdate,
				Record: Record{"id": 7, "title": "new", "body": "b"},
			}, TrackOptions{Incremental: true})
			require.NoError(t, err)
			assert.False(t, item.Payload.Incremental)
			assert.Len(t, item.Payload.Fields, 3)
		})
	}
}

func TestTrack_NoChanges(t *testing.T) {
	tracker, _ := newTestTracker(nil)

	_, err := tracker.Track(context.Background(), Mutation{
		Table:    "notes",
		Action:   ActionUpdate,
		Record:   Record{"id": 7, "n": 1},
		Previous: Record{"id": 7, "n": 1.0},
	}, TrackOptions{Incremental: true})
	assert.ErrorIs(t, err, ErrNoChanges)
}

func TestTrack_IncrementalRemovedFields(t *testing.T) {
	tracker, _ := newTestTracker(nil)

	item, err := tracker.Track(context.Background(), Mutation{
		Table:    "notes",
		Action:   ActionUpdate,
		Record:   Record{"id": "t1", "title": "a"},
		Previous: Record{"id": "t1", "title": "a", "note": "x", "color": "red"},
	}, TrackOptions{Incremental: true})
	require.NoError(t, err)
	require.NotNil(t, item)

	assert.True(t, item.Payload.Incremental)
	assert.Equal(t, Record{"id": "t1"}, item.Payload.Fields)
	assert.Equal(t, []string{"color", "note"}, item.Payload.Removed)
}

func TestTrack_RemovedFieldsSurviveCompression(t *testing.T) {
	tracker, _ := newTestTracker(nil)

	item, err := tracker.Track(context.Background(), Mutation{
		Table:    "notes",
		Action:   ActionUpdate,
		Record:   Record{"id": "t1", "body": strings.Repeat("b", 4096)},
		Previous: Record{"id": "t1", "body": "short", "note": "x"},
	}, TrackOptions{Incremental: true, Compress: true, CompressThreshold: 64})
	require.NoError(t, err)

	assert.True(t, item.Payload.Compressed)
	assert.Equal(t, []string{"note"}, item.Payload.Removed)
	fields, err := item.Payload.Decode()
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("b", 4096), fields["body"])
}

func TestTrack_IncrementalDisabled(t *testing.T) {
	tracker, _ := newTestTracker(nil)

	item, err := tracker.Track(context.Background(), Mutation{
		Table:    "notes",
		Action:   ActionUpdate,
		Record:   Record{"id": 7, "title": "same"},
		Previous: Record{"id": 7, "title": "same"},
	}, TrackOptions{})
	require.NoError(t, err)
	assert.False(t, item.Payload.Incremental)
	assert.Equal(t, Record{"id": 7, "title": "same"}, item.Payload.Fields)
}

func TestTrack_CustomKeyField(t *testing.T) {
	tracker, _ := newTestTracker(nil)

	item, err := tracker.Track(context.Background(), Mutation{
		Table:    "users",
		Action:   ActionUpdate,
		Record:   Record{"uid": "u1", "name": "b"},
		Previous: Record{"uid": "u1", "name": "a"},
	}, TrackOptions{KeyField: "uid", Incremental: true})
	require.NoError(t, err)

	key, ok := item.Payload.KeyString()
	assert.True(t, ok)
	assert.Equal(t, "u1", key)
	assert.Equal(t, Record{"uid": "u1", "name": "b"}, item.Payload.Fields)
}

func TestTrack_Compression(t *testing.T) {
	tracker, _ := newTestTracker(nil)
	body := strings.Repeat("lorem ipsum ", 400)

	item, err := tracker.Track(context.Background(), Mutation{
		Table:  "notes",
		Action: ActionCreate,
		Record: Record{"id": "n1", "body": body},
	}, TrackOptions{Compress: true})
	require.NoError(t, err)

	assert.True(t, item.Payload.Compressed)
	assert.Nil(t, item.Payload.Fields)
	assert.Less(t, len(item.Payload.Encoded), len(body))

	fields, err := item.Payload.Decode()
	require.NoError(t, err)
	assert.Equal(t, body, fields["body"])
	assert.Equal(t, "n1", fields["id"])
}

func TestTrack_SmallPayloadNotCompressed(t *testing.T) {
	tracker, _ := newTestTracker(nil)

	item, err := tracker.Track(context.Background(), Mutation{
		Table:  "notes",
		Action: ActionCreate,
		Record: Record{"id": "n1"},
	}, TrackOptions{Compress: true})
	require.NoError(t, err)

	assert.False(t, item.Payload.Compressed)
	fields, err := item.Payload.Decode()
	require.NoError(t, err)
	assert.Equal(t, Record{"id": "n1"}, fields)
}

func TestTrack_UniqueIDsWithinOneTick(t *testing.T) {
	tracker, _ := newTestTracker(nil)
	seen := map[string]bool{}

	for i := 0; i < 100; i++ {
		item, err := tracker.Track(context.Background(), Mutation{
			Table:  "notes",
			Action: ActionCreate,
			Record: Record{"id": 1},
		}, TrackOptions{})
		require.NoError(t, err)
		assert.False(t, seen[item.ID], "duplicate id %s", item.ID)
		seen[item.ID] = true
	}
}

func TestTrack_InvalidMutation(t *testing.T) {
	tracker, _ := newTestTracker(nil)
	ctx := context.Background()

	_, err := tracker.Track(ctx, Mutation{Action: ActionCreate, Record: Record{}}, TrackOptions{})
	assert.ErrorIs(t, err, ErrInvalidMutation)

	_, err = tracker.Track(ctx, Mutation{Table: "t", Action: "upsert", Record: Record{}}, TrackOptions{})
	assert.ErrorIs(t, err, ErrInvalidMutation)

	_, err = tracker.Track(ctx, Mutation{Table: "t", Action: ActionDelete}, TrackOptions{})
	assert.ErrorIs(t, err, ErrInvalidMutation)
}
