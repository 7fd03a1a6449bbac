// Package records is the local system of record: the latest known version of every
// row, written by the app before the mutation is queued for sync.
package records

import (
	"context"
	"time"

	"github.com/openmined/syncq/internal/syncq"
)

// ErrNotFound is the same sentinel the sync engine checks for.
var ErrNotFound = syncq.ErrRecordNotFound

type Entry struct {
	Table     string       `json:"table"`
	Key       string       `json:"key"`
	Data      syncq.Record `json:"data"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

type Store interface {
	syncq.RecordStore
	// Put stores data and returns the previous version, or nil if there was none.
	Put(ctx context.Context, table, key string, data syncq.Record) (syncq.Record, error)
	// Delete removes the record and returns the last version.
	Delete(ctx context.Context, table, key string) (syncq.Record, error)
	List(ctx context.Context, table string) ([]Entry, error)
	Close() error
}
