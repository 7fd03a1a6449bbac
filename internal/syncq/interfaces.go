package syncq

import "context"

// Applier sends one item to the remote system of record. A nil error means the remote
// accepted the mutation. Return a *ConflictError for conflicts and wrap errors with
// Permanent when retrying cannot help; everything else is retried with backoff.
type Applier interface {
	Apply(ctx context.Context, item *SyncItem) error
}

type ApplierFunc func(ctx context.Context, item *SyncItem) error

func (f ApplierFunc) Apply(ctx context.Context, item *SyncItem) error {
	return f(ctx, item)
}

// RecordStore reads the current local version of a record. It is used to compute
// incremental payloads when the caller does not pass the previous version.
type RecordStore interface {
	GetByID(ctx context.Context, table, key string) (Record, error)
}

// Prober reports whether the remote is reachable. A nil error means online.
type Prober interface {
	Probe(ctx context.Context) error
}

type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error {
	return f(ctx)
}
