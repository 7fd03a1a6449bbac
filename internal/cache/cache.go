// Package cache is a read-through cache of local records that drops entries when the
// sync engine reports them synced.
package cache

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/openmined/syncq/internal/syncq"
)

const (
	DefaultSize = 1024
	DefaultTTL  = 5 * time.Minute
	keySep      = "\x00"
)

// Invalidator drops cached data for a record, or for a whole table when key is nil.
type Invalidator interface {
	Invalidate(table string, key *string)
}

type Stats struct {
	Size          int    `json:"size"`
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Invalidations uint64 `json:"invalidations"`
}

// RecordCache wraps a RecordStore with an expiring LRU.
type RecordCache struct {
	source        syncq.RecordStore
	entries       *expirable.LRU[string, syncq.Record]
	hits          atomic.Uint64
	misses        atomic.Uint64
	invalidations atomic.Uint64
}

func New(source syncq.RecordStore, size int, ttl time.Duration) *RecordCache {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RecordCache{
		source:  source,
		entries: expirable.NewLRU[string, syncq.Record](size, nil, ttl),
	}
}

// GetByID serves from the cache and falls back to the source on a miss.
func (c *RecordCache) GetByID(ctx context.Context, table, key string) (syncq.Record, error) {
	ck := cacheKey(table, key)
	if rec, ok := c.entries.Get(ck); ok {
		c.hits.Add(1)
		return rec, nil
	}
	c.misses.Add(1)

	rec, err := c.source.GetByID(ctx, table, key)
	if err != nil {
		return nil, err
	}
	c.entries.Add(ck, rec)
	return rec, nil
}

func (c *RecordCache) Invalidate(table string, key *string) {
	c.invalidations.Add(1)
	if key != nil {
		c.entries.Remove(cacheKey(table, *key))
		return
	}

	prefix := table + keySep
	for _, k := range c.entries.Keys() {
		if strings.HasPrefix(k, prefix) {
			c.entries.Remove(k)
		}
	}
}

func (c *RecordCache) Purge() {
	c.entries.Purge()
}

func (c *RecordCache) Stats() Stats {
	return Stats{
		Size:          c.entries.Len(),
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Invalidations: c.invalidations.Load(),
	}
}

// Attach subscribes inv to synced items. The handler runs synchronously so no
// notification is lost.
func Attach(events *syncq.Broadcaster, inv Invalidator) (cancel func()) {
	return syncq.Handle(events, syncq.TopicItemSynced, func(ev syncq.ItemSynced) {
		slog.Debug("cache invalidate", "table", ev.Table, "key", ev.Key)
		inv.Invalidate(ev.Table, ev.Key)
	})
}

func cacheKey(table, key string) string {
	return table + keySep + key
}
