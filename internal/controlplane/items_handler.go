package controlplane

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/openmined/syncq/internal/cache"
	"github.com/openmined/syncq/internal/records"
	"github.com/openmined/syncq/internal/syncq"
)

type ItemsHandler struct {
	engine  *syncq.Engine
	records records.Store
	cache   cache.Invalidator
}

// NewItemsHandler builds the items handler. inv may be nil.
func NewItemsHandler(engine *syncq.Engine, records records.Store, inv cache.Invalidator) *ItemsHandler {
	return &ItemsHandler{engine: engine, records: records, cache: inv}
}

// Enqueue writes the record to the local store, drops the cached copy and queues the
// mutation for sync.
func (h *ItemsHandler) Enqueue(c *gin.Context) {
	var req EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
		return
	}
	if !req.Action.Valid() {
		AbortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, fmt.Errorf("unknown action %q", req.Action))
		return
	}
	if req.Priority != 0 && (req.Priority < syncq.MinPriority || req.Priority > syncq.MaxPriority) {
		AbortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, syncq.ErrInvalidPriority)
		return
	}

	keyField := h.engine.Config().KeyField
	record := req.Record
	if record == nil {
		record = syncq.Record{}
	}
	key := req.Key
	if key == "" {
		if v, ok := record[keyField]; ok && v != nil {
			key = fmt.Sprint(v)
		}
	}
	if key == "" {
		AbortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, fmt.Errorf("record key %q is required", keyField))
		return
	}
	if _, ok := record[keyField]; !ok {
		record[keyField] = key
	}

	ctx := c.Request.Context()
	var opts []syncq.EnqueueOption

	switch req.Action {
	case syncq.ActionDelete:
		if _, err := h.records.Delete(ctx, req.Table, key); err != nil && !errors.Is(err, records.ErrNotFound) {
			AbortWithError(c, http.StatusInternalServerError, ErrCodeUnknownError, err)
			return
		}
		h.invalidate(req.Table, key)
	default:
		prev, err := h.records.Put(ctx, req.Table, key, record)
		if err != nil {
			AbortWithError(c, http.StatusInternalServerError, ErrCodeUnknownError, err)
			return
		}
		h.invalidate(req.Table, key)
		if prev != nil {
			opts = append(opts, syncq.WithPrevious(prev))
		} else {
			opts = append(opts, syncq.WithFullRecord())
		}
	}

	item, err := h.engine.Enqueue(ctx, req.Table, req.Action, record, req.Priority, opts...)
	if errors.Is(err, syncq.ErrNoChanges) {
		c.JSON(http.StatusOK, EnqueueResponse{Queued: false})
		return
	}
	if err != nil {
		abortWithEngineError(c, err)
		return
	}

	c.JSON(http.StatusCreated, EnqueueResponse{Queued: true, Item: item})
}

// List supports ?status= (repeatable), ?table= and ?limit=.
func (h *ItemsHandler) List(c *gin.Context) {
	var f syncq.Filter
	for _, s := range c.QueryArray("status") {
		status := syncq.ItemStatus(s)
		if !status.Valid() {
			AbortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, fmt.Errorf("unknown status %q", s))
			return
		}
		f.Statuses = append(f.Statuses, status)
	}
	f.Table = c.Query("table")
	if l := c.Query("limit"); l != "" {
		limit, err := strconv.Atoi(l)
		if err != nil || limit < 0 {
			AbortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, fmt.Errorf("invalid limit %q", l))
			return
		}
		f.Limit = limit
	}

	items, err := h.engine.Items(c.Request.Context(), f)
	if err != nil {
		abortWithEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, ItemsResponse{Items: nonNil(items)})
}

func (h *ItemsHandler) Get(c *gin.Context) {
	item, err := h.engine.Item(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *ItemsHandler) DeadLetters(c *gin.Context) {
	items, err := h.engine.DeadLetters(c.Request.Context())
	if err != nil {
		abortWithEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, ItemsResponse{Items: nonNil(items)})
}

func (h *ItemsHandler) Requeue(c *gin.Context) {
	item, err := h.engine.Requeue(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *ItemsHandler) RequeueAll(c *gin.Context) {
	n, err := h.engine.RequeueAll(c.Request.Context())
	if err != nil {
		abortWithEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, RequeueAllResponse{Requeued: n})
}

func (h *ItemsHandler) Conflicts(c *gin.Context) {
	items, err := h.engine.Conflicts(c.Request.Context())
	if err != nil {
		abortWithEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, ItemsResponse{Items: nonNil(items)})
}

func (h *ItemsHandler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
		return
	}

	item, err := h.engine.ResolveConflict(c.Request.Context(), c.Param("id"), req.Resolution)
	if err != nil {
		abortWithEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *ItemsHandler) invalidate(table, key string) {
	if h.cache != nil {
		h.cache.Invalidate(table, &key)
	}
}

func nonNil(items []*syncq.SyncItem) []*syncq.SyncItem {
	if items == nil {
		return []*syncq.SyncItem{}
	}
	return items
}
