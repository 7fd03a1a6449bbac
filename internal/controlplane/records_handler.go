package controlplane

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/openmined/syncq/internal/cache"
	"github.com/openmined/syncq/internal/records"
)

type RecordsHandler struct {
	cache   *cache.RecordCache
	records records.Store
}

func NewRecordsHandler(cache *cache.RecordCache, records records.Store) *RecordsHandler {
	return &RecordsHandler{cache: cache, records: records}
}

// Get reads through the cache.
func (h *RecordsHandler) Get(c *gin.Context) {
	rec, err := h.cache.GetByID(c.Request.Context(), c.Param("table"), c.Param("key"))
	if err != nil {
		abortWithEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *RecordsHandler) List(c *gin.Context) {
	entries, err := h.records.List(c.Request.Context(), c.Param("table"))
	if err != nil {
		abortWithEngineError(c, err)
		return
	}
	if entries == nil {
		entries = []records.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"records": entries})
}

func (h *RecordsHandler) CacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.cache.Stats())
}
