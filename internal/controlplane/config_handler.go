package controlplane

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/openmined/syncq/internal/syncq"
)

type ConfigHandler struct {
	engine *syncq.Engine
}

func NewConfigHandler(engine *syncq.Engine) *ConfigHandler {
	return &ConfigHandler{engine: engine}
}

func (h *ConfigHandler) Get(c *gin.Context) {
	c.JSON(http.StatusOK, newConfigView(h.engine.Config()))
}

func (h *ConfigHandler) Patch(c *gin.Context) {
	var req ConfigPatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
		return
	}

	patch, err := req.toPatch()
	if err != nil {
		abortWithEngineError(c, err)
		return
	}

	cfg, err := h.engine.UpdateConfig(patch)
	if err != nil {
		abortWithEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, newConfigView(cfg))
}
