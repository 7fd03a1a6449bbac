package controlplane

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/openmined/syncq/internal/syncq"
)

type SyncHandler struct {
	engine *syncq.Engine
}

func NewSyncHandler(engine *syncq.Engine) *SyncHandler {
	return &SyncHandler{engine: engine}
}

func (h *SyncHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{
		Running: h.engine.Running(),
		State:   h.engine.State(),
	})
}

func (h *SyncHandler) History(c *gin.Context) {
	c.JSON(http.StatusOK, HistoryResponse{History: h.engine.History()})
}

func (h *SyncHandler) ClearHistory(c *gin.Context) {
	h.engine.ClearHistory()
	c.JSON(http.StatusOK, ControlPlaneResponse{Code: CodeOk})
}

// Now starts a pass. With ?wait=true the request blocks until the pass finishes and
// returns its result; otherwise it reports whether a background pass was started.
func (h *SyncHandler) Now(c *gin.Context) {
	wait, _ := strconv.ParseBool(c.Query("wait"))
	if !wait {
		c.JSON(http.StatusAccepted, TriggerResponse{Triggered: h.engine.TriggerSync()})
		return
	}

	result, err := h.engine.SyncNow(c.Request.Context())
	if err != nil && result == nil {
		abortWithEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *SyncHandler) SetNetwork(c *gin.Context) {
	var req NetworkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
		return
	}

	h.engine.SetOnline(*req.Online)
	c.JSON(http.StatusOK, NetworkResponse{Online: h.engine.Online()})
}
