package controlplane

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/openmined/syncq/internal/syncq"
)

const (
	CodeOk                string = "OK"
	ErrCodeBadRequest     string = "ERR_BAD_REQUEST"
	ErrCodeUnauthorized   string = "ERR_UNAUTHORIZED"
	ErrCodeNotFound       string = "ERR_NOT_FOUND"
	ErrCodeInvalidState   string = "ERR_INVALID_STATE"
	ErrCodeSyncRunning    string = "ERR_SYNC_RUNNING"
	ErrCodeOffline        string = "ERR_OFFLINE"
	ErrCodeNotRunning     string = "ERR_NOT_RUNNING"
	ErrCodeRateLimited    string = "ERR_RATE_LIMITED"
	ErrCodeUnknownError   string = "ERR_UNKNOWN_ERROR"
	ErrCodeMethodNotFound string = "ERR_METHOD_NOT_ALLOWED"
)

type ControlPlaneResponse struct {
	Code string `json:"code"`
}

type ControlPlaneError struct {
	ErrorCode string `json:"code"`
	Error     string `json:"error"`
}

func AbortWithError(c *gin.Context, status int, code string, err error) {
	c.Abort()
	_ = c.Error(err)
	c.PureJSON(status, ControlPlaneError{
		ErrorCode: code,
		Error:     err.Error(),
	})
}

// abortWithEngineError maps sync engine sentinels to HTTP statuses.
func abortWithEngineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, syncq.ErrItemNotFound), errors.Is(err, syncq.ErrRecordNotFound):
		AbortWithError(c, http.StatusNotFound, ErrCodeNotFound, err)
	case errors.Is(err, syncq.ErrNotDeadLettered), errors.Is(err, syncq.ErrNotInConflict):
		AbortWithError(c, http.StatusConflict, ErrCodeInvalidState, err)
	case errors.Is(err, syncq.ErrSyncAlreadyRunning):
		AbortWithError(c, http.StatusConflict, ErrCodeSyncRunning, err)
	case errors.Is(err, syncq.ErrOffline):
		AbortWithError(c, http.StatusServiceUnavailable, ErrCodeOffline, err)
	case errors.Is(err, syncq.ErrNotRunning):
		AbortWithError(c, http.StatusServiceUnavailable, ErrCodeNotRunning, err)
	case errors.Is(err, syncq.ErrInvalidConfig),
		errors.Is(err, syncq.ErrInvalidMutation),
		errors.Is(err, syncq.ErrInvalidPriority),
		errors.Is(err, syncq.ErrInvalidResolution):
		AbortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
	default:
		AbortWithError(c, http.StatusInternalServerError, ErrCodeUnknownError, err)
	}
}
