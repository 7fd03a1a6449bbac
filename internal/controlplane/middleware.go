package controlplane

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-contrib/secure"
	"github.com/gin-gonic/gin"
	slogGin "github.com/samber/slog-gin"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

var corsConfig = cors.Config{
	AllowAllOrigins: true,
	AllowMethods:    []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"},
	AllowHeaders: []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Authorization",
	},
	MaxAge: 12 * time.Hour,
}

// streams are flushed per event and must not be buffered by gzip
var gzipExcludedPaths = []string{
	"/health",
	"/v1/events",
}

func CORS() gin.HandlerFunc {
	return cors.New(corsConfig)
}

func Gzip() gin.HandlerFunc {
	return gzip.Gzip(
		gzip.DefaultCompression,
		gzip.WithExcludedPaths(gzipExcludedPaths),
	)
}

// Secure sets browser hardening headers. The control plane listens on plain http
// on localhost, so there is no TLS redirect or HSTS.
func Secure() gin.HandlerFunc {
	return secure.New(secure.Config{
		SSLRedirect:        false,
		IsDevelopment:      false,
		FrameDeny:          true,
		ContentTypeNosniff: true,
		BrowserXssFilter:   true,
		IENoOpen:           true,
	})
}

func Logger() gin.HandlerFunc {
	httpLogger := slog.Default().WithGroup("http")

	return slogGin.NewWithConfig(httpLogger, slogGin.Config{
		DefaultLevel:     slog.LevelDebug,
		ClientErrorLevel: slog.LevelWarn,
		ServerErrorLevel: slog.LevelError,
		WithRequestID:    true,
	})
}

func RateLimiter(formattedRate string) (gin.HandlerFunc, error) {
	rate, err := limiter.NewRateFromFormatted(formattedRate)
	if err != nil {
		return nil, err
	}
	l := limiter.New(memory.NewStore(), rate)
	return mgin.NewMiddleware(
		l,
		mgin.WithLimitReachedHandler(func(c *gin.Context) {
			c.PureJSON(http.StatusTooManyRequests, ControlPlaneError{
				ErrorCode: ErrCodeRateLimited,
				Error:     "rate limit exceeded",
			})
		}),
		mgin.WithErrorHandler(func(c *gin.Context, err error) {
			c.PureJSON(http.StatusInternalServerError, ControlPlaneError{
				ErrorCode: ErrCodeUnknownError,
				Error:     err.Error(),
			})
		}),
	), nil
}

// TokenAuth checks a bearer token or a token query parameter. Browsers cannot set
// headers on EventSource and WebSocket requests, hence the query fallback.
func TokenAuth(token string) gin.HandlerFunc {
	if token == "" {
		slog.Info("control plane auth disabled")
		return func(c *gin.Context) {
			c.Next()
		}
	}

	return func(c *gin.Context) {
		got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if got == "" {
			got = c.Query("token")
		}

		if got != token {
			slog.Debug("invalid control plane token", "ip", c.ClientIP(), "path", c.FullPath())
			AbortWithError(c, http.StatusUnauthorized, ErrCodeUnauthorized, errors.New("unauthorized"))
			return
		}

		c.Set("authenticated", true)
		c.Next()
	}
}
