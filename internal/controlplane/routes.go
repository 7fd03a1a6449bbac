package controlplane

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/openmined/syncq/internal/cache"
	"github.com/openmined/syncq/internal/records"
	"github.com/openmined/syncq/internal/syncq"
	"github.com/openmined/syncq/internal/version"
)

const defaultRateLimit = "50-S"

type RouteConfig struct {
	Token     string
	RateLimit string
}

type Deps struct {
	Engine  *syncq.Engine
	Records records.Store
	Cache   *cache.RecordCache
}

func SetupRoutes(deps Deps, cfg RouteConfig) (http.Handler, error) {
	if cfg.RateLimit == "" {
		cfg.RateLimit = defaultRateLimit
	}
	rateLimiter, err := RateLimiter(cfg.RateLimit)
	if err != nil {
		return nil, err
	}

	var inv cache.Invalidator
	if deps.Cache != nil {
		inv = deps.Cache
	}

	syncH := NewSyncHandler(deps.Engine)
	itemsH := NewItemsHandler(deps.Engine, deps.Records, inv)
	configH := NewConfigHandler(deps.Engine)
	eventsH := NewEventsHandler(deps.Engine)
	recordsH := NewRecordsHandler(deps.Cache, deps.Records)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(Logger())
	r.Use(Secure())
	r.Use(CORS())
	r.Use(Gzip())

	r.GET("/", IndexHandler)
	r.GET("/health", HealthHandler)

	v1 := r.Group("/v1")
	v1.Use(TokenAuth(cfg.Token))
	v1.Use(rateLimiter)
	{
		v1.GET("/status", syncH.Status)
		v1.GET("/history", syncH.History)
		v1.DELETE("/history", syncH.ClearHistory)
		v1.POST("/sync/now", syncH.Now)
		v1.PUT("/network", syncH.SetNetwork)

		v1.GET("/config", configH.Get)
		v1.PATCH("/config", configH.Patch)

		v1Items := v1.Group("/items")
		{
			v1Items.POST("", itemsH.Enqueue)
			v1Items.GET("", itemsH.List)
			v1Items.GET("/dead", itemsH.DeadLetters)
			v1Items.POST("/requeue", itemsH.RequeueAll)
			v1Items.GET("/:id", itemsH.Get)
			v1Items.POST("/:id/requeue", itemsH.Requeue)
		}

		v1Conflicts := v1.Group("/conflicts")
		{
			v1Conflicts.GET("", itemsH.Conflicts)
			v1Conflicts.POST("/:id/resolve", itemsH.Resolve)
		}

		v1.GET("/records/:table", recordsH.List)
		v1.GET("/records/:table/:key", recordsH.Get)
		v1.GET("/cache/stats", recordsH.CacheStats)

		v1.GET("/events", eventsH.Stream)
		v1.GET("/events/ws", eventsH.Websocket)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, ControlPlaneError{ErrorCode: ErrCodeNotFound, Error: "not found"})
	})

	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, ControlPlaneError{ErrorCode: ErrCodeMethodNotFound, Error: "method not allowed"})
	})

	return r.Handler(), nil
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}

func IndexHandler(c *gin.Context) {
	c.JSON(http.StatusOK, version.Info())
}

func HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
