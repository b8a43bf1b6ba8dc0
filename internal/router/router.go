package router

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/clinic-liquidation/internal/middleware"
	"github.com/jwalitptl/clinic-liquidation/pkg/logger"
	"github.com/jwalitptl/clinic-liquidation/pkg/metrics"
)

type Handler interface {
	RegisterRoutes(*gin.RouterGroup)
}

type Router struct {
	engine       *gin.Engine
	liquidationH Handler
	healthH      Handler
	metricsH     Handler
	metrics      *metrics.Metrics
	config       RouterConfig
}

type RouterConfig struct {
	RateLimit  rate.Limit
	RateBurst  int
	CORSConfig middleware.CORSConfig
	// RequireCredentials rejects API calls without a bearer token.
	RequireCredentials bool
	Mode               string
}

func NewRouter(
	liquidationH Handler,
	healthH Handler,
	metricsH Handler,
	m *metrics.Metrics,
	log *logger.Logger,
	config RouterConfig,
) *Router {
	if config.Mode == "" {
		config.Mode = gin.ReleaseMode
	}
	gin.SetMode(config.Mode)

	engine := gin.New()

	r := &Router{
		engine:       engine,
		liquidationH: liquidationH,
		healthH:      healthH,
		metricsH:     metricsH,
		metrics:      m,
		config:       config,
	}

	// Add core middlewares
	engine.Use(
		middleware.RequestID(),
		middleware.Logger(log),
		middleware.Recovery(log),
		middleware.ErrorHandler(log),
		r.metricsMiddleware(),
	)

	engine.Use(middleware.CORS(config.CORSConfig))

	if config.RateLimit > 0 {
		rateLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
			Rate:  config.RateLimit,
			Burst: config.RateBurst,
		})
		engine.Use(rateLimiter.RateLimit())
	}

	return r
}

func (r *Router) Setup() {
	// Health checks and scraping stay outside the versioned API.
	root := r.engine.Group("")
	r.healthH.RegisterRoutes(root)
	if r.metricsH != nil {
		r.metricsH.RegisterRoutes(root)
	}

	api := r.engine.Group("/api/v1")

	// Add version header
	api.Use(func(c *gin.Context) {
		c.Header("X-API-Version", "1.0")
		c.Next()
	})

	api.Use(middleware.Credentials(r.config.RequireCredentials))
	r.liquidationH.RegisterRoutes(api)
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}

func (r *Router) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())

		r.metrics.HTTPLatency.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
		r.metrics.HTTPRequests.WithLabelValues(c.Request.Method, path, status).Inc()
	}
}
