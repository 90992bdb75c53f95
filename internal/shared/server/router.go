package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"policy-backend/internal/analyses"
	"policy-backend/internal/chat"
	"policy-backend/internal/health"
	"policy-backend/internal/shared/config"
	"policy-backend/internal/shared/metrics"
	"policy-backend/internal/shared/server/middleware"
	"policy-backend/internal/shared/server/respond"
)

// RouterDeps holds the handlers the router mounts. Nil handlers are skipped.
type RouterDeps struct {
	Config          config.Config
	AnalysisHandler *analyses.Handler
	ChatHandler     *chat.Handler
	Health          *health.Service
	Gatherer        prometheus.Gatherer
	Limiter         *middleware.RateLimiter
}

// NewRouter constructs the Gin engine with middleware and routes registered.
func NewRouter(deps RouterDeps) *gin.Engine {
	if deps.Config.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.MaxMultipartMemory = maxMultipartMemory(deps.Config)

	r.Use(
		middleware.RequestID(),
		middleware.Logging(),
		middleware.Recovery(),
		middleware.CORS(deps.Config.CORSAllowOrigin),
	)

	r.GET("/metrics", metrics.Handler(deps.Gatherer))

	api := r.Group("/api/v1")
	if deps.Health != nil {
		deps.Health.RegisterRoutes(api)
	} else {
		api.GET("/health", func(c *gin.Context) {
			respond.JSON(c, http.StatusOK, gin.H{"ok": true})
		})
	}

	authed := api.Group("")
	authed.Use(
		middleware.Auth(deps.Config.Env, deps.Config.JWTSecret),
		middleware.RateLimit(middleware.RateLimitConfig{
			Rules:    rateLimitRules,
			GroupFor: rateLimitGroup,
			Limiter:  deps.Limiter,
		}),
	)
	if deps.Health != nil {
		deps.Health.RegisterProbeRoutes(authed)
	}
	if deps.AnalysisHandler != nil {
		deps.AnalysisHandler.RegisterRoutes(authed)
	}
	if deps.ChatHandler != nil {
		deps.ChatHandler.RegisterRoutes(authed)
	}

	return r
}

var rateLimitRules = map[string]middleware.RateLimitRule{
	"ANALYZE": {Rate: 1.0 / 30, Burst: 3},
	"CHAT":    {Rate: 0.5, Burst: 10},
	"POLLING": {Rate: 2, Burst: 20},
	"DEFAULT": {Rate: 1, Burst: 30},
}

func rateLimitGroup(c *gin.Context) string {
	path := c.FullPath()
	switch {
	case c.Request.Method == http.MethodPost && strings.HasSuffix(path, "/analyses"):
		return "ANALYZE"
	case strings.HasPrefix(path, "/api/v1/chat/"):
		return "CHAT"
	case c.Request.Method == http.MethodGet && strings.HasSuffix(path, "/progress"):
		return "POLLING"
	default:
		return "DEFAULT"
	}
}

func maxMultipartMemory(cfg config.Config) int64 {
	if cfg.MaxUploadBytes > 0 {
		return cfg.MaxUploadBytes
	}
	return 32 << 20
}

// Addr normalizes the listen address.
func Addr(port string) string {
	if port == "" {
		return ":8080"
	}
	if port[0] == ':' {
		return port
	}
	return ":" + port
}
