package httptransport

import (
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"speedmonitor/backend/internal/auth"
	"speedmonitor/backend/internal/config"
	"speedmonitor/backend/internal/domain"
	"speedmonitor/backend/internal/health"
	"speedmonitor/backend/internal/middleware"
	"speedmonitor/backend/internal/monitoring"
	"speedmonitor/backend/internal/ratelimit"
	"speedmonitor/backend/internal/service"
	"speedmonitor/backend/internal/websocket"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config             *config.Config
	AuthService        *auth.Service
	Gate               *auth.Gate
	APIKeyService      *service.APIKeyService
	AdminService       *service.AdminService
	MeasurementService *service.MeasurementService
	Trigger            Trigger
	Limiter            *ratelimit.Limiter
	Metrics            *monitoring.Metrics
	Health             *health.HealthChecker
	WebSocketHub       *websocket.Hub
	Logger             *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例
//
// 中间件顺序：panic 恢复、请求日志、安全头、CORS、请求体限制、指标、限流，
// 认证与授权按路由组挂载。
func NewRouter(deps RouterDependencies) (*gin.Engine, error) {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	router := gin.New()
	if err := router.SetTrustedProxies(deps.Config.Server.TrustedProxies); err != nil {
		return nil, err
	}

	mm := middleware.NewMonitoringMiddleware(deps.Metrics, log)
	router.Use(mm.PanicRecovery())
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.SecurityHeaders())
	router.Use(gincors.New(corsConfig(deps.Config.CORS.AllowedOrigins)))
	router.Use(middleware.BodySizeLimit(middleware.DefaultBodyLimit))
	router.Use(mm.HTTPMetrics())
	router.Use(middleware.RateLimit(deps.Limiter))

	authMW := middleware.NewAuth(deps.Gate, deps.Metrics, log)
	requireAdmin := authMW.RequireRole(domain.RoleAdmin)

	authHandler := NewAuthHandler(deps.AuthService, log)
	apiKeyHandler := NewAPIKeyHandler(deps.APIKeyService, log)
	adminHandler := NewAdminHandler(deps.AdminService, log)
	measurementHandler := NewMeasurementHandler(deps.MeasurementService, deps.Trigger, deps.WebSocketHub, log)
	healthHandler := NewHealthHandler(deps.Health)

	// 健康检查与指标
	router.GET("/health", healthHandler.Health)
	router.GET("/health/live", gin.WrapF(deps.Health.LiveHandler()))
	router.GET("/health/ready", gin.WrapF(deps.Health.ReadyHandler()))
	router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))

	router.POST("/auth/login", authHandler.Login)

	api := router.Group("/api", authMW.RequireAuth())
	{
		api.GET("/status", measurementHandler.Status)
		api.GET("/history", measurementHandler.History)
		api.GET("/stream", authMW.RequirePermission("stream"), measurementHandler.Stream)

		keys := api.Group("/keys", requireAdmin)
		{
			keys.POST("", apiKeyHandler.CreateAPIKey)
			keys.GET("", apiKeyHandler.ListAPIKeys)
			keys.DELETE("/:id", apiKeyHandler.RevokeAPIKey)
		}

		api.POST("/test/trigger", requireAdmin, measurementHandler.TriggerTest)
	}

	admin := router.Group("/admin", authMW.RequireAuth(), requireAdmin)
	{
		admin.GET("/users", adminHandler.ListUsers)
		admin.PATCH("/users/:id", adminHandler.UpdateUser)
	}

	router.NoRoute(func(c *gin.Context) {
		NotFound(c, MsgNotFound)
	})

	return router, nil
}

// corsConfig 构造 CORS 配置，允许所有来源时不携带凭证
func corsConfig(origins []string) gincors.Config {
	cfg := gincors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization", "X-API-Key"},
		ExposeHeaders: []string{
			"Content-Length",
			"Retry-After",
			"X-RateLimit-Limit",
			"X-RateLimit-Remaining",
			"X-RateLimit-Reset",
		},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	if len(origins) == 0 {
		origins = []string{"*"}
	}
	for _, origin := range origins {
		if origin == "*" {
			cfg.AllowOrigins = nil
			cfg.AllowAllOrigins = true
			cfg.AllowCredentials = false
			break
		}
	}
	return cfg
}
