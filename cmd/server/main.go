package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"speedmonitor/backend/internal/auth"
	jwtpkg "speedmonitor/backend/internal/auth/jwt"
	"speedmonitor/backend/internal/config"
	"speedmonitor/backend/internal/health"
	"speedmonitor/backend/internal/logger"
	"speedmonitor/backend/internal/monitoring"
	"speedmonitor/backend/internal/pool"
	"speedmonitor/backend/internal/ratelimit"
	"speedmonitor/backend/internal/service"
	"speedmonitor/backend/internal/speedtest"
	"speedmonitor/backend/internal/storage"
	"speedmonitor/backend/internal/storage/memory"
	"speedmonitor/backend/internal/storage/postgres"
	"speedmonitor/backend/internal/storage/redis"
	httptransport "speedmonitor/backend/internal/transport/http"
	"speedmonitor/backend/internal/websocket"
)

// main 启动 HTTP API、定时测速与后台任务
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 设置 Gin 模式（基于开发环境标志）
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// 初始化日志系统
	log, err := logger.NewLogger(logger.Config{
		Level:        cfg.Log.Level,
		Development:  cfg.Log.Development,
		LogFile:      cfg.Log.File,
		ErrorLogFile: cfg.Log.ErrorFile,
		MaxSize:      100,
		MaxBackups:   3,
		MaxAge:       28,
		Compress:     true,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting speed monitor",
		zap.String("version", cfg.Server.Version),
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
	)

	if err := run(cfg, log); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
	log.Info("server exited cleanly")
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 初始化存储层
	store, err := openStore(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("failed to close storage", zap.Error(err))
		}
	}()

	// 共享限流计数存储，不可达时退回进程内计数
	var shared ratelimit.SharedStore
	redisClient, err := redis.New(&cfg.Redis, log)
	switch {
	case err == nil:
		shared = redisClient
		defer func() { _ = redisClient.Close() }()
	case errors.Is(err, redis.ErrDisabled):
		log.Info("Redis not configured, rate limiting uses in-process counters")
	default:
		return fmt.Errorf("failed to initialize redis: %w", err)
	}

	// 初始化监控系统
	counters := monitoring.NewCounters()
	metrics := monitoring.NewMetrics(counters)
	healthChecker := health.NewHealthChecker(store, metrics.Registry(), log, cfg.Server.Version)

	// 初始化告警系统
	alertManager := monitoring.NewAlertManager(log)
	alertManager.AddReceiver(monitoring.NewLogAlertReceiver(log))
	if receiver := monitoring.NewSMTPAlertReceiver(cfg.Alert); receiver != nil {
		alertManager.AddReceiver(receiver)
		log.Info("e-mail alerts enabled", zap.Strings("to", cfg.Alert.To))
	}
	alertManager.AddRule(monitoring.DatabaseConnectionRule(store))
	alertManager.AddRule(monitoring.StaleMeasurementRule(counters, 3*cfg.SpeedTest.Interval))

	// 初始化认证与业务服务
	jwtManager := jwtpkg.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.Expiry)
	authService := auth.NewService(store, jwtManager, log, auth.WithQueryTimeout(cfg.Database.QueryTimeout))
	apiKeyService := service.NewAPIKeyService(store, log, service.WithAPIKeyQueryTimeout(cfg.Database.QueryTimeout))
	gate := auth.NewGate(jwtManager, apiKeyService)

	if created, err := authService.EnsureDefaultAdmin(ctx, cfg.Admin); err != nil {
		return fmt.Errorf("failed to bootstrap admin: %w", err)
	} else if created {
		log.Info("bootstrap admin created", zap.String("username", cfg.Admin.Username))
	}

	// 限流器
	localCounts := ratelimit.NewMemoryStore()
	limiter := ratelimit.NewLimiter(
		ratelimit.NewClassifier(ratelimit.PoliciesFromConfig(cfg.RateLimit)),
		shared,
		localCounts,
		log,
		ratelimit.WithRecorder(metrics),
	)

	// 测速
	measurer, err := speedtest.NewCLIMeasurer(cfg.SpeedTest.Binary, cfg.SpeedTest.ServerID)
	if err != nil {
		return err
	}
	wsHub := websocket.NewHub(cfg.CORS.AllowedOrigins, log)
	workers := pool.NewWorkerPool(1, 4, log)
	runner := speedtest.NewRunner(measurer, store, counters, log,
		speedtest.WithRetries(cfg.SpeedTest.Retries),
		speedtest.WithBackoff(cfg.SpeedTest.RetryBackoff),
		speedtest.WithAttemptTimeout(cfg.SpeedTest.Timeout),
		speedtest.WithFailureThreshold(cfg.SpeedTest.FailureThreshold),
		speedtest.WithAlerts(alertManager),
		speedtest.WithPublisher(wsHub),
		speedtest.WithDurationRecorder(metrics),
	)
	scheduler := speedtest.NewScheduler(runner, workers, cfg.SpeedTest, log)

	// 创建 HTTP 服务器
	router, err := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:             cfg,
		AuthService:        authService,
		Gate:               gate,
		APIKeyService:      apiKeyService,
		AdminService:       service.NewAdminService(store, log, cfg.Database.QueryTimeout),
		MeasurementService: service.NewMeasurementService(store, counters, cfg.Database.QueryTimeout),
		Trigger:            scheduler,
		Limiter:            limiter,
		Metrics:            metrics,
		Health:             healthChecker,
		WebSocketHub:       wsHub,
		Logger:             log,
	})
	if err != nil {
		return fmt.Errorf("failed to build router: %w", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	group.Go(func() error { return wsHub.Run(groupCtx) })
	group.Go(func() error { return workers.Run(groupCtx) })
	group.Go(func() error { return scheduler.Run(groupCtx) })
	group.Go(func() error { return localCounts.Run(groupCtx) })
	group.Go(func() error { return alertManager.Run(groupCtx, time.Minute) })

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// openStore 按配置选择存储
//
// PostgreSQL 下凭据走 gorm，测速记录走 pgx 连接池；MySQL 全部走 gorm；未配置时使用内存存储。
func openStore(cfg *config.Config, log *zap.Logger) (storage.Store, error) {
	switch cfg.Database.Type {
	case "postgres":
		creds, err := postgres.NewStore(cfg.Database)
		if err != nil {
			return nil, err
		}
		client, err := postgres.New(&cfg.Database, log)
		if err != nil {
			_ = creds.Close()
			return nil, err
		}
		log.Info("using PostgreSQL storage")
		return storage.NewComposite(creds, postgres.NewMeasurementStore(client), creds, client), nil

	case "mysql":
		store, err := postgres.NewMySQLStore(cfg.Database)
		if err != nil {
			return nil, err
		}
		log.Info("using MySQL storage")
		return store, nil

	default:
		log.Warn("no database configured, using in-memory storage; data is lost on restart")
		return memory.NewStore(), nil
	}
}
