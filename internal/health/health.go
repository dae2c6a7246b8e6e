// Package health 提供存活、就绪与 /health 状态检查
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Status 健康状态
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// Pinger 可探测连通性的依赖
type Pinger interface {
	Ping(ctx context.Context) error
}

// Report /health 返回的报告
type Report struct {
	Status    Status  `json:"status"`
	Uptime    float64 `json:"uptime,omitempty"`
	Timestamp string  `json:"timestamp,omitempty"`
	Version   string  `json:"version,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// HealthChecker 健康检查器
type HealthChecker struct {
	health    healthcheck.Handler
	db        Pinger
	logger    *zap.Logger
	version   string
	timeout   time.Duration
	startTime time.Time
	now       func() time.Time
}

// NewHealthChecker 创建健康检查器
//
// 参数:
//   - db: 凭据存储，就绪检查与 /health 都依赖它
//   - registry: 非空时把检查结果同时导出为 Prometheus 指标
//   - version: /health 返回的版本号
func NewHealthChecker(db Pinger, registry prometheus.Registerer, logger *zap.Logger, version string) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}

	var h healthcheck.Handler
	if registry != nil {
		h = healthcheck.NewMetricsHandler(registry, "speedmonitor")
	} else {
		h = healthcheck.NewHandler()
	}

	hc := &HealthChecker{
		health:    h,
		db:        db,
		logger:    logger,
		version:   version,
		timeout:   5 * time.Second,
		startTime: time.Now(),
		now:       time.Now,
	}

	// 添加健康检查
	hc.addChecks()

	return hc
}

// addChecks 添加健康检查
func (hc *HealthChecker) addChecks() {
	hc.health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(10000))
	hc.health.AddReadinessCheck("database", healthcheck.Timeout(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), hc.timeout)
		defer cancel()
		return hc.db.Ping(ctx)
	}, hc.timeout))
}

// LiveHandler 存活检查处理器
func (hc *HealthChecker) LiveHandler() http.HandlerFunc {
	return hc.health.LiveEndpoint
}

// ReadyHandler 就绪检查处理器
func (hc *HealthChecker) ReadyHandler() http.HandlerFunc {
	return hc.health.ReadyEndpoint
}

// Check 执行 /health 检查，数据库不可达时返回 unhealthy
func (hc *HealthChecker) Check(ctx context.Context) Report {
	ctx, cancel := context.WithTimeout(ctx, hc.timeout)
	defer cancel()

	if err := hc.db.Ping(ctx); err != nil {
		hc.logger.Warn("health check failed", zap.Error(err))
		return Report{Status: StatusUnhealthy, Error: err.Error()}
	}

	return Report{
		Status:    StatusHealthy,
		Uptime:    hc.now().Sub(hc.startTime).Seconds(),
		Timestamp: hc.now().UTC().Format(time.RFC3339Nano),
		Version:   hc.version,
	}
}
