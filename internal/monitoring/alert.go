package monitoring

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AlertLevel 告警级别
type AlertLevel string

const (
	AlertLevelInfo     AlertLevel = "info"
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
)

// Alert 告警
type Alert struct {
	ID         string         `json:"id"`
	Key        string         `json:"key"` // 同一 Key 未解决前不重复发送
	Title      string         `json:"title"`
	Message    string         `json:"message"`
	Level      AlertLevel     `json:"level"`
	Component  string         `json:"component"`
	Timestamp  time.Time      `json:"timestamp"`
	Resolved   bool           `json:"resolved"`
	ResolvedAt *time.Time     `json:"resolvedAt,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// AlertRule 告警规则
type AlertRule struct {
	Key           string
	Name          string
	Condition     func() bool
	Level         AlertLevel
	Component     string
	Message       string
	Cooldown      time.Duration
	LastTriggered time.Time
}

// AlertReceiver 告警接收器接口
type AlertReceiver interface {
	SendAlert(alert *Alert) error
}

// AlertManager 告警管理器
type AlertManager struct {
	alerts    map[string]*Alert
	rules     []AlertRule
	receivers []AlertReceiver
	logger    *zap.Logger
	mu        sync.RWMutex
}

// NewAlertManager 创建告警管理器
func NewAlertManager(logger *zap.Logger) *AlertManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AlertManager{
		alerts:    make(map[string]*Alert),
		rules:     make([]AlertRule, 0),
		receivers: make([]AlertReceiver, 0),
		logger:    logger,
	}
}

// AddReceiver 添加告警接收器
func (am *AlertManager) AddReceiver(receiver AlertReceiver) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.receivers = append(am.receivers, receiver)
}

// AddRule 添加告警规则
func (am *AlertManager) AddRule(rule AlertRule) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.rules = append(am.rules, rule)
}

// TriggerAlert 触发告警
//
// 同一 Key 的告警未解决时直接忽略；接收器在锁外调用。
func (am *AlertManager) TriggerAlert(alert *Alert) bool {
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	if alert.Key == "" {
		alert.Key = alert.ID
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}

	am.mu.Lock()
	if existing, exists := am.alerts[alert.Key]; exists && !existing.Resolved {
		am.mu.Unlock()
		am.logger.Debug("alert already active", zap.String("key", alert.Key))
		return false
	}
	am.alerts[alert.Key] = alert
	receivers := make([]AlertReceiver, len(am.receivers))
	copy(receivers, am.receivers)
	am.mu.Unlock()

	for _, receiver := range receivers {
		if err := receiver.SendAlert(alert); err != nil {
			am.logger.Error("failed to send alert",
				zap.String("alert_id", alert.ID),
				zap.Error(err),
			)
		}
	}

	am.logger.Info("alert triggered",
		zap.String("alert_id", alert.ID),
		zap.String("key", alert.Key),
		zap.String("level", string(alert.Level)),
		zap.String("component", alert.Component),
	)
	return true
}

// ResolveAlert 解决告警
func (am *AlertManager) ResolveAlert(key string) {
	am.mu.Lock()
	defer am.mu.Unlock()

	if alert, exists := am.alerts[key]; exists && !alert.Resolved {
		now := time.Now().UTC()
		alert.Resolved = true
		alert.ResolvedAt = &now

		am.logger.Info("alert resolved", zap.String("key", key))
	}
}

// GetActiveAlerts 获取未解决的告警
func (am *AlertManager) GetActiveAlerts() []Alert {
	am.mu.RLock()
	defer am.mu.RUnlock()

	alerts := make([]Alert, 0)
	for _, alert := range am.alerts {
		if !alert.Resolved {
			alerts = append(alerts, *alert)
		}
	}
	return alerts
}

// CheckRules 检查告警规则
func (am *AlertManager) CheckRules() {
	am.mu.RLock()
	rules := make([]AlertRule, len(am.rules))
	copy(rules, am.rules)
	am.mu.RUnlock()

	for _, rule := range rules {
		// 检查冷却时间
		if time.Since(rule.LastTriggered) < rule.Cooldown {
			continue
		}

		if !rule.Condition() {
			am.ResolveAlert(rule.Key)
			continue
		}

		triggered := am.TriggerAlert(&Alert{
			Key:       rule.Key,
			Title:     rule.Name,
			Message:   rule.Message,
			Level:     rule.Level,
			Component: rule.Component,
		})
		if !triggered {
			continue
		}

		// 更新最后触发时间
		am.mu.Lock()
		for i, r := range am.rules {
			if r.Key == rule.Key {
				am.rules[i].LastTriggered = time.Now()
				break
			}
		}
		am.mu.Unlock()
	}
}

// Run 按间隔检查告警规则，直到 ctx 取消
func (am *AlertManager) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			am.CheckRules()
		}
	}
}

// ========== 内置告警规则 ==========

// Pinger 可探测连通性的依赖
type Pinger interface {
	Ping(ctx context.Context) error
}

// DatabaseConnectionRule 数据库连接告警规则
func DatabaseConnectionRule(db Pinger) AlertRule {
	return AlertRule{
		Key:  "database_connection",
		Name: "Database Connection",
		Condition: func() bool {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return db.Ping(ctx) != nil
		},
		Level:     AlertLevelCritical,
		Component: "database",
		Message:   "Database connection failed",
		Cooldown:  time.Minute,
	}
}

// StaleMeasurementRule 长时间没有成功测速的告警规则
//
// 启动后还没有任何成功结果时以启动时间为起点计算。
func StaleMeasurementRule(counters *Counters, maxAge time.Duration) AlertRule {
	return AlertRule{
		Key:  "stale_measurement",
		Name: "Stale Measurement",
		Condition: func() bool {
			snap := counters.Snapshot()
			if snap.LastSuccess.IsZero() {
				return snap.Uptime > maxAge
			}
			return time.Since(snap.LastSuccess) > maxAge
		},
		Level:     AlertLevelWarning,
		Component: "speedtest",
		Message:   "No successful speed test within " + maxAge.String(),
		Cooldown:  maxAge,
	}
}

// ========== 告警接收器实现 ==========

// LogAlertReceiver 日志告警接收器
type LogAlertReceiver struct {
	logger *zap.Logger
}

// NewLogAlertReceiver 创建日志告警接收器
func NewLogAlertReceiver(logger *zap.Logger) *LogAlertReceiver {
	return &LogAlertReceiver{logger: logger}
}

// SendAlert 发送告警到日志
func (lar *LogAlertReceiver) SendAlert(alert *Alert) error {
	fields := []zap.Field{
		zap.String("alert_id", alert.ID),
		zap.String("title", alert.Title),
		zap.String("message", alert.Message),
		zap.String("component", alert.Component),
		zap.Time("timestamp", alert.Timestamp),
	}
	for k, v := range alert.Metadata {
		fields = append(fields, zap.Any(k, v))
	}

	switch alert.Level {
	case AlertLevelCritical:
		lar.logger.Error("CRITICAL ALERT", fields...)
	case AlertLevelWarning:
		lar.logger.Warn("WARNING ALERT", fields...)
	default:
		lar.logger.Info("INFO ALERT", fields...)
	}
	return nil
}
