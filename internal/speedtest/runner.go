package speedtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"speedmonitor/backend/internal/domain"
	"speedmonitor/backend/internal/monitoring"
)

// ErrRunInProgress 已有测速正在执行
var ErrRunInProgress = errors.New("speed test already running")

// alertKeyFailures 连续失败告警的去重键
const alertKeyFailures = "speedtest_consecutive_failures"

// MeasurementSaver 保存测速结果
type MeasurementSaver interface {
	SaveMeasurement(ctx context.Context, m *domain.Measurement) error
}

// Publisher 推送新的测速结果
type Publisher interface {
	PublishMeasurement(m *domain.Measurement)
}

// Alerter 发出与解除告警
type Alerter interface {
	TriggerAlert(alert *monitoring.Alert) bool
	ResolveAlert(key string)
}

// DurationRecorder 记录测速耗时
type DurationRecorder interface {
	RecordSpeedTest(d time.Duration)
}

// Runner 执行一轮带重试的测速并保存结果
//
// 同一时刻只允许一轮测速，并发调用直接返回 ErrRunInProgress。
type Runner struct {
	measurer  Measurer
	store     MeasurementSaver
	counters  *monitoring.Counters
	log       *zap.Logger
	alerts    Alerter
	publisher Publisher
	durations DurationRecorder

	retries   int
	backoff   time.Duration
	timeout   time.Duration
	threshold int64
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time

	mu sync.Mutex
}

// RunnerOption Runner 选项
type RunnerOption func(*Runner)

// WithRetries 设置单轮最多尝试次数
func WithRetries(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.retries = n
		}
	}
}

// WithBackoff 设置重试等待基数，第 n 次失败后等待 n 倍
func WithBackoff(d time.Duration) RunnerOption {
	return func(r *Runner) { r.backoff = d }
}

// WithAttemptTimeout 设置单次尝试的超时
func WithAttemptTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) { r.timeout = d }
}

// WithFailureThreshold 设置触发严重告警的连续失败次数
func WithFailureThreshold(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.threshold = int64(n)
		}
	}
}

// WithAlerts 设置告警管理器
func WithAlerts(a Alerter) RunnerOption {
	return func(r *Runner) { r.alerts = a }
}

// WithPublisher 设置结果推送
func WithPublisher(p Publisher) RunnerOption {
	return func(r *Runner) { r.publisher = p }
}

// WithDurationRecorder 设置耗时记录
func WithDurationRecorder(d DurationRecorder) RunnerOption {
	return func(r *Runner) { r.durations = d }
}

// NewRunner 创建测速执行器
func NewRunner(measurer Measurer, store MeasurementSaver, counters *monitoring.Counters, log *zap.Logger, opts ...RunnerOption) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	if counters == nil {
		counters = monitoring.NewCounters()
	}
	r := &Runner{
		measurer:  measurer,
		store:     store,
		counters:  counters,
		log:       log,
		retries:   3,
		backoff:   5 * time.Second,
		timeout:   2 * time.Minute,
		threshold: 5,
		sleep:     sleepContext,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run 执行一轮测速
//
// 任意一步失败都会计入失败次数，连续失败超过阈值时发出严重告警。
func (r *Runner) Run(ctx context.Context) (*domain.Measurement, error) {
	if !r.mu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer r.mu.Unlock()

	start := r.now()
	m, err := r.measureWithRetry(ctx)
	if err == nil {
		err = r.store.SaveMeasurement(ctx, m)
		if err != nil {
			err = fmt.Errorf("save measurement: %w", err)
		}
	}

	if err != nil {
		r.fail(err)
		return nil, err
	}

	r.succeed(m, r.now().Sub(start))
	return m, nil
}

func (r *Runner) measureWithRetry(ctx context.Context) (*domain.Measurement, error) {
	var lastErr error
	for attempt := 1; attempt <= r.retries; attempt++ {
		r.log.Info("running speed test",
			zap.Int("attempt", attempt),
			zap.Int("retries", r.retries),
		)

		m, err := r.attempt(ctx)
		if err == nil {
			return m, nil
		}
		lastErr = err
		r.log.Warn("speed test attempt failed", zap.Int("attempt", attempt), zap.Error(err))

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt == r.retries {
			break
		}
		if err := r.sleep(ctx, r.backoff*time.Duration(attempt)); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (r *Runner) attempt(ctx context.Context) (*domain.Measurement, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	return r.measurer.Measure(ctx)
}

func (r *Runner) succeed(m *domain.Measurement, took time.Duration) {
	r.counters.RecordSuccess(m.DownloadMbps(), m.UploadMbps(), m.Latency, m.Timestamp)

	r.log.Info("speed test completed",
		zap.Int64("id", m.ID),
		zap.Duration("duration", took),
		zap.Float64("download_mbps", m.DownloadMbps()),
		zap.Float64("upload_mbps", m.UploadMbps()),
		zap.Float64("latency_ms", m.Latency),
		zap.String("server", m.ServerName),
	)

	if r.durations != nil {
		r.durations.RecordSpeedTest(took)
	}
	if r.alerts != nil {
		r.alerts.ResolveAlert(alertKeyFailures)
	}
	if r.publisher != nil {
		r.publisher.PublishMeasurement(m)
	}
}

func (r *Runner) fail(err error) {
	consecutive := r.counters.RecordFailure()
	r.log.Error("failed to complete speed test cycle",
		zap.Int64("consecutive_failures", consecutive),
		zap.Error(err),
	)

	if consecutive <= r.threshold {
		return
	}

	r.log.Error("CRITICAL: too many consecutive speed test failures",
		zap.Int64("consecutive_failures", consecutive),
	)
	if r.alerts != nil {
		r.alerts.TriggerAlert(&monitoring.Alert{
			Key:       alertKeyFailures,
			Title:     "Speed tests failing",
			Message:   fmt.Sprintf("%d consecutive speed test cycles failed: %v", consecutive, err),
			Level:     monitoring.AlertLevelCritical,
			Component: "speedtest",
			Metadata:  map[string]any{"consecutive_failures": consecutive},
		})
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
