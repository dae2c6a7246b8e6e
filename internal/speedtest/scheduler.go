package speedtest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"speedmonitor/backend/internal/config"
	"speedmonitor/backend/internal/domain"
	"speedmonitor/backend/internal/pool"
)

var (
	// ErrTriggerThrottled 距离上一次手动触发太近
	ErrTriggerThrottled = fmt.Errorf("%w: speed test triggered too recently", domain.ErrRateLimited)
	// ErrTriggerBusy 任务队列已满
	ErrTriggerBusy = fmt.Errorf("%w: speed test queue is full", domain.ErrRateLimited)
)

// runnable 可执行一轮测速的组件
type runnable interface {
	Run(ctx context.Context) (*domain.Measurement, error)
}

// Scheduler 定时测速，并接受手动触发
type Scheduler struct {
	runner       runnable
	pool         *pool.WorkerPool
	trigger      *rate.Limiter
	interval     time.Duration
	initialDelay time.Duration
	log          *zap.Logger
	now          func() time.Time
}

// NewScheduler 创建测速调度器
//
// 参数:
//   - runner: 测速执行器
//   - workers: 执行手动触发的协程池
//   - cfg: 间隔、首次延迟与手动触发最小间隔
func NewScheduler(runner runnable, workers *pool.WorkerPool, cfg config.SpeedTestConfig, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.TriggerInterval > 0 {
		limit = rate.Every(cfg.TriggerInterval)
	}
	return &Scheduler{
		runner:       runner,
		pool:         workers,
		trigger:      rate.NewLimiter(limit, 1),
		interval:     cfg.Interval,
		initialDelay: cfg.InitialDelay,
		log:          log,
		now:          time.Now,
	}
}

// Run 首次延迟后测速一次，之后按间隔测速，直到 ctx 取消
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("speed test scheduler started",
		zap.Duration("interval", s.interval),
		zap.Duration("initial_delay", s.initialDelay),
	)

	timer := time.NewTimer(s.initialDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-timer.C:
		s.runOnce(ctx, "initial")
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("speed test scheduler stopped")
			return nil
		case <-ticker.C:
			s.runOnce(ctx, "scheduled")
		}
	}
}

// Trigger 异步执行一次测速，返回触发 ID（毫秒时间戳）
func (s *Scheduler) Trigger() (int64, error) {
	if !s.trigger.Allow() {
		return 0, ErrTriggerThrottled
	}

	id := s.now().UnixMilli()
	ok, err := s.pool.TrySubmit(func(ctx context.Context) {
		s.runOnce(ctx, "manual")
	})
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrTriggerBusy
	}

	s.log.Info("speed test triggered", zap.Int64("id", id))
	return id, nil
}

func (s *Scheduler) runOnce(ctx context.Context, reason string) {
	if _, err := s.runner.Run(ctx); err != nil {
		if errors.Is(err, ErrRunInProgress) {
			s.log.Info("speed test skipped, another run in progress", zap.String("reason", reason))
			return
		}
		if ctx.Err() != nil {
			return
		}
		s.log.Error("speed test run failed", zap.String("reason", reason), zap.Error(err))
	}
}
