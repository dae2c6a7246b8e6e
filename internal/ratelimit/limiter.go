package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"speedmonitor/backend/internal/domain"
)

// 计数来源，用于指标标签
const (
	StoreShared = "redis"
	StoreLocal  = "memory"
)

// SharedStore 跨实例共享的计数存储
type SharedStore interface {
	TryIncrement(ctx context.Context, key string, window time.Duration) domain.IncrementResult
	Decrement(ctx context.Context, key string, resetAt time.Time) error
}

// Recorder 记录限流决策
type Recorder interface {
	RecordRateLimit(class, store string, allowed bool)
}

// Decision 一次限流判断的结果
type Decision struct {
	Policy    Policy
	Key       string
	Count     int64
	Remaining int64
	ResetAt   time.Time
	Allowed   bool
	Store     string
}

// Limiter 固定窗口限流器
//
// 每个请求先尝试共享存储，返回不可用时改用进程内计数，逐请求决定。
type Limiter struct {
	classifier *Classifier
	shared     SharedStore
	local      *MemoryStore
	recorder   Recorder
	log        *zap.Logger
	now        func() time.Time
}

// Option Limiter 选项
type Option func(*Limiter)

// WithRecorder 设置决策记录器
func WithRecorder(r Recorder) Option {
	return func(l *Limiter) { l.recorder = r }
}

// WithClock 替换时钟
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// NewLimiter 创建限流器
//
// 参数:
//   - classifier: 路径分类器
//   - shared: 共享计数存储，可以为 nil，此时只使用进程内计数
//   - local: 进程内计数存储
func NewLimiter(classifier *Classifier, shared SharedStore, local *MemoryStore, log *zap.Logger, opts ...Option) *Limiter {
	if log == nil {
		log = zap.NewNop()
	}
	if local == nil {
		local = NewMemoryStore()
	}
	l := &Limiter{
		classifier: classifier,
		shared:     shared,
		local:      local,
		log:        log,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Key 限流键
func Key(class Class, clientIP string) string {
	return "rl:" + string(class) + ":" + clientIP
}

// Take 为请求计数并判断是否放行
func (l *Limiter) Take(ctx context.Context, path, clientIP string) Decision {
	policy := l.classifier.Classify(path)
	key := Key(policy.Class, clientIP)

	count, ttl, store := l.increment(ctx, key, policy.Window)
	if ttl <= 0 {
		ttl = policy.Window
	}

	d := Decision{
		Policy:    policy,
		Key:       key,
		Count:     count,
		Remaining: max(policy.Max-count, 0),
		ResetAt:   l.now().Add(ttl),
		Allowed:   count <= policy.Max,
		Store:     store,
	}

	if l.recorder != nil {
		l.recorder.RecordRateLimit(string(policy.Class), store, d.Allowed)
	}
	if !d.Allowed {
		l.log.Debug("rate limit exceeded",
			zap.String("class", string(policy.Class)),
			zap.String("ip", clientIP),
			zap.Int64("count", count),
		)
	}
	return d
}

// Release 根据响应状态码回退不计数的请求
//
// 计数所在的窗口已经结束时不回退，避免扣减下一个窗口的计数。
func (l *Limiter) Release(ctx context.Context, d Decision, status int) {
	if d.Policy.Counts(status) {
		return
	}
	if !l.now().Before(d.ResetAt) {
		return
	}

	if d.Store == StoreShared && l.shared != nil {
		if err := l.shared.Decrement(ctx, d.Key, d.ResetAt); err != nil {
			l.log.Debug("failed to release shared rate limit count", zap.String("key", d.Key), zap.Error(err))
		}
		return
	}
	l.local.Decrement(d.Key, d.ResetAt)
}

func (l *Limiter) increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, string) {
	if l.shared != nil {
		result := l.shared.TryIncrement(ctx, key, window)
		if !result.Unavailable {
			return result.Count, result.TTL, StoreShared
		}
	}
	count, ttl := l.local.Increment(key, window)
	return count, ttl, StoreLocal
}
