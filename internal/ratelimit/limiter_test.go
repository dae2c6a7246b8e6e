package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"speedmonitor/backend/internal/config"
	"speedmonitor/backend/internal/domain"
	"speedmonitor/backend/internal/storage/redis"
)

// fakeShared 可切换可用状态的共享存储
type fakeShared struct {
	mu          sync.Mutex
	counts      map[string]int64
	unavailable bool
	decrements  int
}

func newFakeShared() *fakeShared {
	return &fakeShared{counts: make(map[string]int64)}
}

func (f *fakeShared) TryIncrement(_ context.Context, key string, window time.Duration) domain.IncrementResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unavailable {
		return domain.IncrementUnavailable()
	}
	f.counts[key]++
	return domain.IncrementOk(f.counts[key], window)
}

func (f *fakeShared) Decrement(_ context.Context, key string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unavailable {
		return errors.New("down")
	}
	f.decrements++
	if f.counts[key] > 0 {
		f.counts[key]--
	}
	return nil
}

func (f *fakeShared) setUnavailable(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unavailable = v
}

type recordedDecision struct {
	class, store string
	allowed      bool
}

type fakeRecorder struct {
	mu        sync.Mutex
	decisions []recordedDecision
}

func (r *fakeRecorder) RecordRateLimit(class, store string, allowed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions = append(r.decisions, recordedDecision{class, store, allowed})
}

func TestLimiter_Take(t *testing.T) {
	ctx := context.Background()

	t.Run("超过上限后拒绝", func(t *testing.T) {
		policies := DefaultPolicies()
		policies[ClassAPI] = Policy{Window: time.Minute, Max: 3}
		l := NewLimiter(NewClassifier(policies), newFakeShared(), NewMemoryStore(), zap.NewNop())

		for i := 1; i <= 3; i++ {
			d := l.Take(ctx, "/api/status", "10.0.0.1")
			require.True(t, d.Allowed, "request %d", i)
			assert.Equal(t, int64(3-i), d.Remaining)
			assert.Equal(t, StoreShared, d.Store)
		}

		d := l.Take(ctx, "/api/status", "10.0.0.1")
		assert.False(t, d.Allowed)
		assert.Equal(t, int64(0), d.Remaining)
		assert.Equal(t, "rl:api:10.0.0.1", d.Key)

		other := l.Take(ctx, "/api/status", "10.0.0.2")
		assert.True(t, other.Allowed)
	})

	t.Run("第61次健康检查被拒绝", func(t *testing.T) {
		l := NewLimiter(NewClassifier(DefaultPolicies()), nil, NewMemoryStore(), zap.NewNop())

		var d Decision
		for i := 0; i < 61; i++ {
			d = l.Take(ctx, "/health", "10.0.0.1")
		}
		assert.False(t, d.Allowed)
		assert.Equal(t, int64(60), d.Policy.RetryAfterSeconds())
	})

	t.Run("窗口过期后恢复", func(t *testing.T) {
		clock := newFakeClock()
		policies := DefaultPolicies()
		policies[ClassAdmin] = Policy{Window: time.Minute, Max: 1}
		l := NewLimiter(NewClassifier(policies), nil, NewMemoryStore(WithMemoryClock(clock.Now)), zap.NewNop(),
			WithClock(clock.Now))

		assert.True(t, l.Take(ctx, "/admin/users", "ip").Allowed)
		assert.False(t, l.Take(ctx, "/admin/users", "ip").Allowed)

		clock.Advance(time.Minute)
		assert.True(t, l.Take(ctx, "/admin/users", "ip").Allowed)
	})

	t.Run("共享存储不可用时使用本地计数", func(t *testing.T) {
		shared := newFakeShared()
		recorder := &fakeRecorder{}
		policies := DefaultPolicies()
		policies[ClassAPI] = Policy{Window: time.Minute, Max: 2}
		l := NewLimiter(NewClassifier(policies), shared, NewMemoryStore(), zap.NewNop(), WithRecorder(recorder))

		shared.setUnavailable(true)
		d := l.Take(ctx, "/api/status", "ip")
		assert.True(t, d.Allowed)
		assert.Equal(t, StoreLocal, d.Store)
		assert.True(t, l.Take(ctx, "/api/status", "ip").Allowed)
		assert.False(t, l.Take(ctx, "/api/status", "ip").Allowed)

		shared.setUnavailable(false)
		d = l.Take(ctx, "/api/status", "ip")
		assert.True(t, d.Allowed)
		assert.Equal(t, StoreShared, d.Store)

		require.Len(t, recorder.decisions, 4)
		assert.Equal(t, recordedDecision{"api", StoreLocal, false}, recorder.decisions[2])
		assert.Equal(t, recordedDecision{"api", StoreShared, true}, recorder.decisions[3])
	})

	t.Run("Redis不可达时回退且不阻塞", func(t *testing.T) {
		client, err := redis.New(&config.RedisConfig{
			Address:       "127.0.0.1:1",
			OpTimeout:     100 * time.Millisecond,
			RetryCooldown: time.Minute,
		}, zap.NewNop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = client.Close() })

		l := NewLimiter(NewClassifier(DefaultPolicies()), client, NewMemoryStore(), zap.NewNop())

		start := time.Now()
		d := l.Take(ctx, "/api/status", "ip")
		assert.True(t, d.Allowed)
		assert.Equal(t, StoreLocal, d.Store)
		assert.Less(t, time.Since(start), time.Second)
	})
}

func TestLimiter_Release(t *testing.T) {
	ctx := context.Background()

	t.Run("跳过成功的健康检查", func(t *testing.T) {
		l := NewLimiter(NewClassifier(DefaultPolicies()), nil, NewMemoryStore(), zap.NewNop())

		for i := 0; i < 100; i++ {
			d := l.Take(ctx, "/health", "ip")
			require.True(t, d.Allowed)
			l.Release(ctx, d, 200)
		}
	})

	t.Run("失败的健康检查照常计数", func(t *testing.T) {
		l := NewLimiter(NewClassifier(DefaultPolicies()), nil, NewMemoryStore(), zap.NewNop())

		var d Decision
		for i := 0; i < 61; i++ {
			d = l.Take(ctx, "/health", "ip")
			l.Release(ctx, d, 503)
		}
		assert.False(t, d.Allowed)
	})

	t.Run("回退到计数所在的存储", func(t *testing.T) {
		shared := newFakeShared()
		l := NewLimiter(NewClassifier(DefaultPolicies()), shared, NewMemoryStore(), zap.NewNop())

		d := l.Take(ctx, "/health", "ip")
		l.Release(ctx, d, 200)
		assert.Equal(t, 1, shared.decrements)

		d = l.Take(ctx, "/api/status", "ip")
		l.Release(ctx, d, 200)
		assert.Equal(t, 1, shared.decrements)
	})
	t.Run("窗口结束后不回退新窗口的计数", func(t *testing.T) {
		clock := newFakeClock()
		l := NewLimiter(NewClassifier(DefaultPolicies()), nil, NewMemoryStore(WithMemoryClock(clock.Now)), zap.NewNop(),
			WithClock(clock.Now))

		old := l.Take(ctx, "/health", "ip")
		require.Equal(t, int64(1), old.Count)

		clock.Advance(61 * time.Second)
		current := l.Take(ctx, "/health", "ip")
		require.Equal(t, int64(1), current.Count)

		// 旧窗口的请求在新窗口开始后才完成
		l.Release(ctx, old, 200)
		assert.Equal(t, int64(2), l.Take(ctx, "/health", "ip").Count)
	})

	t.Run("窗口结束后不访问共享存储", func(t *testing.T) {
		clock := newFakeClock()
		shared := newFakeShared()
		l := NewLimiter(NewClassifier(DefaultPolicies()), shared, NewMemoryStore(), zap.NewNop(), WithClock(clock.Now))

		d := l.Take(ctx, "/health", "ip")
		require.Equal(t, StoreShared, d.Store)

		clock.Advance(time.Minute)
		l.Release(ctx, d, 200)
		assert.Zero(t, shared.decrements)
	})
}
