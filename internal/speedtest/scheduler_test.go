package speedtest

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"speedmonitor/backend/internal/config"
	"speedmonitor/backend/internal/domain"
	"speedmonitor/backend/internal/pool"
)

type countingRunner struct{ runs atomic.Int64 }

func (c *countingRunner) Run(ctx context.Context) (*domain.Measurement, error) {
	c.runs.Add(1)
	return &domain.Measurement{}, nil
}

func startPool(t *testing.T, queue int) *pool.WorkerPool {
	t.Helper()
	p := pool.NewWorkerPool(1, queue, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return p
}

func TestScheduler_Run(t *testing.T) {
	runner := &countingRunner{}
	s := NewScheduler(runner, nil, config.SpeedTestConfig{
		Interval:     20 * time.Millisecond,
		InitialDelay: time.Millisecond,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return runner.runs.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestScheduler_Trigger(t *testing.T) {
	t.Run("触发后异步执行", func(t *testing.T) {
		runner := &countingRunner{}
		s := NewScheduler(runner, startPool(t, 4), config.SpeedTestConfig{TriggerInterval: time.Minute}, nil)
		s.now = func() time.Time { return time.UnixMilli(1714557600000) }

		id, err := s.Trigger()
		require.NoError(t, err)
		assert.Equal(t, int64(1714557600000), id)
		assert.Eventually(t, func() bool { return runner.runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	})

	t.Run("间隔内重复触发被拒绝", func(t *testing.T) {
		s := NewScheduler(&countingRunner{}, startPool(t, 4), config.SpeedTestConfig{TriggerInterval: time.Minute}, nil)

		_, err := s.Trigger()
		require.NoError(t, err)

		_, err = s.Trigger()
		assert.ErrorIs(t, err, ErrTriggerThrottled)
		assert.ErrorIs(t, err, domain.ErrRateLimited)
	})

	t.Run("协程池关闭后返回错误", func(t *testing.T) {
		p := pool.NewWorkerPool(1, 1, zap.NewNop())
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		require.NoError(t, p.Run(ctx))

		s := NewScheduler(&countingRunner{}, p, config.SpeedTestConfig{}, nil)
		_, err := s.Trigger()
		assert.ErrorIs(t, err, pool.ErrPoolClosed)
	})
}
