package ratelimit

import (
	"context"
	"sync"
	"time"

	"speedmonitor/backend/internal/domain"
)

// window 一个键在当前窗口内的计数
type window struct {
	count     int64
	expiresAt time.Time
}

// MemoryStore 进程内固定窗口计数，共享存储不可用时使用
//
// 过期的键在下一次访问时重置，后台清理只负责回收内存。
type MemoryStore struct {
	mu           sync.Mutex
	windows      map[string]*window
	cleanupEvery time.Duration
	now          func() time.Time
}

// MemoryStoreOption MemoryStore 选项
type MemoryStoreOption func(*MemoryStore)

// WithCleanupEvery 设置清理周期
func WithCleanupEvery(d time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) { s.cleanupEvery = d }
}

// WithMemoryClock 替换时钟
func WithMemoryClock(now func() time.Time) MemoryStoreOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore 创建进程内计数存储
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		windows:      make(map[string]*window),
		cleanupEvery: time.Minute,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Increment 自增并返回窗口内计数与剩余时间
func (s *MemoryStore) Increment(key string, ttl time.Duration) (int64, time.Duration) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || !now.Before(w.expiresAt) {
		w = &window{expiresAt: now.Add(ttl)}
		s.windows[key] = w
	}
	w.count++
	return w.count, w.expiresAt.Sub(now)
}

// Decrement 回退一次计数，不会低于 0
//
// resetAt 是计数时窗口的结束时间，键已进入新窗口时不回退。
func (s *MemoryStore) Decrement(key string, resetAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || w.count == 0 || w.expiresAt.Sub(resetAt) > domain.WindowSlack {
		return
	}
	w.count--
}

// Len 当前保存的键数量
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

// Cleanup 删除已过期的窗口
func (s *MemoryStore) Cleanup() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, w := range s.windows {
		if !now.Before(w.expiresAt) {
			delete(s.windows, key)
		}
	}
}

// Run 周期性清理过期窗口，直到 ctx 取消
func (s *MemoryStore) Run(ctx context.Context) error {
	if s.cleanupEvery <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(s.cleanupEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Cleanup()
		}
	}
}
