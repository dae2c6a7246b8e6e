package redis

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"speedmonitor/backend/internal/config"
	"speedmonitor/backend/internal/domain"
)

// ErrDisabled 未配置 Redis 地址
var ErrDisabled = errors.New("redis address not configured")

// ErrUnavailable 处于冷却期内，暂不访问 Redis
var ErrUnavailable = fmt.Errorf("%w: redis", domain.ErrStoreUnavailable)

// incrementScript 固定窗口计数：只有新键或丢失 TTL 的键才设置过期时间
var incrementScript = goredis.NewScript(`
local count = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if count == 1 or ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// decrementScript 回退一次计数，不会低于 0，也不会创建新键
//
// 剩余 TTL 超过 ARGV[1] 毫秒说明键已进入新窗口，不回退。
var decrementScript = goredis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current <= 0 then
	return 0
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 or ttl > tonumber(ARGV[1]) then
	return -1
end
return redis.call('DECR', KEYS[1])
`)

// Client 封装 Redis 客户端，作为共享限流计数存储
//
// 任意一次操作失败后进入冷却期，冷却期内直接返回不可用，
// 冷却结束后的下一次调用重新访问 Redis。
type Client struct {
	rdb           *goredis.Client
	log           *zap.Logger
	opTimeout     time.Duration
	retryCooldown time.Duration

	downUntil atomic.Int64 // UnixNano，0 表示可用
	now       func() time.Time
}

// New 创建新的 Redis 客户端
//
// Redis 暂时不可达不会导致创建失败，只会让客户端以不可用状态启动。
func New(cfg *config.RedisConfig, log *zap.Logger) (*Client, error) {
	if cfg.Address == "" {
		return nil, ErrDisabled
	}
	if log == nil {
		log = zap.NewNop()
	}

	opTimeout := cfg.OpTimeout
	if opTimeout <= 0 {
		opTimeout = 250 * time.Millisecond
	}
	cooldown := cfg.RetryCooldown
	if cooldown <= 0 {
		cooldown = 5 * time.Second
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  opTimeout,
		ReadTimeout:  opTimeout,
		WriteTimeout: opTimeout,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   -1,
	})

	c := &Client{
		rdb:           rdb,
		log:           log,
		opTimeout:     opTimeout,
		retryCooldown: cooldown,
		now:           time.Now,
	}

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := c.Ping(ctx); err != nil {
		log.Warn("Redis unavailable, rate limiting will use in-process counters",
			zap.String("address", cfg.Address),
			zap.Error(err),
		)
	} else {
		log.Info("connected to Redis",
			zap.String("address", cfg.Address),
			zap.Int("db", cfg.DB),
		)
	}

	return c, nil
}

// Close 关闭 Redis 连接
func (c *Client) Close() error {
	err := c.rdb.Close()
	if err != nil {
		c.log.Error("failed to close Redis connection", zap.Error(err))
		return err
	}
	c.log.Info("Redis connection closed")
	return nil
}

// Available 当前是否认为 Redis 可用
func (c *Client) Available() bool {
	until := c.downUntil.Load()
	return until == 0 || c.now().UnixNano() >= until
}

// Ping 测试 Redis 连接，同时刷新可用状态
//
// 调用方自己取消导致的失败不改变可用状态。
func (c *Client) Ping(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	err := c.rdb.Ping(opCtx).Err()
	if err != nil && errors.Is(ctx.Err(), context.Canceled) {
		return err
	}
	c.record(err)
	return err
}

// opContext 存储操作的上下文
//
// 与请求的取消解耦，只受 opTimeout 约束；客户端断开不应被当作 Redis 故障。
func (c *Client) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.opTimeout)
}

// TryIncrement 对限流键自增，返回当前窗口内的计数与剩余 TTL
//
// 冷却期内或操作失败/超时都返回 StoreUnavailable，由调用方决定退回本地计数。
func (c *Client) TryIncrement(ctx context.Context, key string, window time.Duration) domain.IncrementResult {
	if !c.Available() {
		return domain.IncrementUnavailable()
	}

	ctx, cancel := c.opContext(ctx)
	defer cancel()

	values, err := incrementScript.Run(ctx, c.rdb, []string{key}, window.Milliseconds()).Int64Slice()
	if err == nil && len(values) != 2 {
		err = fmt.Errorf("unexpected increment reply length %d", len(values))
	}
	c.record(err)
	if err != nil {
		return domain.IncrementUnavailable()
	}

	return domain.IncrementOk(values[0], time.Duration(values[1])*time.Millisecond)
}

// Decrement 回退一次计数，用于跳过不计数的响应
//
// resetAt 是计数时窗口的结束时间，窗口已结束或键已进入新窗口时不回退。
func (c *Client) Decrement(ctx context.Context, key string, resetAt time.Time) error {
	remaining := resetAt.Sub(c.now())
	if remaining <= 0 {
		return nil
	}
	if !c.Available() {
		return ErrUnavailable
	}

	ctx, cancel := c.opContext(ctx)
	defer cancel()

	maxTTL := (remaining + domain.WindowSlack).Milliseconds()
	err := decrementScript.Run(ctx, c.rdb, []string{key}, maxTTL).Err()
	c.record(err)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// record 根据操作结果更新可用状态，只在状态切换时记录日志
func (c *Client) record(err error) {
	if err == nil {
		if c.downUntil.Swap(0) != 0 {
			c.log.Info("Redis recovered, shared rate limit counters restored")
		}
		return
	}

	until := c.now().Add(c.retryCooldown).UnixNano()
	if c.downUntil.Swap(until) == 0 {
		c.log.Warn("Redis operation failed, falling back to in-process counters",
			zap.Duration("retry_in", c.retryCooldown),
			zap.Error(err),
		)
	}
}
