package monitoring

import (
	"math"
	"sync/atomic"
	"time"
)

// Counters 测速相关的进程级计数，可并发读写
type Counters struct {
	runs                atomic.Int64
	errors              atomic.Int64
	consecutiveFailures atomic.Int64
	lastDownloadMbps    atomic.Uint64 // math.Float64bits
	lastUploadMbps      atomic.Uint64
	lastLatencyMs       atomic.Uint64
	lastSuccess         atomic.Int64 // UnixNano
	startedAt           time.Time
}

// CounterSnapshot 某一时刻的计数快照
type CounterSnapshot struct {
	Runs                int64
	Errors              int64
	ConsecutiveFailures int64
	LastDownloadMbps    float64
	LastUploadMbps      float64
	LastLatencyMs       float64
	LastSuccess         time.Time
	Uptime              time.Duration
}

// NewCounters 创建计数器
func NewCounters() *Counters {
	return &Counters{startedAt: time.Now()}
}

// RecordSuccess 记录一次成功的测速并清零连续失败次数
func (c *Counters) RecordSuccess(downloadMbps, uploadMbps, latencyMs float64, at time.Time) {
	c.runs.Add(1)
	c.consecutiveFailures.Store(0)
	c.lastDownloadMbps.Store(math.Float64bits(downloadMbps))
	c.lastUploadMbps.Store(math.Float64bits(uploadMbps))
	c.lastLatencyMs.Store(math.Float64bits(latencyMs))
	c.lastSuccess.Store(at.UnixNano())
}

// RecordFailure 记录一次失败的测速，返回当前连续失败次数
func (c *Counters) RecordFailure() int64 {
	c.errors.Add(1)
	return c.consecutiveFailures.Add(1)
}

// Runs 成功的测速次数
func (c *Counters) Runs() int64 { return c.runs.Load() }

// Errors 失败的测速次数
func (c *Counters) Errors() int64 { return c.errors.Load() }

// LastDownloadMbps 最近一次下载速度
func (c *Counters) LastDownloadMbps() float64 {
	return math.Float64frombits(c.lastDownloadMbps.Load())
}

// LastUploadMbps 最近一次上传速度
func (c *Counters) LastUploadMbps() float64 {
	return math.Float64frombits(c.lastUploadMbps.Load())
}

// LastLatencyMs 最近一次延迟
func (c *Counters) LastLatencyMs() float64 {
	return math.Float64frombits(c.lastLatencyMs.Load())
}

// Uptime 进程运行时间
func (c *Counters) Uptime() time.Duration {
	return time.Since(c.startedAt)
}

// Snapshot 返回当前计数快照
func (c *Counters) Snapshot() CounterSnapshot {
	s := CounterSnapshot{
		Runs:                c.Runs(),
		Errors:              c.Errors(),
		ConsecutiveFailures: c.consecutiveFailures.Load(),
		LastDownloadMbps:    c.LastDownloadMbps(),
		LastUploadMbps:      c.LastUploadMbps(),
		LastLatencyMs:       c.LastLatencyMs(),
		Uptime:              c.Uptime(),
	}
	if ns := c.lastSuccess.Load(); ns != 0 {
		s.LastSuccess = time.Unix(0, ns).UTC()
	}
	return s
}
