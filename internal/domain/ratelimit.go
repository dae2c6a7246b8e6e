package domain

import "time"

// IncrementResult 共享计数存储的一次自增结果
//
// Unavailable 为 true 时 Count 无意义，调用方应改用本地计数。
type IncrementResult struct {
	Count       int64
	TTL         time.Duration
	Unavailable bool
}

// IncrementOk 构造成功的自增结果
func IncrementOk(count int64, ttl time.Duration) IncrementResult {
	return IncrementResult{Count: count, TTL: ttl}
}

// IncrementUnavailable 构造存储不可用的结果
func IncrementUnavailable() IncrementResult {
	return IncrementResult{Unavailable: true}
}

// WindowSlack 回退计数时判断是否仍是同一窗口的容差
//
// 新窗口只能在旧窗口过期后开始，其过期时间至少比旧窗口晚一个窗口长度。
const WindowSlack = time.Second
