package domain

import "errors"

// 错误分类
//
// 各包的具体错误通过 fmt.Errorf("%w: ...") 包装以下错误，
// 上层使用 errors.Is 判断分类并映射为响应。
var (
	ErrUnauthenticated   = errors.New("authentication required")
	ErrInvalidCredential = errors.New("invalid credential")
	ErrForbidden         = errors.New("forbidden")
	ErrRateLimited       = errors.New("rate limited")
	ErrStoreUnavailable  = errors.New("store unavailable")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("already exists")
)
