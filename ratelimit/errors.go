package ratelimit

import "github.com/ceyewan/yurpc/xerrors"

// 错误定义
var (
	// ErrKeyEmpty 限流键为空
	ErrKeyEmpty = xerrors.Wrap(xerrors.ErrInvalidInput, "ratelimit: key is empty")

	// ErrInvalidLimit 限流规则无效
	ErrInvalidLimit = xerrors.Wrap(xerrors.ErrInvalidInput, "ratelimit: invalid limit")

	// ErrRateLimitExceeded 限流阈值超出
	ErrRateLimitExceeded = xerrors.New("ratelimit: rate limit exceeded")
)
