package breaker

import "github.com/ceyewan/yurpc/xerrors"

// 错误定义
var (
	// ErrKeyEmpty 熔断键为空
	ErrKeyEmpty = xerrors.Wrap(xerrors.ErrInvalidInput, "breaker: key is empty")

	// ErrInvalidConfig 配置非法
	ErrInvalidConfig = xerrors.Wrap(xerrors.ErrInvalidInput, "breaker: invalid config")

	// ErrOpenState 熔断器处于打开状态，或半开状态下探测请求已满
	ErrOpenState = xerrors.Mark(xerrors.ErrTransport, xerrors.New("breaker: circuit breaker is open"))
)
