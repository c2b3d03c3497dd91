package proxy

import "github.com/ceyewan/yurpc/xerrors"

var (
	// ErrInvalidConfig 配置非法
	ErrInvalidConfig = xerrors.Wrap(xerrors.ErrInvalidInput, "proxy: invalid config")

	// ErrInvalidRequest 请求缺少服务名或方法名
	ErrInvalidRequest = xerrors.Wrap(xerrors.ErrInvalidInput, "proxy: invalid request")

	// ErrAsyncDisabled 配置关闭了异步调用
	ErrAsyncDisabled = xerrors.Wrap(xerrors.ErrInvalidInput, "proxy: async calls disabled")

	// ErrClientClosed 客户端已关闭
	ErrClientClosed = xerrors.Wrap(xerrors.ErrClosed, "proxy: client closed")
)

func wrapInvalid(err error, value string) error {
	return xerrors.Wrapf(ErrInvalidConfig, "%q: %v", value, err)
}
