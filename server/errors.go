package server

import "github.com/ceyewan/yurpc/xerrors"

var (
	// ErrInvalidConfig 配置非法
	ErrInvalidConfig = xerrors.Wrap(xerrors.ErrInvalidInput, "server: invalid config")

	// ErrInvalidService 服务缺少名称
	ErrInvalidService = xerrors.Wrap(xerrors.ErrInvalidInput, "server: invalid service")

	// ErrAlreadyStarted 重复启动
	ErrAlreadyStarted = xerrors.New("server: already started")

	// ErrServerClosed 服务端已关闭
	ErrServerClosed = xerrors.Wrap(xerrors.ErrClosed, "server: closed")

	// ErrServiceNotFound 请求的服务或方法不存在
	ErrServiceNotFound = xerrors.Wrap(xerrors.ErrNotFound, "service not found")

	// ErrServerBusy 并发上限或限流拒绝
	ErrServerBusy = xerrors.New("server busy")
)
