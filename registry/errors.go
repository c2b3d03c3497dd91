package registry

import "github.com/ceyewan/yurpc/xerrors"

var (
	// ErrRegistryClosed registry 已关闭
	ErrRegistryClosed = xerrors.Wrap(xerrors.ErrClosed, "registry")

	// ErrInvalidServiceInstance 无效的服务实例
	ErrInvalidServiceInstance = xerrors.Wrap(xerrors.ErrInvalidInput, "invalid service instance")

	// ErrInvalidConfig 无效的配置
	ErrInvalidConfig = xerrors.Wrap(xerrors.ErrInvalidInput, "invalid registry config")

	// ErrUnknownStrategyType 未知的策略类型
	ErrUnknownStrategyType = xerrors.Wrap(xerrors.ErrInvalidInput, "unknown strategy type")
)
