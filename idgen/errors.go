package idgen

import "github.com/ceyewan/yurpc/xerrors"

var (
	// ErrWorkerIDExhausted WorkerID 已耗尽
	ErrWorkerIDExhausted = xerrors.New("idgen: no available worker id")

	// ErrClockBackwards 时钟回拨超过限制
	ErrClockBackwards = xerrors.New("idgen: clock moved backwards too much")

	// ErrInvalidInput 无效的输入
	ErrInvalidInput = xerrors.Wrap(xerrors.ErrInvalidInput, "idgen")

	// ErrLeaseExpired WorkerID 租约已过期
	ErrLeaseExpired = xerrors.New("idgen: lease expired")

	// ErrNotAllocated 尚未分配 WorkerID
	ErrNotAllocated = xerrors.New("idgen: worker id not allocated")
)
