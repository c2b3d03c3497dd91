package async

import (
	"context"
	"time"

	"github.com/ceyewan/yurpc/xerrors"
)

// Executor 执行异步任务，满载时返回错误
type Executor interface {
	Submit(task func()) error
}

// Go 在 exec 上执行 fn 并返回其 Future
//
// timeout 大于 0 时约束整个调用，超时以 xerrors.ErrTimeout 失败。
// 提交被拒绝时 Future 以提交错误失败。取消 Future 会取消传给 fn 的 ctx。
// ctx 只提供值（如追踪信息），它的取消不会中止已提交的调用。
func Go[T any](ctx context.Context, exec Executor, requestID int64, timeout time.Duration,
	fn func(ctx context.Context) (T, error)) *Future[T] {
	var (
		callCtx context.Context
		cancel  context.CancelFunc
	)
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), timeout)
	} else {
		callCtx, cancel = context.WithCancel(context.WithoutCancel(ctx))
	}
	f := New[T](requestID, cancel)
	if timeout > 0 {
		// fn 不响应 ctx 时也按时失败，迟到的结果被丢弃
		context.AfterFunc(callCtx, func() {
			if xerrors.Is(callCtx.Err(), context.DeadlineExceeded) {
				f.Fail(xerrors.Markf(xerrors.ErrTimeout, "async call exceeded %s", timeout))
			}
		})
	}

	err := exec.Submit(func() {
		defer cancel()
		v, err := fn(callCtx)
		if err != nil {
			if xerrors.Is(callCtx.Err(), context.DeadlineExceeded) {
				err = xerrors.Mark(xerrors.ErrTimeout, err)
			}
			f.Fail(err)
			return
		}
		f.Complete(v)
	})
	if err != nil {
		cancel()
		f.Fail(err)
	}
	return f
}
