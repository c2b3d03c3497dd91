// Package async 提供异步调用的结果句柄。
//
// Future 只会被完成一次：成功、失败或取消三者之一，之后的完成请求被丢弃。
// 未被观察的失败 Future 只是普通对象，被回收时没有任何副作用。
package async

import (
	"context"
	"sync"
	"time"

	"github.com/ceyewan/yurpc/xerrors"
)

// ErrCancelled Future 已被取消
var ErrCancelled = xerrors.New("async: future cancelled")

type state uint8

const (
	statePending state = iota
	stateSucceeded
	stateFailed
	stateCancelled
)

// Future 异步结果
type Future[T any] struct {
	requestID int64
	cancel    func()

	done chan struct{}

	mu        sync.Mutex
	state     state
	value     T
	err       error
	callbacks []func(T, error)
}

// New 创建待完成的 Future
//
// cancel 在 Cancel 成功时调用，用于中止正在进行的调用，可以为 nil。
func New[T any](requestID int64, cancel func()) *Future[T] {
	return &Future[T]{
		requestID: requestID,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Completed 返回已成功完成的 Future
func Completed[T any](v T) *Future[T] {
	f := New[T](0, nil)
	f.Complete(v)
	return f
}

// Failed 返回已失败的 Future
func Failed[T any](err error) *Future[T] {
	f := New[T](0, nil)
	f.Fail(err)
	return f
}

// RequestID 关联的请求 ID，用于观测
func (f *Future[T]) RequestID() int64 {
	return f.requestID
}

// Complete 以结果完成，已完成时返回 false
func (f *Future[T]) Complete(v T) bool {
	return f.finish(stateSucceeded, v, nil)
}

// Fail 以错误完成，已完成时返回 false
func (f *Future[T]) Fail(err error) bool {
	if err == nil {
		err = xerrors.New("async: failed with nil error")
	}
	var zero T
	return f.finish(stateFailed, zero, err)
}

// Cancel 取消 Future，之后到达的结果被丢弃
func (f *Future[T]) Cancel() bool {
	var zero T
	if !f.finish(stateCancelled, zero, ErrCancelled) {
		return false
	}
	if f.cancel != nil {
		f.cancel()
	}
	return true
}

func (f *Future[T]) finish(s state, v T, err error) bool {
	f.mu.Lock()
	if f.state != statePending {
		f.mu.Unlock()
		return false
	}
	f.state, f.value, f.err = s, v, err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range callbacks {
		cb(v, err)
	}
	return true
}

// Done 完成时关闭的通道
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsDone 是否已完成（包括失败和取消）
func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// IsCompletedExceptionally 是否以失败或取消完成
func (f *Future[T]) IsCompletedExceptionally() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == stateFailed || f.state == stateCancelled
}

// IsCancelled 是否已取消
func (f *Future[T]) IsCancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == stateCancelled
}

// Get 阻塞等待结果，ctx 结束时返回 ctx 的错误，不影响 Future 本身
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// GetTimeout 最多等待 d，超时返回 xerrors.ErrTimeout 分类的错误
func (f *Future[T]) GetTimeout(d time.Duration) (T, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-f.done:
		return f.result()
	case <-timer.C:
		var zero T
		return zero, xerrors.Markf(xerrors.ErrTimeout, "future not completed within %s", d)
	}
}

func (f *Future[T]) result() (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err
}

// OnComplete 注册完成回调
//
// 已完成时在当前协程立即执行，否则在完成 Future 的协程中执行。
func (f *Future[T]) OnComplete(fn func(T, error)) {
	f.mu.Lock()
	if f.state == statePending {
		f.callbacks = append(f.callbacks, fn)
		f.mu.Unlock()
		return
	}
	v, err := f.value, f.err
	f.mu.Unlock()
	fn(v, err)
}

// Then 成功时执行 fn，返回在 fn 执行后完成的新 Future；失败原样传递
func (f *Future[T]) Then(fn func(T)) *Future[T] {
	next := New[T](f.requestID, func() { f.Cancel() })
	f.OnComplete(func(v T, err error) {
		if err != nil {
			next.Fail(err)
			return
		}
		fn(v)
		next.Complete(v)
	})
	return next
}

// Recover 失败时用 fn 的结果替代错误
func (f *Future[T]) Recover(fn func(error) (T, error)) *Future[T] {
	next := New[T](f.requestID, func() { f.Cancel() })
	f.OnComplete(func(v T, err error) {
		if err == nil {
			next.Complete(v)
			return
		}
		rv, rerr := fn(err)
		if rerr != nil {
			next.Fail(rerr)
			return
		}
		next.Complete(rv)
	})
	return next
}

// Map 成功时转换结果，取消返回的 Future 会取消 f
func Map[T, U any](f *Future[T], fn func(T) (U, error)) *Future[U] {
	next := New[U](f.requestID, func() { f.Cancel() })
	f.OnComplete(func(v T, err error) {
		if err != nil {
			next.Fail(err)
			return
		}
		u, err := fn(v)
		if err != nil {
			next.Fail(err)
			return
		}
		next.Complete(u)
	})
	return next
}

// Combine 两个 Future 都成功后合并结果，任一失败则失败
func Combine[T, U, R any](a *Future[T], b *Future[U], fn func(T, U) (R, error)) *Future[R] {
	next := New[R](a.requestID, func() {
		a.Cancel()
		b.Cancel()
	})
	a.OnComplete(func(av T, err error) {
		if err != nil {
			next.Fail(err)
			return
		}
		b.OnComplete(func(bv U, err error) {
			if err != nil {
				next.Fail(err)
				return
			}
			r, err := fn(av, bv)
			if err != nil {
				next.Fail(err)
				return
			}
			next.Complete(r)
		})
	})
	return next
}
