package kvstore

import (
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ceyewan/yurpc/clog"
)

// Option 存储选项
type Option func(*options)

type options struct {
	logger        clog.Logger
	clock         clockwork.Clock
	retryInterval time.Duration
	sweepInterval time.Duration
	ownsConnector bool
}

// WithLogger 注入日志记录器，自动追加 "kvstore" 命名空间
func WithLogger(l clog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l.WithNamespace("kvstore")
		}
	}
}

// WithClock 注入时钟，测试中使用 clockwork.NewFakeClock()
func WithClock(c clockwork.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithRetryInterval Watch 断开后的重连间隔，默认 1s
func WithRetryInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.retryInterval = d
		}
	}
}

// WithSweepInterval 内存实现的租约过期扫描间隔，默认 500ms
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.sweepInterval = d
		}
	}
}

// WithOwnedConnector Close 时一并关闭 etcd 连接器
func WithOwnedConnector() Option {
	return func(o *options) {
		o.ownsConnector = true
	}
}

func applyOptions(opts []Option) *options {
	o := &options{
		logger:        clog.Discard(),
		clock:         clockwork.NewRealClock(),
		retryInterval: time.Second,
		sweepInterval: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
