package idgen

import (
	"github.com/jonboulle/clockwork"

	"github.com/ceyewan/yurpc/clog"
)

// Option 组件初始化选项函数
type Option func(*options)

type options struct {
	logger       clog.Logger
	clock        clockwork.Clock
	datacenterID int64
}

// WithLogger 设置 Logger，自动追加 "idgen" 命名空间
func WithLogger(l clog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l.WithNamespace("idgen")
		}
	}
}

// WithClock 设置时钟，测试中用于模拟时钟回拨与续约
func WithClock(c clockwork.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithDatacenterID 设置数据中心 ID，此时 WorkerID 只能使用 5 bit
func WithDatacenterID(dcID int64) Option {
	return func(o *options) {
		o.datacenterID = dcID
	}
}

func applyOptions(opts []Option) *options {
	o := &options{
		logger: clog.Discard(),
		clock:  clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
