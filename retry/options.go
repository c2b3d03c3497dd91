package retry

import (
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ceyewan/yurpc/clog"
)

type options struct {
	logger clog.Logger
	clock  clockwork.Clock
}

// Option 重试策略选项
type Option func(*options)

// WithLogger 设置 Logger
func WithLogger(l clog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l.WithNamespace("retry")
		}
	}
}

// WithClock 设置退避计时使用的时钟
func WithClock(c clockwork.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
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

// clockTimer 把 clockwork 时钟适配为 backoff.Timer
type clockTimer struct {
	clock clockwork.Clock
	timer clockwork.Timer
	c     <-chan time.Time
}

func newTimer(c clockwork.Clock) *clockTimer {
	return &clockTimer{clock: c}
}

func (t *clockTimer) Start(d time.Duration) {
	t.Stop()
	if d <= 0 {
		ch := make(chan time.Time, 1)
		ch <- t.clock.Now()
		t.c = ch
		return
	}
	t.timer = t.clock.NewTimer(d)
	t.c = t.timer.Chan()
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.c
}
