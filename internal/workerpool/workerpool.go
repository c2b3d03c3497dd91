// Package workerpool 是异步调用使用的有界工作池。
//
// 任务先交给核心工作协程；核心协程都忙时进入有界队列；队列满时临时扩容到
// MaxSize，超出核心数的协程空闲 KeepAlive 后退出；再满就返回 ErrRejected。
package workerpool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ceyewan/yurpc/clog"
	"github.com/ceyewan/yurpc/xerrors"
)

// 错误定义
var (
	// ErrRejected 工作协程和队列都已满
	ErrRejected = xerrors.New("workerpool: task rejected")

	// ErrPoolClosed 工作池已关闭
	ErrPoolClosed = xerrors.Wrap(xerrors.ErrClosed, "workerpool: pool closed")
)

// Config 工作池配置
type Config struct {
	CoreSize      int           `mapstructure:"core_size"`
	MaxSize       int           `mapstructure:"max_size"`
	KeepAlive     time.Duration `mapstructure:"keep_alive"`
	QueueCapacity int           `mapstructure:"queue_capacity"`
}

func (c *Config) setDefaults() {
	if c.CoreSize <= 0 {
		c.CoreSize = 10
	}
	if c.MaxSize < c.CoreSize {
		c.MaxSize = max(50, c.CoreSize)
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 60 * time.Second
	}
	if c.QueueCapacity < 0 {
		c.QueueCapacity = 0
	}
}

// Stats 运行时统计
type Stats struct {
	Workers  int
	Queued   int
	Rejected int64
}

// Option 工作池选项
type Option func(*options)

type options struct {
	logger clog.Logger
	clock  clockwork.Clock
}

// WithLogger 设置 Logger
func WithLogger(l clog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l.WithNamespace("workerpool")
		}
	}
}

// WithClock 设置空闲回收使用的时钟
func WithClock(c clockwork.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// Pool 有界工作池
type Pool struct {
	cfg    Config
	logger clog.Logger
	clock  clockwork.Clock

	tasks chan func()

	mu      sync.Mutex
	workers int
	closed  bool

	rejected atomic.Int64
	wg       sync.WaitGroup
}

// New 创建工作池，核心协程按需启动
func New(cfg *Config, opts ...Option) *Pool {
	if cfg == nil {
		cfg = &Config{}
	}
	c := *cfg
	c.setDefaults()

	o := &options{logger: clog.Discard(), clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(o)
	}

	p := &Pool{
		cfg:    c,
		logger: o.logger,
		clock:  o.clock,
		tasks:  make(chan func(), c.QueueCapacity),
	}
	p.logger.Info("worker pool created",
		clog.Int("core_size", c.CoreSize),
		clog.Int("max_size", c.MaxSize),
		clog.Duration("keep_alive", c.KeepAlive),
		clog.Int("queue_capacity", c.QueueCapacity),
	)
	return p
}

// Submit 提交任务，不阻塞
func (p *Pool) Submit(task func()) error {
	if task == nil {
		return xerrors.Wrap(xerrors.ErrInvalidInput, "workerpool: nil task")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	if p.workers < p.cfg.CoreSize {
		p.spawn(task, true)
		return nil
	}
	select {
	case p.tasks <- task:
		return nil
	default:
	}
	if p.workers < p.cfg.MaxSize {
		p.spawn(task, false)
		return nil
	}

	p.rejected.Add(1)
	p.logger.Warn("task rejected",
		clog.Int("workers", p.workers),
		clog.Int("queued", len(p.tasks)),
	)
	return ErrRejected
}

// spawn 调用方持有 mu
func (p *Pool) spawn(first func(), core bool) {
	p.workers++
	p.wg.Add(1)
	go p.worker(first, core)
}

func (p *Pool) worker(task func(), core bool) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		p.workers--
		p.mu.Unlock()
	}()

	for {
		p.run(task)

		if core {
			next, ok := <-p.tasks
			if !ok {
				return
			}
			task = next
			continue
		}

		timer := p.clock.NewTimer(p.cfg.KeepAlive)
		select {
		case next, ok := <-p.tasks:
			timer.Stop()
			if !ok {
				return
			}
			task = next
		case <-timer.Chan():
			return
		}
	}
}

func (p *Pool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", clog.Any("panic", r))
		}
	}()
	task()
}

// Stats 返回当前统计
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Workers: p.workers, Queued: len(p.tasks), Rejected: p.rejected.Load()}
}

// Shutdown 停止接收任务，等待队列中的任务执行完毕
//
// ctx 结束时不再等待，返回 ctx 的错误，剩余任务仍会在后台执行完。
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
