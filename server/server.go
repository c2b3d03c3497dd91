// Package server 是服务提供方的 TCP 服务端。
//
// 服务端与 transport 说同一种协议：按 serviceName:version 与方法名查找处理函数，
// 处理结果以请求指定的序列化器编码后回写，心跳帧原样回应。处理函数返回的错误和
// panic 都会转成带 Exception 的响应，调用方得到 xerrors.ErrRemoteExecution。
//
// ## 基本使用
//
//	srv, _ := server.New(&server.Config{Port: 8999}, server.WithLogger(logger))
//	srv.Register(server.NewService("UserService", "1.0").
//		Method("getUser", server.Handle(userService.GetUser)))
//	go srv.Serve()
//	defer srv.Shutdown(ctx)
package server

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ceyewan/yurpc/clog"
	"github.com/ceyewan/yurpc/metrics"
	"github.com/ceyewan/yurpc/ratelimit"
)

// Config 服务端配置
type Config struct {
	// Host 监听地址（默认：0.0.0.0）
	Host string `mapstructure:"host"`
	// Port 监听端口，0 表示随机端口
	Port int `mapstructure:"port"`
	// MaxConcurrency 同时处理的请求上限（默认：1000），超出时直接返回失败响应
	MaxConcurrency int `mapstructure:"max_concurrency"`
	// WriteTimeout 回写响应的超时（默认：10s）
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

func (c *Config) setDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 1000
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

func (c *Config) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return ErrInvalidConfig
	}
	return nil
}

// Server TCP 服务端
type Server struct {
	cfg    Config
	logger clog.Logger

	limiter ratelimit.Limiter
	limit   ratelimit.Limit
	tracer  oteltrace.Tracer

	observe  *metrics.RPCMetrics
	rejected metrics.Counter

	mu       sync.RWMutex
	services map[string]*Service

	ln      net.Listener
	sem     chan struct{}
	group   errgroup.Group
	conns   sync.Map // *serverConn -> struct{}
	handled sync.WaitGroup
	// drainMu 保证 closed 置位之后不再有 handled.Add
	drainMu sync.Mutex

	started atomic.Bool
	closed  atomic.Bool
	stopped chan struct{}
	quit    chan struct{}
}

// New 创建服务端，端口在 Listen 时绑定
func New(cfg *Config, opts ...Option) (*Server, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	c := *cfg
	c.setDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	o := applyOptions(opts)

	observe, err := metrics.NewRPCServerMetrics(o.meter)
	if err != nil {
		return nil, err
	}
	rejected, _ := o.meter.Counter("rpc_server_rejected_total", "Requests rejected by rate limit or concurrency cap")

	return &Server{
		cfg:      c,
		logger:   o.logger,
		limiter:  o.limiter,
		limit:    o.limit,
		tracer:   o.tracer,
		observe:  observe,
		rejected: rejected,
		services: make(map[string]*Service),
		sem:      make(chan struct{}, c.MaxConcurrency),
		stopped:  make(chan struct{}),
		quit:     make(chan struct{}),
	}, nil
}

// Register 注册服务，同名同版本的服务被替换
func (s *Server) Register(svc *Service) error {
	if svc == nil || svc.name == "" {
		return ErrInvalidService
	}
	s.mu.Lock()
	s.services[svc.Key()] = svc
	s.mu.Unlock()

	s.logger.Info("service registered",
		clog.String("service_key", svc.Key()),
		clog.Int("methods", len(svc.methods)),
	)
	return nil
}

func (s *Server) lookup(serviceKey, method string) (HandlerFunc, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.services[serviceKey]
	if !ok {
		return nil, false
	}
	h, ok := svc.methods[method]
	return h, ok
}

// Listen 绑定监听端口
func (s *Server) Listen() error {
	if s.closed.Load() {
		return ErrServerClosed
	}
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)))
	if err != nil {
		s.started.Store(false)
		return err
	}
	s.ln = ln
	s.logger.Info("server listening", clog.String("addr", ln.Addr().String()))
	return nil
}

// Port 实际监听的端口，未监听时返回配置的端口
func (s *Server) Port() int {
	if s.ln == nil {
		return s.cfg.Port
	}
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Serve 接受连接直到 Shutdown，未调用 Listen 时先监听
func (s *Server) Serve() error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	s.group.Go(s.acceptLoop)
	<-s.stopped
	return nil
}

// acceptLoop 接受连接，持续失败时按指数退避重试，最长间隔 maxAcceptDelay
func (s *Server) acceptLoop() error {
	var delay time.Duration
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			delay = nextAcceptDelay(delay)
			s.logger.Warn("accept failed", clog.Duration("retry_in", delay), clog.Error(err))
			select {
			case <-time.After(delay):
			case <-s.quit:
				return nil
			}
			continue
		}
		delay = 0
		c := newServerConn(s, nc)
		s.conns.Store(c, struct{}{})
		s.group.Go(func() error {
			defer s.conns.Delete(c)
			c.serve()
			return nil
		})
	}
}

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

func nextAcceptDelay(d time.Duration) time.Duration {
	if d == 0 {
		return minAcceptDelay
	}
	return min(d*2, maxAcceptDelay)
}

// tryAcquire 为新请求登记，关闭开始后返回 false
func (s *Server) tryAcquire() bool {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()
	if s.closed.Load() {
		return false
	}
	s.handled.Add(1)
	return true
}

// Shutdown 停止接受连接，等待处理中的请求完成后关闭所有连接
//
// ctx 结束时不再等待处理中的请求，直接关闭连接。
func (s *Server) Shutdown(ctx context.Context) error {
	s.drainMu.Lock()
	swapped := s.closed.CompareAndSwap(false, true)
	s.drainMu.Unlock()
	if !swapped {
		return nil
	}
	close(s.quit)
	defer close(s.stopped)
	if s.ln != nil {
		_ = s.ln.Close()
	}

	drained := make(chan struct{})
	go func() {
		s.handled.Wait()
		close(drained)
	}()
	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
		s.logger.Warn("shutdown deadline reached with requests in flight")
	}

	s.conns.Range(func(key, _ any) bool {
		key.(*serverConn).close()
		return true
	})
	_ = s.group.Wait()
	s.logger.Info("server stopped")
	return err
}
