// Package bootstrap 按 config.RPC 组装 yurpc 的运行时组件。
//
// Runtime 持有 Logger、Meter 与注册中心，提供方和调用方都从它创建：
//
//	cfg, _ := config.LoadRPC(ctx)
//	rt, err := bootstrap.New(ctx, cfg)
//	if err != nil {
//		panic(err)
//	}
//	defer rt.Close()
//
//	client, _ := rt.NewClient()
//	provider, _ := rt.NewProvider(userService)
//	provider.Start(ctx)
package bootstrap

import (
	"context"

	"github.com/ceyewan/yurpc/breaker"
	"github.com/ceyewan/yurpc/clog"
	"github.com/ceyewan/yurpc/config"
	"github.com/ceyewan/yurpc/connector"
	"github.com/ceyewan/yurpc/kvstore"
	"github.com/ceyewan/yurpc/metrics"
	"github.com/ceyewan/yurpc/proxy"
	"github.com/ceyewan/yurpc/ratelimit"
	"github.com/ceyewan/yurpc/registry"
	"github.com/ceyewan/yurpc/server"
	"github.com/ceyewan/yurpc/trace"
	"github.com/ceyewan/yurpc/transport"
	"github.com/ceyewan/yurpc/xerrors"
)

// 注册中心模式
const (
	ModeEtcd       = "etcd"
	ModeStandalone = "standalone"
)

// Runtime 一个进程内共享的基础组件
type Runtime struct {
	cfg      *config.RPC
	logger   clog.Logger
	meter    metrics.Meter
	registry registry.Registry

	limiter       ratelimit.Limiter
	traceShutdown func(context.Context) error
}

// New 创建 Logger、Meter 并连接注册中心
//
// etcd 模式下连接不可达时返回错误；standalone 使用进程内存储，只适合单进程测试。
func New(ctx context.Context, cfg *config.RPC) (*Runtime, error) {
	if cfg == nil {
		cfg = config.DefaultRPC()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := clog.New(&cfg.Log, clog.WithNamespace(cfg.Name), clog.WithTraceContext())
	if err != nil {
		return nil, xerrors.Wrap(err, "create logger")
	}
	meter, err := metrics.New(&cfg.Metrics, metrics.WithLogger(logger))
	if err != nil {
		return nil, xerrors.Wrap(err, "create meter")
	}

	traceCfg := cfg.Trace
	if traceCfg.ServiceName == "" {
		traceCfg.ServiceName = cfg.Name
	}
	traceShutdown, err := trace.Init(&traceCfg)
	if err != nil {
		_ = meter.Shutdown(context.WithoutCancel(ctx))
		return nil, xerrors.Wrap(err, "init trace")
	}
	cleanup := func() {
		_ = traceShutdown(context.WithoutCancel(ctx))
		_ = meter.Shutdown(context.WithoutCancel(ctx))
	}

	store, err := newStore(ctx, cfg, logger, meter)
	if err != nil {
		cleanup()
		return nil, err
	}
	reg, err := registry.New(store, &registry.Config{
		Root:              cfg.Registry.Root,
		LeaseTTL:          cfg.Registry.LeaseTTL,
		HeartbeatInterval: cfg.Registry.HeartbeatInterval,
		CacheSize:         cfg.Registry.CacheSize,
		OpTimeout:         cfg.Registry.Timeout,
	}, registry.WithLogger(logger), registry.WithMeter(meter))
	if err != nil {
		_ = store.Close()
		cleanup()
		return nil, err
	}

	logger.Info("runtime ready",
		clog.String("registry_mode", cfg.Registry.Mode),
		clog.String("serializer", cfg.Serializer),
		clog.Bool("trace_export", traceCfg.Endpoint != ""),
	)
	return &Runtime{
		cfg:           cfg,
		logger:        logger,
		meter:         meter,
		registry:      reg,
		traceShutdown: traceShutdown,
	}, nil
}

func newStore(ctx context.Context, cfg *config.RPC, logger clog.Logger, meter metrics.Meter) (kvstore.Store, error) {
	if cfg.Registry.Mode == ModeStandalone {
		return kvstore.NewMemory(kvstore.WithLogger(logger)), nil
	}

	conn, err := connector.NewEtcd(&connector.EtcdConfig{
		Name:        cfg.Name,
		Endpoints:   cfg.Registry.Endpoints,
		Username:    cfg.Registry.Username,
		Password:    cfg.Registry.Password,
		DialTimeout: cfg.Registry.Timeout,
	}, connector.WithLogger(logger), connector.WithMeter(meter))
	if err != nil {
		return nil, err
	}
	if err := conn.Connect(ctx); err != nil {
		_ = conn.Close()
		return nil, xerrors.Mark(xerrors.ErrRegistration, err)
	}
	store, err := kvstore.NewEtcd(conn, kvstore.WithLogger(logger), kvstore.WithOwnedConnector())
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return store, nil
}

// Logger 运行时 Logger
func (r *Runtime) Logger() clog.Logger { return r.logger }

// Meter 运行时 Meter
func (r *Runtime) Meter() metrics.Meter { return r.meter }

// Registry 共享的注册中心
func (r *Runtime) Registry() registry.Registry { return r.registry }

// NewClient 按配置创建调用方客户端
func (r *Runtime) NewClient(opts ...proxy.Option) (*proxy.Client, error) {
	cfg := &proxy.Config{
		LoadBalancer: r.cfg.LoadBalancer,
		Retry:        r.cfg.RetryStrategy,
		Tolerant:     r.cfg.TolerantStrategy,
		Mock:         r.cfg.Mock,
		Transport:    transport.Config{Serializer: r.cfg.Serializer},
		Async: proxy.AsyncConfig{
			Disabled:      !r.cfg.Async.Enabled,
			Timeout:       r.cfg.Async.Timeout,
			CoreSize:      r.cfg.Async.Pool.CoreSize,
			MaxSize:       r.cfg.Async.Pool.MaxSize,
			KeepAlive:     r.cfg.Async.Pool.KeepAlive,
			QueueCapacity: r.cfg.Async.Pool.QueueCapacity,
		},
	}
	if r.cfg.Breaker.Enabled {
		cfg.Breaker = &breaker.Config{
			MaxRequests:      r.cfg.Breaker.MaxRequests,
			Interval:         r.cfg.Breaker.Interval,
			Timeout:          r.cfg.Breaker.Timeout,
			FailureThreshold: r.cfg.Breaker.FailureThreshold,
		}
	}
	base := []proxy.Option{proxy.WithLogger(r.logger), proxy.WithMeter(r.meter)}
	return proxy.New(r.registry, cfg, append(base, opts...)...)
}

// NewProvider 按配置创建服务端并注册服务，返回的 Provider 需要调用 Start
func (r *Runtime) NewProvider(services ...*server.Service) (*server.Provider, error) {
	opts := []server.Option{server.WithLogger(r.logger), server.WithMeter(r.meter)}
	if r.cfg.RateLimit.Enabled {
		if r.limiter == nil {
			limiter, err := ratelimit.New(nil, ratelimit.WithLogger(r.logger), ratelimit.WithMeter(r.meter))
			if err != nil {
				return nil, err
			}
			r.limiter = limiter
		}
		opts = append(opts, server.WithRateLimit(r.limiter, ratelimit.Limit{
			Rate:  r.cfg.RateLimit.Rate,
			Burst: r.cfg.RateLimit.Burst,
		}))
	}

	srv, err := server.New(&server.Config{Port: r.cfg.ServerPort}, opts...)
	if err != nil {
		return nil, err
	}
	for _, svc := range services {
		if err := srv.Register(svc); err != nil {
			return nil, err
		}
	}
	return server.NewProvider(srv, r.registry, &server.ProviderConfig{AdvertiseHost: r.cfg.ServerHost}), nil
}

// Close 释放注册中心、限流器、Tracer 与 Meter，按创建的逆序进行
func (r *Runtime) Close() error {
	var errs []error
	if err := r.registry.Close(); err != nil {
		errs = append(errs, err)
	}
	if r.limiter != nil {
		if err := r.limiter.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.traceShutdown(context.Background()); err != nil {
		errs = append(errs, err)
	}
	if err := r.meter.Shutdown(context.Background()); err != nil {
		errs = append(errs, err)
	}
	return xerrors.Join(errs...)
}
