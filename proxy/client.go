// Package proxy 是调用方的调用管线。
//
// 每次调用依次经过：发现实例、按策略选择实例、在重试策略中经熔断器发起传输调用、
// 重试耗尽后交给容错策略，最后异步记录调用指标。负载均衡、重试与容错的策略键
// 默认取自 Config，也可以在注册中心为单个实例覆盖；覆盖读取失败时使用默认值。
//
// 同步调用在调用方协程中执行整条管线，异步调用在有界工作池中执行并立即返回
// async.Future。
//
// ## 基本使用
//
//	client, _ := proxy.New(reg, &proxy.Config{LoadBalancer: loadbalancer.Weighted},
//		proxy.WithLogger(logger))
//	defer client.Close()
//
//	users := client.Service("UserService", "1.0")
//	u, err := proxy.Invoke[User](ctx, users, "getUser", User{Name: "Alice"})
//	f := proxy.InvokeAsync[User](ctx, users, "getUser", User{Name: "Alice"})
package proxy

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/ceyewan/yurpc/async"
	"github.com/ceyewan/yurpc/breaker"
	"github.com/ceyewan/yurpc/clog"
	"github.com/ceyewan/yurpc/idgen"
	"github.com/ceyewan/yurpc/internal/workerpool"
	"github.com/ceyewan/yurpc/loadbalancer"
	"github.com/ceyewan/yurpc/metrics"
	"github.com/ceyewan/yurpc/model"
	"github.com/ceyewan/yurpc/registry"
	"github.com/ceyewan/yurpc/retry"
	"github.com/ceyewan/yurpc/serializer"
	"github.com/ceyewan/yurpc/tolerant"
	"github.com/ceyewan/yurpc/trace"
	"github.com/ceyewan/yurpc/transport"
	"github.com/ceyewan/yurpc/xerrors"
)

// Registry 调用管线使用的注册中心能力，registry.Registry 满足此接口
type Registry interface {
	Discover(ctx context.Context, serviceKey string) ([]*model.ServiceMetaInfo, error)
	GetNodeStrategy(ctx context.Context, meta *model.ServiceMetaInfo, strategyType string) (string, bool, error)
	RecordCall(ctx context.Context, meta *model.ServiceMetaInfo, elapsed time.Duration, success bool) error
}

// Client 调用方客户端，并发安全
type Client struct {
	cfg    Config
	reg    Registry
	tr     *transport.Client
	codec  serializer.Serializer
	pool   *workerpool.Pool
	guard  breaker.Breaker
	ids    idgen.Generator
	logger clog.Logger
	tracer oteltrace.Tracer

	retryOpts    []retry.Option
	tolerantOpts []tolerant.Option
	fallbacks    map[string]tolerant.FallbackFunc

	// 按 (serviceKey, 策略键) 缓存，轮询计数跨调用保留
	balancers sync.Map // string -> loadbalancer.LoadBalancer
	retries   sync.Map // string -> retry.Strategy
	tolerants sync.Map // string -> tolerant.Strategy
	stubs     sync.Map // serviceKey -> *Service

	observe *metrics.RPCMetrics

	recorder *recorder
	closed   atomic.Bool
}

// New 创建客户端
//
// 参数:
//   - reg: 注册中心，用于发现、读取策略覆盖和记录调用指标
//   - cfg: 客户端配置，nil 使用默认值
//   - opts: 可选参数 (Logger, Meter, Tracer, Clock, IDGenerator, Fallback)
func New(reg Registry, cfg *Config, opts ...Option) (*Client, error) {
	if reg == nil {
		return nil, xerrors.Wrap(ErrInvalidConfig, "registry is required")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	c := *cfg
	c.setDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	o := applyOptions(opts)

	tr, err := transport.New(&c.Transport,
		transport.WithLogger(o.base),
		transport.WithMeter(o.meter),
		transport.WithIDGenerator(o.ids),
	)
	if err != nil {
		return nil, err
	}
	codec, err := serializer.ByID(tr.SerializerID())
	if err != nil {
		_ = tr.Close()
		return nil, err
	}

	var guard breaker.Breaker
	if c.Breaker != nil {
		guard, err = breaker.New(c.Breaker, breaker.WithLogger(o.base), breaker.WithMeter(o.meter))
		if err != nil {
			_ = tr.Close()
			return nil, err
		}
	}

	observe, err := metrics.NewRPCClientMetrics(o.meter)
	if err != nil {
		_ = tr.Close()
		return nil, err
	}
	dropped, _ := o.meter.Counter("rpc_client_metric_samples_dropped_total", "Call samples dropped because the metrics queue was full")

	var pool *workerpool.Pool
	if !c.Async.Disabled {
		pool = workerpool.New(&workerpool.Config{
			CoreSize:      c.Async.CoreSize,
			MaxSize:       c.Async.MaxSize,
			KeepAlive:     c.Async.KeepAlive,
			QueueCapacity: c.Async.QueueCapacity,
		}, workerpool.WithLogger(o.base), workerpool.WithClock(o.clock))
	}

	client := &Client{
		cfg:          c,
		reg:          reg,
		tr:           tr,
		codec:        codec,
		pool:         pool,
		guard:        guard,
		ids:          o.ids,
		logger:       o.logger,
		tracer:       o.tracer,
		retryOpts:    []retry.Option{retry.WithLogger(o.base), retry.WithClock(o.clock)},
		tolerantOpts: []tolerant.Option{tolerant.WithLogger(o.base)},
		fallbacks:    o.fallbacks,
		observe:      observe,
	}
	client.recorder = newRecorder(reg, c.MetricsQueue, c.MetricsTimeout, o.logger, dropped)

	o.logger.Info("rpc client created",
		clog.String("serializer", codec.Name()),
		clog.String("load_balancer", c.LoadBalancer),
		clog.String("retry", c.Retry),
		clog.String("tolerant", c.Tolerant),
		clog.Bool("breaker", guard != nil),
		clog.Bool("mock", c.Mock),
		clog.Bool("async", !c.Async.Disabled),
	)
	return client, nil
}

// Call 同步调用
//
// 返回值只可能是成功响应、容错策略给出的替代响应，或带有 xerrors 分类的错误。
func (c *Client) Call(ctx context.Context, req *model.RpcRequest) (*model.RpcResponse, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if req == nil || req.ServiceName == "" || req.MethodName == "" {
		return nil, ErrInvalidRequest
	}
	serviceKey := req.ServiceKey()

	ctx, span, headers := trace.StartClientSpan(ctx, c.tracer, trace.RPCMeta{ServiceKey: serviceKey, Method: req.MethodName})
	defer span.End()
	if headers != nil {
		traced := *req
		traced.Metadata = headers
		req = &traced
	}

	start := time.Now()
	resp, err := c.call(ctx, span, req)
	c.observe.Observe(ctx, serviceKey, req.MethodName, err, time.Since(start))
	if err != nil {
		trace.MarkSpanError(span, err)
		c.logger.DebugContext(ctx, "rpc call failed",
			clog.String("service_key", serviceKey),
			clog.String("method", req.MethodName),
			clog.Error(err),
		)
	}
	return resp, err
}

func (c *Client) call(ctx context.Context, span oteltrace.Span, req *model.RpcRequest) (*model.RpcResponse, error) {
	if c.cfg.Mock {
		return &model.RpcResponse{Message: "mock"}, nil
	}
	serviceKey := req.ServiceKey()

	candidates, err := c.reg.Discover(ctx, serviceKey)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, xerrors.Markf(xerrors.ErrNoAvailableInstance, "no instance of %s", serviceKey)
	}

	head := candidates[0]
	lb, lbKey := c.balancer(ctx, serviceKey, head)
	rs := c.retryStrategy(ctx, head)
	ts := c.tolerantStrategy(ctx, head)

	choices := candidates
	if lbKey == loadbalancer.Weighted {
		choices = c.applyWeights(ctx, candidates)
	}
	target, err := lb.Select(map[string]any{loadbalancer.ParamMethodName: req.MethodName}, choices)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String(trace.AttrRPCInstance, target.Address()))

	resp, err := rs.Do(ctx, func(ctx context.Context) (*model.RpcResponse, error) {
		return c.invoke(ctx, req, target)
	})
	if err == nil {
		return resp, nil
	}

	return ts.Tolerate(ctx, &tolerant.Context{
		Request:    req,
		Candidates: candidates,
		Failed:     target,
		Invoke: func(ctx context.Context, t *model.ServiceMetaInfo) (*model.RpcResponse, error) {
			return c.invoke(ctx, req, t)
		},
		Fallback: c.fallbacks[serviceKey],
	}, err)
}

// invoke 向单个实例发起一次调用，开启熔断时经熔断器保护
func (c *Client) invoke(ctx context.Context, req *model.RpcRequest, target *model.ServiceMetaInfo) (*model.RpcResponse, error) {
	start := time.Now()
	var (
		resp *model.RpcResponse
		err  error
	)
	if c.guard == nil {
		resp, err = c.tr.Call(ctx, req, target)
	} else {
		var out any
		out, err = c.guard.Execute(ctx, target.NodeKey(), func() (any, error) {
			return c.tr.Call(ctx, req, target)
		})
		resp, _ = out.(*model.RpcResponse)
	}
	c.recorder.record(target, time.Since(start), err == nil)
	return resp, err
}

// CallAsync 在工作池中执行同步调用管线，Future 的 RequestID 即第一次发出的请求帧的 requestId
//
// 工作池满载时 Future 以 workerpool.ErrRejected 失败；Config.Async.Timeout 约束整个调用。
func (c *Client) CallAsync(ctx context.Context, req *model.RpcRequest) *async.Future[*model.RpcResponse] {
	if c.closed.Load() {
		return async.Failed[*model.RpcResponse](ErrClientClosed)
	}
	if c.pool == nil {
		return async.Failed[*model.RpcResponse](ErrAsyncDisabled)
	}
	id, err := c.ids.NextID()
	if err != nil {
		return async.Failed[*model.RpcResponse](err)
	}
	return async.Go(ctx, c.pool, id, c.cfg.Async.Timeout, func(ctx context.Context) (*model.RpcResponse, error) {
		return c.Call(transport.WithRequestID(ctx, id), req)
	})
}

// resolve 读取实例的策略覆盖，未设置或读取失败时返回默认值
func (c *Client) resolve(ctx context.Context, meta *model.ServiceMetaInfo, strategyType, def string) string {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.StrategyTimeout)
	defer cancel()

	value, ok, err := c.reg.GetNodeStrategy(ctx, meta, strategyType)
	if err != nil {
		c.logger.Warn("failed to read strategy override, using default",
			clog.String("instance", meta.NodeKey()),
			clog.String("type", strategyType),
			clog.Error(err),
		)
		return def
	}
	if !ok {
		return def
	}
	return value
}

func (c *Client) balancer(ctx context.Context, serviceKey string, head *model.ServiceMetaInfo) (loadbalancer.LoadBalancer, string) {
	key := c.resolve(ctx, head, registry.StrategyLoadBalance, c.cfg.LoadBalancer)
	if !loadbalancer.Known(key) {
		c.logger.Warn("unknown load balancer override, using default",
			clog.String("service_key", serviceKey),
			clog.String("value", key),
		)
		key = c.cfg.LoadBalancer
	}
	cacheKey := serviceKey + "|" + key
	if v, ok := c.balancers.Load(cacheKey); ok {
		return v.(loadbalancer.LoadBalancer), key
	}
	lb, _ := loadbalancer.New(key)
	actual, _ := c.balancers.LoadOrStore(cacheKey, lb)
	return actual.(loadbalancer.LoadBalancer), key
}

// applyWeights 用实例的权重覆盖替换注册时的权重
//
// 返回新的切片，被覆盖的实例是副本，发现结果本身不被修改。
func (c *Client) applyWeights(ctx context.Context, candidates []*model.ServiceMetaInfo) []*model.ServiceMetaInfo {
	out := make([]*model.ServiceMetaInfo, len(candidates))
	for i, m := range candidates {
		out[i] = m
		raw := c.resolve(ctx, m, registry.StrategyWeight, "")
		if raw == "" {
			continue
		}
		w, err := strconv.Atoi(raw)
		if err != nil || w <= 0 {
			c.logger.Warn("invalid weight override, using registered weight",
				clog.String("instance", m.NodeKey()),
				clog.String("value", raw),
			)
			continue
		}
		cp := *m
		cp.Weight = w
		out[i] = &cp
	}
	return out
}

func (c *Client) retryStrategy(ctx context.Context, head *model.ServiceMetaInfo) retry.Strategy {
	key := c.resolve(ctx, head, registry.StrategyRetry, c.cfg.Retry)
	if v, ok := c.retries.Load(key); ok {
		return v.(retry.Strategy)
	}
	s, err := retry.New(key, &c.cfg.RetryPolicy, c.retryOpts...)
	if err != nil {
		c.logger.Warn("unknown retry override, using default", clog.String("value", key))
		key = c.cfg.Retry
		if v, ok := c.retries.Load(key); ok {
			return v.(retry.Strategy)
		}
		s, _ = retry.New(key, &c.cfg.RetryPolicy, c.retryOpts...)
	}
	actual, _ := c.retries.LoadOrStore(key, s)
	return actual.(retry.Strategy)
}

func (c *Client) tolerantStrategy(ctx context.Context, head *model.ServiceMetaInfo) tolerant.Strategy {
	key := c.resolve(ctx, head, registry.StrategyTolerant, c.cfg.Tolerant)
	if v, ok := c.tolerants.Load(key); ok {
		return v.(tolerant.Strategy)
	}
	s, err := tolerant.New(key, c.tolerantOpts...)
	if err != nil {
		c.logger.Warn("unknown tolerant override, using default", clog.String("value", key))
		key = c.cfg.Tolerant
		if v, ok := c.tolerants.Load(key); ok {
			return v.(tolerant.Strategy)
		}
		s, _ = tolerant.New(key, c.tolerantOpts...)
	}
	actual, _ := c.tolerants.LoadOrStore(key, s)
	return actual.(tolerant.Strategy)
}

// Close 等待异步调用结束，停止指标写入并关闭传输层
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Async.Timeout)
	defer cancel()

	var errs []error
	if c.pool != nil {
		if err := c.pool.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.recorder.close()
	if err := c.tr.Close(); err != nil {
		errs = append(errs, err)
	}
	c.logger.Info("rpc client closed")
	return xerrors.Join(errs...)
}
