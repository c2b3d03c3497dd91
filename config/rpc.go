package config

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/ceyewan/yurpc/clog"
	"github.com/ceyewan/yurpc/metrics"
	"github.com/ceyewan/yurpc/trace"
	"github.com/ceyewan/yurpc/xerrors"
)

// RPCKey 框架配置在配置文件中的根键
const RPCKey = "rpc"

// RPC 框架全局配置
//
//	rpc:
//	  name: user-provider
//	  server_port: 8999
//	  serializer: msgpack
//	  load_balancer: consistentHash
//	  registry:
//	    endpoints: ["127.0.0.1:2379"]
//	  async:
//	    enabled: true
//	    timeout: 5s
type RPC struct {
	Name             string          `mapstructure:"name"`
	Version          string          `mapstructure:"version"`
	ServerHost       string          `mapstructure:"server_host"`
	ServerPort       int             `mapstructure:"server_port"`
	Serializer       string          `mapstructure:"serializer"`
	LoadBalancer     string          `mapstructure:"load_balancer"`
	RetryStrategy    string          `mapstructure:"retry_strategy"`
	TolerantStrategy string          `mapstructure:"tolerant_strategy"`
	Mock             bool            `mapstructure:"mock"`
	Registry         RegistryConfig  `mapstructure:"registry"`
	Async            AsyncConfig     `mapstructure:"async"`
	Breaker          BreakerConfig   `mapstructure:"breaker"`
	RateLimit        RateLimitConfig `mapstructure:"rate_limit"`
	Metrics          metrics.Config  `mapstructure:"metrics"`
	Log              clog.Config     `mapstructure:"log"`
	Trace            trace.Config    `mapstructure:"trace"`
}

// RegistryConfig 注册中心配置
type RegistryConfig struct {
	// Mode "etcd" 连接外部 etcd，"standalone" 使用进程内存储
	Mode              string        `mapstructure:"mode"`
	Endpoints         []string      `mapstructure:"endpoints"`
	Username          string        `mapstructure:"username"`
	Password          string        `mapstructure:"password"`
	Timeout           time.Duration `mapstructure:"timeout"`
	Root              string        `mapstructure:"root"`
	LeaseTTL          time.Duration `mapstructure:"lease_ttl"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	CacheSize         int           `mapstructure:"cache_size"`
}

// AsyncConfig 异步调用配置
type AsyncConfig struct {
	// Enabled 为 false 时客户端不创建工作池，异步调用直接失败
	Enabled bool          `mapstructure:"enabled"`
	Timeout time.Duration `mapstructure:"timeout"`
	Pool    PoolConfig    `mapstructure:"pool"`
}

// PoolConfig 异步工作池配置
type PoolConfig struct {
	CoreSize      int           `mapstructure:"core_size"`
	MaxSize       int           `mapstructure:"max_size"`
	KeepAlive     time.Duration `mapstructure:"keep_alive"`
	QueueCapacity int           `mapstructure:"queue_capacity"`
}

// BreakerConfig 客户端按实例熔断配置
type BreakerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	MaxRequests      uint32        `mapstructure:"max_requests"`
	Interval         time.Duration `mapstructure:"interval"`
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
}

// RateLimitConfig 服务端按方法限流配置
type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	Rate    float64 `mapstructure:"rate"`
	Burst   int     `mapstructure:"burst"`
}

// DefaultRPC 返回默认配置
func DefaultRPC() *RPC {
	return &RPC{
		Name:             "yu-rpc",
		Version:          "1.0",
		ServerHost:       "localhost",
		ServerPort:       8999,
		Serializer:       "json",
		LoadBalancer:     "roundRobin",
		RetryStrategy:    "no",
		TolerantStrategy: "failFast",
		Registry: RegistryConfig{
			Mode:              "etcd",
			Endpoints:         []string{"127.0.0.1:2379"},
			Timeout:           10 * time.Second,
			Root:              "/rpc/",
			LeaseTTL:          30 * time.Second,
			HeartbeatInterval: 10 * time.Second,
			CacheSize:         1024,
		},
		Async: AsyncConfig{
			Timeout: 30 * time.Second,
			Pool: PoolConfig{
				CoreSize:      10,
				MaxSize:       50,
				KeepAlive:     60 * time.Second,
				QueueCapacity: 1000,
			},
		},
		Breaker: BreakerConfig{
			MaxRequests:      1,
			Interval:         60 * time.Second,
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
		},
		RateLimit: RateLimitConfig{
			Rate:  1000,
			Burst: 2000,
		},
		Metrics: metrics.Config{
			ServiceName: "yu-rpc",
			Path:        "/metrics",
		},
		Log: *clog.NewProdDefaultConfig(),
		Trace: trace.Config{
			Sampler:  1.0,
			Batcher:  "batch",
			Insecure: true,
		},
	}
}

// Address 服务端监听地址
func (c *RPC) Address() string {
	return net.JoinHostPort(c.ServerHost, strconv.Itoa(c.ServerPort))
}

// Validate 校验配置
func (c *RPC) Validate() error {
	if c.Name == "" {
		return xerrors.Wrap(ErrValidationFailed, "rpc.name is empty")
	}
	if c.ServerPort < 0 || c.ServerPort > 65535 {
		return xerrors.Wrapf(ErrValidationFailed, "rpc.server_port %d out of range", c.ServerPort)
	}
	switch c.Registry.Mode {
	case "etcd":
		if len(c.Registry.Endpoints) == 0 {
			return xerrors.Wrap(ErrValidationFailed, "rpc.registry.endpoints is empty")
		}
	case "standalone":
	default:
		return xerrors.Wrapf(ErrValidationFailed, "unknown rpc.registry.mode %q", c.Registry.Mode)
	}
	if c.Registry.HeartbeatInterval >= c.Registry.LeaseTTL {
		return xerrors.Wrap(ErrValidationFailed, "rpc.registry.heartbeat_interval must be shorter than lease_ttl")
	}
	if c.Async.Pool.CoreSize <= 0 || c.Async.Pool.MaxSize < c.Async.Pool.CoreSize {
		return xerrors.Wrap(ErrValidationFailed, "rpc.async.pool sizes are invalid")
	}
	if c.Async.Pool.QueueCapacity < 0 {
		return xerrors.Wrap(ErrValidationFailed, "rpc.async.pool.queue_capacity is negative")
	}
	return nil
}

// defaultsMap 将默认配置展开为 viper 的扁平键
func defaultsMap(d *RPC) map[string]any {
	p := RPCKey + "."
	return map[string]any{
		p + "name":                        d.Name,
		p + "version":                     d.Version,
		p + "server_host":                 d.ServerHost,
		p + "server_port":                 d.ServerPort,
		p + "serializer":                  d.Serializer,
		p + "load_balancer":               d.LoadBalancer,
		p + "retry_strategy":              d.RetryStrategy,
		p + "tolerant_strategy":           d.TolerantStrategy,
		p + "mock":                        d.Mock,
		p + "registry.mode":               d.Registry.Mode,
		p + "registry.endpoints":          d.Registry.Endpoints,
		p + "registry.username":           d.Registry.Username,
		p + "registry.password":           d.Registry.Password,
		p + "registry.timeout":            d.Registry.Timeout,
		p + "registry.root":               d.Registry.Root,
		p + "registry.lease_ttl":          d.Registry.LeaseTTL,
		p + "registry.heartbeat_interval": d.Registry.HeartbeatInterval,
		p + "registry.cache_size":         d.Registry.CacheSize,
		p + "async.enabled":               d.Async.Enabled,
		p + "async.timeout":               d.Async.Timeout,
		p + "async.pool.core_size":        d.Async.Pool.CoreSize,
		p + "async.pool.max_size":         d.Async.Pool.MaxSize,
		p + "async.pool.keep_alive":       d.Async.Pool.KeepAlive,
		p + "async.pool.queue_capacity":   d.Async.Pool.QueueCapacity,
		p + "breaker.enabled":             d.Breaker.Enabled,
		p + "breaker.max_requests":        d.Breaker.MaxRequests,
		p + "breaker.interval":            d.Breaker.Interval,
		p + "breaker.timeout":             d.Breaker.Timeout,
		p + "breaker.failure_threshold":   d.Breaker.FailureThreshold,
		p + "rate_limit.enabled":          d.RateLimit.Enabled,
		p + "rate_limit.rate":             d.RateLimit.Rate,
		p + "rate_limit.burst":            d.RateLimit.Burst,
		p + "metrics.enabled":             d.Metrics.Enabled,
		p + "metrics.service_name":        d.Metrics.ServiceName,
		p + "metrics.version":             d.Metrics.Version,
		p + "metrics.port":                d.Metrics.Port,
		p + "metrics.path":                d.Metrics.Path,
		p + "log.level":                   d.Log.Level,
		p + "log.format":                  d.Log.Format,
		p + "log.output":                  d.Log.Output,
		p + "log.add_source":              d.Log.AddSource,
		p + "log.source_root":             d.Log.SourceRoot,
		p + "trace.service_name":          d.Trace.ServiceName,
		p + "trace.endpoint":              d.Trace.Endpoint,
		p + "trace.sampler":               d.Trace.Sampler,
		p + "trace.batcher":               d.Trace.Batcher,
		p + "trace.insecure":              d.Trace.Insecure,
	}
}

// LoadRPC 从配置文件、.env 与环境变量加载框架配置
//
// 未出现在任何来源中的字段取 DefaultRPC 的值，缺少配置文件不算错误。
func LoadRPC(ctx context.Context, opts ...Option) (*RPC, error) {
	cfg := &Config{Defaults: defaultsMap(DefaultRPC())}
	for _, opt := range opts {
		opt(cfg)
	}
	l, err := New(cfg, nil)
	if err != nil {
		return nil, err
	}
	if err := l.Load(ctx); err != nil {
		return nil, err
	}

	// 默认值与环境变量只在整体反序列化时合并，UnmarshalKey 只看到文件中的子树
	var root struct {
		RPC RPC `mapstructure:"rpc"`
	}
	if err := l.Unmarshal(&root); err != nil {
		return nil, xerrors.Wrap(err, "unmarshal rpc config")
	}
	rpc := &root.RPC
	if err := rpc.Validate(); err != nil {
		return nil, err
	}
	return rpc, nil
}
