package proxy

import (
	"time"

	"github.com/ceyewan/yurpc/breaker"
	"github.com/ceyewan/yurpc/loadbalancer"
	"github.com/ceyewan/yurpc/retry"
	"github.com/ceyewan/yurpc/tolerant"
	"github.com/ceyewan/yurpc/transport"
)

// Config 调用方配置
type Config struct {
	// LoadBalancer 默认负载均衡策略（默认：roundRobin）
	LoadBalancer string `mapstructure:"load_balancer"`
	// Retry 默认重试策略（默认：no）
	Retry string `mapstructure:"retry"`
	// Tolerant 默认容错策略（默认：failFast）
	Tolerant string `mapstructure:"tolerant"`
	// RetryPolicy 重试次数与退避参数
	RetryPolicy retry.Config `mapstructure:"retry_policy"`

	// Mock 开启后不发起网络调用，直接返回目标类型的零值
	Mock bool `mapstructure:"mock"`

	Transport transport.Config `mapstructure:"transport"`
	Async     AsyncConfig      `mapstructure:"async"`

	// Breaker 按实例熔断，nil 表示关闭
	Breaker *breaker.Config `mapstructure:"breaker"`

	// StrategyTimeout 读取单实例策略覆盖的超时（默认：500ms）
	StrategyTimeout time.Duration `mapstructure:"strategy_timeout"`
	// MetricsQueue 待写入注册中心的调用指标队列长度（默认：1024），满时丢弃
	MetricsQueue int `mapstructure:"metrics_queue"`
	// MetricsTimeout 写入一条调用指标的超时（默认：2s）
	MetricsTimeout time.Duration `mapstructure:"metrics_timeout"`
}

// AsyncConfig 异步调用配置
type AsyncConfig struct {
	// Disabled 为 true 时不创建工作池，CallAsync 以 ErrAsyncDisabled 失败
	Disabled bool `mapstructure:"disabled"`
	// Timeout 约束整个异步调用（默认：30s）
	Timeout time.Duration `mapstructure:"timeout"`
	// CoreSize 常驻工作协程数（默认：10）
	CoreSize int `mapstructure:"core_size"`
	// MaxSize 工作协程上限（默认：50）
	MaxSize int `mapstructure:"max_size"`
	// KeepAlive 非常驻工作协程的空闲存活时间（默认：60s）
	KeepAlive time.Duration `mapstructure:"keep_alive"`
	// QueueCapacity 等待队列长度（默认：1000）
	QueueCapacity int `mapstructure:"queue_capacity"`
}

func (c *Config) setDefaults() {
	if c.LoadBalancer == "" {
		c.LoadBalancer = loadbalancer.RoundRobin
	}
	if c.Retry == "" {
		c.Retry = retry.No
	}
	if c.Tolerant == "" {
		c.Tolerant = tolerant.FailFast
	}
	if c.Async.Timeout <= 0 {
		c.Async.Timeout = 30 * time.Second
	}
	if c.Async.QueueCapacity <= 0 {
		c.Async.QueueCapacity = 1000
	}
	if c.StrategyTimeout <= 0 {
		c.StrategyTimeout = 500 * time.Millisecond
	}
	if c.MetricsQueue <= 0 {
		c.MetricsQueue = 1024
	}
	if c.MetricsTimeout <= 0 {
		c.MetricsTimeout = 2 * time.Second
	}
}

func (c *Config) validate() error {
	if !loadbalancer.Known(c.LoadBalancer) {
		return wrapInvalid(loadbalancer.ErrUnknownLoadBalancer, c.LoadBalancer)
	}
	if _, err := retry.New(c.Retry, &c.RetryPolicy); err != nil {
		return wrapInvalid(err, c.Retry)
	}
	if _, err := tolerant.New(c.Tolerant); err != nil {
		return wrapInvalid(err, c.Tolerant)
	}
	return nil
}
