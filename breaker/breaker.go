// Package breaker 为每个服务实例提供独立的熔断器。
//
// 熔断键通常是实例的 NodeKey (serviceKey/host:port)。只有传输错误和超时计入失败，
// 远程执行错误说明实例仍然可达，不会触发熔断。熔断打开时返回的 ErrOpenState
// 属于 xerrors.ErrTransport 分类，调用方的故障转移可以据此换到其他实例。
//
// ## 基本使用
//
//	brk, _ := breaker.New(&breaker.Config{
//		MaxRequests:      1,
//		Timeout:          30 * time.Second,
//		FailureThreshold: 5,
//	}, breaker.WithLogger(logger))
//
//	v, err := brk.Execute(ctx, meta.NodeKey(), func() (any, error) {
//		return client.Call(ctx, req, meta)
//	})
package breaker

import (
	"context"
	"time"
)

// Breaker 熔断器
type Breaker interface {
	// Execute 执行受熔断保护的函数
	Execute(ctx context.Context, key string, fn func() (any, error)) (any, error)

	// State 获取指定键的熔断器状态，未使用过的键为闭合状态
	State(key string) (State, error)

	// Remove 丢弃指定键的熔断器，实例下线时调用
	Remove(key string)
}

// State 熔断器状态
type State int

const (
	// StateClosed 闭合状态（正常）
	StateClosed State = iota
	// StateHalfOpen 半开状态（探测恢复）
	StateHalfOpen
	// StateOpen 打开状态（熔断中）
	StateOpen
)

// String 返回状态的字符串表示
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config 熔断器配置
type Config struct {
	// MaxRequests 半开状态下允许通过的最大请求数（默认：1）
	MaxRequests uint32 `mapstructure:"max_requests"`

	// Interval 闭合状态下的统计周期（默认：0，不清空统计）
	Interval time.Duration `mapstructure:"interval"`

	// Timeout 打开状态持续时间（默认：30s），之后进入半开状态
	Timeout time.Duration `mapstructure:"timeout"`

	// FailureThreshold 连续失败多少次触发熔断（默认：5）
	FailureThreshold uint32 `mapstructure:"failure_threshold"`

	// FailureRatio 失败率阈值，大于 0 时与 MinimumRequests 一起生效
	FailureRatio float64 `mapstructure:"failure_ratio"`

	// MinimumRequests 按失败率判断时的最小请求数（默认：10）
	MinimumRequests uint32 `mapstructure:"minimum_requests"`
}

func (c *Config) setDefaults() {
	if c.MaxRequests == 0 {
		c.MaxRequests = 1
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.MinimumRequests == 0 {
		c.MinimumRequests = 10
	}
}

func (c *Config) validate() error {
	if c.FailureRatio < 0 || c.FailureRatio > 1 {
		return ErrInvalidConfig
	}
	return nil
}

// New 创建熔断器实例
//
// 参数:
//   - cfg: 熔断器配置，nil 使用默认值
//   - opts: 可选参数 (Logger, Meter)
func New(cfg *Config, opts ...Option) (Breaker, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	c := *cfg
	c.setDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return newBreaker(&c, applyOptions(opts)), nil
}
