// Package ratelimit 提供基于令牌桶的单机限流。
//
// 服务端按 service.method 为键限流，超出速率的请求直接以失败响应返回，
// 不交给处理函数。底层是 golang.org/x/time/rate，所有时间取自注入的时钟，
// 测试中可以用假时钟精确控制令牌补充。
//
// ## 基本使用
//
//	limiter, _ := ratelimit.New(&ratelimit.Config{
//	    CleanupInterval: 1 * time.Minute,
//	    IdleTimeout:     5 * time.Minute,
//	}, ratelimit.WithLogger(logger))
//	defer limiter.Close()
//
//	if !limiter.Allow(ctx, "UserService:1.0.getUser", ratelimit.Limit{Rate: 100, Burst: 200}) {
//	    return ratelimit.ErrRateLimitExceeded
//	}
package ratelimit

import (
	"context"
	"time"
)

// Limit 定义限流规则（令牌桶算法）
type Limit struct {
	Rate  float64 // 令牌生成速率（每秒生成多少个令牌）
	Burst int     // 令牌桶容量（突发最大请求数）
}

// Valid 规则是否可用
func (l Limit) Valid() bool {
	return l.Rate > 0 && l.Burst > 0
}

// Limiter 限流器
type Limiter interface {
	// Allow 尝试获取 1 个令牌（非阻塞）
	Allow(ctx context.Context, key string, limit Limit) (bool, error)

	// AllowN 尝试获取 N 个令牌（非阻塞）
	AllowN(ctx context.Context, key string, limit Limit, n int) (bool, error)

	// Close 停止后台清理
	Close() error
}

// Config 单机限流配置
type Config struct {
	// CleanupInterval 清理空闲限流器的间隔（默认：1 分钟）
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`

	// IdleTimeout 限流器空闲超时时间（默认：5 分钟）
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

func (c *Config) setDefaults() {
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
}

// New 创建单机限流器
//
// 参数:
//   - cfg: 限流配置，nil 使用默认值
//   - opts: 可选参数 (Logger, Meter, Clock)
func New(cfg *Config, opts ...Option) (Limiter, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	c := *cfg
	c.setDefaults()
	return newStandalone(&c, applyOptions(opts)), nil
}
