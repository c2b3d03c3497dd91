package retry

import "time"

// Config 重试参数
type Config struct {
	// MaxAttempts 包含首次调用在内的最大尝试次数
	MaxAttempts int `mapstructure:"max_attempts"`
	// Interval 固定间隔策略的等待时间
	Interval time.Duration `mapstructure:"interval"`

	// 指数退避参数
	InitialInterval     time.Duration `mapstructure:"initial_interval"`
	MaxInterval         time.Duration `mapstructure:"max_interval"`
	Multiplier          float64       `mapstructure:"multiplier"`
	RandomizationFactor float64       `mapstructure:"randomization_factor"`
}

func (c *Config) setDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Interval <= 0 {
		c.Interval = 3 * time.Second
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 100 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 5 * time.Second
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2
	}
	if c.RandomizationFactor <= 0 || c.RandomizationFactor >= 1 {
		c.RandomizationFactor = 0.5
	}
}
