package registry

import (
	"strings"
	"time"

	"github.com/ceyewan/yurpc/xerrors"
)

// Config Registry 组件配置
type Config struct {
	// Root 键空间根路径，默认 "/rpc/"
	Root string `mapstructure:"root"`

	// LeaseTTL 注册租约时长，默认 30s
	LeaseTTL time.Duration `mapstructure:"lease_ttl"`

	// HeartbeatInterval 心跳续约间隔，默认 10s
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`

	// CacheSize 服务发现缓存可容纳的服务键数量，默认 1024
	CacheSize int `mapstructure:"cache_size"`

	// OpTimeout 后台任务（心跳、下线）单次存储操作超时，默认 5s
	OpTimeout time.Duration `mapstructure:"op_timeout"`
}

func (c *Config) setDefaults() {
	if c.Root == "" {
		c.Root = "/rpc/"
	}
	if !strings.HasSuffix(c.Root, "/") {
		c.Root += "/"
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 1024
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = 5 * time.Second
	}
}

func (c *Config) validate() error {
	if !strings.HasPrefix(c.Root, "/") {
		return xerrors.Wrapf(ErrInvalidConfig, "root %q must start with /", c.Root)
	}
	if c.LeaseTTL < time.Second {
		return xerrors.Wrapf(ErrInvalidConfig, "lease ttl %v shorter than 1s", c.LeaseTTL)
	}
	if c.HeartbeatInterval >= c.LeaseTTL {
		return xerrors.Wrapf(ErrInvalidConfig, "heartbeat interval %v must be shorter than lease ttl %v", c.HeartbeatInterval, c.LeaseTTL)
	}
	return nil
}
