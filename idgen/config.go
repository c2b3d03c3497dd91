package idgen

import (
	"time"

	"github.com/ceyewan/yurpc/xerrors"
)

// AllocatorConfig WorkerID 分配器配置
type AllocatorConfig struct {
	// KeyPrefix 键前缀，默认 "/rpc/idgen/worker/"
	KeyPrefix string `mapstructure:"key_prefix"`

	// MaxID 最大 ID 范围 [0, maxID)，默认 1024
	MaxID int `mapstructure:"max_id"`

	// TTL 租约 TTL，默认 30s，续约间隔为 TTL/3
	TTL time.Duration `mapstructure:"ttl"`
}

func (c *AllocatorConfig) setDefaults() {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "/rpc/idgen/worker/"
	}
	if c.MaxID <= 0 {
		c.MaxID = 1024
	}
	if c.TTL <= 0 {
		c.TTL = 30 * time.Second
	}
}

func (c *AllocatorConfig) validate() error {
	if c.MaxID > 1024 {
		return xerrors.WithCode(ErrInvalidInput, "max_id_out_of_range")
	}
	if c.TTL < 3*time.Second {
		return xerrors.WithCode(ErrInvalidInput, "ttl_too_short")
	}
	return nil
}
