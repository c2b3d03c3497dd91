// Package config 为 yurpc 提供统一的配置管理能力，基于 Viper 实现。
//
// 特性：
//   - 多源配置加载：YAML/JSON 文件、环境变量、.env 文件
//   - 配置优先级：环境变量 > .env > 环境特定配置 > 基础配置 > 默认值
//   - 热更新支持：监听配置文件变化，通过 Watch 通知调用方
//
// 框架配置位于 rpc 键下，使用 LoadRPC 一步加载：
//
//	cfg, err := config.LoadRPC(ctx,
//		config.WithConfigName("application"),
//		config.WithConfigPaths("./config"),
//	)
//
// 环境变量使用 YURPC 前缀，层级用下划线分隔，例如 YURPC_RPC_SERVER_PORT=9000。
package config

import (
	"context"
	"time"
)

// Loader 定义配置加载器的核心行为
type Loader interface {
	// Load 加载配置并初始化内部状态
	Load(ctx context.Context) error

	// Get 获取原始配置值
	Get(key string) any

	// Unmarshal 将整个配置反序列化到结构体
	Unmarshal(v any) error

	// UnmarshalKey 将指定 Key 的配置反序列化到结构体
	UnmarshalKey(key string, v any) error

	// Watch 监听配置变化，通过 context 取消监听
	Watch(ctx context.Context, key string) (<-chan Event, error)

	// Validate 验证当前配置的有效性
	Validate() error
}

// Event 配置变更事件
type Event struct {
	Key       string // 配置 key
	Value     any    // 新值
	OldValue  any    // 旧值
	Source    string // "file" | "env"
	Timestamp time.Time
}
