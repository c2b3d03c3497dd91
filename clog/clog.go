// Package clog 为 yurpc 提供基于 slog 的结构化日志组件。
//
// 所有组件都只依赖 Logger 接口，通过 WithLogger 注入并追加自己的命名空间，
// 例如 registry、transport、proxy，最终输出 namespace=yurpc.proxy。
//
// 基本使用：
//
//	logger, _ := clog.New(&clog.Config{Level: "info", Format: "console"},
//	    clog.WithNamespace("yurpc"),
//	    clog.WithStandardContext(),
//	)
//	logger.Info("provider started", clog.String("addr", addr))
package clog

import "fmt"

// New 创建一个新的 Logger 实例
//
// config 为 nil 时使用开发环境默认配置。
func New(config *Config, opts ...Option) (Logger, error) {
	if config == nil {
		config = NewDevDefaultConfig()
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return newLogger(config, applyOptions(opts...))
}

// Must 类似 New，出错时 panic，仅用于初始化阶段
func Must(config *Config, opts ...Option) Logger {
	l, err := New(config, opts...)
	if err != nil {
		panic(err)
	}
	return l
}
