package config

import (
	"strings"

	"github.com/ceyewan/yurpc/clog"
)

// Config 加载器配置
type Config struct {
	Name      string         // 配置文件名称（不含扩展名），默认 "application"
	Paths     []string       // 配置文件搜索路径，默认 [".", "./config"]
	FileType  string         // 配置文件类型 (yaml, json, etc.)
	EnvPrefix string         // 环境变量前缀，默认 "YURPC"
	Defaults  map[string]any // 默认值，同时让 Unmarshal 能识别只由环境变量提供的键
	Watch     bool           // 是否监听配置文件变化
}

// validate 设置默认值并验证配置
func (c *Config) validate() error {
	if c.Name == "" {
		c.Name = "application"
	}
	if c.Paths == nil {
		c.Paths = []string{".", "./config"}
	}
	if c.FileType == "" {
		c.FileType = "yaml"
	}
	if c.EnvPrefix == "" {
		c.EnvPrefix = "YURPC"
	}
	c.EnvPrefix = strings.ToUpper(c.EnvPrefix)
	return nil
}

// Option 配置选项模式
type Option func(*Config)

// WithConfigName 设置配置文件名称（不带扩展名）
func WithConfigName(name string) Option {
	return func(c *Config) {
		c.Name = name
	}
}

// WithConfigPaths 设置配置文件搜索路径（覆盖默认值）
func WithConfigPaths(paths ...string) Option {
	return func(c *Config) {
		c.Paths = paths
	}
}

// WithConfigType 设置配置文件类型 (yaml, json, etc.)
func WithConfigType(typ string) Option {
	return func(c *Config) {
		c.FileType = typ
	}
}

// WithEnvPrefix 设置环境变量前缀
func WithEnvPrefix(prefix string) Option {
	return func(c *Config) {
		c.EnvPrefix = prefix
	}
}

// WithWatch 开启配置文件热更新
func WithWatch() Option {
	return func(c *Config) {
		c.Watch = true
	}
}

// New 创建配置加载器。
//
// 如果 cfg 为 nil，使用默认配置；logger 为 nil 时不输出日志。
func New(cfg *Config, logger clog.Logger) (Loader, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = clog.Discard()
	}
	return newLoader(cfg, logger.WithNamespace("config")), nil
}
