package metrics

// Config 指标系统配置
//
//	metrics:
//	  enabled: true
//	  service_name: "user-service"
//	  version: "1.0"
//	  port: 9090
//	  path: "/metrics"
type Config struct {
	// Enabled 为 false 时 New 返回 noop Meter
	Enabled bool `mapstructure:"enabled"`

	// ServiceName 作为 OpenTelemetry Resource 的 service.name
	ServiceName string `mapstructure:"service_name"`

	// Version 作为 OpenTelemetry Resource 的 service.version
	Version string `mapstructure:"version"`

	// Port 大于 0 时启动 Prometheus HTTP 服务
	Port int `mapstructure:"port"`

	// Path Prometheus 采集路径，默认 "/metrics"
	Path string `mapstructure:"path"`
}

// NewDevDefaultConfig 开发环境配置：启用采集，不暴露 HTTP 端口
func NewDevDefaultConfig(serviceName string) *Config {
	return &Config{
		Enabled:     true,
		ServiceName: serviceName,
		Version:     "dev",
	}
}

func (c *Config) setDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "yurpc"
	}
	if c.Path == "" {
		c.Path = "/metrics"
	}
}
