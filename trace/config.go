package trace

// Config 链路追踪配置
//
//	trace:
//	  service_name: user-provider
//	  endpoint: localhost:4317
//	  sampler: 0.1
type Config struct {
	ServiceName string `mapstructure:"service_name"`
	// Endpoint OTLP gRPC 地址，为空时只生成 TraceID 不导出
	Endpoint string  `mapstructure:"endpoint"`
	Sampler  float64 `mapstructure:"sampler"`
	Batcher  string  `mapstructure:"batcher"`
	Insecure bool    `mapstructure:"insecure"`
}

// DefaultConfig 返回默认配置
func DefaultConfig(serviceName string) *Config {
	return &Config{
		ServiceName: serviceName,
		Endpoint:    "localhost:4317",
		Sampler:     1.0,
		Batcher:     "batch",
		Insecure:    true,
	}
}
