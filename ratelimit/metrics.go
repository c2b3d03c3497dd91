package ratelimit

// 服务端限流指标，key 为 serviceKey.method
const (
	MetricAllowed = "rpc_server_ratelimit_allowed_total"
	MetricDenied  = "rpc_server_ratelimit_denied_total"

	LabelKey = "method"
)
