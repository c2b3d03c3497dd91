package server

import (
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/ceyewan/yurpc/clog"
	"github.com/ceyewan/yurpc/metrics"
	"github.com/ceyewan/yurpc/ratelimit"
)

// Option 服务端选项
type Option func(*options)

type options struct {
	logger  clog.Logger
	meter   metrics.Meter
	limiter ratelimit.Limiter
	limit   ratelimit.Limit
	tracer  oteltrace.Tracer
}

// WithLogger 设置 Logger
func WithLogger(l clog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l.WithNamespace("server")
		}
	}
}

// WithMeter 设置 Meter
func WithMeter(m metrics.Meter) Option {
	return func(o *options) {
		if m != nil {
			o.meter = m
		}
	}
}

// WithRateLimit 按 serviceKey.method 限流
func WithRateLimit(l ratelimit.Limiter, limit ratelimit.Limit) Option {
	return func(o *options) {
		if l != nil && limit.Valid() {
			o.limiter = l
			o.limit = limit
		}
	}
}

// WithTracer 设置 Tracer，默认使用全局 TracerProvider
func WithTracer(t oteltrace.Tracer) Option {
	return func(o *options) {
		o.tracer = t
	}
}

func applyOptions(opts []Option) *options {
	o := &options{
		logger: clog.Discard(),
		meter:  metrics.Discard(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
