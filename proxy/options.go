package proxy

import (
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/ceyewan/yurpc/clog"
	"github.com/ceyewan/yurpc/idgen"
	"github.com/ceyewan/yurpc/metrics"
	"github.com/ceyewan/yurpc/model"
	"github.com/ceyewan/yurpc/tolerant"
)

const tracerName = "github.com/ceyewan/yurpc/proxy"

// Option 客户端选项
type Option func(*options)

type options struct {
	base      clog.Logger
	logger    clog.Logger
	meter     metrics.Meter
	tracer    oteltrace.Tracer
	clock     clockwork.Clock
	ids       idgen.Generator
	fallbacks map[string]tolerant.FallbackFunc
}

// WithLogger 设置 Logger，传输层等内部组件使用同一个 Logger
func WithLogger(l clog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.base = l
			o.logger = l.WithNamespace("proxy")
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

// WithTracer 设置 Tracer，默认使用全局 TracerProvider
func WithTracer(t oteltrace.Tracer) Option {
	return func(o *options) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithClock 设置重试退避与工作池使用的时钟，主要用于测试
func WithClock(c clockwork.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithIDGenerator 设置 requestId 生成器
func WithIDGenerator(g idgen.Generator) Option {
	return func(o *options) {
		if g != nil {
			o.ids = g
		}
	}
}

// WithFallback 为服务注册降级处理，failBack 容错优先使用它
func WithFallback(name, version string, fn tolerant.FallbackFunc) Option {
	return func(o *options) {
		if fn != nil {
			o.fallbacks[model.ServiceKey(name, version)] = fn
		}
	}
}

func applyOptions(opts []Option) *options {
	o := &options{
		base:      clog.Discard(),
		logger:    clog.Discard(),
		meter:     metrics.Discard(),
		clock:     clockwork.NewRealClock(),
		fallbacks: make(map[string]tolerant.FallbackFunc),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}
	if o.ids == nil {
		o.ids = idgen.Default()
	}
	return o
}
