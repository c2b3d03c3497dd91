package transport

import (
	"github.com/ceyewan/yurpc/clog"
	"github.com/ceyewan/yurpc/idgen"
	"github.com/ceyewan/yurpc/metrics"
)

// Option 传输客户端选项
type Option func(*options)

type options struct {
	logger clog.Logger
	meter  metrics.Meter
	ids    idgen.Generator
}

// WithLogger 设置 Logger
func WithLogger(l clog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l.WithNamespace("transport")
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

// WithIDGenerator 设置 requestId 生成器，默认使用 idgen.Default()
func WithIDGenerator(g idgen.Generator) Option {
	return func(o *options) {
		if g != nil {
			o.ids = g
		}
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
	if o.ids == nil {
		o.ids = idgen.Default()
	}
	return o
}
