package trace

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/ceyewan/yurpc"

// RPCMeta 描述一次调用的标准化属性
type RPCMeta struct {
	ServiceKey string
	Method     string
}

func normalizeTracer(tracer oteltrace.Tracer) oteltrace.Tracer {
	if tracer == nil {
		return otel.Tracer(tracerName)
	}
	return tracer
}

func rpcAttributes(meta RPCMeta, attrs ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs)+3)
	out = append(out, attribute.String(AttrRPCSystem, SystemName))
	if meta.ServiceKey != "" {
		out = append(out, attribute.String(AttrRPCService, meta.ServiceKey))
	}
	if meta.Method != "" {
		out = append(out, attribute.String(AttrRPCMethod, meta.Method))
	}
	return append(out, attrs...)
}

// Inject 把 ctx 中的追踪上下文写入 headers
func Inject(ctx context.Context, headers map[string]string) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
}

// Extract 从 headers 中恢复追踪上下文
func Extract(ctx context.Context, headers map[string]string) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}

// StartClientSpan 启动调用方 Span，返回注入了追踪上下文的 headers
//
// 没有有效的追踪上下文时 headers 为 nil，请求不携带额外数据。
func StartClientSpan(ctx context.Context, tracer oteltrace.Tracer, meta RPCMeta,
	attrs ...attribute.KeyValue) (context.Context, oteltrace.Span, map[string]string) {
	spanCtx, span := normalizeTracer(tracer).Start(ctx, SpanNameCall,
		oteltrace.WithSpanKind(oteltrace.SpanKindClient),
		oteltrace.WithAttributes(rpcAttributes(meta, attrs...)...),
	)
	headers := map[string]string{}
	Inject(spanCtx, headers)
	if len(headers) == 0 {
		headers = nil
	}
	return spanCtx, span, headers
}

// StartServerSpan 以 headers 中的远程 Span 为父启动服务端 Span
func StartServerSpan(ctx context.Context, tracer oteltrace.Tracer, headers map[string]string, meta RPCMeta,
	attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	if len(headers) > 0 {
		ctx = Extract(ctx, headers)
	}
	return normalizeTracer(tracer).Start(ctx, SpanNameServe,
		oteltrace.WithSpanKind(oteltrace.SpanKindServer),
		oteltrace.WithAttributes(rpcAttributes(meta, attrs...)...),
	)
}

// MarkSpanError 记录并将 Span 标记为错误，当 err 不为 nil 时
func MarkSpanError(span oteltrace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
