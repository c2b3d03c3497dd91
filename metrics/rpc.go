package metrics

import (
	"context"
	"time"

	"github.com/ceyewan/yurpc/xerrors"
)

const (
	MetricRPCClientCallsTotal      = "rpc_client_calls_total"
	MetricRPCClientDurationSeconds = "rpc_client_call_duration_seconds"
	MetricRPCServerRequestsTotal   = "rpc_server_requests_total"
	MetricRPCServerDurationSeconds = "rpc_server_request_duration_seconds"
)

var defaultRPCDurationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// RPCMetrics 记录 RPC 调用的 RED 指标（次数、结果、耗时）
type RPCMetrics struct {
	total    Counter
	duration Histogram
}

// NewRPCClientMetrics 创建调用方指标
func NewRPCClientMetrics(m Meter) (*RPCMetrics, error) {
	return newRPCMetrics(m, MetricRPCClientCallsTotal, MetricRPCClientDurationSeconds, "client")
}

// NewRPCServerMetrics 创建服务端指标
func NewRPCServerMetrics(m Meter) (*RPCMetrics, error) {
	return newRPCMetrics(m, MetricRPCServerRequestsTotal, MetricRPCServerDurationSeconds, "server")
}

func newRPCMetrics(m Meter, totalName, durationName, side string) (*RPCMetrics, error) {
	if m == nil {
		m = Discard()
	}
	total, err := m.Counter(totalName, "Total number of RPC "+side+" calls.")
	if err != nil {
		return nil, xerrors.Wrapf(err, "create rpc %s counter", side)
	}
	duration, err := m.Histogram(durationName, "RPC "+side+" call duration in seconds.",
		WithUnit("s"), WithBuckets(defaultRPCDurationBuckets))
	if err != nil {
		return nil, xerrors.Wrapf(err, "create rpc %s histogram", side)
	}
	return &RPCMetrics{total: total, duration: duration}, nil
}

// Observe 记录一次调用
func (r *RPCMetrics) Observe(ctx context.Context, service, method string, err error, elapsed time.Duration) {
	if r == nil {
		return
	}
	labels := []Label{
		L(LabelService, service),
		L(LabelMethod, method),
		L(LabelOutcome, RPCOutcome(err)),
	}
	r.total.Inc(ctx, labels...)
	r.duration.Record(ctx, elapsed.Seconds(), labels...)
}

// RPCOutcome 将错误映射为低基数的结果标签
func RPCOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case xerrors.Is(err, xerrors.ErrTimeout):
		return "timeout"
	case xerrors.Is(err, xerrors.ErrTransport):
		return "transport_error"
	case xerrors.Is(err, xerrors.ErrRemoteExecution):
		return "remote_error"
	case xerrors.Is(err, xerrors.ErrNoAvailableInstance):
		return "no_instance"
	case xerrors.Is(err, xerrors.ErrDiscovery):
		return "discovery_error"
	default:
		return "error"
	}
}
