package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/yurpc/xerrors"
)

func TestNew(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	m, err := New(&Config{Enabled: false})
	require.NoError(t, err)
	assert.IsType(t, noopMeter{}, m)

	m, err = New(NewDevDefaultConfig("metrics-test"))
	require.NoError(t, err)

	ctx := context.Background()
	c, err := m.Counter("test_calls_total", "calls")
	require.NoError(t, err)
	c.Inc(ctx, L(LabelService, "UserService:1.0"))
	c.Add(ctx, 2)

	g, err := m.Gauge("test_inflight", "in flight")
	require.NoError(t, err)
	g.Inc(ctx)
	g.Dec(ctx)
	g.Set(ctx, 3)

	h, err := m.Histogram("test_latency_seconds", "latency", WithUnit("s"), WithBuckets([]float64{0.1, 1}))
	require.NoError(t, err)
	h.Record(ctx, 0.2)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	assert.NoError(t, m.Shutdown(shutdownCtx))
}

func TestRPCOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "success"},
		{xerrors.Mark(xerrors.ErrTimeout, nil), "timeout"},
		{xerrors.Mark(xerrors.ErrTransport, errors.New("reset")), "transport_error"},
		{xerrors.Mark(xerrors.ErrRemoteExecution, errors.New("npe")), "remote_error"},
		{xerrors.ErrNoAvailableInstance, "no_instance"},
		{errors.New("other"), "error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RPCOutcome(tt.err))
	}
}

func TestRPCMetricsWithDiscard(t *testing.T) {
	r, err := NewRPCClientMetrics(Discard())
	require.NoError(t, err)
	r.Observe(context.Background(), "UserService:1.0", "getUser", nil, time.Millisecond)

	var nilMetrics *RPCMetrics
	nilMetrics.Observe(context.Background(), "s", "m", nil, 0)
}
