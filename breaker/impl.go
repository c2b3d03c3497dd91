package breaker

import (
	"context"
	"sync"

	"github.com/sony/gobreaker/v2"

	"github.com/ceyewan/yurpc/clog"
	"github.com/ceyewan/yurpc/metrics"
	"github.com/ceyewan/yurpc/xerrors"
)

type circuitBreaker struct {
	cfg    *Config
	logger clog.Logger

	rejects      metrics.Counter
	stateChanges metrics.Counter

	// 实例级熔断器
	breakers sync.Map // map[string]*gobreaker.CircuitBreaker[any]
}

func newBreaker(cfg *Config, o *options) *circuitBreaker {
	cb := &circuitBreaker{
		cfg:    cfg,
		logger: o.logger,
	}
	cb.rejects, _ = o.meter.Counter(MetricRejectsTotal, "Calls rejected by an open circuit")
	cb.stateChanges, _ = o.meter.Counter(MetricStateChanges, "Circuit breaker state transitions")

	cb.logger.Info("circuit breaker created",
		clog.Int("max_requests", int(cfg.MaxRequests)),
		clog.Duration("timeout", cfg.Timeout),
		clog.Int("failure_threshold", int(cfg.FailureThreshold)),
		clog.Float64("failure_ratio", cfg.FailureRatio),
	)
	return cb
}

// Execute 执行受熔断保护的函数
func (cb *circuitBreaker) Execute(ctx context.Context, key string, fn func() (any, error)) (any, error) {
	if key == "" {
		return nil, ErrKeyEmpty
	}

	result, err := cb.getOrCreate(key).Execute(fn)
	if xerrors.Is(err, gobreaker.ErrOpenState) || xerrors.Is(err, gobreaker.ErrTooManyRequests) {
		cb.rejects.Inc(ctx, metrics.L(metrics.LabelInstance, key))
		cb.logger.Debug("call rejected by circuit breaker", clog.String("key", key))
		return nil, xerrors.Wrapf(ErrOpenState, "%s", key)
	}
	return result, err
}

// State 获取指定键的熔断器状态
func (cb *circuitBreaker) State(key string) (State, error) {
	if key == "" {
		return StateClosed, ErrKeyEmpty
	}
	val, ok := cb.breakers.Load(key)
	if !ok {
		return StateClosed, nil
	}
	return fromGobreaker(val.(*gobreaker.CircuitBreaker[any]).State()), nil
}

// Remove 丢弃指定键的熔断器
func (cb *circuitBreaker) Remove(key string) {
	cb.breakers.Delete(key)
}

func (cb *circuitBreaker) getOrCreate(key string) *gobreaker.CircuitBreaker[any] {
	if val, ok := cb.breakers.Load(key); ok {
		return val.(*gobreaker.CircuitBreaker[any])
	}

	settings := gobreaker.Settings{
		Name:          key,
		MaxRequests:   cb.cfg.MaxRequests,
		Interval:      cb.cfg.Interval,
		Timeout:       cb.cfg.Timeout,
		ReadyToTrip:   cb.readyToTrip,
		IsSuccessful:  isSuccessful,
		OnStateChange: cb.onStateChange,
	}
	actual, _ := cb.breakers.LoadOrStore(key, gobreaker.NewCircuitBreaker[any](settings))
	return actual.(*gobreaker.CircuitBreaker[any])
}

// readyToTrip 连续失败次数达到阈值，或失败率达到阈值时熔断
func (cb *circuitBreaker) readyToTrip(counts gobreaker.Counts) bool {
	if counts.ConsecutiveFailures >= cb.cfg.FailureThreshold {
		return true
	}
	if cb.cfg.FailureRatio <= 0 || counts.Requests < cb.cfg.MinimumRequests {
		return false
	}
	return float64(counts.TotalFailures)/float64(counts.Requests) >= cb.cfg.FailureRatio
}

// isSuccessful 只把实例不可达的错误算作失败
func isSuccessful(err error) bool {
	return err == nil || !xerrors.IsRetryable(err)
}

func (cb *circuitBreaker) onStateChange(name string, from, to gobreaker.State) {
	cb.stateChanges.Inc(context.Background(),
		metrics.L(metrics.LabelInstance, name),
		metrics.L(LabelFromState, fromGobreaker(from).String()),
		metrics.L(LabelToState, fromGobreaker(to).String()),
	)
	cb.logger.Info("circuit breaker state changed",
		clog.String("instance", name),
		clog.String("from", fromGobreaker(from).String()),
		clog.String("to", fromGobreaker(to).String()),
	)
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}
