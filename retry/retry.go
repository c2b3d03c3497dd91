// Package retry 为单次调用尝试提供重试策略。
//
// 策略只重试传输错误和超时 (xerrors.IsRetryable)，其余错误立即返回。
// 重试耗尽时返回最后一次尝试的错误。每次 Do 有独立的退避状态和计时器，
// 等待不会阻塞其他调用。
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ceyewan/yurpc/clog"
	"github.com/ceyewan/yurpc/model"
	"github.com/ceyewan/yurpc/xerrors"
)

// 重试策略键
const (
	No            = "no"
	FixedInterval = "fixedInterval"
	Exponential   = "exponential"
	FixedCount    = "fixedCount"
)

// ErrUnknownRetryStrategy 未知的重试策略键
var ErrUnknownRetryStrategy = xerrors.Wrap(xerrors.ErrInvalidInput, "unknown retry strategy")

// Attempt 一次调用尝试
type Attempt func(ctx context.Context) (*model.RpcResponse, error)

// Strategy 重试策略
type Strategy interface {
	Do(ctx context.Context, attempt Attempt) (*model.RpcResponse, error)
}

// New 按策略键创建重试策略，空键不重试
func New(key string, cfg *Config, opts ...Option) (Strategy, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	c := *cfg
	c.setDefaults()
	o := applyOptions(opts)

	var factory func() backoff.BackOff
	switch key {
	case No, "":
		return noRetry{}, nil
	case FixedInterval:
		factory = func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(c.Interval), uint64(c.MaxAttempts-1))
		}
	case FixedCount:
		factory = func() backoff.BackOff {
			return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, uint64(c.MaxAttempts-1))
		}
	case Exponential:
		factory = func() backoff.BackOff {
			b := &backoff.ExponentialBackOff{
				InitialInterval:     c.InitialInterval,
				RandomizationFactor: c.RandomizationFactor,
				Multiplier:          c.Multiplier,
				MaxInterval:         c.MaxInterval,
				Stop:                backoff.Stop,
				Clock:               o.clock,
			}
			b.Reset()
			return backoff.WithMaxRetries(b, uint64(c.MaxAttempts-1))
		}
	default:
		return nil, xerrors.Wrapf(ErrUnknownRetryStrategy, "%q", key)
	}
	return &policy{name: key, newBackOff: factory, opts: o}, nil
}

// Keys 返回所有已知策略键
func Keys() []string {
	return []string{No, FixedInterval, Exponential, FixedCount}
}

type noRetry struct{}

func (noRetry) Do(ctx context.Context, attempt Attempt) (*model.RpcResponse, error) {
	return attempt(ctx)
}

type policy struct {
	name       string
	newBackOff func() backoff.BackOff
	opts       *options
}

func (p *policy) Do(ctx context.Context, attempt Attempt) (*model.RpcResponse, error) {
	var (
		tries   int
		lastErr error
	)
	op := func() (*model.RpcResponse, error) {
		tries++
		resp, err := attempt(ctx)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !xerrors.IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	notify := func(err error, next time.Duration) {
		p.opts.logger.Debug("retrying call",
			clog.String("strategy", p.name),
			clog.Int("attempt", tries),
			clog.Duration("backoff", next),
			clog.Error(err),
		)
	}

	b := backoff.WithContext(p.newBackOff(), ctx)
	resp, err := backoff.RetryNotifyWithTimerAndData(op, b, notify, newTimer(p.opts.clock))
	if err == nil {
		return resp, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && lastErr != nil && !xerrors.Is(err, lastErr) {
		return nil, xerrors.Wrapf(lastErr, "retry aborted after %d attempts: %v", tries, ctxErr)
	}
	if tries > 1 {
		p.opts.logger.Warn("retries exhausted",
			clog.String("strategy", p.name),
			clog.Int("attempts", tries),
			clog.Error(err),
		)
	}
	return nil, err
}
