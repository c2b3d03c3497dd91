package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/ceyewan/yurpc/clog"
	"github.com/ceyewan/yurpc/metrics"
	"github.com/ceyewan/yurpc/xerrors"
)

// limiterWrapper 包装 rate.Limiter 并记录最后访问时间
type limiterWrapper struct {
	limiter  *rate.Limiter
	mu       sync.Mutex
	lastSeen time.Time
}

type standaloneLimiter struct {
	cfg      *Config
	logger   clog.Logger
	clock    clockwork.Clock
	limiters sync.Map // map[string]*limiterWrapper

	allowed metrics.Counter
	denied  metrics.Counter

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func newStandalone(cfg *Config, o *options) *standaloneLimiter {
	l := &standaloneLimiter{
		cfg:    cfg,
		logger: o.logger,
		clock:  o.clock,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	l.allowed, _ = o.meter.Counter(MetricAllowed, "Requests admitted by the rate limiter")
	l.denied, _ = o.meter.Counter(MetricDenied, "Requests rejected by the rate limiter")

	ticker := l.clock.NewTicker(cfg.CleanupInterval)
	go l.cleanup(ticker)

	l.logger.Info("standalone rate limiter created",
		clog.Duration("cleanup_interval", cfg.CleanupInterval),
		clog.Duration("idle_timeout", cfg.IdleTimeout))
	return l
}

// Allow 尝试获取 1 个令牌
func (l *standaloneLimiter) Allow(ctx context.Context, key string, limit Limit) (bool, error) {
	return l.AllowN(ctx, key, limit, 1)
}

// AllowN 尝试获取 N 个令牌
func (l *standaloneLimiter) AllowN(ctx context.Context, key string, limit Limit, n int) (bool, error) {
	if key == "" {
		return false, ErrKeyEmpty
	}
	if !limit.Valid() {
		return false, ErrInvalidLimit
	}
	if n <= 0 {
		return false, xerrors.Wrapf(xerrors.ErrInvalidInput, "ratelimit: n must be positive")
	}

	w := l.getLimiter(key, limit)
	now := l.clock.Now()
	w.mu.Lock()
	ok := w.limiter.AllowN(now, n)
	w.lastSeen = now
	w.mu.Unlock()

	if ok {
		l.allowed.Inc(ctx, metrics.L(LabelKey, key))
	} else {
		l.denied.Inc(ctx, metrics.L(LabelKey, key))
		l.logger.Debug("rate limit exceeded",
			clog.String("key", key),
			clog.Float64("rate", limit.Rate),
			clog.Int("burst", limit.Burst))
	}
	return ok, nil
}

// getLimiter 获取或创建指定 key 的限流器，规则不同的同名键互不影响
func (l *standaloneLimiter) getLimiter(key string, limit Limit) *limiterWrapper {
	cacheKey := fmt.Sprintf("%s:%v:%d", key, limit.Rate, limit.Burst)
	if v, ok := l.limiters.Load(cacheKey); ok {
		return v.(*limiterWrapper)
	}
	w := &limiterWrapper{
		limiter:  rate.NewLimiter(rate.Limit(limit.Rate), limit.Burst),
		lastSeen: l.clock.Now(),
	}
	actual, _ := l.limiters.LoadOrStore(cacheKey, w)
	return actual.(*limiterWrapper)
}

func (l *standaloneLimiter) cleanup(ticker clockwork.Ticker) {
	defer close(l.done)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			l.sweep(l.clock.Now())
		case <-l.stopCh:
			return
		}
	}
}

// sweep 删除空闲超过 IdleTimeout 的限流器，返回删除数量
func (l *standaloneLimiter) sweep(now time.Time) int {
	count := 0
	l.limiters.Range(func(key, value any) bool {
		w := value.(*limiterWrapper)
		w.mu.Lock()
		idle := now.Sub(w.lastSeen)
		w.mu.Unlock()
		if idle > l.cfg.IdleTimeout {
			l.limiters.Delete(key)
			count++
		}
		return true
	})
	if count > 0 {
		l.logger.Debug("cleaned up idle limiters", clog.Int("count", count))
	}
	return count
}

// Close 停止后台清理，可以重复调用
func (l *standaloneLimiter) Close() error {
	l.stopOnce.Do(func() { close(l.stopCh) })
	<-l.done
	return nil
}
