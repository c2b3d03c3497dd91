package registry

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/ceyewan/yurpc/clog"
	"github.com/ceyewan/yurpc/kvstore"
	"github.com/ceyewan/yurpc/model"
	"github.com/ceyewan/yurpc/xerrors"
)

func (r *registry) List(ctx context.Context, prefix string) ([]kvstore.KeyValue, error) {
	if err := r.ensureOpen(); err != nil {
		return nil, err
	}
	kvs, err := r.store.List(ctx, prefix)
	if err != nil {
		return nil, xerrors.Wrapf(err, "list prefix %s", prefix)
	}
	return kvs, nil
}

func (r *registry) Get(ctx context.Context, key string) (string, bool, error) {
	if err := r.ensureOpen(); err != nil {
		return "", false, err
	}
	v, ok, err := r.store.Get(ctx, key)
	if err != nil {
		return "", false, xerrors.Wrapf(err, "get key %s", key)
	}
	return string(v), ok, nil
}

func (r *registry) Put(ctx context.Context, key, value string) error {
	if err := r.ensureOpen(); err != nil {
		return err
	}
	if key == "" {
		return xerrors.Wrap(xerrors.ErrInvalidInput, "empty key")
	}
	if err := r.store.Put(ctx, key, []byte(value), kvstore.NoLease); err != nil {
		return xerrors.Wrapf(err, "put key %s", key)
	}
	return nil
}

func (r *registry) Delete(ctx context.Context, key string) error {
	if err := r.ensureOpen(); err != nil {
		return err
	}
	if err := r.store.Delete(ctx, key); err != nil {
		return xerrors.Wrapf(err, "delete key %s", key)
	}
	return nil
}

func (r *registry) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	if err := r.ensureOpen(); err != nil {
		return 0, err
	}
	if prefix == "" {
		return 0, xerrors.Wrap(xerrors.ErrInvalidInput, "empty prefix")
	}
	n, err := r.store.DeletePrefix(ctx, prefix)
	if err != nil {
		return 0, xerrors.Wrapf(err, "delete prefix %s", prefix)
	}
	return n, nil
}

// StrategyKey 返回实例策略覆盖的键
func StrategyKey(root string, meta *model.ServiceMetaInfo, strategyType string) string {
	return root + "strategy/" + meta.NodeKey() + "/" + strategyType
}

// MetricKey 返回实例指标的键
func MetricKey(root string, meta *model.ServiceMetaInfo, metricType string) string {
	return root + "metrics/" + meta.NodeKey() + "/" + metricType
}

func validStrategyType(t string) bool {
	switch t {
	case StrategyLoadBalance, StrategyRetry, StrategyTolerant, StrategyWeight:
		return true
	}
	return false
}

// GetNodeStrategy 读取实例策略覆盖，值为空白时视为未设置
func (r *registry) GetNodeStrategy(ctx context.Context, meta *model.ServiceMetaInfo, strategyType string) (string, bool, error) {
	if !validStrategyType(strategyType) {
		return "", false, xerrors.Wrapf(ErrUnknownStrategyType, "%q", strategyType)
	}
	v, ok, err := r.Get(ctx, StrategyKey(r.cfg.Root, meta, strategyType))
	if err != nil || !ok {
		return "", false, err
	}
	v = strings.TrimSpace(v)
	return v, v != "", nil
}

func (r *registry) PublishNodeStrategy(ctx context.Context, meta *model.ServiceMetaInfo, strategyType, value string) error {
	if !validStrategyType(strategyType) {
		return xerrors.Wrapf(ErrUnknownStrategyType, "%q", strategyType)
	}
	key := StrategyKey(r.cfg.Root, meta, strategyType)
	if err := r.Put(ctx, key, value); err != nil {
		return err
	}
	r.logger.Info("node strategy published", clog.String("key", key), clog.String("value", value))
	return nil
}

func (r *registry) RecordMetric(ctx context.Context, meta *model.ServiceMetaInfo, metricType, value string) error {
	return r.Put(ctx, MetricKey(r.cfg.Root, meta, metricType), value)
}

// IncrementMetric 非原子的读取-累加-写回，无法解析的旧值按 0 处理
func (r *registry) IncrementMetric(ctx context.Context, meta *model.ServiceMetaInfo, metricType string, delta int64) (int64, error) {
	key := MetricKey(r.cfg.Root, meta, metricType)
	v, ok, err := r.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	var cur int64
	if ok {
		cur, err = strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			cur = 0
		}
	}
	next := cur + delta
	if err := r.Put(ctx, key, strconv.FormatInt(next, 10)); err != nil {
		return 0, err
	}
	return next, nil
}

func (r *registry) RecordCall(ctx context.Context, meta *model.ServiceMetaInfo, elapsed time.Duration, success bool) error {
	n, err := r.IncrementMetric(ctx, meta, MetricCalls, 1)
	if err != nil {
		return err
	}
	outcome := MetricFailure
	if success {
		outcome = MetricSuccess
	}
	if _, err := r.IncrementMetric(ctx, meta, outcome, 1); err != nil {
		return err
	}

	avgKey := MetricKey(r.cfg.Root, meta, MetricAvgTime)
	v, ok, err := r.Get(ctx, avgKey)
	if err != nil {
		return err
	}
	latency := float64(elapsed) / float64(time.Millisecond)
	avg := latency
	// 尚无平均值时本次样本即为平均值，与已有的调用计数无关
	if ok {
		if prev, perr := strconv.ParseFloat(strings.TrimSpace(v), 64); perr == nil {
			avg = MovingAverage(prev, n, latency)
		}
	}
	return r.Put(ctx, avgKey, strconv.FormatFloat(avg, 'f', 3, 64))
}

// MovingAverage 计算第 n 个样本加入后的平均值
func MovingAverage(avg float64, n int64, sample float64) float64 {
	if n <= 1 {
		return sample
	}
	return (avg*float64(n-1) + sample) / float64(n)
}
