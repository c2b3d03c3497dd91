package registry

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/ceyewan/yurpc/clog"
	"github.com/ceyewan/yurpc/kvstore"
	"github.com/ceyewan/yurpc/metrics"
	"github.com/ceyewan/yurpc/model"
	"github.com/ceyewan/yurpc/xerrors"
)

// Discover 获取服务实例列表
//
// 同一服务键的并发未命中合并为一次前缀查询。每个服务键维护一个代数，
// 失效时代数加一，查询开始前后代数不一致的结果不写入缓存，
// 避免与失效并发的旧查询把已删除的实例写回缓存。
func (r *registry) Discover(ctx context.Context, serviceKey string) ([]*model.ServiceMetaInfo, error) {
	if err := r.ensureOpen(); err != nil {
		return nil, err
	}
	if serviceKey == "" {
		return nil, xerrors.Wrap(ErrInvalidServiceInstance, "empty service key")
	}

	if list, ok := r.cache.GetIfPresent(serviceKey); ok {
		r.discoverTotal.Inc(ctx, metrics.L(metrics.LabelService, serviceKey), metrics.L(metrics.LabelOutcome, "hit"))
		return cloneList(list), nil
	}

	v, err, _ := r.sf.Do(serviceKey, func() (any, error) {
		gen := r.generation(serviceKey)
		list, err := r.query(ctx, serviceKey)
		if err != nil {
			return nil, err
		}
		r.genMu.Lock()
		if r.gens[serviceKey] == gen {
			r.cache.Set(serviceKey, list)
		}
		r.genMu.Unlock()
		return list, nil
	})
	if err != nil {
		r.discoverTotal.Inc(ctx, metrics.L(metrics.LabelService, serviceKey), metrics.L(metrics.LabelOutcome, "error"))
		return nil, err
	}
	r.discoverTotal.Inc(ctx, metrics.L(metrics.LabelService, serviceKey), metrics.L(metrics.LabelOutcome, "miss"))
	return cloneList(v.([]*model.ServiceMetaInfo)), nil
}

// query 前缀查询服务键下的实例，并从查询时的 revision 开始监听每个实例的注册记录，
// 查询与监听之间发生的删除同样会被投递。
func (r *registry) query(ctx context.Context, serviceKey string) ([]*model.ServiceMetaInfo, error) {
	prefix := r.cfg.Root + serviceKey + "/"
	kvs, rev, err := r.store.ListRevision(ctx, prefix)
	if err != nil {
		r.logger.Error("failed to query service", clog.String("service_key", serviceKey), clog.Error(err))
		return nil, xerrors.Mark(xerrors.ErrDiscovery, err)
	}

	list := make([]*model.ServiceMetaInfo, 0, len(kvs))
	for _, kv := range kvs {
		// 跳过更深层级的键，例如 {root}{serviceKey}/x/y
		if strings.Contains(strings.TrimPrefix(kv.Key, prefix), "/") {
			continue
		}
		var meta model.ServiceMetaInfo
		if err := json.Unmarshal(kv.Value, &meta); err != nil {
			r.logger.Warn("failed to unmarshal service instance", clog.String("key", kv.Key), clog.Error(err))
			continue
		}
		r.watch(kv.Key, rev)
		list = append(list, &meta)
	}

	r.logger.Debug("service discovered", clog.String("service_key", serviceKey), clog.Int("instances", len(list)))
	return list, nil
}

// watch 监听单个注册记录，已在监听的键直接返回
func (r *registry) watch(key string, afterRev int64) {
	r.mu.Lock()
	if _, ok := r.watching[key]; ok || r.closed.Load() {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(r.ctx)
	r.watching[key] = cancel
	r.wg.Add(1)
	r.mu.Unlock()

	events := r.store.Watch(ctx, key, afterRev)
	go func() {
		defer r.wg.Done()
		defer func() {
			cancel()
			r.mu.Lock()
			delete(r.watching, key)
			r.mu.Unlock()
		}()

		for ev := range events {
			if ev.Type == kvstore.EventDelete {
				r.logger.Debug("registration deleted", clog.String("key", key))
				r.invalidateNode(key)
			}
		}
	}()
}

// invalidateNode 由注册记录键推导服务键并失效整条缓存
func (r *registry) invalidateNode(key string) {
	rel := strings.TrimPrefix(key, r.cfg.Root)
	serviceKey, _, ok := model.SplitNodeKey(rel)
	if !ok {
		r.logger.Warn("cannot derive service key", clog.String("key", key))
		return
	}
	r.invalidate(serviceKey)
}

func (r *registry) invalidate(serviceKey string) {
	r.genMu.Lock()
	r.gens[serviceKey]++
	r.cache.Invalidate(serviceKey)
	r.genMu.Unlock()
	r.sf.Forget(serviceKey)
}

func (r *registry) generation(serviceKey string) uint64 {
	r.genMu.Lock()
	defer r.genMu.Unlock()
	return r.gens[serviceKey]
}

func cloneList(list []*model.ServiceMetaInfo) []*model.ServiceMetaInfo {
	out := make([]*model.ServiceMetaInfo, len(list))
	copy(out, list)
	return out
}
