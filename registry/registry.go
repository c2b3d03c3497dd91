// Package registry 提供基于 KV 存储的服务注册发现组件。
//
// registry 在 kvstore.Store 之上提供了：
//   - 基于租约的服务注册，后台心跳续约
//   - 按服务键缓存的服务发现，实例被删除时通过 Watch 失效缓存
//   - 管理端使用的 KV 操作、单实例策略覆盖与调用指标
//
// ## 基本使用
//
//	etcdConn, _ := connector.NewEtcd(&cfg.Etcd, connector.WithLogger(logger))
//	etcdConn.Connect(ctx)
//	store, _ := kvstore.NewEtcd(etcdConn, kvstore.WithOwnedConnector())
//
//	reg, _ := registry.New(store, &registry.Config{}, registry.WithLogger(logger))
//	defer reg.Close()
//
//	err := reg.Register(ctx, &model.ServiceMetaInfo{
//		ServiceName: "UserService", ServiceVersion: "1.0",
//		Host: "127.0.0.1", Port: 9000,
//	})
//	instances, err := reg.Discover(ctx, "UserService:1.0")
//
// ## 存储结构
//
//	{root}{serviceKey}/{host}:{port}                      -> JSON(ServiceMetaInfo)，绑定租约
//	{root}strategy/{serviceKey}/{host}:{port}/{type}      -> 策略名
//	{root}metrics/{serviceKey}/{host}:{port}/{metricType} -> 指标值
//
// ## 设计原则
//
//   - 借用模型：registry 只消费 Store 接口，Destroy 时关闭 Store
//   - 不重试：存储操作失败直接返回给调用方，由调用方决定是否重试
//   - 心跳隔离：单个键续约失败只记录日志，不影响其他键
package registry

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"github.com/maypok86/otter/v2"
	"golang.org/x/sync/singleflight"

	"github.com/ceyewan/yurpc/clog"
	"github.com/ceyewan/yurpc/kvstore"
	"github.com/ceyewan/yurpc/metrics"
	"github.com/ceyewan/yurpc/model"
	"github.com/ceyewan/yurpc/xerrors"
)

// localEntry 本进程注册的一条记录
type localEntry struct {
	meta  *model.ServiceMetaInfo
	value []byte
	lease kvstore.LeaseID
}

type registry struct {
	store  kvstore.Store
	cfg    Config
	logger clog.Logger
	clock  clockwork.Clock

	// 服务发现缓存
	cache *otter.Cache[string, []*model.ServiceMetaInfo]
	sf    singleflight.Group
	genMu sync.Mutex
	gens  map[string]uint64

	// 本地注册与监听集合
	mu       sync.Mutex
	local    map[string]*localEntry
	watching map[string]context.CancelFunc

	discoverTotal    metrics.Counter
	heartbeatFailure metrics.Counter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New 创建 Registry 实例并启动心跳
//
// 参数:
//   - store: 后端存储，Destroy 时关闭
//   - cfg: Registry 配置，nil 使用默认值
//   - opts: 可选参数 (Logger, Meter, Clock)
func New(store kvstore.Store, cfg *Config, opts ...Option) (Registry, error) {
	if store == nil {
		return nil, xerrors.Wrap(ErrInvalidConfig, "store is required")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	c := *cfg
	c.setDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	o := applyOptions(opts)

	cache, err := otter.New(&otter.Options[string, []*model.ServiceMetaInfo]{
		MaximumSize: c.CacheSize,
	})
	if err != nil {
		return nil, xerrors.Wrap(err, "failed to build discovery cache")
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &registry{
		store:    store,
		cfg:      c,
		logger:   o.logger,
		clock:    o.clock,
		cache:    cache,
		gens:     make(map[string]uint64),
		local:    make(map[string]*localEntry),
		watching: make(map[string]context.CancelFunc),
		ctx:      ctx,
		cancel:   cancel,
	}
	r.discoverTotal, _ = o.meter.Counter("registry_discover_total", "Service discovery lookups by cache outcome")
	r.heartbeatFailure, _ = o.meter.Counter("registry_heartbeat_failures_total", "Failed registration renewals")

	ticker := r.clock.NewTicker(c.HeartbeatInterval)
	r.wg.Add(1)
	go r.heartbeatLoop(ticker)

	r.logger.Info("registry started",
		clog.String("root", c.Root),
		clog.Duration("lease_ttl", c.LeaseTTL),
		clog.Duration("heartbeat_interval", c.HeartbeatInterval),
	)
	return r, nil
}

func (r *registry) ensureOpen() error {
	if r.closed.Load() {
		return ErrRegistryClosed
	}
	return nil
}

// nodeKey 返回实例注册记录的完整键
func (r *registry) nodeKey(meta *model.ServiceMetaInfo) string {
	return r.cfg.Root + meta.NodeKey()
}

// Register 注册服务实例
//
// 同一实例重复注册会以新租约覆盖旧记录并撤销旧租约。
func (r *registry) Register(ctx context.Context, meta *model.ServiceMetaInfo) error {
	if err := r.ensureOpen(); err != nil {
		return err
	}
	if meta == nil {
		return ErrInvalidServiceInstance
	}
	if err := meta.Validate(); err != nil {
		return xerrors.Wrap(ErrInvalidServiceInstance, err.Error())
	}
	m := meta.WithDefaults()

	value, err := json.Marshal(&m)
	if err != nil {
		return xerrors.Wrap(err, "marshal service meta")
	}
	key := r.nodeKey(&m)

	lease, err := r.store.Grant(ctx, r.cfg.LeaseTTL)
	if err != nil {
		r.logger.Error("failed to grant lease", clog.String("key", key), clog.Error(err))
		return xerrors.Mark(xerrors.ErrRegistration, err)
	}
	if err := r.store.Put(ctx, key, value, lease); err != nil {
		r.revoke(lease)
		r.logger.Error("failed to put registration", clog.String("key", key), clog.Error(err))
		return xerrors.Mark(xerrors.ErrRegistration, err)
	}

	r.mu.Lock()
	old := r.local[key]
	r.local[key] = &localEntry{meta: &m, value: value, lease: lease}
	r.mu.Unlock()

	if old != nil && old.lease != lease {
		r.revoke(old.lease)
	}

	r.logger.Info("service registered",
		clog.String("key", key),
		clog.Int64("lease_id", int64(lease)),
	)
	return nil
}

// Unregister 注销服务实例
func (r *registry) Unregister(ctx context.Context, meta *model.ServiceMetaInfo) error {
	if err := r.ensureOpen(); err != nil {
		return err
	}
	if meta == nil {
		return ErrInvalidServiceInstance
	}
	m := meta.WithDefaults()
	key := r.nodeKey(&m)

	r.mu.Lock()
	entry := r.local[key]
	delete(r.local, key)
	r.mu.Unlock()

	if err := r.store.Delete(ctx, key); err != nil {
		r.logger.Error("failed to delete registration", clog.String("key", key), clog.Error(err))
		return xerrors.Mark(xerrors.ErrRegistration, err)
	}
	if entry != nil {
		r.revoke(entry.lease)
	}

	r.logger.Info("service unregistered", clog.String("key", key))
	return nil
}

// Destroy 停止后台任务，删除本地注册记录并关闭存储
// 此方法是幂等的，可以安全地多次调用
func (r *registry) Destroy(ctx context.Context) {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	r.cancel()

	r.mu.Lock()
	entries := r.local
	r.local = make(map[string]*localEntry)
	r.mu.Unlock()

	for key, entry := range entries {
		opCtx, cancel := context.WithTimeout(ctx, r.cfg.OpTimeout)
		if err := r.store.Delete(opCtx, key); err != nil {
			r.logger.Warn("failed to delete registration during shutdown", clog.String("key", key), clog.Error(err))
		}
		if err := r.store.Revoke(opCtx, entry.lease); err != nil {
			r.logger.Warn("failed to revoke lease during shutdown", clog.String("key", key), clog.Error(err))
		}
		cancel()
	}

	r.wg.Wait()
	if err := r.store.Close(); err != nil {
		r.logger.Warn("failed to close store", clog.Error(err))
	}
	r.logger.Info("registry stopped", clog.Int("unregistered", len(entries)))
}

// Close 使用默认超时执行 Destroy
func (r *registry) Close() error {
	r.Destroy(context.Background())
	return nil
}

func (r *registry) revoke(lease kvstore.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.OpTimeout)
	defer cancel()
	if err := r.store.Revoke(ctx, lease); err != nil {
		r.logger.Warn("failed to revoke lease", clog.Int64("lease_id", int64(lease)), clog.Error(err))
	}
}
