package idgen

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"strconv"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/ceyewan/yurpc/clog"
	"github.com/ceyewan/yurpc/kvstore"
	"github.com/ceyewan/yurpc/xerrors"
)

// Allocator WorkerID 分配器接口
type Allocator interface {
	// Allocate 分配 WorkerID
	Allocate(ctx context.Context) (int64, error)

	// KeepAlive 启动后台续约，续约失败时发送错误，结束时关闭通道
	KeepAlive(ctx context.Context) <-chan error

	// Stop 停止保活并释放 WorkerID
	Stop()
}

// NewAllocator 创建基于 KV 存储的 WorkerID 分配器
//
// 每个 WorkerID 对应一个键 {KeyPrefix}{id}，以 PutIfAbsent 绑定租约抢占，
// 进程退出或续约失败后键随租约过期释放。
func NewAllocator(store kvstore.Store, cfg *AllocatorConfig, opts ...Option) (Allocator, error) {
	if store == nil {
		return nil, xerrors.WithCode(ErrInvalidInput, "store_nil")
	}
	if cfg == nil {
		cfg = &AllocatorConfig{}
	}
	c := *cfg
	c.setDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	o := applyOptions(opts)
	return &storeAllocator{
		store:    store,
		cfg:      c,
		logger:   o.logger,
		clock:    o.clock,
		workerID: -1,
		stopCh:   make(chan struct{}),
	}, nil
}

type storeAllocator struct {
	store  kvstore.Store
	cfg    AllocatorConfig
	logger clog.Logger
	clock  clockwork.Clock

	mu       sync.Mutex
	lease    kvstore.LeaseID
	workerID int64
	key      string

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Allocate 从随机起点环形遍历，抢占第一个空闲的 WorkerID
func (a *storeAllocator) Allocate(ctx context.Context) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.workerID >= 0 {
		return a.workerID, nil
	}

	lease, err := a.store.Grant(ctx, a.cfg.TTL)
	if err != nil {
		a.logger.Error("grant lease failed", clog.Error(err))
		return 0, xerrors.Wrap(err, "grant lease")
	}

	value := []byte(holderValue())
	offset := rand.IntN(a.cfg.MaxID)
	for i := 0; i < a.cfg.MaxID; i++ {
		id := (offset + i) % a.cfg.MaxID
		key := a.cfg.KeyPrefix + strconv.Itoa(id)

		ok, err := a.store.PutIfAbsent(ctx, key, value, lease)
		if err != nil {
			a.revoke(lease)
			a.logger.Error("claim worker id failed", clog.Error(err), clog.String("key", key))
			return 0, xerrors.Wrap(err, "claim worker id")
		}
		if !ok {
			continue
		}

		a.lease = lease
		a.workerID = int64(id)
		a.key = key
		a.logger.Info("worker id allocated",
			clog.Int64("worker_id", a.workerID),
			clog.String("key", key),
			clog.Int64("lease_id", int64(lease)),
		)
		return a.workerID, nil
	}

	a.revoke(lease)
	return 0, xerrors.WithCode(ErrWorkerIDExhausted, "no_available_worker_id")
}

// KeepAlive 每 TTL/3 续约一次
func (a *storeAllocator) KeepAlive(ctx context.Context) <-chan error {
	errCh := make(chan error, 1)

	a.mu.Lock()
	lease := a.lease
	a.mu.Unlock()
	if lease == kvstore.NoLease {
		errCh <- ErrNotAllocated
		close(errCh)
		return errCh
	}

	go func() {
		defer close(errCh)
		ticker := a.clock.NewTicker(a.cfg.TTL / 3)
		defer ticker.Stop()

		for {
			select {
			case <-a.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				err := a.store.KeepAliveOnce(ctx, lease)
				if err == nil {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				if xerrors.Is(err, kvstore.ErrLeaseNotFound) {
					err = ErrLeaseExpired
				}
				a.logger.Error("worker id keep alive failed",
					clog.Error(err),
					clog.Int64("lease_id", int64(lease)),
				)
				errCh <- xerrors.Wrap(err, "keep alive")
				return
			}
		}
	}()

	return errCh
}

// Stop 撤销租约，绑定的键随之删除
func (a *storeAllocator) Stop() {
	a.stopOnce.Do(func() {
		close(a.stopCh)

		a.mu.Lock()
		defer a.mu.Unlock()
		if a.lease == kvstore.NoLease {
			return
		}
		a.revoke(a.lease)
		a.logger.Info("worker id released",
			clog.Int64("worker_id", a.workerID),
			clog.String("key", a.key),
		)
		a.lease = kvstore.NoLease
		a.workerID = -1
	})
}

func (a *storeAllocator) revoke(lease kvstore.LeaseID) {
	if err := a.store.Revoke(context.Background(), lease); err != nil {
		a.logger.Warn("revoke lease failed", clog.Error(err), clog.Int64("lease_id", int64(lease)))
	}
}

func holderValue() string {
	host, _ := os.Hostname()
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}
