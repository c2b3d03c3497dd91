// Package idgen 提供分布式 ID 生成能力。
//
// Snowflake 生成全局有序的 int64 ID，传输层用它为每个请求分配 requestId。
// Allocator 在 KV 存储中以租约抢占唯一的 WorkerID，避免多进程手动配置冲突：
//
//	alloc, _ := idgen.NewAllocator(store, &idgen.AllocatorConfig{})
//	workerID, _ := alloc.Allocate(ctx)
//	defer alloc.Stop()
//	sf, _ := idgen.NewSnowflake(workerID)
package idgen

import (
	"context"
	"sync"
)

// Generator requestId 生成器
type Generator interface {
	NextID() (int64, error)
}

var (
	defaultOnce sync.Once
	defaultGen  *Snowflake
)

// Default 返回进程级默认生成器，WorkerID 为 0
func Default() *Snowflake {
	defaultOnce.Do(func() {
		defaultGen = MustSnowflake(0)
	})
	return defaultGen
}

// NewAllocated 通过分配器抢占 WorkerID 后创建生成器并启动保活
//
// 返回的 stop 函数停止保活并释放 WorkerID；保活失败时 onLost 收到错误。
func NewAllocated(ctx context.Context, alloc Allocator, onLost func(error), opts ...Option) (*Snowflake, func(), error) {
	workerID, err := alloc.Allocate(ctx)
	if err != nil {
		return nil, nil, err
	}
	sf, err := NewSnowflake(workerID, opts...)
	if err != nil {
		alloc.Stop()
		return nil, nil, err
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	errCh := alloc.KeepAlive(kaCtx)
	go func() {
		if err, ok := <-errCh; ok && err != nil && onLost != nil {
			onLost(err)
		}
	}()

	return sf, func() {
		cancel()
		alloc.Stop()
	}, nil
}
