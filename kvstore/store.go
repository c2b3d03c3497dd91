// Package kvstore 定义注册中心消费的最小 KV 接口：put/get/delete/watch/lease。
//
// 提供两种实现：
//   - NewEtcd: 基于 etcd clientv3，生产使用
//   - NewMemory: 进程内实现，租约由 clockwork 时钟驱动，用于单机模式与测试
package kvstore

import (
	"context"
	"time"

	"github.com/ceyewan/yurpc/xerrors"
)

// LeaseID 租约标识，NoLease 表示不绑定租约
type LeaseID int64

const NoLease LeaseID = 0

// EventType Watch 事件类型
type EventType int

const (
	EventPut EventType = iota
	EventDelete
)

func (t EventType) String() string {
	if t == EventDelete {
		return "DELETE"
	}
	return "PUT"
}

// Event Watch 事件
type Event struct {
	Type  EventType
	Key   string
	Value []byte
}

// KeyValue 查询结果
type KeyValue struct {
	Key   string
	Value []byte
}

// Store 注册中心的后端存储
//
// 所有方法在存储不可达时返回错误，不会吞掉错误返回空结果。
type Store interface {
	// Put 写入键值，lease 不为 NoLease 时绑定到租约
	Put(ctx context.Context, key string, value []byte, lease LeaseID) error

	// PutIfAbsent 仅当键不存在时写入，返回是否写入成功
	PutIfAbsent(ctx context.Context, key string, value []byte, lease LeaseID) (bool, error)

	// Get 读取单个键，键不存在时 ok 为 false
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// List 按前缀读取，结果按键排序
	List(ctx context.Context, prefix string) ([]KeyValue, error)

	// ListRevision 同 List，并返回读取时的存储 revision，可作为 Watch 的起点
	ListRevision(ctx context.Context, prefix string) ([]KeyValue, int64, error)

	// Delete 删除单个键，键不存在不算错误
	Delete(ctx context.Context, key string) error

	// DeletePrefix 按前缀删除，返回删除数量
	DeletePrefix(ctx context.Context, prefix string) (int64, error)

	// Grant 申请租约
	Grant(ctx context.Context, ttl time.Duration) (LeaseID, error)

	// KeepAliveOnce 续约一次，租约已过期时返回 ErrLeaseNotFound
	KeepAliveOnce(ctx context.Context, lease LeaseID) error

	// Revoke 撤销租约，绑定的键随之删除
	Revoke(ctx context.Context, lease LeaseID) error

	// Watch 监听单个键的变更，ctx 取消或存储关闭时通道关闭
	//
	// afterRev 大于 0 时从该 revision 之后开始投递，包括 Watch 调用前已发生的变更；
	// 为 0 时只投递调用之后的变更。
	Watch(ctx context.Context, key string, afterRev int64) <-chan Event

	// Close 停止所有监听并释放资源
	Close() error
}

var (
	// ErrLeaseNotFound 租约不存在或已过期
	ErrLeaseNotFound = xerrors.New("kvstore: lease not found")

	// ErrStoreClosed 存储已关闭
	ErrStoreClosed = xerrors.Wrap(xerrors.ErrClosed, "kvstore")
)

// ttlSeconds 将 TTL 向上取整到秒，最少 1 秒
func ttlSeconds(ttl time.Duration) int64 {
	secs := int64((ttl + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
