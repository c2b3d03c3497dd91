package kvstore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/ceyewan/yurpc/clog"
	"github.com/ceyewan/yurpc/connector"
	"github.com/ceyewan/yurpc/xerrors"
)

type etcdStore struct {
	conn   connector.EtcdConnector
	client *clientv3.Client
	opts   *options
	logger clog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewEtcd 基于 etcd 连接器创建存储
//
// 默认只借用连接器，使用 WithOwnedConnector 时 Close 会一并关闭连接器。
func NewEtcd(conn connector.EtcdConnector, opts ...Option) (Store, error) {
	if conn == nil || conn.GetClient() == nil {
		return nil, xerrors.Wrap(xerrors.ErrInvalidInput, "etcd connector is nil")
	}
	o := applyOptions(opts)
	ctx, cancel := context.WithCancel(context.Background())
	return &etcdStore{
		conn:   conn,
		client: conn.GetClient(),
		opts:   o,
		logger: o.logger.With(clog.String("store", "etcd")),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

func (s *etcdStore) Put(ctx context.Context, key string, value []byte, lease LeaseID) error {
	var opOpts []clientv3.OpOption
	if lease != NoLease {
		opOpts = append(opOpts, clientv3.WithLease(clientv3.LeaseID(lease)))
	}
	_, err := s.client.Put(ctx, key, string(value), opOpts...)
	return s.convert(err)
}

func (s *etcdStore) PutIfAbsent(ctx context.Context, key string, value []byte, lease LeaseID) (bool, error) {
	var opOpts []clientv3.OpOption
	if lease != NoLease {
		opOpts = append(opOpts, clientv3.WithLease(clientv3.LeaseID(lease)))
	}
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(value), opOpts...)).
		Commit()
	if err != nil {
		return false, s.convert(err)
	}
	return resp.Succeeded, nil
}

func (s *etcdStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	resp, err := s.client.Get(ctx, key)
	if err != nil {
		return nil, false, s.convert(err)
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}
	return resp.Kvs[0].Value, true, nil
}

func (s *etcdStore) List(ctx context.Context, prefix string) ([]KeyValue, error) {
	kvs, _, err := s.ListRevision(ctx, prefix)
	return kvs, err
}

func (s *etcdStore) ListRevision(ctx context.Context, prefix string) ([]KeyValue, int64, error) {
	resp, err := s.client.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, 0, s.convert(err)
	}
	kvs := make([]KeyValue, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		kvs = append(kvs, KeyValue{Key: string(kv.Key), Value: kv.Value})
	}
	return kvs, resp.Header.Revision, nil
}

func (s *etcdStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.Delete(ctx, key)
	return s.convert(err)
}

func (s *etcdStore) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	resp, err := s.client.Delete(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return 0, s.convert(err)
	}
	return resp.Deleted, nil
}

func (s *etcdStore) Grant(ctx context.Context, ttl time.Duration) (LeaseID, error) {
	resp, err := s.client.Grant(ctx, ttlSeconds(ttl))
	if err != nil {
		return NoLease, s.convert(err)
	}
	return LeaseID(resp.ID), nil
}

func (s *etcdStore) KeepAliveOnce(ctx context.Context, lease LeaseID) error {
	_, err := s.client.KeepAliveOnce(ctx, clientv3.LeaseID(lease))
	return s.convert(err)
}

func (s *etcdStore) Revoke(ctx context.Context, lease LeaseID) error {
	_, err := s.client.Revoke(ctx, clientv3.LeaseID(lease))
	if xerrors.Is(err, rpctypes.ErrLeaseNotFound) {
		return nil
	}
	return s.convert(err)
}

// Watch 监听单个键，断线后从上次处理的 revision 继续
func (s *etcdStore) Watch(ctx context.Context, key string, afterRev int64) <-chan Event {
	out := make(chan Event, 16)
	if s.closed.Load() {
		close(out)
		return out
	}

	watchCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(out)
		defer stop()
		defer cancel()
		s.watchLoop(watchCtx, key, afterRev, out)
	}()
	return out
}

func (s *etcdStore) watchLoop(ctx context.Context, key string, lastRev int64, out chan<- Event) {
	for {
		watchOpts := []clientv3.OpOption{}
		if lastRev > 0 {
			watchOpts = append(watchOpts, clientv3.WithRev(lastRev+1))
		}
		watchCh := s.client.Watch(clientv3.WithRequireLeader(ctx), key, watchOpts...)
		s.logger.Debug("watch started", clog.String("key", key), clog.Int64("from_revision", lastRev+1))

	inner:
		for {
			select {
			case <-ctx.Done():
				return
			case wresp, ok := <-watchCh:
				if !ok {
					break inner
				}
				if err := wresp.Err(); err != nil {
					if xerrors.Is(err, rpctypes.ErrCompacted) {
						lastRev = s.resync(ctx, key, out)
					} else {
						s.logger.Warn("watch error, will retry", clog.String("key", key), clog.Error(err))
					}
					break inner
				}
				for _, ev := range wresp.Events {
					if ev.Kv.ModRevision > lastRev {
						lastRev = ev.Kv.ModRevision
					}
					event := Event{Key: string(ev.Kv.Key), Value: ev.Kv.Value, Type: EventPut}
					if ev.Type == clientv3.EventTypeDelete {
						event.Type = EventDelete
					}
					select {
					case out <- event:
					case <-ctx.Done():
						return
					}
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-s.opts.clock.After(s.opts.retryInterval):
			s.logger.Debug("retrying watch", clog.String("key", key))
		}
	}
}

// resync 在 revision 被压缩后重新读取当前状态，键已消失时补发 DELETE 事件
func (s *etcdStore) resync(ctx context.Context, key string, out chan<- Event) int64 {
	resp, err := s.client.Get(ctx, key)
	if err != nil {
		s.logger.Error("failed to resync after compaction", clog.String("key", key), clog.Error(err))
		return 0
	}
	if len(resp.Kvs) == 0 {
		select {
		case out <- Event{Type: EventDelete, Key: key}:
		case <-ctx.Done():
		}
	}
	s.logger.Warn("watch revision compacted, resynced", clog.String("key", key), clog.Int64("revision", resp.Header.Revision))
	return resp.Header.Revision
}

func (s *etcdStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	s.wg.Wait()
	if s.opts.ownsConnector {
		return s.conn.Close()
	}
	return nil
}

// convert 统一错误：租约不存在映射为 ErrLeaseNotFound，关闭后调用映射为 ErrStoreClosed
func (s *etcdStore) convert(err error) error {
	if err == nil {
		return nil
	}
	if xerrors.Is(err, rpctypes.ErrLeaseNotFound) {
		return ErrLeaseNotFound
	}
	if s.closed.Load() {
		return xerrors.Combine(ErrStoreClosed, err)
	}
	return err
}
