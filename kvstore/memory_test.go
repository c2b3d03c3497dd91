package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFakeStore(t *testing.T) (Store, clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	s := NewMemory(WithClock(clock), WithSweepInterval(time.Second))
	t.Cleanup(func() { _ = s.Close() })
	return s, clock
}

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "watch 通道被意外关闭")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("等待 watch 事件超时")
		return Event{}
	}
}

func TestMemoryStoreCRUD(t *testing.T) {
	s, _ := newFakeStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "/rpc/a/1", []byte("v1"), NoLease))
	require.NoError(t, s.Put(ctx, "/rpc/a/2", []byte("v2"), NoLease))
	require.NoError(t, s.Put(ctx, "/rpc/b/1", []byte("v3"), NoLease))

	v, ok, err := s.Get(ctx, "/rpc/a/1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v1"), v)

	_, ok, err = s.Get(ctx, "/rpc/missing")
	require.NoError(t, err)
	assert.False(t, ok)

	kvs, err := s.List(ctx, "/rpc/a/")
	require.NoError(t, err)
	require.Len(t, kvs, 2)
	assert.Equal(t, "/rpc/a/1", kvs[0].Key)
	assert.Equal(t, "/rpc/a/2", kvs[1].Key)

	n, err := s.DeletePrefix(ctx, "/rpc/a/")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	require.NoError(t, s.Delete(ctx, "/rpc/b/1"))
	require.NoError(t, s.Delete(ctx, "/rpc/b/1"), "删除不存在的键不算错误")

	kvs, err = s.List(ctx, "/rpc/")
	require.NoError(t, err)
	assert.Empty(t, kvs)
}

func TestMemoryStorePutIfAbsent(t *testing.T) {
	s, _ := newFakeStore(t)
	ctx := context.Background()

	ok, err := s.PutIfAbsent(ctx, "/rpc/idgen/worker/1", []byte("a"), NoLease)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.PutIfAbsent(ctx, "/rpc/idgen/worker/1", []byte("b"), NoLease)
	require.NoError(t, err)
	assert.False(t, ok)

	v, _, _ := s.Get(ctx, "/rpc/idgen/worker/1")
	assert.Equal(t, []byte("a"), v)
}

func TestMemoryStoreLeaseExpiry(t *testing.T) {
	s, clock := newFakeStore(t)
	ctx := context.Background()

	lease, err := s.Grant(ctx, 30*time.Second)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "/rpc/UserService:1.0/127.0.0.1:9000", []byte("{}"), lease))

	events := s.Watch(ctx, "/rpc/UserService:1.0/127.0.0.1:9000", 0)

	// 续约后过期时间顺延
	clock.Advance(20 * time.Second)
	require.NoError(t, s.KeepAliveOnce(ctx, lease))
	clock.Advance(20 * time.Second)
	_, ok, err := s.Get(ctx, "/rpc/UserService:1.0/127.0.0.1:9000")
	require.NoError(t, err)
	assert.True(t, ok, "续约后键应仍然存在")

	// 不再续约，超过 TTL 后由后台扫描删除
	clock.Advance(31 * time.Second)
	ev := recv(t, events)
	assert.Equal(t, EventDelete, ev.Type)

	assert.ErrorIs(t, s.KeepAliveOnce(ctx, lease), ErrLeaseNotFound)
	assert.ErrorIs(t, s.Put(ctx, "/rpc/x", nil, lease), ErrLeaseNotFound)
}

func TestMemoryStoreRevokeAndWatch(t *testing.T) {
	s, _ := newFakeStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	events := s.Watch(ctx, "/rpc/k", 0)
	lease, err := s.Grant(ctx, time.Minute)
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "/rpc/k", []byte("v"), lease))
	ev := recv(t, events)
	assert.Equal(t, EventPut, ev.Type)
	assert.Equal(t, []byte("v"), ev.Value)

	require.NoError(t, s.Revoke(ctx, lease))
	ev = recv(t, events)
	assert.Equal(t, EventDelete, ev.Type)
	assert.Equal(t, "/rpc/k", ev.Key)

	cancel()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-events:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond, "ctx 取消后 watch 通道应关闭")
}

func TestMemoryStoreWatchReplaysAfterRevision(t *testing.T) {
	s, _ := newFakeStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "/rpc/svc/a", []byte("a"), NoLease))
	require.NoError(t, s.Put(ctx, "/rpc/svc/b", []byte("b"), NoLease))
	kvs, rev, err := s.ListRevision(ctx, "/rpc/svc/")
	require.NoError(t, err)
	require.Len(t, kvs, 2)

	// 列表之后、监听之前发生的变更
	require.NoError(t, s.Delete(ctx, "/rpc/svc/b"))
	require.NoError(t, s.Put(ctx, "/rpc/svc/a", []byte("a2"), NoLease))

	ev := recv(t, s.Watch(ctx, "/rpc/svc/b", rev))
	assert.Equal(t, EventDelete, ev.Type)

	events := s.Watch(ctx, "/rpc/svc/a", rev)
	ev = recv(t, events)
	assert.Equal(t, EventPut, ev.Type)
	assert.Equal(t, []byte("a2"), ev.Value)

	select {
	case ev := <-s.Watch(ctx, "/rpc/svc/a", 0):
		t.Fatalf("afterRev 为 0 时不应回放历史: %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryStoreWatchAfterHistoryEvicted(t *testing.T) {
	s, _ := newFakeStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "/rpc/svc/a", []byte("a"), NoLease))
	_, rev, err := s.ListRevision(ctx, "/rpc/svc/")
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "/rpc/svc/a"))
	for i := range memoryHistorySize {
		require.NoError(t, s.Put(ctx, "/rpc/other", []byte{byte(i)}, NoLease))
	}

	ev := recv(t, s.Watch(ctx, "/rpc/svc/a", rev))
	assert.Equal(t, EventDelete, ev.Type)
}

func TestMemoryStoreClosed(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	events := s.Watch(ctx, "/rpc/k", 0)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, open := <-events
	assert.False(t, open)
	assert.ErrorIs(t, s.Put(ctx, "/rpc/k", nil, NoLease), ErrStoreClosed)
	_, err := s.List(ctx, "/rpc/")
	assert.ErrorIs(t, err, ErrStoreClosed)
}

func TestTTLSeconds(t *testing.T) {
	assert.EqualValues(t, 1, ttlSeconds(0))
	assert.EqualValues(t, 1, ttlSeconds(200*time.Millisecond))
	assert.EqualValues(t, 30, ttlSeconds(30*time.Second))
	assert.EqualValues(t, 31, ttlSeconds(30*time.Second+time.Millisecond))
}
