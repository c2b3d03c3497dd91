package proxy

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/yurpc/async"
	"github.com/ceyewan/yurpc/breaker"
	"github.com/ceyewan/yurpc/clog"
	"github.com/ceyewan/yurpc/internal/workerpool"
	"github.com/ceyewan/yurpc/kvstore"
	"github.com/ceyewan/yurpc/loadbalancer"
	"github.com/ceyewan/yurpc/metrics"
	"github.com/ceyewan/yurpc/model"
	"github.com/ceyewan/yurpc/registry"
	"github.com/ceyewan/yurpc/retry"
	"github.com/ceyewan/yurpc/server"
	"github.com/ceyewan/yurpc/tolerant"
	"github.com/ceyewan/yurpc/transport"
	"github.com/ceyewan/yurpc/xerrors"
)

type User struct {
	Name string `json:"name" msgpack:"name"`
}

// fakeRegistry 固定实例列表的注册中心，记录指标写入次数
type fakeRegistry struct {
	mu          sync.Mutex
	instances   []*model.ServiceMetaInfo
	discoverErr error
	strategies  map[string]string
	strategyErr error

	discovers atomic.Int32
	successes atomic.Int32
	failures  atomic.Int32
}

func newFakeRegistry(instances ...*model.ServiceMetaInfo) *fakeRegistry {
	return &fakeRegistry{instances: instances, strategies: make(map[string]string)}
}

func (r *fakeRegistry) Discover(context.Context, string) ([]*model.ServiceMetaInfo, error) {
	r.discovers.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.discoverErr != nil {
		return nil, r.discoverErr
	}
	return r.instances, nil
}

func (r *fakeRegistry) GetNodeStrategy(_ context.Context, meta *model.ServiceMetaInfo, strategyType string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.strategyErr != nil {
		return "", false, r.strategyErr
	}
	v, ok := r.strategies[meta.NodeKey()+"/"+strategyType]
	return v, ok, nil
}

func (r *fakeRegistry) setStrategy(meta *model.ServiceMetaInfo, strategyType, value string) {
	r.mu.Lock()
	r.strategies[meta.NodeKey()+"/"+strategyType] = value
	r.mu.Unlock()
}

func (r *fakeRegistry) RecordCall(_ context.Context, _ *model.ServiceMetaInfo, _ time.Duration, success bool) error {
	if success {
		r.successes.Add(1)
	} else {
		r.failures.Add(1)
	}
	return nil
}

func (r *fakeRegistry) samples() int32 {
	return r.successes.Load() + r.failures.Load()
}

// startUserServer 启动提供 UserService 的服务端，block 方法等待 release 关闭
func startUserServer(t *testing.T, release <-chan struct{}) *model.ServiceMetaInfo {
	t.Helper()
	srv, err := server.New(&server.Config{Host: "127.0.0.1"})
	require.NoError(t, err)
	require.NoError(t, srv.Register(server.NewService("UserService", "1.0").
		Method("getUser", server.Handle(func(_ context.Context, u User) (User, error) {
			return u, nil
		})).
		Method("fail", server.Handle(func(context.Context, User) (User, error) {
			return User{}, errors.New("user not allowed")
		})).
		Method("block", server.Handle(func(_ context.Context, u User) (User, error) {
			<-release
			return u, nil
		}))))
	require.NoError(t, srv.Listen())
	go func() { _ = srv.Serve() }()
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	return &model.ServiceMetaInfo{
		ServiceName:    "UserService",
		ServiceVersion: "1.0",
		Host:           "127.0.0.1",
		Port:           srv.Port(),
	}
}

// deadInstance 返回一个没有监听者的地址
func deadInstance(t *testing.T) *model.ServiceMetaInfo {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return &model.ServiceMetaInfo{
		ServiceName:    "UserService",
		ServiceVersion: "1.0",
		Host:           "127.0.0.1",
		Port:           port,
	}
}

func transportConfig(ser string) transport.Config {
	return transport.Config{Serializer: ser}
}

func newClient(t *testing.T, reg Registry, cfg *Config, opts ...Option) *Client {
	t.Helper()
	c, err := New(reg, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(nil, nil)
	assert.ErrorIs(t, err, xerrors.ErrInvalidInput)

	reg := newFakeRegistry()
	for _, cfg := range []*Config{
		{LoadBalancer: "leastConn"},
		{Retry: "forever"},
		{Tolerant: "failSilently"},
		{Transport: transportConfig("protobuf")},
	} {
		_, err := New(reg, cfg)
		assert.Error(t, err)
	}

	c := newClient(t, reg, nil)
	assert.Equal(t, loadbalancer.RoundRobin, c.cfg.LoadBalancer)
	assert.Equal(t, retry.No, c.cfg.Retry)
	assert.Equal(t, tolerant.FailFast, c.cfg.Tolerant)
}

func TestEndToEnd(t *testing.T) {
	store := kvstore.NewMemory()
	reg, err := registry.New(store, nil)
	require.NoError(t, err)

	srv, err := server.New(&server.Config{Host: "127.0.0.1"})
	require.NoError(t, err)
	require.NoError(t, srv.Register(server.NewService("UserService", "1.0").
		Method("getUser", server.Handle(func(_ context.Context, u User) (User, error) {
			return u, nil
		}))))
	provider := server.NewProvider(srv, reg, &server.ProviderConfig{AdvertiseHost: "127.0.0.1"})
	require.NoError(t, provider.Start(context.Background()))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	c := newClient(t, reg, &Config{Async: AsyncConfig{Timeout: 5 * time.Second}})
	users := c.Service("UserService", "1.0")

	u, err := Invoke[User](context.Background(), users, "getUser", User{Name: "Alice"})
	require.NoError(t, err)
	assert.Equal(t, "Alice", u.Name)

	f := InvokeAsync[User](context.Background(), users, "getUser", User{Name: "Alice"})
	assert.NotZero(t, f.RequestID())
	u, err = f.GetTimeout(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "Alice", u.Name)

	// 调用指标异步写入注册中心
	assert.Eventually(t, func() bool {
		v, ok, err := reg.Get(context.Background(), registry.MetricKey("/rpc/", provider.Services()[0], registry.MetricCalls))
		return err == nil && ok && v == "2"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMsgpack(t *testing.T) {
	target := startUserServer(t, nil)
	c := newClient(t, newFakeRegistry(target), &Config{Transport: transportConfig("msgpack")})

	u, err := Invoke[User](context.Background(), c.Service("UserService", "1.0"), "getUser", User{Name: "Bob"})
	require.NoError(t, err)
	assert.Equal(t, "Bob", u.Name)
}

func TestNoAvailableInstance(t *testing.T) {
	c := newClient(t, newFakeRegistry(), nil)
	_, err := c.Service("UserService", "1.0").Call(context.Background(), "getUser", User{})
	assert.ErrorIs(t, err, xerrors.ErrNoAvailableInstance)
}

func TestDiscoveryErrorPropagates(t *testing.T) {
	reg := newFakeRegistry()
	reg.discoverErr = xerrors.Markf(xerrors.ErrDiscovery, "etcd unreachable")
	c := newClient(t, reg, nil)

	_, err := c.Service("UserService", "1.0").Call(context.Background(), "getUser", User{})
	assert.ErrorIs(t, err, xerrors.ErrDiscovery)
}

func TestInvalidRequest(t *testing.T) {
	c := newClient(t, newFakeRegistry(), nil)
	_, err := c.Call(context.Background(), nil)
	assert.ErrorIs(t, err, xerrors.ErrInvalidInput)
	_, err = c.Call(context.Background(), &model.RpcRequest{ServiceName: "UserService"})
	assert.ErrorIs(t, err, xerrors.ErrInvalidInput)

	_, err = c.Service("UserService", "1.0").Request("getUser", make(chan int))
	assert.ErrorIs(t, err, xerrors.ErrInvalidInput)
}

func TestRemoteErrorIsNotRetried(t *testing.T) {
	target := startUserServer(t, nil)
	reg := newFakeRegistry(target)
	c := newClient(t, reg, &Config{Retry: retry.FixedCount})

	_, err := Invoke[User](context.Background(), c.Service("UserService", "1.0"), "fail", User{})
	assert.ErrorIs(t, err, xerrors.ErrRemoteExecution)
	assert.Contains(t, err.Error(), "user not allowed")
	assert.Eventually(t, func() bool { return reg.failures.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRetryOverride(t *testing.T) {
	dead := deadInstance(t)
	reg := newFakeRegistry(dead)
	reg.setStrategy(dead, registry.StrategyRetry, retry.FixedCount)
	c := newClient(t, reg, &Config{RetryPolicy: retry.Config{MaxAttempts: 3}})

	_, err := c.Service("UserService", "1.0").Call(context.Background(), "getUser", User{})
	assert.ErrorIs(t, err, xerrors.ErrTransport)
	assert.Eventually(t, func() bool { return reg.failures.Load() == 3 }, time.Second, 5*time.Millisecond)
}

func TestStrategyReadFailureFallsBackToDefault(t *testing.T) {
	target := startUserServer(t, nil)
	reg := newFakeRegistry(target)
	reg.strategyErr = errors.New("store unavailable")
	c := newClient(t, reg, nil)

	u, err := Invoke[User](context.Background(), c.Service("UserService", "1.0"), "getUser", User{Name: "x"})
	require.NoError(t, err)
	assert.Equal(t, "x", u.Name)
}

func TestUnknownOverrideFallsBackToDefault(t *testing.T) {
	target := startUserServer(t, nil)
	reg := newFakeRegistry(target)
	reg.setStrategy(target, registry.StrategyLoadBalance, "leastConn")
	reg.setStrategy(target, registry.StrategyRetry, "forever")
	reg.setStrategy(target, registry.StrategyTolerant, "failSilently")
	c := newClient(t, reg, nil)

	_, err := Invoke[User](context.Background(), c.Service("UserService", "1.0"), "getUser", User{})
	require.NoError(t, err)
}

func TestRoundRobinStatePersistsAcrossCalls(t *testing.T) {
	a := startUserServer(t, nil)
	b := startUserServer(t, nil)
	reg := newFakeRegistry(a, b)
	c := newClient(t, reg, nil)
	users := c.Service("UserService", "1.0")

	for range 4 {
		_, err := users.Call(context.Background(), "getUser", User{})
		require.NoError(t, err)
	}
	// 两个实例各有一条连接
	assert.Equal(t, 2, c.tr.Conns())
}

func TestFailOver(t *testing.T) {
	dead := deadInstance(t)
	alive := startUserServer(t, nil)
	reg := newFakeRegistry(dead, alive)
	c := newClient(t, reg, &Config{Tolerant: tolerant.FailOver})

	u, err := Invoke[User](context.Background(), c.Service("UserService", "1.0"), "getUser", User{Name: "over"})
	require.NoError(t, err)
	assert.Equal(t, "over", u.Name)
}

func TestFailSafe(t *testing.T) {
	c := newClient(t, newFakeRegistry(deadInstance(t)), &Config{Tolerant: tolerant.FailSafe})

	resp, err := c.Service("UserService", "1.0").Call(context.Background(), "getUser", User{})
	require.NoError(t, err)
	require.NotNil(t, resp)

	u, err := Invoke[User](context.Background(), c.Service("UserService", "1.0"), "getUser", User{Name: "x"})
	require.NoError(t, err)
	assert.Zero(t, u)
}

func TestFailBackUsesFallback(t *testing.T) {
	reg := newFakeRegistry(deadInstance(t))
	var cause error
	c := newClient(t, reg, &Config{Tolerant: tolerant.FailBack},
		WithFallback("UserService", "1.0", func(_ context.Context, req *model.RpcRequest, err error) (*model.RpcResponse, error) {
			cause = err
			return &model.RpcResponse{Data: []byte(`{"name":"cached"}`), Message: "fallback"}, nil
		}))

	u, err := Invoke[User](context.Background(), c.Service("UserService", "1.0"), "getUser", User{})
	require.NoError(t, err)
	assert.Equal(t, "cached", u.Name)
	assert.ErrorIs(t, cause, xerrors.ErrTransport)
}

func TestMock(t *testing.T) {
	reg := newFakeRegistry()
	c := newClient(t, reg, &Config{Mock: true})

	u, err := Invoke[User](context.Background(), c.Service("UserService", "1.0"), "getUser", User{Name: "x"})
	require.NoError(t, err)
	assert.Zero(t, u)

	n, err := InvokeAsync[int](context.Background(), c.Service("UserService", "1.0"), "count").Get(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, reg.discovers.Load())
}

func TestBreakerOpensOnDeadInstance(t *testing.T) {
	reg := newFakeRegistry(deadInstance(t))
	c := newClient(t, reg, &Config{Breaker: &breaker.Config{FailureThreshold: 2, Timeout: time.Minute}})
	users := c.Service("UserService", "1.0")

	for range 2 {
		_, err := users.Call(context.Background(), "getUser", User{})
		require.ErrorIs(t, err, xerrors.ErrTransport)
	}
	_, err := users.Call(context.Background(), "getUser", User{})
	assert.ErrorIs(t, err, breaker.ErrOpenState)
	assert.True(t, xerrors.IsRetryable(err))
}

func TestAsyncRejectedWhenPoolFull(t *testing.T) {
	release := make(chan struct{})
	target := startUserServer(t, release)
	c := newClient(t, newFakeRegistry(target), &Config{
		Async: AsyncConfig{CoreSize: 1, MaxSize: 1, QueueCapacity: 1, Timeout: 5 * time.Second},
	})
	users := c.Service("UserService", "1.0")

	running := InvokeAsync[User](context.Background(), users, "block", User{Name: "1"})
	queued := InvokeAsync[User](context.Background(), users, "block", User{Name: "2"})
	rejected := InvokeAsync[User](context.Background(), users, "block", User{Name: "3"})

	_, err := rejected.Get(context.Background())
	assert.ErrorIs(t, err, workerpool.ErrRejected)
	assert.True(t, rejected.IsCompletedExceptionally())

	close(release)
	for _, f := range []*async.Future[User]{running, queued} {
		_, err := f.GetTimeout(5 * time.Second)
		assert.NoError(t, err)
	}
}

func TestWeightOverride(t *testing.T) {
	a := startUserServer(t, nil)
	b := startUserServer(t, nil)
	reg := newFakeRegistry(a, b)
	reg.setStrategy(a, registry.StrategyWeight, "3")
	reg.setStrategy(b, registry.StrategyWeight, "zero")
	c := newClient(t, reg, &Config{LoadBalancer: loadbalancer.Weighted})

	weighted := c.applyWeights(context.Background(), reg.instances)
	require.Len(t, weighted, 2)
	assert.Equal(t, 3, weighted[0].EffectiveWeight())
	assert.Equal(t, 1, weighted[1].EffectiveWeight(), "invalid override keeps registered weight")
	assert.Zero(t, a.Weight, "discovered instance must not be modified")
	assert.Same(t, b, weighted[1])

	// 3:1 的权重得到 a a b a 的序列
	lb := loadbalancer.NewWeighted()
	var got []int
	for range 4 {
		m, err := lb.Select(nil, weighted)
		require.NoError(t, err)
		got = append(got, m.Port)
	}
	assert.Equal(t, []int{a.Port, a.Port, b.Port, a.Port}, got)

	_, err := Invoke[User](context.Background(), c.Service("UserService", "1.0"), "getUser", User{Name: "w"})
	require.NoError(t, err)
}

func TestAsyncDisabled(t *testing.T) {
	target := startUserServer(t, nil)
	c := newClient(t, newFakeRegistry(target), &Config{Async: AsyncConfig{Disabled: true}})
	users := c.Service("UserService", "1.0")

	_, err := InvokeAsync[User](context.Background(), users, "getUser", User{}).GetTimeout(time.Second)
	assert.ErrorIs(t, err, ErrAsyncDisabled)
	assert.ErrorIs(t, err, xerrors.ErrInvalidInput)

	// 同步调用不受影响
	_, err = Invoke[User](context.Background(), users, "getUser", User{Name: "sync"})
	require.NoError(t, err)
	require.NoError(t, c.Close())
}

func TestAsyncTimeout(t *testing.T) {
	release := make(chan struct{})
	target := startUserServer(t, release)
	t.Cleanup(func() { close(release) })
	c := newClient(t, newFakeRegistry(target), &Config{Async: AsyncConfig{Timeout: 50 * time.Millisecond}})

	_, err := InvokeAsync[User](context.Background(), c.Service("UserService", "1.0"), "block", User{}).
		GetTimeout(5 * time.Second)
	assert.ErrorIs(t, err, xerrors.ErrTimeout)
}

func TestServiceCache(t *testing.T) {
	c := newClient(t, newFakeRegistry(), nil)

	a := c.Service("UserService", "")
	assert.Same(t, a, c.Service("UserService", "1.0"))
	assert.Equal(t, "UserService:1.0", a.Key())
	c.Service("OrderService", "2.0")
	assert.Equal(t, 2, c.ServiceCount())

	c.RemoveService("UserService", "1.0")
	assert.Equal(t, 1, c.ServiceCount())
	assert.NotSame(t, a, c.Service("UserService", "1.0"))

	c.ClearServices()
	assert.Zero(t, c.ServiceCount())
}

func TestClose(t *testing.T) {
	c, err := New(newFakeRegistry(), nil)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	assert.NoError(t, c.Close())

	_, err = c.Service("UserService", "1.0").Call(context.Background(), "getUser", User{})
	assert.ErrorIs(t, err, xerrors.ErrClosed)
	_, err = c.Service("UserService", "1.0").CallAsync(context.Background(), "getUser", User{}).Get(context.Background())
	assert.ErrorIs(t, err, xerrors.ErrClosed)
}

// blockingRegistry 的 RecordCall 阻塞直到 release 关闭
type blockingRegistry struct {
	fakeRegistry
	release chan struct{}
	writes  atomic.Int32
}

func (r *blockingRegistry) RecordCall(context.Context, *model.ServiceMetaInfo, time.Duration, bool) error {
	<-r.release
	r.writes.Add(1)
	return nil
}

func TestRecorderDropsWhenQueueFull(t *testing.T) {
	reg := &blockingRegistry{release: make(chan struct{})}
	dropped, err := metrics.Discard().Counter("dropped", "dropped samples")
	require.NoError(t, err)
	rec := newRecorder(reg, 1, time.Second, clog.Discard(), dropped)
	meta := &model.ServiceMetaInfo{ServiceName: "UserService", Host: "127.0.0.1", Port: 1}

	done := make(chan struct{})
	go func() {
		for range 10 {
			rec.record(meta, time.Millisecond, true)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("record blocked on a full queue")
	}

	close(reg.release)
	rec.close()
	assert.LessOrEqual(t, reg.writes.Load(), int32(2))
	assert.GreaterOrEqual(t, reg.writes.Load(), int32(1))
}
