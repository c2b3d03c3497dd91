package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ceyewan/yurpc/kvstore"
	"github.com/ceyewan/yurpc/model"
	"github.com/ceyewan/yurpc/ratelimit"
	"github.com/ceyewan/yurpc/registry"
	"github.com/ceyewan/yurpc/serializer"
	"github.com/ceyewan/yurpc/trace"
	"github.com/ceyewan/yurpc/transport"
	"github.com/ceyewan/yurpc/xerrors"
)

type user struct {
	Name string `json:"name" msgpack:"name"`
}

func getUser(_ context.Context, u user) (user, error) {
	return user{Name: "hello " + u.Name}, nil
}

func newUserService() *Service {
	return NewService("UserService", "").
		Method("getUser", Handle(getUser)).
		Method("fail", Handle(func(context.Context, user) (user, error) {
			return user{}, errors.New("user not allowed")
		})).
		Method("panic", Handle(func(context.Context, user) (user, error) {
			panic("boom")
		}))
}

// startServer 在随机端口启动服务端并返回可直接调用的目标实例
func startServer(t *testing.T, opts ...Option) (*Server, *model.ServiceMetaInfo) {
	t.Helper()
	srv, err := New(&Config{Host: "127.0.0.1"}, opts...)
	require.NoError(t, err)
	require.NoError(t, srv.Register(newUserService()))
	require.NoError(t, srv.Listen())
	go func() { _ = srv.Serve() }()
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	return srv, &model.ServiceMetaInfo{
		ServiceName: "UserService",
		Host:        "127.0.0.1",
		Port:        srv.Port(),
	}
}

func newClient(t *testing.T, ser string) *transport.Client {
	t.Helper()
	c, err := transport.New(&transport.Config{Serializer: ser})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func newRequest(t *testing.T, ser, method string, arg any) *model.RpcRequest {
	t.Helper()
	s, err := serializer.Get(ser)
	require.NoError(t, err)
	b, err := s.Marshal(arg)
	require.NoError(t, err)
	return &model.RpcRequest{
		ServiceName:    "UserService",
		ServiceVersion: model.DefaultServiceVersion,
		MethodName:     method,
		ParameterTypes: []string{"server.user"},
		Args:           [][]byte{b},
	}
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(&Config{Port: 70000})
	assert.ErrorIs(t, err, xerrors.ErrInvalidInput)

	srv, err := New(nil)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", srv.cfg.Host)
	assert.Equal(t, 1000, srv.cfg.MaxConcurrency)
}

func TestRegisterInvalid(t *testing.T) {
	srv, err := New(nil)
	require.NoError(t, err)
	assert.ErrorIs(t, srv.Register(nil), xerrors.ErrInvalidInput)
	assert.ErrorIs(t, srv.Register(NewService("", "")), xerrors.ErrInvalidInput)
}

func TestCall(t *testing.T) {
	for _, ser := range []string{serializer.JSON, serializer.Msgpack} {
		t.Run(ser, func(t *testing.T) {
			_, target := startServer(t)
			c := newClient(t, ser)

			resp, err := c.Call(context.Background(), newRequest(t, ser, "getUser", user{Name: "yu"}), target)
			require.NoError(t, err)
			assert.Equal(t, "server.user", resp.DataType)

			s, _ := serializer.Get(ser)
			var got user
			require.NoError(t, s.Unmarshal(resp.Data, &got))
			assert.Equal(t, "hello yu", got.Name)
		})
	}
}

func TestConcurrentCalls(t *testing.T) {
	_, target := startServer(t)
	c := newClient(t, serializer.JSON)

	var wg sync.WaitGroup
	for i := range 50 {
		name := fmt.Sprintf("u%d", i)
		req := newRequest(t, serializer.JSON, "getUser", user{Name: name})
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := c.Call(context.Background(), req, target)
			if !assert.NoError(t, err) {
				return
			}
			var got user
			assert.NoError(t, serializer.JSONSerializer{}.Unmarshal(resp.Data, &got))
			assert.Equal(t, "hello "+name, got.Name)
		}()
	}
	wg.Wait()
}

func TestHandlerFailures(t *testing.T) {
	_, target := startServer(t)
	c := newClient(t, serializer.JSON)

	cases := []struct {
		method  string
		service string
		want    string
	}{
		{method: "fail", want: "user not allowed"},
		{method: "panic", want: "panic: boom"},
		{method: "missing", want: "service not found"},
		{method: "getUser", service: "NoSuchService", want: "service not found"},
	}
	for _, tc := range cases {
		t.Run(tc.method+tc.service, func(t *testing.T) {
			req := newRequest(t, serializer.JSON, tc.method, user{Name: "yu"})
			if tc.service != "" {
				req.ServiceName = tc.service
			}
			resp, err := c.Call(context.Background(), req, target)
			require.Error(t, err)
			assert.ErrorIs(t, err, xerrors.ErrRemoteExecution)
			assert.False(t, xerrors.IsRetryable(err))
			require.NotNil(t, resp)
			assert.Contains(t, resp.Exception, tc.want)
		})
	}

	// panic 之后连接仍然可用
	_, err := c.Call(context.Background(), newRequest(t, serializer.JSON, "getUser", user{}), target)
	assert.NoError(t, err)
}

func TestBadArgument(t *testing.T) {
	_, target := startServer(t)
	c := newClient(t, serializer.JSON)

	req := newRequest(t, serializer.JSON, "getUser", user{})
	req.Args = [][]byte{[]byte("not json")}
	resp, err := c.Call(context.Background(), req, target)
	assert.ErrorIs(t, err, xerrors.ErrRemoteExecution)
	require.NotNil(t, resp)
	assert.Contains(t, resp.Exception, "decode")
}

func TestNoArgument(t *testing.T) {
	_, target := startServer(t)
	c := newClient(t, serializer.JSON)

	req := newRequest(t, serializer.JSON, "getUser", nil)
	req.Args = nil
	resp, err := c.Call(context.Background(), req, target)
	require.NoError(t, err)
	var got user
	require.NoError(t, serializer.JSONSerializer{}.Unmarshal(resp.Data, &got))
	assert.Equal(t, "hello ", got.Name)
}

func TestPing(t *testing.T) {
	_, target := startServer(t)
	c := newClient(t, serializer.JSON)
	assert.NoError(t, c.Ping(context.Background(), target))
}

func TestRateLimit(t *testing.T) {
	limiter, err := ratelimit.New(nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = limiter.Close() })

	_, target := startServer(t, WithRateLimit(limiter, ratelimit.Limit{Rate: 0.001, Burst: 2}))
	c := newClient(t, serializer.JSON)

	for range 2 {
		_, err := c.Call(context.Background(), newRequest(t, serializer.JSON, "getUser", user{}), target)
		require.NoError(t, err)
	}
	resp, err := c.Call(context.Background(), newRequest(t, serializer.JSON, "getUser", user{}), target)
	assert.ErrorIs(t, err, xerrors.ErrRemoteExecution)
	require.NotNil(t, resp)
	assert.Equal(t, ErrServerBusy.Error(), resp.Exception)
}

func TestMaxConcurrency(t *testing.T) {
	srv, err := New(&Config{Host: "127.0.0.1", MaxConcurrency: 1})
	require.NoError(t, err)

	release := make(chan struct{})
	entered := make(chan struct{})
	require.NoError(t, srv.Register(NewService("UserService", "").
		Method("block", Handle(func(context.Context, user) (user, error) {
			close(entered)
			<-release
			return user{}, nil
		})).
		Method("getUser", Handle(getUser))))
	require.NoError(t, srv.Listen())
	go func() { _ = srv.Serve() }()
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	target := &model.ServiceMetaInfo{ServiceName: "UserService", Host: "127.0.0.1", Port: srv.Port()}
	c := newClient(t, serializer.JSON)

	done := make(chan error, 1)
	req := newRequest(t, serializer.JSON, "block", user{})
	go func() {
		_, err := c.Call(context.Background(), req, target)
		done <- err
	}()
	<-entered

	resp, err := c.Call(context.Background(), newRequest(t, serializer.JSON, "getUser", user{}), target)
	assert.ErrorIs(t, err, xerrors.ErrRemoteExecution)
	require.NotNil(t, resp)
	assert.Equal(t, ErrServerBusy.Error(), resp.Exception)

	close(release)
	assert.NoError(t, <-done)
}

func TestShutdownWaitsForInflight(t *testing.T) {
	srv, err := New(&Config{Host: "127.0.0.1"})
	require.NoError(t, err)

	entered := make(chan struct{})
	require.NoError(t, srv.Register(NewService("UserService", "").
		Method("slow", Handle(func(context.Context, user) (user, error) {
			close(entered)
			time.Sleep(100 * time.Millisecond)
			return user{Name: "done"}, nil
		}))))
	require.NoError(t, srv.Listen())
	go func() { _ = srv.Serve() }()

	target := &model.ServiceMetaInfo{ServiceName: "UserService", Host: "127.0.0.1", Port: srv.Port()}
	c := newClient(t, serializer.JSON)

	done := make(chan error, 1)
	req := newRequest(t, serializer.JSON, "slow", user{})
	go func() {
		_, err := c.Call(context.Background(), req, target)
		done <- err
	}()
	<-entered

	require.NoError(t, srv.Shutdown(context.Background()))
	assert.NoError(t, <-done)

	// 已关闭的服务端不再接受连接
	_, err = c.Call(context.Background(), req, target)
	assert.ErrorIs(t, err, xerrors.ErrTransport)
	assert.NoError(t, srv.Shutdown(context.Background()))
	assert.ErrorIs(t, srv.Listen(), xerrors.ErrClosed)
}

func TestShutdownDeadline(t *testing.T) {
	srv, err := New(&Config{Host: "127.0.0.1"})
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	require.NoError(t, srv.Register(NewService("UserService", "").
		Method("stuck", Handle(func(context.Context, user) (user, error) {
			close(entered)
			<-release
			return user{}, nil
		}))))
	require.NoError(t, srv.Listen())
	go func() { _ = srv.Serve() }()

	target := &model.ServiceMetaInfo{ServiceName: "UserService", Host: "127.0.0.1", Port: srv.Port()}
	c := newClient(t, serializer.JSON)

	done := make(chan error, 1)
	req := newRequest(t, serializer.JSON, "stuck", user{})
	go func() {
		_, err := c.Call(context.Background(), req, target)
		done <- err
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, srv.Shutdown(ctx), context.DeadlineExceeded)
	assert.ErrorIs(t, <-done, xerrors.ErrTransport)
}

func TestRequestRejectedAfterShutdownBegins(t *testing.T) {
	srv, err := New(&Config{Host: "127.0.0.1"})
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, srv.Register(NewService("UserService", "").
		Method("block", Handle(func(context.Context, user) (user, error) {
			close(entered)
			<-release
			return user{Name: "done"}, nil
		})).
		Method("getUser", Handle(getUser))))
	require.NoError(t, srv.Listen())
	go func() { _ = srv.Serve() }()

	target := &model.ServiceMetaInfo{ServiceName: "UserService", Host: "127.0.0.1", Port: srv.Port()}
	c := newClient(t, serializer.JSON)

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), newRequest(t, serializer.JSON, "block", user{}), target)
		done <- err
	}()
	<-entered

	stopped := make(chan error, 1)
	go func() { stopped <- srv.Shutdown(context.Background()) }()
	require.Eventually(t, srv.closed.Load, 2*time.Second, 5*time.Millisecond)

	// 排空期间连接仍在，新请求直接得到关闭响应而不被执行
	resp, err := c.Call(context.Background(), newRequest(t, serializer.JSON, "getUser", user{Name: "late"}), target)
	assert.ErrorIs(t, err, xerrors.ErrRemoteExecution)
	require.NotNil(t, resp)
	assert.Equal(t, ErrServerClosed.Error(), resp.Exception)

	close(release)
	assert.NoError(t, <-done)
	assert.NoError(t, <-stopped)
}

func TestShutdownRacesDispatch(t *testing.T) {
	srv, _ := startServer(t)
	for i := 0; i < 64; i++ {
		require.True(t, srv.tryAcquire())
		srv.handled.Done()
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if srv.tryAcquire() {
					srv.handled.Done()
				}
			}
		}()
	}
	require.NoError(t, srv.Shutdown(context.Background()))
	wg.Wait()
	assert.False(t, srv.tryAcquire())
}

// failingListener 的 Accept 一直失败，直到被关闭
type failingListener struct {
	net.Listener
	accepts atomic.Int32
	closed  chan struct{}
}

func (l *failingListener) Accept() (net.Conn, error) {
	l.accepts.Add(1)
	select {
	case <-l.closed:
		return nil, net.ErrClosed
	default:
		return nil, errors.New("accept: too many open files")
	}
}

func (l *failingListener) Close() error {
	close(l.closed)
	return nil
}

func TestAcceptBackoff(t *testing.T) {
	srv, err := New(&Config{Host: "127.0.0.1"})
	require.NoError(t, err)
	ln := &failingListener{closed: make(chan struct{})}
	srv.ln = ln

	done := make(chan error, 1)
	go func() { done <- srv.acceptLoop() }()
	time.Sleep(100 * time.Millisecond)
	// 5+10+20+40 ms 的退避，100ms 内只会重试少数几次
	assert.LessOrEqual(t, ln.accepts.Load(), int32(8))
	assert.GreaterOrEqual(t, ln.accepts.Load(), int32(2))

	require.NoError(t, srv.Shutdown(context.Background()))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("accept loop did not stop")
	}
}

func TestNextAcceptDelay(t *testing.T) {
	assert.Equal(t, 5*time.Millisecond, nextAcceptDelay(0))
	assert.Equal(t, 10*time.Millisecond, nextAcceptDelay(5*time.Millisecond))
	assert.Equal(t, time.Second, nextAcceptDelay(800*time.Millisecond))
	assert.Equal(t, time.Second, nextAcceptDelay(time.Second))
}

func TestProvider(t *testing.T) {
	reg, err := registry.New(kvstore.NewMemory(), nil)
	require.NoError(t, err)

	srv, err := New(&Config{Host: "127.0.0.1"})
	require.NoError(t, err)
	require.NoError(t, srv.Register(newUserService()))

	p := NewProvider(srv, reg, &ProviderConfig{AdvertiseHost: "127.0.0.1", Weight: 3})
	require.NoError(t, p.Start(context.Background()))

	instances, err := reg.Discover(context.Background(), "UserService:1.0")
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, srv.Port(), instances[0].Port)
	assert.Equal(t, 3, instances[0].Weight)
	assert.Len(t, p.Services(), 1)

	c := newClient(t, serializer.JSON)
	_, err = c.Call(context.Background(), newRequest(t, serializer.JSON, "getUser", user{Name: "yu"}), instances[0])
	require.NoError(t, err)

	require.NoError(t, p.Shutdown(context.Background()))
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestProviderRegistrationFailure(t *testing.T) {
	store := kvstore.NewMemory()
	reg, err := registry.New(store, nil)
	require.NoError(t, err)
	reg.Destroy(context.Background())

	srv, err := New(&Config{Host: "127.0.0.1"})
	require.NoError(t, err)
	require.NoError(t, srv.Register(newUserService()))

	p := NewProvider(srv, reg, nil)
	assert.Error(t, p.Start(context.Background()))
	assert.True(t, srv.closed.Load())
}

func TestServerSpanJoinsCallerTrace(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	otel.SetTextMapPropagator(propagation.TraceContext{})

	_, target := startServer(t, WithTracer(tp.Tracer("server")))
	c := newClient(t, serializer.JSON)

	req := newRequest(t, serializer.JSON, "fail", user{Name: "yu"})
	_, span, headers := trace.StartClientSpan(context.Background(), tp.Tracer("client"),
		trace.RPCMeta{ServiceKey: req.ServiceKey(), Method: req.MethodName})
	require.NotNil(t, headers)
	req.Metadata = headers

	_, err := c.Call(context.Background(), req, target)
	require.ErrorIs(t, err, xerrors.ErrRemoteExecution)
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	srv := spans[0]
	assert.Equal(t, trace.SpanNameServe, srv.Name())
	assert.Equal(t, span.SpanContext().TraceID(), srv.SpanContext().TraceID())
	assert.Equal(t, span.SpanContext().SpanID(), srv.Parent().SpanID())
	assert.Len(t, srv.Events(), 1)
}
