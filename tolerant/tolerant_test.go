package tolerant

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/yurpc/model"
	"github.com/ceyewan/yurpc/xerrors"
)

var errDown = xerrors.Mark(xerrors.ErrTransport, errors.New("connection refused"))

func candidates(n int) []*model.ServiceMetaInfo {
	out := make([]*model.ServiceMetaInfo, n)
	for i := range out {
		out[i] = &model.ServiceMetaInfo{ServiceName: "UserService", ServiceVersion: "1.0", Host: "127.0.0.1", Port: 9000 + i}
	}
	return out
}

func request() *model.RpcRequest {
	return &model.RpcRequest{ServiceName: "UserService", ServiceVersion: "1.0", MethodName: "getUser"}
}

// recorder 记录被调用的实例，down 中的实例返回传输错误
type recorder struct {
	called []int
	down   map[int]error
}

func (r *recorder) invoke(_ context.Context, target *model.ServiceMetaInfo) (*model.RpcResponse, error) {
	r.called = append(r.called, target.Port)
	if err, ok := r.down[target.Port]; ok {
		return nil, err
	}
	return &model.RpcResponse{Message: target.Address()}, nil
}

func TestNew(t *testing.T) {
	for _, key := range Keys() {
		s, err := New(key)
		require.NoError(t, err)
		assert.NotNil(t, s)
	}
	s, err := New("")
	require.NoError(t, err)
	assert.IsType(t, failFast{}, s)

	_, err = New("failRandom")
	assert.ErrorIs(t, err, ErrUnknownTolerantStrategy)
}

func TestFailFast(t *testing.T) {
	s, _ := New(FailFast)
	resp, err := s.Tolerate(context.Background(), &Context{Request: request()}, errDown)
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, errDown)
}

func TestFailSafe(t *testing.T) {
	s, _ := New(FailSafe)
	for _, cause := range []error{errDown, xerrors.ErrRemoteExecution, xerrors.ErrNoAvailableInstance, nil} {
		resp, err := s.Tolerate(context.Background(), &Context{Request: request()}, cause)
		require.NoError(t, err)
		require.NotNil(t, resp)
		assert.False(t, resp.Failed())
	}
	resp, err := s.Tolerate(context.Background(), nil, errDown)
	require.NoError(t, err)
	assert.NotNil(t, resp)
}

func TestFailBackUsesFallback(t *testing.T) {
	s, _ := New(FailBack)
	rec := &recorder{}
	var gotCause error
	tc := &Context{
		Request:    request(),
		Candidates: candidates(2),
		Invoke:     rec.invoke,
		Fallback: func(_ context.Context, req *model.RpcRequest, cause error) (*model.RpcResponse, error) {
			gotCause = cause
			return &model.RpcResponse{Message: "cached " + req.MethodName}, nil
		},
	}
	tc.Failed = tc.Candidates[0]

	resp, err := s.Tolerate(context.Background(), tc, errDown)
	require.NoError(t, err)
	assert.Equal(t, "cached getUser", resp.Message)
	assert.ErrorIs(t, gotCause, errDown)
	assert.Empty(t, rec.called)
}

func TestFailBackUsesOtherInstance(t *testing.T) {
	s, _ := New(FailBack)
	rec := &recorder{down: map[int]error{9001: errDown}}
	tc := &Context{Request: request(), Candidates: candidates(3), Invoke: rec.invoke}
	tc.Failed = tc.Candidates[0]

	// 只换一次实例
	_, err := s.Tolerate(context.Background(), tc, errDown)
	assert.ErrorIs(t, err, errDown)
	assert.Equal(t, []int{9001}, rec.called)

	rec = &recorder{}
	tc.Invoke = rec.invoke
	resp, err := s.Tolerate(context.Background(), tc, errDown)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9001", resp.Message)
}

func TestFailBackWithoutAlternatives(t *testing.T) {
	s, _ := New(FailBack)
	tc := &Context{Request: request(), Candidates: candidates(1)}
	tc.Failed = tc.Candidates[0]

	_, err := s.Tolerate(context.Background(), tc, errDown)
	assert.ErrorIs(t, err, errDown)
}

func TestFailOver(t *testing.T) {
	s, _ := New(FailOver)
	rec := &recorder{down: map[int]error{9001: errDown}}
	tc := &Context{Request: request(), Candidates: candidates(3), Invoke: rec.invoke}
	tc.Failed = tc.Candidates[0]

	resp, err := s.Tolerate(context.Background(), tc, errDown)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9002", resp.Message)
	// 不会再调用已经失败的实例
	assert.Equal(t, []int{9001, 9002}, rec.called)
}

func TestFailOverAllDown(t *testing.T) {
	s, _ := New(FailOver)
	last := xerrors.Mark(xerrors.ErrTimeout, errors.New("9002 timed out"))
	rec := &recorder{down: map[int]error{9001: errDown, 9002: last}}
	tc := &Context{Request: request(), Candidates: candidates(3), Invoke: rec.invoke}
	tc.Failed = tc.Candidates[0]

	_, err := s.Tolerate(context.Background(), tc, errDown)
	assert.ErrorIs(t, err, last)
}

func TestFailOverStopsOnRemoteError(t *testing.T) {
	s, _ := New(FailOver)
	remote := xerrors.Mark(xerrors.ErrRemoteExecution, errors.New("user not found"))
	rec := &recorder{down: map[int]error{9001: remote}}
	tc := &Context{Request: request(), Candidates: candidates(3), Invoke: rec.invoke}
	tc.Failed = tc.Candidates[0]

	_, err := s.Tolerate(context.Background(), tc, errDown)
	assert.ErrorIs(t, err, xerrors.ErrRemoteExecution)
	assert.Equal(t, []int{9001}, rec.called)
}

func TestFailOverCancelled(t *testing.T) {
	s, _ := New(FailOver)
	rec := &recorder{}
	tc := &Context{Request: request(), Candidates: candidates(2), Invoke: rec.invoke}
	tc.Failed = tc.Candidates[0]

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Tolerate(ctx, tc, errDown)
	assert.ErrorIs(t, err, errDown)
	assert.Empty(t, rec.called)
}
