package proxy

import (
	"context"
	"fmt"

	"github.com/ceyewan/yurpc/async"
	"github.com/ceyewan/yurpc/model"
	"github.com/ceyewan/yurpc/xerrors"
)

// Service 一个远程服务的调用桩，由 Client.Service 创建并缓存
type Service struct {
	client  *Client
	name    string
	version string
}

// Service 返回服务的调用桩，同一服务键复用同一个实例
func (c *Client) Service(name, version string) *Service {
	if version == "" {
		version = model.DefaultServiceVersion
	}
	key := model.ServiceKey(name, version)
	if v, ok := c.stubs.Load(key); ok {
		return v.(*Service)
	}
	actual, _ := c.stubs.LoadOrStore(key, &Service{client: c, name: name, version: version})
	return actual.(*Service)
}

// RemoveService 丢弃缓存的调用桩
func (c *Client) RemoveService(name, version string) {
	c.stubs.Delete(model.ServiceKey(name, version))
}

// ClearServices 丢弃所有缓存的调用桩
func (c *Client) ClearServices() {
	c.stubs.Clear()
}

// ServiceCount 缓存的调用桩数量
func (c *Client) ServiceCount() int {
	n := 0
	c.stubs.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Key 服务键
func (s *Service) Key() string {
	return model.ServiceKey(s.name, s.version)
}

// Request 构造请求，每个参数用客户端的序列化器单独编码
func (s *Service) Request(method string, args ...any) (*model.RpcRequest, error) {
	req := &model.RpcRequest{
		ServiceName:    s.name,
		ServiceVersion: s.version,
		MethodName:     method,
		ParameterTypes: make([]string, len(args)),
		Args:           make([][]byte, len(args)),
	}
	for i, arg := range args {
		b, err := s.client.codec.Marshal(arg)
		if err != nil {
			return nil, xerrors.Wrapf(xerrors.ErrInvalidInput, "encode argument %d of %s: %v", i, method, err)
		}
		req.ParameterTypes[i] = fmt.Sprintf("%T", arg)
		req.Args[i] = b
	}
	return req, nil
}

// Call 同步调用方法
func (s *Service) Call(ctx context.Context, method string, args ...any) (*model.RpcResponse, error) {
	req, err := s.Request(method, args...)
	if err != nil {
		return nil, err
	}
	return s.client.Call(ctx, req)
}

// CallAsync 异步调用方法
func (s *Service) CallAsync(ctx context.Context, method string, args ...any) *async.Future[*model.RpcResponse] {
	req, err := s.Request(method, args...)
	if err != nil {
		return async.Failed[*model.RpcResponse](err)
	}
	return s.client.CallAsync(ctx, req)
}

// Invoke 同步调用并把结果解码为 T
//
// Mock 模式或响应没有数据时返回 T 的零值。
func Invoke[T any](ctx context.Context, s *Service, method string, args ...any) (T, error) {
	resp, err := s.Call(ctx, method, args...)
	if err != nil {
		var zero T
		return zero, err
	}
	return decode[T](s, resp)
}

// InvokeAsync 异步调用并把结果解码为 T
func InvokeAsync[T any](ctx context.Context, s *Service, method string, args ...any) *async.Future[T] {
	return async.Map(s.CallAsync(ctx, method, args...), func(resp *model.RpcResponse) (T, error) {
		return decode[T](s, resp)
	})
}

func decode[T any](s *Service, resp *model.RpcResponse) (T, error) {
	var out T
	if resp == nil || len(resp.Data) == 0 {
		return out, nil
	}
	if err := s.client.codec.Unmarshal(resp.Data, &out); err != nil {
		return out, xerrors.Mark(xerrors.ErrProtocol, xerrors.Wrapf(err, "decode %T result", out))
	}
	return out, nil
}
