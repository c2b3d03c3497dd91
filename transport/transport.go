// Package transport 是调用方的 TCP 传输层。
//
// 每个地址维护一条多路复用的长连接，请求按 requestId 与响应关联，
// 同一连接上的多个调用可以乱序完成。连接断开、写入失败、解码失败都会让
// 所有等待中的调用以 xerrors.ErrTransport 失败，不会无限等待；
// 断开的连接从连接池移除，下一次调用重新建立。
//
// ## 基本使用
//
//	client, _ := transport.New(&transport.Config{Serializer: "json"},
//		transport.WithLogger(logger))
//	defer client.Close()
//
//	resp, err := client.CallWithTimeout(ctx, req, instance, 3*time.Second)
package transport

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/ceyewan/yurpc/async"
	"github.com/ceyewan/yurpc/clog"
	"github.com/ceyewan/yurpc/idgen"
	"github.com/ceyewan/yurpc/metrics"
	"github.com/ceyewan/yurpc/model"
	"github.com/ceyewan/yurpc/protocol"
	"github.com/ceyewan/yurpc/serializer"
	"github.com/ceyewan/yurpc/xerrors"
)

// ErrClientClosed 客户端已关闭
var ErrClientClosed = xerrors.Wrap(xerrors.ErrClosed, "transport: client closed")

// errConnClosed 等待响应期间连接关闭
var errConnClosed = errors.New("connection closed before receiving response")

// Config 传输层配置
type Config struct {
	// Serializer 请求使用的序列化器名称（默认：json）
	Serializer string `mapstructure:"serializer"`
	// DialTimeout 建立连接的超时（默认：3s）
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	// WriteTimeout 单次写入的超时（默认：10s）
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

func (c *Config) setDefaults() {
	if c.Serializer == "" {
		c.Serializer = serializer.JSON
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 3 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

// Client 传输客户端，并发安全
type Client struct {
	cfg          Config
	serializerID uint8
	logger       clog.Logger
	ids          idgen.Generator
	pool         *pool

	inflight metrics.Gauge
	closed   atomic.Bool
}

// New 创建传输客户端
//
// 参数:
//   - cfg: 传输配置，nil 使用默认值
//   - opts: 可选参数 (Logger, Meter, IDGenerator)
func New(cfg *Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	c := *cfg
	c.setDefaults()
	s, err := serializer.Get(c.Serializer)
	if err != nil {
		return nil, err
	}
	o := applyOptions(opts)

	client := &Client{
		cfg:          c,
		serializerID: s.ID(),
		logger:       o.logger,
		ids:          o.ids,
	}
	client.inflight, _ = o.meter.Gauge("transport_inflight_requests", "Requests awaiting a response")
	dials, _ := o.meter.Counter("transport_dials_total", "Outbound connection attempts by outcome")
	client.pool = newPool(c.DialTimeout, c.WriteTimeout, o.logger, dials)
	return client, nil
}

// SerializerID 请求帧使用的序列化器编号
func (c *Client) SerializerID() uint8 {
	return c.serializerID
}

// Call 同步调用，阻塞到收到响应、连接失败或 ctx 结束
//
// 服务端报告的执行失败以 xerrors.ErrRemoteExecution 返回，同时返回响应本身。
func (c *Client) Call(ctx context.Context, req *model.RpcRequest, target *model.ServiceMetaInfo) (*model.RpcResponse, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if req == nil || target == nil {
		return nil, xerrors.Wrap(xerrors.ErrInvalidInput, "transport: request and target are required")
	}

	id, err := c.nextID(ctx)
	if err != nil {
		return nil, xerrors.Mark(xerrors.ErrTransport, err)
	}
	frame, err := protocol.Pack(protocol.NewRequest(c.serializerID, uint64(id), req))
	if err != nil {
		return nil, err
	}

	addr := target.Address()
	cn, err := c.pool.get(ctx, addr)
	if err != nil {
		return nil, err
	}

	c.inflight.Inc(ctx, metrics.L(metrics.LabelInstance, addr))
	defer c.inflight.Dec(ctx, metrics.L(metrics.LabelInstance, addr))

	respFrame, err := cn.roundTrip(ctx, frame)
	if err != nil {
		c.logger.Debug("call failed",
			clog.String("addr", addr),
			clog.String("method", req.MethodName),
			clog.Int64("request_id", id),
			clog.Error(err),
		)
		return nil, err
	}
	msg, err := protocol.Unpack[*model.RpcResponse](respFrame)
	if err != nil {
		return nil, xerrors.Mark(xerrors.ErrTransport, err)
	}
	resp := msg.Body
	if resp == nil {
		resp = &model.RpcResponse{}
	}
	if resp.Failed() {
		return resp, xerrors.Mark(xerrors.ErrRemoteExecution, errors.New(resp.Exception))
	}
	return resp, nil
}

// CallWithTimeout 带超时的同步调用
//
// 超时以 xerrors.ErrTimeout 失败；等待中的条目被移除，迟到的响应直接丢弃，连接继续可用。
func (c *Client) CallWithTimeout(ctx context.Context, req *model.RpcRequest, target *model.ServiceMetaInfo, timeout time.Duration) (*model.RpcResponse, error) {
	if timeout <= 0 {
		return c.Call(ctx, req, target)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.Call(ctx, req, target)
}

// CallAsync 异步调用，立即返回 Future
//
// Future 的 RequestID 即请求帧头中的 requestId。取消 Future 会中止等待。
func (c *Client) CallAsync(ctx context.Context, req *model.RpcRequest, target *model.ServiceMetaInfo) *async.Future[*model.RpcResponse] {
	id, err := c.ids.NextID()
	if err != nil {
		return async.Failed[*model.RpcResponse](xerrors.Mark(xerrors.ErrTransport, err))
	}
	callCtx, cancel := context.WithCancel(WithRequestID(context.WithoutCancel(ctx), id))
	f := async.New[*model.RpcResponse](id, cancel)
	go func() {
		defer cancel()
		resp, err := c.Call(callCtx, req, target)
		if err != nil {
			f.Fail(err)
			return
		}
		f.Complete(resp)
	}()
	return f
}

type requestIDKey struct{}

type presetID struct {
	id      int64
	claimed atomic.Bool
}

// WithRequestID 指定 ctx 下第一次 Call 使用的 requestId，后续调用（例如重试）另行分配
func WithRequestID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, requestIDKey{}, &presetID{id: id})
}

func (c *Client) nextID(ctx context.Context) (int64, error) {
	if p, ok := ctx.Value(requestIDKey{}).(*presetID); ok && p.claimed.CompareAndSwap(false, true) {
		return p.id, nil
	}
	return c.ids.NextID()
}

// Ping 发送心跳并等待服务端回应
func (c *Client) Ping(ctx context.Context, target *model.ServiceMetaInfo) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	id, err := c.ids.NextID()
	if err != nil {
		return xerrors.Mark(xerrors.ErrTransport, err)
	}
	cn, err := c.pool.get(ctx, target.Address())
	if err != nil {
		return err
	}
	resp, err := cn.roundTrip(ctx, protocol.NewHeartbeat(c.serializerID, uint64(id)))
	if err != nil {
		return err
	}
	if resp.Header.Type != protocol.TypeHeartbeat {
		return xerrors.Markf(xerrors.ErrProtocol, "unexpected %s reply to heartbeat", resp.Header.Type)
	}
	return nil
}

// Conns 当前连接池中的连接数
func (c *Client) Conns() int {
	return c.pool.size()
}

// Close 关闭所有连接，等待中的调用以传输错误失败
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	n := c.pool.closeAll()
	c.logger.Info("transport closed", clog.Int("connections", n))
	return nil
}
