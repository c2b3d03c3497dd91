package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/ceyewan/yurpc/clog"
	"github.com/ceyewan/yurpc/model"
	"github.com/ceyewan/yurpc/protocol"
	"github.com/ceyewan/yurpc/serializer"
	"github.com/ceyewan/yurpc/trace"
)

type serverConn struct {
	srv    *Server
	nc     net.Conn
	logger clog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
}

func newServerConn(s *Server, nc net.Conn) *serverConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &serverConn{
		srv:    s,
		nc:     nc,
		logger: s.logger.With(clog.String("remote", nc.RemoteAddr().String())),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (c *serverConn) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.nc.Close()
	})
}

// serve 读取请求帧，每个请求在独立协程中处理
func (c *serverConn) serve() {
	defer c.close()
	r := bufio.NewReader(c.nc)
	for {
		f, err := protocol.ReadFrame(r)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.logger.Warn("closing connection", clog.Error(err))
			}
			return
		}

		switch f.Header.Type {
		case protocol.TypeHeartbeat:
			c.write(protocol.NewHeartbeat(f.Header.SerializerID, f.Header.RequestID))
		case protocol.TypeRequest:
			c.dispatch(f)
		default:
			c.logger.Debug("ignoring frame", clog.String("type", f.Header.Type.String()))
		}
	}
}

func (c *serverConn) dispatch(f *protocol.Frame) {
	if !c.srv.tryAcquire() {
		c.reply(f.Header, &model.RpcResponse{Exception: ErrServerClosed.Error(), Message: "server shutting down"})
		return
	}
	select {
	case c.srv.sem <- struct{}{}:
	default:
		c.srv.handled.Done()
		c.srv.rejected.Inc(c.ctx)
		c.reply(f.Header, &model.RpcResponse{Exception: ErrServerBusy.Error(), Message: "too many concurrent requests"})
		return
	}

	go func() {
		defer c.srv.handled.Done()
		defer func() { <-c.srv.sem }()
		c.reply(f.Header, c.handle(f))
	}()
}

// handle 解码请求并调用处理函数，任何失败都转成带 Exception 的响应
func (c *serverConn) handle(f *protocol.Frame) (resp *model.RpcResponse) {
	msg, err := protocol.Unpack[*model.RpcRequest](f)
	if err != nil || msg.Body == nil {
		return failure(fmt.Errorf("bad request: %v", err))
	}
	req := msg.Body
	serviceKey := req.ServiceKey()
	start := time.Now()
	ctx, span := trace.StartServerSpan(c.ctx, c.srv.tracer, req.Metadata,
		trace.RPCMeta{ServiceKey: serviceKey, Method: req.MethodName})

	var callErr error
	defer func() {
		defer span.End()
		if r := recover(); r != nil {
			c.logger.Error("handler panicked",
				clog.String("service_key", serviceKey),
				clog.String("method", req.MethodName),
				clog.Any("panic", r),
			)
			callErr = fmt.Errorf("panic: %v", r)
			resp = failure(callErr)
		}
		c.srv.observe.Observe(ctx, serviceKey, req.MethodName, callErr, time.Since(start))
		trace.MarkSpanError(span, callErr)
	}()

	h, ok := c.srv.lookup(serviceKey, req.MethodName)
	if !ok {
		callErr = fmt.Errorf("%w: %s.%s", ErrServiceNotFound, serviceKey, req.MethodName)
		return failure(callErr)
	}

	if c.srv.limiter != nil {
		allowed, err := c.srv.limiter.Allow(ctx, serviceKey+"."+req.MethodName, c.srv.limit)
		if err != nil {
			c.logger.Warn("rate limiter failed, allowing request", clog.Error(err))
		} else if !allowed {
			c.srv.rejected.Inc(ctx)
			callErr = ErrServerBusy
			return &model.RpcResponse{Exception: ErrServerBusy.Error(), Message: "rate limit exceeded"}
		}
	}

	codec, err := serializer.ByID(f.Header.SerializerID)
	if err != nil {
		callErr = err
		return failure(err)
	}
	out, err := h(ctx, req.Args, codec)
	if err != nil {
		callErr = err
		return failure(err)
	}
	data, err := codec.Marshal(out)
	if err != nil {
		callErr = err
		return failure(fmt.Errorf("encode result: %w", err))
	}
	return &model.RpcResponse{Data: data, DataType: dataType(out), Message: "ok"}
}

func failure(err error) *model.RpcResponse {
	return &model.RpcResponse{Exception: err.Error(), Message: "failed"}
}

func (c *serverConn) reply(reqHeader protocol.Header, resp *model.RpcResponse) {
	f, err := protocol.Pack(protocol.NewResponse(reqHeader, resp))
	if err != nil {
		c.logger.Error("failed to encode response", clog.Error(err))
		f, err = protocol.Pack(protocol.NewResponse(reqHeader, failure(err)))
		if err != nil {
			return
		}
	}
	c.write(f)
}

func (c *serverConn) write(f *protocol.Frame) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.nc.SetWriteDeadline(time.Now().Add(c.srv.cfg.WriteTimeout))
	if err := protocol.WriteFrame(c.nc, f); err != nil {
		c.logger.Debug("failed to write response", clog.Error(err))
		c.close()
	}
}
