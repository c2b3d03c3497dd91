package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/ceyewan/yurpc/clog"
	"github.com/ceyewan/yurpc/protocol"
	"github.com/ceyewan/yurpc/xerrors"
)

// conn 一条多路复用连接
type conn struct {
	addr         string
	nc           net.Conn
	logger       clog.Logger
	writeTimeout time.Duration
	onClose      func(*conn)

	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[uint64]chan *protocol.Frame
	closed   bool
	closeErr error
	done     chan struct{}
}

func newConn(addr string, nc net.Conn, writeTimeout time.Duration, logger clog.Logger, onClose func(*conn)) *conn {
	c := &conn{
		addr:         addr,
		nc:           nc,
		logger:       logger,
		writeTimeout: writeTimeout,
		onClose:      onClose,
		pending:      make(map[uint64]chan *protocol.Frame),
		done:         make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *conn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// roundTrip 写出请求帧并等待同一 requestId 的响应帧
func (c *conn) roundTrip(ctx context.Context, f *protocol.Frame) (*protocol.Frame, error) {
	id := f.Header.RequestID
	ch := make(chan *protocol.Frame, 1)

	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer c.forget(id)

	if err := c.write(ctx, f); err != nil {
		c.close(err)
		return nil, xerrors.Mark(xerrors.ErrTransport, err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-c.done:
		// 关闭前可能已经投递了响应
		select {
		case resp := <-ch:
			return resp, nil
		default:
		}
		return nil, c.err()
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, xerrors.Markf(xerrors.ErrTimeout, "request %d to %s: %v", id, c.addr, ctx.Err())
		}
		return nil, ctx.Err()
	}
}

func (c *conn) write(ctx context.Context, f *protocol.Frame) error {
	deadline := time.Now().Add(c.writeTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.nc.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return protocol.WriteFrame(c.nc, f)
}

func (c *conn) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *conn) readLoop() {
	r := bufio.NewReader(c.nc)
	for {
		f, err := protocol.ReadFrame(r)
		if err != nil {
			c.close(err)
			return
		}
		switch f.Header.Type {
		case protocol.TypeResponse, protocol.TypeHeartbeat:
			c.deliver(f)
		default:
			c.logger.Warn("unexpected frame from server",
				clog.String("addr", c.addr),
				clog.String("type", f.Header.Type.String()),
			)
		}
	}
}

func (c *conn) deliver(f *protocol.Frame) {
	c.mu.Lock()
	ch, ok := c.pending[f.Header.RequestID]
	delete(c.pending, f.Header.RequestID)
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("dropping response without pending request",
			clog.String("addr", c.addr),
			clog.Uint64("request_id", f.Header.RequestID),
		)
		return
	}
	ch <- f
}

// close 关闭连接，所有等待中的调用以传输错误失败
func (c *conn) close(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = closeError(cause)
	pending := len(c.pending)
	close(c.done)
	c.mu.Unlock()

	_ = c.nc.Close()
	if c.onClose != nil {
		c.onClose(c)
	}

	level := c.logger.Debug
	if pending > 0 {
		level = c.logger.Warn
	}
	level("connection closed",
		clog.String("addr", c.addr),
		clog.Int("pending", pending),
		clog.Error(cause),
	)
}

func (c *conn) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

func closeError(cause error) error {
	if cause == nil || errors.Is(cause, io.EOF) || errors.Is(cause, net.ErrClosed) {
		return xerrors.Mark(xerrors.ErrTransport, errConnClosed)
	}
	return xerrors.Mark(xerrors.ErrTransport, xerrors.Wrap(cause, errConnClosed.Error()))
}
