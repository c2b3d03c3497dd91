package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ceyewan/yurpc/clog"
	"github.com/ceyewan/yurpc/metrics"
	"github.com/ceyewan/yurpc/xerrors"
)

// pool 按地址缓存连接，同一地址的并发建连合并为一次
type pool struct {
	dialTimeout  time.Duration
	writeTimeout time.Duration
	logger       clog.Logger
	dials        metrics.Counter

	mu     sync.Mutex
	conns  map[string]*conn
	closed bool
	sf     singleflight.Group
}

func newPool(dialTimeout, writeTimeout time.Duration, logger clog.Logger, dials metrics.Counter) *pool {
	return &pool{
		dialTimeout:  dialTimeout,
		writeTimeout: writeTimeout,
		logger:       logger,
		dials:        dials,
		conns:        make(map[string]*conn),
	}
}

func (p *pool) get(ctx context.Context, addr string) (*conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClientClosed
	}
	if c, ok := p.conns[addr]; ok && !c.isClosed() {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	ch := p.sf.DoChan(addr, func() (any, error) {
		return p.dial(addr)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*conn), nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, xerrors.Markf(xerrors.ErrTimeout, "dial %s: %v", addr, ctx.Err())
		}
		return nil, ctx.Err()
	}
}

func (p *pool) dial(addr string) (*conn, error) {
	p.mu.Lock()
	if c, ok := p.conns[addr]; ok && !c.isClosed() {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.dialTimeout)
	defer cancel()
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		p.dials.Inc(ctx, metrics.L(metrics.LabelInstance, addr), metrics.L(metrics.LabelOutcome, "error"))
		p.logger.Warn("dial failed", clog.String("addr", addr), clog.Error(err))
		return nil, xerrors.Mark(xerrors.ErrTransport, xerrors.Wrapf(err, "dial %s", addr))
	}
	p.dials.Inc(ctx, metrics.L(metrics.LabelInstance, addr), metrics.L(metrics.LabelOutcome, "success"))

	c := newConn(addr, nc, p.writeTimeout, p.logger, p.evict)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		c.close(nil)
		return nil, ErrClientClosed
	}
	p.conns[addr] = c
	p.mu.Unlock()

	p.logger.Debug("connection established", clog.String("addr", addr))
	return c, nil
}

// evict 移除已断开的连接
func (p *pool) evict(c *conn) {
	p.mu.Lock()
	if p.conns[c.addr] == c {
		delete(p.conns, c.addr)
	}
	p.mu.Unlock()
}

func (p *pool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

func (p *pool) closeAll() int {
	p.mu.Lock()
	p.closed = true
	conns := make([]*conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.conns = make(map[string]*conn)
	p.mu.Unlock()

	for _, c := range conns {
		c.close(nil)
	}
	return len(conns)
}
