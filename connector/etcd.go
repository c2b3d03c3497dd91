package connector

import (
	"context"
	"sync"
	"sync/atomic"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/ceyewan/yurpc/clog"
	"github.com/ceyewan/yurpc/metrics"
	"github.com/ceyewan/yurpc/xerrors"
)

const healthCheckKey = "health-check"

type etcdConnector struct {
	cfg     *EtcdConfig
	client  *clientv3.Client
	logger  clog.Logger
	healthy atomic.Bool
	closed  atomic.Bool
	mu      sync.Mutex

	attempts metrics.Counter
	failures metrics.Counter
	active   metrics.Gauge
}

// NewEtcd 创建 Etcd 连接器
//
// 创建客户端但不探测连通性，Connect 时才发起第一次请求。
func NewEtcd(cfg *EtcdConfig, opts ...Option) (EtcdConnector, error) {
	if cfg == nil {
		return nil, xerrors.Wrap(ErrConfig, "etcd config is nil")
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	opt := applyOptions(opts)
	c := &etcdConnector{
		cfg:    cfg,
		logger: opt.logger.With(clog.String("connector", "etcd"), clog.String("name", cfg.Name)),
	}

	var err error
	if c.attempts, err = opt.meter.Counter("connector_etcd_connect_attempts_total", "Number of etcd connection attempts"); err != nil {
		return nil, xerrors.Wrap(err, "create connect attempts counter")
	}
	if c.failures, err = opt.meter.Counter("connector_etcd_connect_failures_total", "Number of failed etcd connections"); err != nil {
		return nil, xerrors.Wrap(err, "create connect failures counter")
	}
	if c.active, err = opt.meter.Gauge("connector_etcd_active_connections", "Number of active etcd connections"); err != nil {
		return nil, xerrors.Wrap(err, "create active connections gauge")
	}

	clientConfig := clientv3.Config{
		Endpoints:            cfg.Endpoints,
		DialTimeout:          cfg.DialTimeout,
		DialKeepAliveTime:    cfg.KeepAliveTime,
		DialKeepAliveTimeout: cfg.KeepAliveTimeout,
	}
	if cfg.Username != "" && cfg.Password != "" {
		clientConfig.Username = cfg.Username
		clientConfig.Password = cfg.Password
	}

	client, err := clientv3.New(clientConfig)
	if err != nil {
		return nil, xerrors.Wrapf(xerrors.Mark(ErrConnection, err), "etcd connector[%s]", cfg.Name)
	}
	c.client = client
	return c, nil
}

// Connect 探测 etcd 是否可达，已连接时直接返回
func (c *etcdConnector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return ErrAlreadyClosed
	}
	if c.healthy.Load() {
		return nil
	}

	label := metrics.L("connector", c.cfg.Name)
	c.attempts.Inc(ctx, label)
	c.logger.Info("attempting to connect to etcd", clog.Any("endpoints", c.cfg.Endpoints))

	if err := c.probe(ctx); err != nil {
		c.failures.Inc(ctx, label)
		c.logger.Error("failed to connect to etcd", clog.Error(err))
		return xerrors.Wrapf(xerrors.Mark(ErrConnection, err), "etcd connector[%s]", c.cfg.Name)
	}

	c.active.Set(ctx, 1, label)
	c.healthy.Store(true)
	c.logger.Info("successfully connected to etcd", clog.Any("endpoints", c.cfg.Endpoints))
	return nil
}

// Close 关闭客户端，幂等
func (c *etcdConnector) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.healthy.Store(false)
	c.active.Set(context.Background(), 0, metrics.L("connector", c.cfg.Name))

	if err := c.client.Close(); err != nil {
		c.logger.Error("failed to close etcd connection", clog.Error(err))
		return err
	}
	c.logger.Info("etcd connection closed")
	return nil
}

// HealthCheck 检查连接健康状态
func (c *etcdConnector) HealthCheck(ctx context.Context) error {
	if c.closed.Load() {
		return ErrAlreadyClosed
	}
	if err := c.probe(ctx); err != nil {
		c.healthy.Store(false)
		c.logger.Warn("etcd health check failed", clog.Error(err))
		return xerrors.Wrapf(xerrors.Mark(ErrHealthCheck, err), "etcd connector[%s]", c.cfg.Name)
	}
	c.healthy.Store(true)
	return nil
}

func (c *etcdConnector) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	_, err := c.client.Get(probeCtx, healthCheckKey)
	return err
}

func (c *etcdConnector) IsHealthy() bool {
	return c.healthy.Load()
}

func (c *etcdConnector) Name() string {
	return c.cfg.Name
}

func (c *etcdConnector) GetClient() *clientv3.Client {
	return c.client
}
