package server

import (
	"context"

	"github.com/ceyewan/yurpc/clog"
	"github.com/ceyewan/yurpc/model"
	"github.com/ceyewan/yurpc/registry"
	"github.com/ceyewan/yurpc/xerrors"
)

// Provider 把服务端与注册中心绑定：启动后登记每个服务，关闭时先注销再停服
type Provider struct {
	srv    *Server
	reg    registry.Registry
	host   string
	group  string
	weight int
	logger clog.Logger

	metas   []*model.ServiceMetaInfo
	started bool
	served  chan error
}

// ProviderConfig 注册到注册中心的实例信息
type ProviderConfig struct {
	// AdvertiseHost 写入注册记录的主机名（默认：localhost）
	AdvertiseHost string `mapstructure:"advertise_host"`
	// Group 服务分组
	Group string `mapstructure:"group"`
	// Weight 加权负载均衡使用的权重
	Weight int `mapstructure:"weight"`
}

// NewProvider 创建 Provider
func NewProvider(srv *Server, reg registry.Registry, cfg *ProviderConfig) *Provider {
	if cfg == nil {
		cfg = &ProviderConfig{}
	}
	host := cfg.AdvertiseHost
	if host == "" {
		host = "localhost"
	}
	return &Provider{
		srv:    srv,
		reg:    reg,
		host:   host,
		group:  cfg.Group,
		weight: cfg.Weight,
		logger: srv.logger,
		served: make(chan error, 1),
	}
}

// Start 监听端口、开始服务并登记所有已注册的服务
//
// 任一服务登记失败时停止服务端并返回 ErrRegistration。
func (p *Provider) Start(ctx context.Context) error {
	if err := p.srv.Listen(); err != nil {
		return err
	}
	p.started = true
	go func() { p.served <- p.srv.Serve() }()

	p.srv.mu.RLock()
	services := make([]*Service, 0, len(p.srv.services))
	for _, svc := range p.srv.services {
		services = append(services, svc)
	}
	p.srv.mu.RUnlock()

	for _, svc := range services {
		meta := &model.ServiceMetaInfo{
			ServiceName:    svc.Name(),
			ServiceVersion: svc.Version(),
			Host:           p.host,
			Port:           p.srv.Port(),
			Group:          p.group,
			Weight:         p.weight,
		}
		if err := p.reg.Register(ctx, meta); err != nil {
			_ = p.srv.Shutdown(context.WithoutCancel(ctx))
			return err
		}
		p.metas = append(p.metas, meta)
	}
	p.logger.Info("provider started",
		clog.Int("port", p.srv.Port()),
		clog.Int("services", len(p.metas)),
	)
	return nil
}

// Services 已登记的实例
func (p *Provider) Services() []*model.ServiceMetaInfo {
	return p.metas
}

// Shutdown 注销服务并释放注册中心，随后关闭服务端
func (p *Provider) Shutdown(ctx context.Context) error {
	p.reg.Destroy(ctx)
	err := p.srv.Shutdown(ctx)
	if !p.started {
		return err
	}
	p.started = false
	if serveErr := <-p.served; serveErr != nil {
		err = xerrors.Join(err, serveErr)
	}
	return err
}
