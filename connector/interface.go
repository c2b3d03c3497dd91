// Package connector 管理 yurpc 使用的外部连接。
//
// 目前只有 etcd：注册中心、动态策略与 KV 指标都借用同一个 EtcdConnector。
// Connector 拥有底层连接的生命周期，组件只借用，不调用 Close。
// 应用层按 LIFO 顺序释放：先关闭依赖连接器的组件，再关闭连接器。
//
//	conn, err := connector.NewEtcd(&connector.EtcdConfig{
//		Endpoints: []string{"127.0.0.1:2379"},
//	}, connector.WithLogger(logger))
//	if err != nil {
//		panic(err)
//	}
//	defer conn.Close()
//	if err := conn.Connect(ctx); err != nil {
//		panic(err)
//	}
package connector

import (
	"context"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Connector 定义所有连接器的通用行为，方法均为并发安全。
type Connector interface {
	// Connect 建立连接，幂等
	Connect(ctx context.Context) error

	// Close 关闭连接并释放资源，幂等
	Close() error

	// HealthCheck 发送测试请求验证连接可用性，并更新 IsHealthy 的缓存结果
	HealthCheck(ctx context.Context) error

	// IsHealthy 返回最后一次检查的健康状态，无阻塞
	IsHealthy() bool

	// Name 返回连接实例名称，用于日志与指标
	Name() string
}

// TypedConnector 提供类型安全的客户端访问
type TypedConnector[T any] interface {
	Connector

	// GetClient 返回底层客户端实例
	GetClient() T
}

// EtcdConnector Etcd 连接器接口
type EtcdConnector interface {
	TypedConnector[*clientv3.Client]
}
