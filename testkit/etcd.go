package testkit

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ceyewan/yurpc/connector"
	"github.com/ceyewan/yurpc/kvstore"
)

// EtcdEndpoint 集成测试使用的 etcd 地址
const EtcdEndpoint = "localhost:2379"

// GetEtcdConfig 返回 Etcd 测试配置
func GetEtcdConfig() *connector.EtcdConfig {
	return &connector.EtcdConfig{
		Name:        "test-etcd",
		Endpoints:   []string{EtcdEndpoint},
		DialTimeout: 2 * time.Second,
	}
}

// GetEtcdConnector 获取 Etcd 连接器，etcd 不可达时跳过测试
func GetEtcdConnector(t *testing.T) connector.EtcdConnector {
	t.Helper()
	nc, err := net.DialTimeout("tcp", EtcdEndpoint, 300*time.Millisecond)
	if err != nil {
		t.Skipf("etcd not available: %v", err)
	}
	_ = nc.Close()

	conn, err := connector.NewEtcd(GetEtcdConfig(), connector.WithLogger(NewLogger()))
	if err != nil {
		t.Fatalf("failed to create etcd connector: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Connect(ctx); err != nil {
		_ = conn.Close()
		t.Skipf("etcd not available: %v", err)
	}

	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

// NewEtcdStore 返回基于测试 etcd 的存储，etcd 不可达时跳过测试
//
// 存储不拥有连接器，连接器在测试结束时关闭。
func NewEtcdStore(t *testing.T) kvstore.Store {
	t.Helper()
	s, err := kvstore.NewEtcd(GetEtcdConnector(t), kvstore.WithLogger(NewLogger()))
	if err != nil {
		t.Fatalf("failed to create etcd store: %v", err)
	}
	return s
}
