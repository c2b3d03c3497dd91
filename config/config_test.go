package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoaderLoad(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "application.yaml", `
app:
  name: base-app
  debug: false
rpc:
  server_port: 9000
`)
	writeFile(t, dir, "application.dev.yaml", `
app:
  debug: true
`)
	t.Setenv("YURPC_ENV", "dev")
	t.Setenv("YURPC_APP_NAME", "env-app")

	l, err := New(&Config{Paths: []string{dir}}, nil)
	require.NoError(t, err)
	require.NoError(t, l.Load(context.Background()))

	assert.Equal(t, "env-app", l.Get("app.name"))
	assert.Equal(t, true, l.Get("app.debug"))
	assert.Equal(t, 9000, l.Get("rpc.server_port"))
}

func TestLoaderEmpty(t *testing.T) {
	l, err := New(&Config{Paths: []string{t.TempDir()}}, nil)
	require.NoError(t, err)
	err = l.Load(context.Background())
	assert.ErrorIs(t, err, ErrValidationFailed)
	assert.True(t, IsInvalidInput(err))
}

func TestLoaderInvalidFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "application.yaml", "rpc: [unclosed")

	l, err := New(&Config{Paths: []string{dir}}, nil)
	require.NoError(t, err)
	assert.Error(t, l.Load(context.Background()))
}

func TestLoaderWatch(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "application.yaml", "rpc:\n  load_balancer: random\n")

	l, err := New(&Config{Paths: []string{dir}, Watch: true}, nil)
	require.NoError(t, err)
	require.NoError(t, l.Load(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := l.Watch(ctx, "rpc.load_balancer")
	require.NoError(t, err)

	writeFile(t, dir, "application.yaml", "rpc:\n  load_balancer: weighted\n")

	select {
	case ev := <-ch:
		assert.Equal(t, "rpc.load_balancer", ev.Key)
		assert.Equal(t, "weighted", ev.Value)
		assert.Equal(t, "random", ev.OldValue)
	case <-time.After(5 * time.Second):
		t.Skip("file change notification not delivered on this platform")
	}

	cancel()
	assert.Eventually(t, func() bool {
		_, ok := <-ch
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestLoadRPCDefaults(t *testing.T) {
	cfg, err := LoadRPC(context.Background(), WithConfigPaths(t.TempDir()))
	require.NoError(t, err)

	assert.Equal(t, DefaultRPC(), cfg)
	assert.Equal(t, "localhost:8999", cfg.Address())
	assert.Equal(t, "/rpc/", cfg.Registry.Root)
	assert.Equal(t, 30*time.Second, cfg.Async.Timeout)
	assert.Equal(t, 1000, cfg.Async.Pool.QueueCapacity)
}

func TestLoadRPCOverrides(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "application.yaml", `
rpc:
  name: user-provider
  serializer: msgpack
  load_balancer: consistentHash
  registry:
    mode: standalone
    lease_ttl: 10s
    heartbeat_interval: 3s
  async:
    enabled: true
    pool:
      core_size: 2
      max_size: 4
`)
	writeFile(t, dir, ".env", "YURPC_RPC_RETRY_STRATEGY=exponential\n")
	t.Setenv("YURPC_RPC_SERVER_PORT", "9100")
	t.Setenv("YURPC_RPC_REGISTRY_ENDPOINTS", "10.0.0.1:2379")
	t.Cleanup(func() { _ = os.Unsetenv("YURPC_RPC_RETRY_STRATEGY") })

	cfg, err := LoadRPC(context.Background(), WithConfigPaths(dir))
	require.NoError(t, err)

	assert.Equal(t, "user-provider", cfg.Name)
	assert.Equal(t, "msgpack", cfg.Serializer)
	assert.Equal(t, "consistentHash", cfg.LoadBalancer)
	assert.Equal(t, "exponential", cfg.RetryStrategy)
	assert.Equal(t, "failFast", cfg.TolerantStrategy)
	assert.Equal(t, 9100, cfg.ServerPort)
	assert.Equal(t, "standalone", cfg.Registry.Mode)
	assert.Equal(t, []string{"10.0.0.1:2379"}, cfg.Registry.Endpoints)
	assert.Equal(t, 10*time.Second, cfg.Registry.LeaseTTL)
	assert.Equal(t, 3*time.Second, cfg.Registry.HeartbeatInterval)
	assert.True(t, cfg.Async.Enabled)
	assert.Equal(t, 2, cfg.Async.Pool.CoreSize)
	assert.Equal(t, 4, cfg.Async.Pool.MaxSize)
	assert.Equal(t, 1000, cfg.Async.Pool.QueueCapacity)
}

func TestLoadRPCPartialSection(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "application.yaml", `
rpc:
  registry:
    root: /custom/
`)
	t.Setenv("YURPC_RPC_TOLERANT_STRATEGY", "failOver")
	t.Setenv("YURPC_RPC_ASYNC_POOL_QUEUE_CAPACITY", "64")

	cfg, err := LoadRPC(context.Background(), WithConfigPaths(dir))
	require.NoError(t, err)

	d := DefaultRPC()
	assert.Equal(t, "/custom/", cfg.Registry.Root)
	assert.Equal(t, d.Registry.Endpoints, cfg.Registry.Endpoints)
	assert.Equal(t, d.Registry.LeaseTTL, cfg.Registry.LeaseTTL)
	assert.Equal(t, d.ServerPort, cfg.ServerPort)
	assert.Equal(t, d.RetryStrategy, cfg.RetryStrategy)
	assert.Equal(t, "failOver", cfg.TolerantStrategy)
	assert.Equal(t, 64, cfg.Async.Pool.QueueCapacity)
	assert.Equal(t, d.Trace, cfg.Trace)
}

func TestRPCValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *RPC)
	}{
		{"empty name", func(c *RPC) { c.Name = "" }},
		{"bad port", func(c *RPC) { c.ServerPort = 70000 }},
		{"bad mode", func(c *RPC) { c.Registry.Mode = "zookeeper" }},
		{"no endpoints", func(c *RPC) { c.Registry.Endpoints = nil }},
		{"heartbeat too slow", func(c *RPC) { c.Registry.HeartbeatInterval = c.Registry.LeaseTTL }},
		{"pool sizes", func(c *RPC) { c.Async.Pool.MaxSize = 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultRPC()
			tt.mutate(c)
			assert.ErrorIs(t, c.Validate(), ErrValidationFailed)
		})
	}
	assert.NoError(t, DefaultRPC().Validate())
}
