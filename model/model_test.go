package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestServiceMetaInfoKeys(t *testing.T) {
	meta := ServiceMetaInfo{ServiceName: "UserService", Host: "127.0.0.1", Port: 9000}.WithDefaults()

	assert.Equal(t, "UserService:1.0", meta.ServiceKey())
	assert.Equal(t, "127.0.0.1:9000", meta.Address())
	assert.Equal(t, "UserService:1.0/127.0.0.1:9000", meta.NodeKey())
	assert.Equal(t, DefaultServiceGroup, meta.Group)
	assert.Equal(t, 1, meta.EffectiveWeight())

	ipv6 := ServiceMetaInfo{ServiceName: "S", ServiceVersion: "2.0", Host: "::1", Port: 80}
	assert.Equal(t, "S:2.0/[::1]:80", ipv6.NodeKey())
}

func TestSplitNodeKey(t *testing.T) {
	serviceKey, addr, ok := SplitNodeKey("UserService:1.0/127.0.0.1:9000")
	assert.True(t, ok)
	assert.Equal(t, "UserService:1.0", serviceKey)
	assert.Equal(t, "127.0.0.1:9000", addr)

	for _, bad := range []string{"", "noslash", "/leading", "trailing/"} {
		_, _, ok := SplitNodeKey(bad)
		assert.False(t, ok, bad)
	}
}

func TestServiceMetaInfoValidate(t *testing.T) {
	tests := []struct {
		name    string
		meta    ServiceMetaInfo
		wantErr bool
	}{
		{"完整", ServiceMetaInfo{ServiceName: "S", Host: "h", Port: 1}, false},
		{"缺少名称", ServiceMetaInfo{Host: "h", Port: 1}, true},
		{"缺少主机", ServiceMetaInfo{ServiceName: "S", Port: 1}, true},
		{"端口越界", ServiceMetaInfo{ServiceName: "S", Host: "h", Port: 70000}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.meta.Validate()
			assert.Equal(t, tt.wantErr, err != nil)
		})
	}
}

func TestRpcResponseFailed(t *testing.T) {
	assert.False(t, (&RpcResponse{Data: []byte("1")}).Failed())
	assert.True(t, (&RpcResponse{Exception: "boom"}).Failed())
}
