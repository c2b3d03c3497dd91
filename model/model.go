// Package model 定义 RPC 请求、响应与服务实例元信息。
package model

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

const (
	// DefaultServiceVersion 未指定版本时使用的服务版本
	DefaultServiceVersion = "1.0"

	// DefaultServiceGroup 未指定分组时使用的服务分组
	DefaultServiceGroup = "default"
)

// ServiceMetaInfo 服务实例元信息
//
// 一次注册对应一个不可变的实例，重新注册会整体替换而不是修改。
type ServiceMetaInfo struct {
	ServiceName    string `json:"serviceName" msgpack:"serviceName"`
	ServiceVersion string `json:"serviceVersion" msgpack:"serviceVersion"`
	Host           string `json:"serviceHost" msgpack:"serviceHost"`
	Port           int    `json:"servicePort" msgpack:"servicePort"`
	Group          string `json:"serviceGroup,omitempty" msgpack:"serviceGroup,omitempty"`
	Weight         int    `json:"weight,omitempty" msgpack:"weight,omitempty"`
}

// ServiceKey 返回 name:version，用于服务发现分组
func (m *ServiceMetaInfo) ServiceKey() string {
	return ServiceKey(m.ServiceName, m.ServiceVersion)
}

// Address 返回 host:port
func (m *ServiceMetaInfo) Address() string {
	return net.JoinHostPort(m.Host, strconv.Itoa(m.Port))
}

// NodeKey 返回 serviceKey/host:port，用于单实例注册与策略、指标查询
func (m *ServiceMetaInfo) NodeKey() string {
	return m.ServiceKey() + "/" + m.Address()
}

// EffectiveWeight 返回权重，未设置时为 1
func (m *ServiceMetaInfo) EffectiveWeight() int {
	if m.Weight <= 0 {
		return 1
	}
	return m.Weight
}

// Validate 校验注册所需字段
func (m *ServiceMetaInfo) Validate() error {
	if m.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}
	if m.Host == "" {
		return fmt.Errorf("service host is required")
	}
	if m.Port <= 0 || m.Port > 65535 {
		return fmt.Errorf("invalid service port %d", m.Port)
	}
	return nil
}

// WithDefaults 返回补全默认版本与分组后的副本
func (m ServiceMetaInfo) WithDefaults() ServiceMetaInfo {
	if m.ServiceVersion == "" {
		m.ServiceVersion = DefaultServiceVersion
	}
	if m.Group == "" {
		m.Group = DefaultServiceGroup
	}
	return m
}

// ServiceKey 拼接服务键
func ServiceKey(name, version string) string {
	if version == "" {
		version = DefaultServiceVersion
	}
	return name + ":" + version
}

// SplitNodeKey 把 serviceKey/host:port 拆成服务键和地址
func SplitNodeKey(nodeKey string) (serviceKey, address string, ok bool) {
	idx := strings.LastIndex(nodeKey, "/")
	if idx <= 0 || idx == len(nodeKey)-1 {
		return "", "", false
	}
	return nodeKey[:idx], nodeKey[idx+1:], true
}
