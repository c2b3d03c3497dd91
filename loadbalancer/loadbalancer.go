// Package loadbalancer 从服务发现得到的候选实例中选择一个调用目标。
//
// 支持轮询、随机、一致性哈希和平滑加权轮询，通过配置键选择，
// 也可以被单个实例上发布的策略覆盖。候选集为空时所有实现都返回
// xerrors.ErrNoAvailableInstance，不会返回 nil 实例。
package loadbalancer

import (
	"slices"

	"github.com/ceyewan/yurpc/model"
	"github.com/ceyewan/yurpc/xerrors"
)

// 负载均衡策略键
const (
	RoundRobin     = "roundRobin"
	Random         = "random"
	ConsistentHash = "consistentHash"
	Weighted       = "weighted"
)

// ParamMethodName 请求参数中的方法名，一致性哈希以此为键
const ParamMethodName = "methodName"

// ErrUnknownLoadBalancer 未知的负载均衡策略键
var ErrUnknownLoadBalancer = xerrors.Wrap(xerrors.ErrInvalidInput, "unknown load balancer")

// LoadBalancer 负载均衡器
//
// 实现必须是并发安全的，同一个实例会被多个调用共享。
type LoadBalancer interface {
	Select(params map[string]any, candidates []*model.ServiceMetaInfo) (*model.ServiceMetaInfo, error)
}

// New 按策略键创建负载均衡器，空键使用轮询
func New(key string) (LoadBalancer, error) {
	switch key {
	case RoundRobin, "":
		return NewRoundRobin(), nil
	case Random:
		return NewRandom(), nil
	case ConsistentHash:
		return NewConsistentHash(DefaultVirtualNodes), nil
	case Weighted:
		return NewWeighted(), nil
	default:
		return nil, xerrors.Wrapf(ErrUnknownLoadBalancer, "%q", key)
	}
}

// Keys 返回所有已知策略键
func Keys() []string {
	return []string{RoundRobin, Random, ConsistentHash, Weighted}
}

// Known 判断策略键是否可用
func Known(key string) bool {
	return slices.Contains(Keys(), key)
}

func noInstance(candidates []*model.ServiceMetaInfo) error {
	if len(candidates) == 0 {
		return xerrors.ErrNoAvailableInstance
	}
	return nil
}
