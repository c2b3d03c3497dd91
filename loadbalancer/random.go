package loadbalancer

import (
	"math/rand/v2"

	"github.com/ceyewan/yurpc/model"
)

type random struct{}

// NewRandom 创建随机负载均衡器
func NewRandom() LoadBalancer {
	return random{}
}

func (random) Select(_ map[string]any, candidates []*model.ServiceMetaInfo) (*model.ServiceMetaInfo, error) {
	if err := noInstance(candidates); err != nil {
		return nil, err
	}
	return candidates[rand.IntN(len(candidates))], nil //nolint:gosec // 选择实例不需要密码学随机数
}
