package loadbalancer

import (
	"sync/atomic"

	"github.com/ceyewan/yurpc/model"
)

type roundRobin struct {
	counter atomic.Uint64
}

// NewRoundRobin 创建轮询负载均衡器
//
// 计数器在所有调用间共享，候选列表不变时按列表顺序循环选择。
func NewRoundRobin() LoadBalancer {
	return &roundRobin{}
}

func (r *roundRobin) Select(_ map[string]any, candidates []*model.ServiceMetaInfo) (*model.ServiceMetaInfo, error) {
	if err := noInstance(candidates); err != nil {
		return nil, err
	}
	if len(candidates) == 1 {
		return candidates[0], nil
	}
	n := r.counter.Add(1) - 1
	return candidates[n%uint64(len(candidates))], nil
}
