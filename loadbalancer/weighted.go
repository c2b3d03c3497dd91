package loadbalancer

import (
	"sync"

	"github.com/ceyewan/yurpc/model"
)

type weighted struct {
	mu      sync.Mutex
	current map[string]int
}

// NewWeighted 创建平滑加权轮询负载均衡器
//
// 每次选择时所有实例的当前权重加上各自的权重，选出当前权重最大的实例，
// 再减去总权重。权重 3:1 的两个实例得到 a a b a 这样的交错序列。
// 权重来自 ServiceMetaInfo.Weight，未设置为 1。
func NewWeighted() LoadBalancer {
	return &weighted{current: make(map[string]int)}
}

func (w *weighted) Select(_ map[string]any, candidates []*model.ServiceMetaInfo) (*model.ServiceMetaInfo, error) {
	if err := noInstance(candidates); err != nil {
		return nil, err
	}
	if len(candidates) == 1 {
		return candidates[0], nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	total := 0
	var best *model.ServiceMetaInfo
	bestKey := ""
	seen := make(map[string]struct{}, len(candidates))
	for _, m := range candidates {
		key := m.NodeKey()
		seen[key] = struct{}{}
		weight := m.EffectiveWeight()
		total += weight
		w.current[key] += weight
		if best == nil || w.current[key] > w.current[bestKey] {
			best, bestKey = m, key
		}
	}
	w.current[bestKey] -= total

	// 下线实例的状态不再保留
	for key := range w.current {
		if _, ok := seen[key]; !ok {
			delete(w.current, key)
		}
	}
	return best, nil
}
