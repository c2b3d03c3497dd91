package loadbalancer

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/spaolacci/murmur3"

	"github.com/ceyewan/yurpc/model"
)

// DefaultVirtualNodes 每个实例在哈希环上的虚拟节点数
const DefaultVirtualNodes = 100

type hashRing struct {
	signature string
	hashes    []uint32
	owners    map[uint32]string
}

type consistentHash struct {
	replicas int

	mu   sync.Mutex
	ring *hashRing
}

// NewConsistentHash 创建一致性哈希负载均衡器
//
// 哈希环只在候选集合变化时重建。相同的请求参数在候选集合不变时总是落到同一实例。
func NewConsistentHash(replicas int) LoadBalancer {
	if replicas <= 0 {
		replicas = DefaultVirtualNodes
	}
	return &consistentHash{replicas: replicas}
}

func (c *consistentHash) Select(params map[string]any, candidates []*model.ServiceMetaInfo) (*model.ServiceMetaInfo, error) {
	if err := noInstance(candidates); err != nil {
		return nil, err
	}
	ring := c.ringFor(candidates)
	h := murmur3.Sum32([]byte(hashKey(params)))
	idx := sort.Search(len(ring.hashes), func(i int) bool { return ring.hashes[i] >= h })
	if idx == len(ring.hashes) {
		idx = 0
	}
	owner := ring.owners[ring.hashes[idx]]
	for _, m := range candidates {
		if m.Address() == owner {
			return m, nil
		}
	}
	return candidates[0], nil
}

func (c *consistentHash) ringFor(candidates []*model.ServiceMetaInfo) *hashRing {
	sig := signature(candidates)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ring != nil && c.ring.signature == sig {
		return c.ring
	}

	ring := &hashRing{
		signature: sig,
		hashes:    make([]uint32, 0, len(candidates)*c.replicas),
		owners:    make(map[uint32]string, len(candidates)*c.replicas),
	}
	for _, addr := range strings.Split(sig, ",") {
		for i := 0; i < c.replicas; i++ {
			h := murmur3.Sum32([]byte(addr + "#" + strconv.Itoa(i)))
			if _, taken := ring.owners[h]; taken {
				continue
			}
			ring.owners[h] = addr
			ring.hashes = append(ring.hashes, h)
		}
	}
	slices.Sort(ring.hashes)
	c.ring = ring
	return ring
}

func signature(candidates []*model.ServiceMetaInfo) string {
	addrs := make([]string, len(candidates))
	for i, m := range candidates {
		addrs[i] = m.Address()
	}
	slices.Sort(addrs)
	return strings.Join(addrs, ",")
}

// hashKey 优先使用方法名，其余参数按键排序后拼接
func hashKey(params map[string]any) string {
	if v, ok := params[ParamMethodName]; ok && len(params) == 1 {
		return fmt.Sprint(v)
	}
	var b strings.Builder
	for _, k := range slices.Sorted(maps.Keys(params)) {
		fmt.Fprintf(&b, "%s=%v;", k, params[k])
	}
	return b.String()
}
