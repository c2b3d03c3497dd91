package registry

import (
	"context"
	"time"

	"github.com/ceyewan/yurpc/kvstore"
	"github.com/ceyewan/yurpc/model"
)

// 单实例策略覆盖类型
const (
	StrategyLoadBalance = "loadbalance"
	StrategyRetry       = "retry"
	StrategyTolerant    = "tolerant"
	StrategyWeight      = "weight"
)

// 单实例指标类型
const (
	MetricCalls   = "calls"
	MetricSuccess = "success"
	MetricFailure = "failure"
	MetricAvgTime = "avg_time"
)

// Registry 服务注册与发现接口
type Registry interface {
	// --- 服务注册 ---

	// Register 申请租约并写入注册记录，之后由心跳续约
	// 存储不可达时返回 ErrRegistration
	Register(ctx context.Context, meta *model.ServiceMetaInfo) error

	// Unregister 删除注册记录并停止续约，重复调用无副作用
	Unregister(ctx context.Context, meta *model.ServiceMetaInfo) error

	// --- 服务发现 ---

	// Discover 返回服务键下的所有实例
	// 优先读取本地缓存，实例被删除时缓存失效；存储不可达时返回 ErrDiscovery，
	// 只有存储可达且确实没有实例时才返回空列表
	Discover(ctx context.Context, serviceKey string) ([]*model.ServiceMetaInfo, error)

	// --- 管理接口 ---
	Admin

	// --- 资源管理 ---

	// Destroy 尽力删除本进程注册的所有记录并释放存储连接，错误只记录日志
	Destroy(ctx context.Context)

	// Close 等价于 Destroy，实现 io.Closer
	Close() error
}

// Admin 管理端使用的 KV 与策略操作
type Admin interface {
	// List 按前缀读取
	List(ctx context.Context, prefix string) ([]kvstore.KeyValue, error)

	// Get 读取单个键
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Put 写入不带租约的键
	Put(ctx context.Context, key, value string) error

	// Delete 删除单个键
	Delete(ctx context.Context, key string) error

	// DeletePrefix 按前缀删除，返回删除数量
	DeletePrefix(ctx context.Context, prefix string) (int64, error)

	// GetNodeStrategy 读取实例的策略覆盖，未设置时 ok 为 false
	GetNodeStrategy(ctx context.Context, meta *model.ServiceMetaInfo, strategyType string) (value string, ok bool, err error)

	// PublishNodeStrategy 写入实例的策略覆盖
	PublishNodeStrategy(ctx context.Context, meta *model.ServiceMetaInfo, strategyType, value string) error

	// RecordMetric 覆盖写入实例指标
	RecordMetric(ctx context.Context, meta *model.ServiceMetaInfo, metricType, value string) error

	// IncrementMetric 读取-累加-写回实例计数指标，返回新值
	IncrementMetric(ctx context.Context, meta *model.ServiceMetaInfo, metricType string, delta int64) (int64, error)

	// RecordCall 记录一次调用：calls、success/failure 计数与 avg_time 移动平均（毫秒）
	RecordCall(ctx context.Context, meta *model.ServiceMetaInfo, elapsed time.Duration, success bool) error
}
