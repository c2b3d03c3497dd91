package metrics

// Label 指标标签，避免使用请求 ID 这类高基数值
type Label struct {
	Key   string
	Value string
}

// L 便捷构造函数
//
//	counter.Inc(ctx, metrics.L("service", "UserService:1.0"))
func L(key, value string) Label {
	return Label{Key: key, Value: value}
}

// 通用标签键
const (
	LabelService  = "service"
	LabelMethod   = "method"
	LabelInstance = "instance"
	LabelOutcome  = "outcome"
	LabelKind     = "kind"
)
