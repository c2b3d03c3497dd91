package breaker

// 指标名称，按实例 (NodeKey) 统计
const (
	MetricRejectsTotal = "rpc_client_breaker_rejects_total"
	MetricStateChanges = "rpc_client_breaker_state_changes_total"

	LabelFromState = "from_state"
	LabelToState   = "to_state"
)
