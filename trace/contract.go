package trace

// RPC 语义属性键
const (
	AttrRPCSystem    = "rpc.system"
	AttrRPCService   = "rpc.service"
	AttrRPCMethod    = "rpc.method"
	AttrRPCInstance  = "rpc.instance"
	AttrRPCRequestID = "rpc.request_id"
)

// SystemName rpc.system 属性值
const SystemName = "yurpc"

// Span 名称
const (
	SpanNameCall  = "rpc.call"
	SpanNameServe = "rpc.serve"
)
