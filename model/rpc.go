package model

// RpcRequest 一次调用的请求
//
// Args 中的每个参数都已经由选定的序列化器单独编码，服务端按处理函数的参数类型解码。
// 请求交给传输层之后不再修改。
type RpcRequest struct {
	ServiceName    string   `json:"serviceName" msgpack:"serviceName"`
	ServiceVersion string   `json:"serviceVersion" msgpack:"serviceVersion"`
	MethodName     string   `json:"methodName" msgpack:"methodName"`
	ParameterTypes []string `json:"parameterTypes" msgpack:"parameterTypes"`
	Args           [][]byte `json:"args" msgpack:"args"`
	// Metadata 随请求传递的键值，目前承载追踪上下文
	Metadata map[string]string `json:"metadata,omitempty" msgpack:"metadata,omitempty"`
}

// ServiceKey 返回请求目标的服务键
func (r *RpcRequest) ServiceKey() string {
	return ServiceKey(r.ServiceName, r.ServiceVersion)
}

// RpcResponse 一次调用的响应
//
// Exception 非空表示调用失败，此时 Data 没有意义。
type RpcResponse struct {
	Data      []byte `json:"data,omitempty" msgpack:"data,omitempty"`
	DataType  string `json:"dataType,omitempty" msgpack:"dataType,omitempty"`
	Message   string `json:"message,omitempty" msgpack:"message,omitempty"`
	Exception string `json:"exception,omitempty" msgpack:"exception,omitempty"`
}

// Failed 是否为失败响应
func (r *RpcResponse) Failed() bool {
	return r.Exception != ""
}
