package xerrors

import "fmt"

// RPC 错误分类
var (
	// ErrRegistration 注册失败，通常是后端存储不可达
	ErrRegistration = New("registration error")

	// ErrDiscovery 服务发现失败，区别于"没有提供者"的空列表
	ErrDiscovery = New("discovery error")

	// ErrNoAvailableInstance 候选实例为空
	ErrNoAvailableInstance = New("no available instance")

	// ErrProtocol 魔数、版本或帧格式错误
	ErrProtocol = New("protocol error")

	// ErrTransport 连接、写入、解码失败或连接提前关闭
	ErrTransport = New("transport error")

	// ErrTimeout 调用超时
	ErrTimeout = New("timeout error")

	// ErrRemoteExecution 往返成功，但服务端报告执行失败
	ErrRemoteExecution = New("remote execution error")
)

// 通用哨兵错误
var (
	ErrNotFound     = New("not found")
	ErrInvalidInput = New("invalid input")
	ErrClosed       = New("closed")
)

// markedError 同时携带分类与原因
type markedError struct {
	kind  error
	cause error
}

func (e *markedError) Error() string {
	if e.cause == nil {
		return e.kind.Error()
	}
	return fmt.Sprintf("%v: %v", e.kind, e.cause)
}

func (e *markedError) Unwrap() []error {
	if e.cause == nil {
		return []error{e.kind}
	}
	return []error{e.kind, e.cause}
}

// Mark 将 cause 归入 kind 分类。
//
// 如果 cause 已经属于该分类，直接返回 cause，避免重复前缀。
func Mark(kind, cause error) error {
	if cause != nil && Is(cause, kind) {
		return cause
	}
	return &markedError{kind: kind, cause: cause}
}

// Markf 使用格式化消息作为原因创建分类错误。
func Markf(kind error, format string, args ...any) error {
	return &markedError{kind: kind, cause: fmt.Errorf(format, args...)}
}

// IsRetryable 判断错误是否值得在重试循环中再次尝试。
//
// 只有传输错误和超时是可重试的，远程执行错误、协议错误和空候选集直接传播。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return Is(err, ErrTransport) || Is(err, ErrTimeout)
}
