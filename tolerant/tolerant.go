// Package tolerant 决定重试耗尽后调用的最终结果。
//
// 容错策略是返回调用方之前的最后一步：要么重新抛出错误，要么给出替代响应。
// 成功时总是返回非 nil 的响应。
package tolerant

import (
	"context"

	"github.com/ceyewan/yurpc/clog"
	"github.com/ceyewan/yurpc/model"
	"github.com/ceyewan/yurpc/xerrors"
)

// 容错策略键
const (
	FailFast = "failFast"
	FailSafe = "failSafe"
	FailBack = "failBack"
	FailOver = "failOver"
)

// ErrUnknownTolerantStrategy 未知的容错策略键
var ErrUnknownTolerantStrategy = xerrors.Wrap(xerrors.ErrInvalidInput, "unknown tolerant strategy")

// InvokeFunc 向指定实例发起一次调用
type InvokeFunc func(ctx context.Context, target *model.ServiceMetaInfo) (*model.RpcResponse, error)

// FallbackFunc 本地降级处理，返回替代响应
type FallbackFunc func(ctx context.Context, req *model.RpcRequest, cause error) (*model.RpcResponse, error)

// Context 容错时可用的调用上下文
type Context struct {
	Request    *model.RpcRequest
	Candidates []*model.ServiceMetaInfo
	// Failed 重试耗尽的实例
	Failed *model.ServiceMetaInfo
	// Invoke 用于故障转移，为 nil 时不会切换实例
	Invoke InvokeFunc
	// Fallback 调用方注册的降级处理
	Fallback FallbackFunc
}

// others 返回除失败实例以外的候选
func (c *Context) others() []*model.ServiceMetaInfo {
	if c == nil {
		return nil
	}
	out := make([]*model.ServiceMetaInfo, 0, len(c.Candidates))
	for _, m := range c.Candidates {
		if c.Failed != nil && m.NodeKey() == c.Failed.NodeKey() {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Strategy 容错策略
type Strategy interface {
	Tolerate(ctx context.Context, tc *Context, cause error) (*model.RpcResponse, error)
}

// New 按策略键创建容错策略，空键为快速失败
func New(key string, opts ...Option) (Strategy, error) {
	o := applyOptions(opts)
	switch key {
	case FailFast, "":
		return failFast{}, nil
	case FailSafe:
		return &failSafe{logger: o.logger}, nil
	case FailBack:
		return &failBack{logger: o.logger}, nil
	case FailOver:
		return &failOver{logger: o.logger}, nil
	default:
		return nil, xerrors.Wrapf(ErrUnknownTolerantStrategy, "%q", key)
	}
}

// Keys 返回所有已知策略键
func Keys() []string {
	return []string{FailFast, FailSafe, FailBack, FailOver}
}

// Option 容错策略选项
type Option func(*options)

type options struct {
	logger clog.Logger
}

// WithLogger 设置 Logger
func WithLogger(l clog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l.WithNamespace("tolerant")
		}
	}
}

func applyOptions(opts []Option) *options {
	o := &options{logger: clog.Discard()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
