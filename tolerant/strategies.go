package tolerant

import (
	"context"

	"github.com/ceyewan/yurpc/clog"
	"github.com/ceyewan/yurpc/model"
	"github.com/ceyewan/yurpc/xerrors"
)

// failFast 原样返回错误
type failFast struct{}

func (failFast) Tolerate(_ context.Context, _ *Context, cause error) (*model.RpcResponse, error) {
	if cause == nil {
		cause = xerrors.ErrTransport
	}
	return nil, cause
}

// failSafe 吞掉错误，返回空响应
type failSafe struct {
	logger clog.Logger
}

func (s *failSafe) Tolerate(_ context.Context, tc *Context, cause error) (*model.RpcResponse, error) {
	s.logger.Warn("call failed, returning empty response", method(tc), clog.Error(cause))
	return &model.RpcResponse{Message: "ignored error"}, nil
}

// failBack 优先使用注册的降级处理，否则换一个实例调用一次
type failBack struct {
	logger clog.Logger
}

func (s *failBack) Tolerate(ctx context.Context, tc *Context, cause error) (*model.RpcResponse, error) {
	if tc != nil && tc.Fallback != nil {
		s.logger.Info("call failed, serving from fallback", method(tc), clog.Error(cause))
		resp, err := tc.Fallback(ctx, tc.Request, cause)
		if err != nil {
			return nil, err
		}
		if resp == nil {
			resp = &model.RpcResponse{}
		}
		return resp, nil
	}

	others := tc.others()
	if len(others) == 0 || tc.Invoke == nil {
		return nil, cause
	}
	target := others[0]
	s.logger.Info("call failed, serving from backup instance",
		method(tc),
		clog.String("instance", target.Address()),
		clog.Error(cause),
	)
	resp, err := tc.Invoke(ctx, target)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// failOver 依次尝试其他实例，直到成功或全部失败
type failOver struct {
	logger clog.Logger
}

func (s *failOver) Tolerate(ctx context.Context, tc *Context, cause error) (*model.RpcResponse, error) {
	others := tc.others()
	if len(others) == 0 || tc.Invoke == nil {
		return nil, cause
	}

	lastErr := cause
	for _, target := range others {
		if err := ctx.Err(); err != nil {
			return nil, xerrors.Wrapf(lastErr, "fail over aborted: %v", err)
		}
		resp, err := tc.Invoke(ctx, target)
		if err == nil {
			s.logger.Info("call failed over",
				method(tc),
				clog.String("instance", target.Address()),
			)
			return resp, nil
		}
		lastErr = err
		// 远程执行错误说明请求已经被处理，换实例没有意义
		if !xerrors.IsRetryable(err) {
			return nil, err
		}
		s.logger.Warn("fail over attempt failed",
			method(tc),
			clog.String("instance", target.Address()),
			clog.Error(err),
		)
	}
	return nil, lastErr
}

func method(tc *Context) clog.Field {
	if tc == nil || tc.Request == nil {
		return clog.String("method", "")
	}
	return clog.String("method", tc.Request.ServiceKey()+"."+tc.Request.MethodName)
}
