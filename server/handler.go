package server

import (
	"context"
	"fmt"

	"github.com/ceyewan/yurpc/model"
	"github.com/ceyewan/yurpc/serializer"
	"github.com/ceyewan/yurpc/xerrors"
)

// HandlerFunc 处理一次调用，返回值由服务端按请求的序列化器编码
type HandlerFunc func(ctx context.Context, args [][]byte, codec serializer.Serializer) (any, error)

// Handle 把单参数的类型化函数适配为 HandlerFunc
//
// 第一个参数按请求的序列化器解码为 Req，没有参数时使用零值。
func Handle[Req, Resp any](fn func(ctx context.Context, req Req) (Resp, error)) HandlerFunc {
	return func(ctx context.Context, args [][]byte, codec serializer.Serializer) (any, error) {
		var req Req
		if len(args) > 0 && len(args[0]) > 0 {
			if err := codec.Unmarshal(args[0], &req); err != nil {
				return nil, xerrors.Wrapf(xerrors.ErrInvalidInput, "decode %T argument: %v", req, err)
			}
		}
		return fn(ctx, req)
	}
}

// Service 一个服务及其方法表
type Service struct {
	name    string
	version string
	methods map[string]HandlerFunc
}

// NewService 创建服务，version 为空时使用默认版本
func NewService(name, version string) *Service {
	if version == "" {
		version = model.DefaultServiceVersion
	}
	return &Service{name: name, version: version, methods: make(map[string]HandlerFunc)}
}

// Method 注册方法，返回自身以便链式调用
func (s *Service) Method(name string, h HandlerFunc) *Service {
	s.methods[name] = h
	return s
}

// Name 服务名
func (s *Service) Name() string { return s.name }

// Version 服务版本
func (s *Service) Version() string { return s.version }

// Key 服务键 name:version
func (s *Service) Key() string {
	return model.ServiceKey(s.name, s.version)
}

// Methods 已注册的方法名
func (s *Service) Methods() []string {
	out := make([]string, 0, len(s.methods))
	for m := range s.methods {
		out = append(out, m)
	}
	return out
}

func dataType(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%T", v)
}
