// Package serializer 提供可插拔的消息体序列化器。
//
// 序列化器同时由名称（配置使用）和数字 ID（协议头使用）标识：
//
//	s, _ := serializer.Get("msgpack")
//	data, _ := s.Marshal(req)
//	s2, _ := serializer.ByID(data[2]) // 解码端根据协议头选择
package serializer

import (
	"encoding/json"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ceyewan/yurpc/xerrors"
)

// 内置序列化器 ID，写入协议头 serializerId 字段
const (
	IDJSON    uint8 = 1
	IDMsgpack uint8 = 2
)

// 内置序列化器名称
const (
	JSON    = "json"
	Msgpack = "msgpack"
)

// ErrUnsupportedSerializer 不支持的序列化器
var ErrUnsupportedSerializer = xerrors.New("unsupported serializer")

// Serializer 定义序列化接口
type Serializer interface {
	// Name 配置中使用的名称
	Name() string
	// ID 协议头中使用的编号
	ID() uint8
	Marshal(value any) ([]byte, error)
	Unmarshal(data []byte, dest any) error
}

// JSONSerializer JSON 序列化器，兼容性最好
type JSONSerializer struct{}

func (JSONSerializer) Name() string { return JSON }

func (JSONSerializer) ID() uint8 { return IDJSON }

func (JSONSerializer) Marshal(value any) ([]byte, error) {
	return json.Marshal(value)
}

func (JSONSerializer) Unmarshal(data []byte, dest any) error {
	return json.Unmarshal(data, dest)
}

// MessagePackSerializer MessagePack 二进制序列化器，体积更小、速度更快
type MessagePackSerializer struct{}

func (MessagePackSerializer) Name() string { return Msgpack }

func (MessagePackSerializer) ID() uint8 { return IDMsgpack }

func (MessagePackSerializer) Marshal(value any) ([]byte, error) {
	return msgpack.Marshal(value)
}

func (MessagePackSerializer) Unmarshal(data []byte, dest any) error {
	return msgpack.Unmarshal(data, dest)
}

var (
	mu     sync.RWMutex
	byName = map[string]Serializer{}
	byID   = map[uint8]Serializer{}
)

func init() {
	Register(JSONSerializer{})
	Register(MessagePackSerializer{})
}

// Register 注册序列化器，同名或同 ID 会覆盖
func Register(s Serializer) {
	mu.Lock()
	defer mu.Unlock()
	byName[s.Name()] = s
	byID[s.ID()] = s
}

// Get 按名称获取序列化器，空名称返回 JSON
func Get(name string) (Serializer, error) {
	if name == "" {
		name = JSON
	}
	mu.RLock()
	defer mu.RUnlock()
	s, ok := byName[name]
	if !ok {
		return nil, xerrors.Wrapf(ErrUnsupportedSerializer, "name %q", name)
	}
	return s, nil
}

// ByID 按协议头 ID 获取序列化器
func ByID(id uint8) (Serializer, error) {
	mu.RLock()
	defer mu.RUnlock()
	s, ok := byID[id]
	if !ok {
		return nil, xerrors.Wrapf(ErrUnsupportedSerializer, "id %d", id)
	}
	return s, nil
}

// IDs 返回所有已注册的 ID
func IDs() []uint8 {
	mu.RLock()
	defer mu.RUnlock()
	ids := make([]uint8, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	return ids
}
