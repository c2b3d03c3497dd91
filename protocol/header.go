// Package protocol 实现 yurpc 的二进制帧协议。
//
// 帧格式（大端序）：
//
//	+-------+---------+------------+-------------+-----------+------------+-----------+
//	| magic | version | serializer | messageType | requestId | bodyLength | body      |
//	| 1B    | 1B      | 1B         | 1B          | 8B        | 4B         | bodyLength|
//	+-------+---------+------------+-------------+-----------+------------+-----------+
//
// 底层是没有消息边界的字节流，解码先读定长头部，校验魔数与版本，
// 再读取恰好 bodyLength 字节后才交给 serializerId 指定的序列化器。
package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/ceyewan/yurpc/xerrors"
)

const (
	// Magic 协议魔数
	Magic uint8 = 0x01
	// Version 协议版本
	Version uint8 = 0x01
	// HeaderLength 定长头部长度
	HeaderLength = 16
	// MaxBodyLength 单帧消息体上限
	MaxBodyLength = 16 << 20
)

// MessageType 消息类型
type MessageType uint8

const (
	TypeRequest MessageType = iota
	TypeResponse
	TypeHeartbeat
	TypeOther
)

func (t MessageType) String() string {
	switch t {
	case TypeRequest:
		return "REQUEST"
	case TypeResponse:
		return "RESPONSE"
	case TypeHeartbeat:
		return "HEARTBEAT"
	case TypeOther:
		return "OTHER"
	default:
		return fmt.Sprintf("TYPE(%d)", uint8(t))
	}
}

// Header 协议头
type Header struct {
	Magic        uint8
	Version      uint8
	SerializerID uint8
	Type         MessageType
	RequestID    uint64
	BodyLength   uint32
}

// NewHeader 使用当前魔数与版本创建协议头
func NewHeader(t MessageType, serializerID uint8, requestID uint64) Header {
	return Header{
		Magic:        Magic,
		Version:      Version,
		SerializerID: serializerID,
		Type:         t,
		RequestID:    requestID,
	}
}

// PutHeader 将协议头写入 dst，dst 长度至少为 HeaderLength
func PutHeader(dst []byte, h Header) {
	_ = dst[HeaderLength-1]
	dst[0] = h.Magic
	dst[1] = h.Version
	dst[2] = h.SerializerID
	dst[3] = uint8(h.Type)
	binary.BigEndian.PutUint64(dst[4:12], h.RequestID)
	binary.BigEndian.PutUint32(dst[12:16], h.BodyLength)
}

// ParseHeader 解析并校验协议头
//
// 魔数、版本不匹配或消息体超长时返回 ErrProtocol，连接不可继续使用。
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderLength {
		return Header{}, xerrors.Markf(xerrors.ErrProtocol, "short header: %d bytes", len(b))
	}
	h := Header{
		Magic:        b[0],
		Version:      b[1],
		SerializerID: b[2],
		Type:         MessageType(b[3]),
		RequestID:    binary.BigEndian.Uint64(b[4:12]),
		BodyLength:   binary.BigEndian.Uint32(b[12:16]),
	}
	if h.Magic != Magic {
		return h, xerrors.Markf(xerrors.ErrProtocol, "bad magic 0x%02x", h.Magic)
	}
	if h.Version != Version {
		return h, xerrors.Markf(xerrors.ErrProtocol, "unsupported version %d", h.Version)
	}
	if h.Type > TypeOther {
		return h, xerrors.Markf(xerrors.ErrProtocol, "unknown message type %d", uint8(h.Type))
	}
	if h.BodyLength > MaxBodyLength {
		return h, xerrors.Markf(xerrors.ErrProtocol, "body length %d exceeds limit", h.BodyLength)
	}
	return h, nil
}
