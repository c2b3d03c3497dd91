package protocol

import (
	"io"

	"github.com/ceyewan/yurpc/model"
	"github.com/ceyewan/yurpc/serializer"
	"github.com/ceyewan/yurpc/xerrors"
)

// Frame 一个完整的原始帧，Body 尚未反序列化
type Frame struct {
	Header Header
	Body   []byte
}

// Message 已反序列化的协议消息
type Message[T any] struct {
	Header Header
	Body   T
}

// Bytes 将帧编码为字节序列，BodyLength 以实际 Body 为准
func (f *Frame) Bytes() []byte {
	buf := make([]byte, HeaderLength+len(f.Body))
	h := f.Header
	h.BodyLength = uint32(len(f.Body))
	PutHeader(buf, h)
	copy(buf[HeaderLength:], f.Body)
	return buf
}

// Encode 使用协议头指定的序列化器编码消息
func Encode[T any](msg *Message[T]) ([]byte, error) {
	f, err := Pack(msg)
	if err != nil {
		return nil, err
	}
	return f.Bytes(), nil
}

// Pack 序列化消息体，生成原始帧
func Pack[T any](msg *Message[T]) (*Frame, error) {
	s, err := serializer.ByID(msg.Header.SerializerID)
	if err != nil {
		return nil, xerrors.Mark(xerrors.ErrProtocol, err)
	}
	body, err := s.Marshal(msg.Body)
	if err != nil {
		return nil, xerrors.Wrapf(err, "marshal %s body", msg.Header.Type)
	}
	if len(body) > MaxBodyLength {
		return nil, xerrors.Markf(xerrors.ErrProtocol, "body length %d exceeds limit", len(body))
	}
	h := msg.Header
	h.BodyLength = uint32(len(body))
	return &Frame{Header: h, Body: body}, nil
}

// Unpack 使用协议头指定的序列化器解码消息体
func Unpack[T any](f *Frame) (*Message[T], error) {
	s, err := serializer.ByID(f.Header.SerializerID)
	if err != nil {
		return nil, xerrors.Mark(xerrors.ErrProtocol, err)
	}
	msg := &Message[T]{Header: f.Header}
	if err := s.Unmarshal(f.Body, &msg.Body); err != nil {
		return nil, xerrors.Mark(xerrors.ErrProtocol, xerrors.Wrapf(err, "unmarshal %s body", f.Header.Type))
	}
	return msg, nil
}

// NewRequest 构造请求消息
func NewRequest(serializerID uint8, requestID uint64, req *model.RpcRequest) *Message[*model.RpcRequest] {
	return &Message[*model.RpcRequest]{Header: NewHeader(TypeRequest, serializerID, requestID), Body: req}
}

// NewResponse 构造响应消息，沿用请求的 requestId 与序列化器
func NewResponse(reqHeader Header, resp *model.RpcResponse) *Message[*model.RpcResponse] {
	return &Message[*model.RpcResponse]{Header: NewHeader(TypeResponse, reqHeader.SerializerID, reqHeader.RequestID), Body: resp}
}

// NewHeartbeat 构造心跳帧，消息体为空
func NewHeartbeat(serializerID uint8, requestID uint64) *Frame {
	return &Frame{Header: NewHeader(TypeHeartbeat, serializerID, requestID)}
}

// ReadFrame 从流中读取一个完整帧
//
// 帧边界前的 EOF 原样返回 io.EOF；帧中途断开返回 io.ErrUnexpectedEOF。
func ReadFrame(r io.Reader) (*Frame, error) {
	var hdr [HeaderLength]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	h, err := ParseHeader(hdr[:])
	if err != nil {
		return nil, err
	}
	body := make([]byte, h.BodyLength)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return &Frame{Header: h, Body: body}, nil
}

// WriteFrame 将帧写入流
func WriteFrame(w io.Writer, f *Frame) error {
	_, err := w.Write(f.Bytes())
	return err
}
