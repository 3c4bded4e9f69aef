// Package protocol 实现火山引擎语音服务使用的二进制帧协议
//
// 帧格式：4 字节头 + 可选事件号 + 可选会话 ID（长度前缀）+ 长度前缀的负载，整数均为大端
package protocol

import (
	"errors"
	"fmt"
)

const (
	ProtocolVersion   uint8 = 0b0001
	DefaultHeaderSize uint8 = 0b0001 // 以 4 字节为单位
	HeaderLength            = 4
)

// MessageType 消息类型
type MessageType uint8

const (
	FullClientRequest   MessageType = 0b0001
	AudioOnlyRequest    MessageType = 0b0010
	FullServerResponse  MessageType = 0b1001
	AudioOnlyResponse   MessageType = 0b1011
	ServerErrorResponse MessageType = 0b1111
)

func (t MessageType) String() string {
	switch t {
	case FullClientRequest:
		return "full-request"
	case AudioOnlyRequest:
		return "audio-only-request"
	case FullServerResponse:
		return "full-response"
	case AudioOnlyResponse:
		return "audio-only-response"
	case ServerErrorResponse:
		return "error"
	}
	return fmt.Sprintf("MessageType(%#b)", uint8(t))
}

// Flags 消息类型相关标志位
type Flags uint8

const (
	FlagNone             Flags = 0b0000
	FlagPositiveSequence Flags = 0b0001
	FlagFinal            Flags = 0b0010
	FlagNegativeSequence Flags = 0b0011 // 最后一包且带序号
	FlagWithEvent        Flags = 0b0100
)

func (f Flags) HasSequence() bool { return f&FlagPositiveSequence != 0 }

func (f Flags) HasEvent() bool { return f&FlagWithEvent != 0 }

func (f Flags) IsFinal() bool { return f&FlagFinal != 0 }

// Serialization 负载序列化方式
type Serialization uint8

const (
	SerializationRaw  Serialization = 0b0000
	SerializationJSON Serialization = 0b0001
)

// Compression 负载压缩方式，请求侧只发送 None
type Compression uint8

const (
	CompressionNone Compression = 0b0000
	CompressionGzip Compression = 0b0001
)

var (
	// ErrMalformedHeader 不足 4 字节，无法解析头部
	ErrMalformedHeader = errors.New("protocol: malformed header")
	// ErrTruncatedFrame 声明长度超过剩余字节
	ErrTruncatedFrame = errors.New("protocol: truncated frame")
)

// Header 4 字节协议头，各字段均为 4 bit
type Header struct {
	Version       uint8
	HeaderSize    uint8
	MessageType   MessageType
	Flags         Flags
	Serialization Serialization
	Compression   Compression
}

// NewHeader 使用默认版本号与头长度
func NewHeader(messageType MessageType, flags Flags, serialization Serialization, compression Compression) Header {
	return Header{
		Version:       ProtocolVersion,
		HeaderSize:    DefaultHeaderSize,
		MessageType:   messageType,
		Flags:         flags,
		Serialization: serialization,
		Compression:   compression,
	}
}

// BuildHeader 按位布局生成 4 字节头
func BuildHeader(messageType MessageType, flags Flags, serialization Serialization, compression Compression) []byte {
	return NewHeader(messageType, flags, serialization, compression).Bytes()
}

func (h Header) Bytes() []byte {
	return []byte{
		(h.Version&0x0f)<<4 | h.HeaderSize&0x0f,
		uint8(h.MessageType&0x0f)<<4 | uint8(h.Flags&0x0f),
		uint8(h.Serialization&0x0f)<<4 | uint8(h.Compression&0x0f),
		0x00,
	}
}

// ParseHeader 解析前 4 字节
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderLength {
		return Header{}, fmt.Errorf("%w: got %d bytes", ErrMalformedHeader, len(b))
	}
	return Header{
		Version:       b[0] >> 4,
		HeaderSize:    b[0] & 0x0f,
		MessageType:   MessageType(b[1] >> 4),
		Flags:         Flags(b[1] & 0x0f),
		Serialization: Serialization(b[2] >> 4),
		Compression:   Compression(b[2] & 0x0f),
	}, nil
}
