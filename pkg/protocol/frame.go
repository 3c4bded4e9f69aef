package protocol

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
)

// PutUint32 大端写入
func PutUint32(dst []byte, v uint32) {
	binary.BigEndian.PutUint32(dst, v)
}

// AppendUint32 大端追加
func AppendUint32(dst []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(dst, v)
}

// Uint32 大端读取，结果按无符号处理，避免扩展到 int64 时带上符号位
func Uint32(b []byte) int64 {
	return int64(binary.BigEndian.Uint32(b)) & 0xffffffff
}

// Int32 大端读取有符号值，用于序号（最后一包为负）
func Int32(b []byte) int32 {
	return int32(binary.BigEndian.Uint32(b))
}

// Request 客户端请求帧
type Request struct {
	MessageType   MessageType
	Flags         Flags
	Serialization Serialization
	Compression   Compression
	Sequence      int32
	Event         Event
	SessionID     string
	Payload       []byte
}

// Marshal 按固定顺序拼接：头 + [序号] + [事件] + [会话 ID] + 负载长度 + 负载
func (r Request) Marshal() []byte {
	buf := make([]byte, 0, HeaderLength+16+len(r.SessionID)+len(r.Payload))
	buf = append(buf, BuildHeader(r.MessageType, r.Flags, r.Serialization, r.Compression)...)
	if r.Flags.HasSequence() {
		buf = AppendUint32(buf, uint32(r.Sequence))
	}
	if r.Flags.HasEvent() {
		buf = AppendUint32(buf, uint32(r.Event))
		if r.Event.carriesID() {
			buf = AppendUint32(buf, uint32(len(r.SessionID)))
			buf = append(buf, r.SessionID...)
		}
	}
	buf = AppendUint32(buf, uint32(len(r.Payload)))
	buf = append(buf, r.Payload...)
	return buf
}

// NewFullRequest JSON 负载的完整请求
func NewFullRequest(payload []byte) []byte {
	return Request{
		MessageType:   FullClientRequest,
		Flags:         FlagNone,
		Serialization: SerializationJSON,
		Compression:   CompressionNone,
		Payload:       payload,
	}.Marshal()
}

// NewAudioRequest 纯音频请求，final 时发送结束标志
func NewAudioRequest(audio []byte, final bool) []byte {
	flags := FlagNone
	if final {
		flags = FlagFinal
	}
	return Request{
		MessageType:   AudioOnlyRequest,
		Flags:         flags,
		Serialization: SerializationRaw,
		Compression:   CompressionNone,
		Payload:       audio,
	}.Marshal()
}

// NewEventRequest 带事件号的 JSON 请求
func NewEventRequest(event Event, sessionID string, payload []byte) []byte {
	return Request{
		MessageType:   FullClientRequest,
		Flags:         FlagWithEvent,
		Serialization: SerializationJSON,
		Compression:   CompressionNone,
		Event:         event,
		SessionID:     sessionID,
		Payload:       payload,
	}.Marshal()
}

// Frame 服务端下行帧
type Frame struct {
	Header    Header
	Sequence  int32
	Event     Event
	SessionID string
	ErrorCode uint32
	Payload   []byte
}

func (f *Frame) IsError() bool {
	return f.Header.MessageType == ServerErrorResponse
}

// IsLast 最后一包（final 标志）
func (f *Frame) IsLast() bool {
	return f.Header.Flags.IsFinal()
}

// ParseFrame 解析一帧，每次切片前都检查剩余长度
// 不足 4 字节返回 ErrMalformedHeader，其余越界返回 ErrTruncatedFrame
func ParseFrame(b []byte) (*Frame, error) {
	header, err := ParseHeader(b)
	if err != nil {
		return nil, err
	}

	r := &reader{buf: b}
	if _, ok := r.next(int64(header.HeaderSize) * 4); !ok || header.HeaderSize == 0 {
		return nil, fmt.Errorf("%w: header size %d", ErrTruncatedFrame, header.HeaderSize)
	}

	frame := &Frame{Header: header}
	if header.Flags.HasSequence() {
		v, ok := r.uint32()
		if !ok {
			return nil, fmt.Errorf("%w: sequence", ErrTruncatedFrame)
		}
		frame.Sequence = int32(v)
	}
	if header.Flags.HasEvent() {
		v, ok := r.uint32()
		if !ok {
			return nil, fmt.Errorf("%w: event", ErrTruncatedFrame)
		}
		frame.Event = Event(int32(v))
		if frame.Event.carriesID() {
			id, ok := r.prefixed()
			if !ok {
				return nil, fmt.Errorf("%w: session id", ErrTruncatedFrame)
			}
			frame.SessionID = string(id)
		}
	}
	if header.MessageType == ServerErrorResponse {
		code, ok := r.uint32()
		if !ok {
			return nil, fmt.Errorf("%w: error code", ErrTruncatedFrame)
		}
		frame.ErrorCode = code
	}

	payload, ok := r.prefixed()
	if !ok {
		return nil, fmt.Errorf("%w: payload", ErrTruncatedFrame)
	}
	if header.Compression == CompressionGzip && len(payload) > 0 {
		payload, err = gunzip(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: gzip: %v", ErrTruncatedFrame, err)
		}
	}
	frame.Payload = payload
	return frame, nil
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) next(n int64) ([]byte, bool) {
	if n < 0 || n > int64(len(r.buf)-r.off) {
		return nil, false
	}
	out := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return out, true
}

func (r *reader) uint32() (uint32, bool) {
	b, ok := r.next(4)
	if !ok {
		return 0, false
	}
	return uint32(Uint32(b)), true
}

// prefixed 读取 uint32 长度前缀的字节串
func (r *reader) prefixed() ([]byte, bool) {
	b, ok := r.next(4)
	if !ok {
		return nil, false
	}
	return r.next(Uint32(b))
}

func gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
