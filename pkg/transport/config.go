package transport

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/bytedance/sonic"
)

// ConnectionConfig 单次建连参数，每次 Connect 重新构造
type ConnectionConfig struct {
	URL     string
	Headers map[string]string
}

// Header 返回新的 http.Header，调用方可以随意修改
func (c ConnectionConfig) Header() http.Header {
	h := make(http.Header, len(c.Headers))
	for k, v := range c.Headers {
		h.Set(k, v)
	}
	return h
}

// MessageEvent 文本协议的消息信封
//
// 线上格式是一个扁平 JSON 对象：type 判别字段 + Payload 的各个键，
// session_id / seq 只在设置时输出
type MessageEvent struct {
	Type      string
	Payload   map[string]any
	SessionID string
	Seq       int64
}

// NewMessageEvent 构造消息，payload 可以为 nil
func NewMessageEvent(typ string, payload map[string]any) MessageEvent {
	return MessageEvent{Type: typ, Payload: payload}
}

func (e MessageEvent) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(e.Payload)+3)
	for k, v := range e.Payload {
		obj[k] = v
	}
	obj["type"] = e.Type
	if e.SessionID != "" {
		obj["session_id"] = e.SessionID
	}
	if e.Seq != 0 {
		obj["seq"] = e.Seq
	}
	return sonic.Marshal(obj)
}

func (e *MessageEvent) UnmarshalJSON(data []byte) error {
	var obj map[string]any
	if err := sonic.Unmarshal(data, &obj); err != nil {
		return err
	}
	typ, ok := obj["type"].(string)
	if !ok {
		// 百炼部分接口返回 {"choices":[...]}，不带 type
		if _, hasChoices := obj["choices"]; !hasChoices {
			return fmt.Errorf("message event: missing type")
		}
		typ = TypeChoices
	}
	delete(obj, "type")

	e.Type = typ
	e.SessionID = ""
	e.Seq = 0
	if sid, ok := obj["session_id"].(string); ok {
		e.SessionID = sid
		delete(obj, "session_id")
	}
	if seq, ok := obj["seq"].(float64); ok {
		e.Seq = int64(seq)
		delete(obj, "seq")
	}
	e.Payload = obj
	return nil
}

// TypeChoices 无 type 字段的 choices 格式消息
const TypeChoices = "choices"

// ParseMessageEvent 解析一条文本消息
func ParseMessageEvent(data []byte) (MessageEvent, error) {
	var e MessageEvent
	err := e.UnmarshalJSON(data)
	return e, err
}

// String 取 payload 中的字符串字段，path 逐级下钻，数组用下标
func (e MessageEvent) String(path ...string) string {
	v, _ := e.lookup(path).(string)
	return v
}

// Lookup 取 payload 中的任意字段
func (e MessageEvent) Lookup(path ...string) any {
	return e.lookup(path)
}

func (e MessageEvent) lookup(path []string) any {
	var cur any = e.Payload
	for _, key := range path {
		switch node := cur.(type) {
		case map[string]any:
			cur = node[key]
		case []any:
			i, err := strconv.Atoi(key)
			if err != nil || i < 0 || i >= len(node) {
				return nil
			}
			cur = node[i]
		default:
			return nil
		}
	}
	return cur
}
