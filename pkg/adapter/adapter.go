// Package adapter 文本 JSON 协议后端的连接参数构造与事件翻译
package adapter

import "github.com/gaoyadianta/run-tracker-sub000/pkg/transport"

// Adapter 把某个后端的 JSON 消息翻译成统一语义
type Adapter interface {
	Name() string

	// ASRConnection / TTSConnection 每次建连重新构造，缺凭证时返回配置错误
	ASRConnection() (transport.ConnectionConfig, error)
	TTSConnection() (transport.ConnectionConfig, error)

	ASRSessionUpdate(localVAD bool) transport.MessageEvent
	TTSSessionUpdate() transport.MessageEvent
	AudioAppend(frame []byte) transport.MessageEvent
	AudioCommit() transport.MessageEvent
	TextAppend(text string) transport.MessageEvent
	Finish() transport.MessageEvent

	// Transcript 只有带非空转写文本的消息才返回 ok
	Transcript(ev transport.MessageEvent) (text string, final bool, ok bool)
	AudioDelta(ev transport.MessageEvent) ([]byte, bool)
	Error(ev transport.MessageEvent) (string, bool)
}
