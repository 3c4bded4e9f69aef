package recognizer

import (
	"context"
)

// Result 一条识别结果
type Result struct {
	Text    string
	IsFinal bool
}

// Recognizer 流式语音识别客户端，输入 16kHz 单声道 PCM16 LE
type Recognizer interface {
	// Connect 建连并发送会话参数；失败返回配置错误或连接错误
	Connect(ctx context.Context) error
	SendAudioFrame(frame []byte) bool
	// CommitAudio 结束当前一句话
	CommitAudio() bool
	// Finish 结束整个会话
	Finish() bool
	// Results 当前连接的结果流，连接关闭后 channel 被关闭
	Results() <-chan Result
	// SetErrorCallback 连接意外断开或服务端返回错误时回调
	SetErrorCallback(callback func(error))
	Disconnect()
}

const resultBuffer = 64

// offer 非阻塞写入，满了丢最旧的结果
func offer(ch chan Result, r Result) {
	for {
		select {
		case ch <- r:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func closedResults() <-chan Result {
	ch := make(chan Result)
	close(ch)
	return ch
}
