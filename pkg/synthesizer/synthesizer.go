package synthesizer

import "context"

// Synthesizer 流式语音合成客户端，文本分段追加，音频以 PCM 增量返回
type Synthesizer interface {
	Connect(ctx context.Context) error
	// AppendText 追加一段待合成文本
	AppendText(text string) bool
	// Finish 结束会话（火山引擎依次发送 FinishSession、FinishConnection）
	Finish() bool
	// Audio 当前连接的音频流，连接关闭后 channel 被关闭
	Audio() <-chan []byte
	// SampleRate 输出采样率
	SampleRate() int
	SetErrorCallback(callback func(error))
	Disconnect()
}

const audioBuffer = 256

// offerAudio 非阻塞写入，满了丢最旧的音频块
func offerAudio(ch chan []byte, audio []byte) {
	for {
		select {
		case ch <- audio:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func closedAudio() <-chan []byte {
	ch := make(chan []byte)
	close(ch)
	return ch
}
