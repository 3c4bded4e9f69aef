package realtime

// Event 对外发布的归一化事件，只有本包内的类型实现
//
// 调用方用 type switch 处理：
//
//	switch ev := ev.(type) {
//	case UserTranscript:
//	case AssistantTextDelta:
//	case AssistantAudioDelta:
//	case AssistantCompleted:
//	case Error:
//	}
type Event interface {
	eventName() string
}

// UserTranscript 用户语音识别结果
type UserTranscript struct {
	Text    string
	IsFinal bool
}

// AssistantTextDelta 助手回复的文本增量
type AssistantTextDelta struct {
	Text string
}

// AssistantAudioDelta 助手回复的 PCM 音频增量
type AssistantAudioDelta struct {
	Audio []byte
}

const (
	ReasonStop        = "stop"
	ReasonInterrupted = "interrupted"
)

// AssistantCompleted 一轮回复结束，Reason 为 stop 或 interrupted
type AssistantCompleted struct {
	Reason string
}

// Error 运行期错误，不会断开 Provider
type Error struct {
	Message string
}

func (UserTranscript) eventName() string      { return "user_transcript" }
func (AssistantTextDelta) eventName() string  { return "assistant_text_delta" }
func (AssistantAudioDelta) eventName() string { return "assistant_audio_delta" }
func (AssistantCompleted) eventName() string  { return "assistant_completed" }
func (Error) eventName() string               { return "error" }

// EventName 事件名，用于日志和指标标签
func EventName(ev Event) string {
	if ev == nil {
		return ""
	}
	return ev.eventName()
}
