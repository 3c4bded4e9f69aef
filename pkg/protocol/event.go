package protocol

import "strconv"

// Event 双向流式接口的事件号
type Event int32

const (
	EventNone Event = 0

	// 连接级
	EventStartConnection    Event = 1
	EventFinishConnection   Event = 2
	EventConnectionStarted  Event = 50
	EventConnectionFailed   Event = 51
	EventConnectionFinished Event = 52

	// 会话级
	EventStartSession    Event = 100
	EventCancelSession   Event = 101
	EventFinishSession   Event = 102
	EventSessionStarted  Event = 150
	EventSessionCanceled Event = 151
	EventSessionFinished Event = 152
	EventSessionFailed   Event = 153

	EventTaskRequest Event = 200

	// TTS 下行
	EventTTSSentenceStart Event = 350
	EventTTSSentenceEnd   Event = 351
	EventTTSResponse      Event = 352
)

// carriesID 客户端建连/断连事件不带 ID，其余事件都带会话 ID 或连接 ID
func (e Event) carriesID() bool {
	return e != EventStartConnection && e != EventFinishConnection && e != EventNone
}

func (e Event) String() string {
	switch e {
	case EventStartConnection:
		return "StartConnection"
	case EventFinishConnection:
		return "FinishConnection"
	case EventConnectionStarted:
		return "ConnectionStarted"
	case EventConnectionFailed:
		return "ConnectionFailed"
	case EventConnectionFinished:
		return "ConnectionFinished"
	case EventStartSession:
		return "StartSession"
	case EventCancelSession:
		return "CancelSession"
	case EventFinishSession:
		return "FinishSession"
	case EventSessionStarted:
		return "SessionStarted"
	case EventSessionCanceled:
		return "SessionCanceled"
	case EventSessionFinished:
		return "SessionFinished"
	case EventSessionFailed:
		return "SessionFailed"
	case EventTaskRequest:
		return "TaskRequest"
	case EventTTSSentenceStart:
		return "TTSSentenceStart"
	case EventTTSSentenceEnd:
		return "TTSSentenceEnd"
	case EventTTSResponse:
		return "TTSResponse"
	}
	return "Event(" + strconv.Itoa(int(e)) + ")"
}
