package adapter

import (
	"encoding/base64"
	"net/url"
	"strings"

	"github.com/gaoyadianta/run-tracker-sub000/pkg/errhandler"
	"github.com/gaoyadianta/run-tracker-sub000/pkg/transport"
	"github.com/google/uuid"
)

const (
	// 客户端事件
	EventSessionUpdate    = "session.update"
	EventInputAudioAppend = "input_audio_buffer.append"
	EventInputAudioCommit = "input_audio_buffer.commit"
	EventInputTextAppend  = "input_text_buffer.append"
	EventSessionFinish    = "session.finish"

	// 服务端事件
	EventTranscriptionText     = "conversation.item.input_audio_transcription.text"
	EventTranscriptionComplete = "conversation.item.input_audio_transcription.completed"
	EventTranscriptionFailed   = "conversation.item.input_audio_transcription.failed"
	EventResponseAudioDelta    = "response.audio.delta"
	EventError                 = "error"

	completedSuffix = ".completed"
)

// DashScopeOption 百炼实时语音参数
type DashScopeOption struct {
	ApiKey          string  `json:"apiKey" yaml:"api_key" env:"DASHSCOPE_API_KEY"`
	ASRURL          string  `json:"asrUrl" yaml:"asr_url" default:"wss://dashscope.aliyuncs.com/api-ws/v1/realtime"`
	ASRModel        string  `json:"asrModel" yaml:"asr_model" default:"qwen3-asr-flash-realtime"`
	Language        string  `json:"language" yaml:"language" default:"zh"`
	InputSampleRate int     `json:"inputSampleRate" yaml:"input_sample_rate" default:"16000"`
	SilenceMs       int     `json:"silenceMs" yaml:"silence_ms" default:"800"`
	VADThreshold    float64 `json:"vadThreshold" yaml:"vad_threshold" default:"0.2"`
	TTSURL          string  `json:"ttsUrl" yaml:"tts_url" default:"wss://dashscope.aliyuncs.com/api-ws/v1/realtime"`
	TTSModel        string  `json:"ttsModel" yaml:"tts_model" default:"qwen-tts-realtime"`
	Voice           string  `json:"voice" yaml:"voice" default:"Cherry"`
	TTSSampleRate   int     `json:"ttsSampleRate" yaml:"tts_sample_rate" default:"24000"`
}

// DashScope 阿里云百炼 realtime 协议
type DashScope struct {
	opt DashScopeOption
}

func NewDashScope(opt DashScopeOption) *DashScope {
	if opt.ASRModel == "" {
		opt.ASRModel = "qwen3-asr-flash-realtime"
	}
	if opt.TTSModel == "" {
		opt.TTSModel = "qwen-tts-realtime"
	}
	if opt.Language == "" {
		opt.Language = "zh"
	}
	if opt.InputSampleRate == 0 {
		opt.InputSampleRate = 16000
	}
	if opt.SilenceMs == 0 {
		opt.SilenceMs = 800
	}
	if opt.VADThreshold == 0 {
		opt.VADThreshold = 0.2
	}
	if opt.Voice == "" {
		opt.Voice = "Cherry"
	}
	if opt.TTSSampleRate == 0 {
		opt.TTSSampleRate = 24000
	}
	return &DashScope{opt: opt}
}

func (d *DashScope) Name() string { return "dashscope" }

func (d *DashScope) ASRConnection() (transport.ConnectionConfig, error) {
	return d.connection("asr", d.opt.ASRURL, d.opt.ASRModel)
}

func (d *DashScope) TTSConnection() (transport.ConnectionConfig, error) {
	return d.connection("tts", d.opt.TTSURL, d.opt.TTSModel)
}

func (d *DashScope) connection(service, rawURL, model string) (transport.ConnectionConfig, error) {
	if d.opt.ApiKey == "" {
		return transport.ConnectionConfig{}, errhandler.NewConfigurationError("dashscope-"+service, "api key is empty")
	}
	if rawURL == "" {
		return transport.ConnectionConfig{}, errhandler.NewConfigurationError("dashscope-"+service, "url is empty")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return transport.ConnectionConfig{}, errhandler.NewConfigurationError("dashscope-"+service, "invalid url: "+err.Error())
	}
	q := u.Query()
	if model != "" && q.Get("model") == "" {
		q.Set("model", model)
	}
	u.RawQuery = q.Encode()

	return transport.ConnectionConfig{
		URL: u.String(),
		Headers: map[string]string{
			"Authorization": "Bearer " + d.opt.ApiKey,
		},
	}, nil
}

func (d *DashScope) ASRSessionUpdate(localVAD bool) transport.MessageEvent {
	session := map[string]any{
		"modalities":         []string{"text"},
		"input_audio_format": "pcm",
		"sample_rate":        d.opt.InputSampleRate,
		"input_audio_transcription": map[string]any{
			"language": d.opt.Language,
		},
	}
	if localVAD {
		// 客户端提交模式：由本地静音检测发送 commit
		session["turn_detection"] = nil
	} else {
		session["turn_detection"] = map[string]any{
			"type":                "server_vad",
			"threshold":           d.opt.VADThreshold,
			"silence_duration_ms": d.opt.SilenceMs,
		}
	}
	return d.event(EventSessionUpdate, map[string]any{"session": session})
}

func (d *DashScope) TTSSessionUpdate() transport.MessageEvent {
	return d.event(EventSessionUpdate, map[string]any{
		"session": map[string]any{
			"voice":           d.opt.Voice,
			"response_format": "pcm",
			"sample_rate":     d.opt.TTSSampleRate,
			"mode":            "server_commit",
		},
	})
}

func (d *DashScope) AudioAppend(frame []byte) transport.MessageEvent {
	return d.event(EventInputAudioAppend, map[string]any{
		"audio": base64.StdEncoding.EncodeToString(frame),
	})
}

func (d *DashScope) AudioCommit() transport.MessageEvent {
	return d.event(EventInputAudioCommit, nil)
}

func (d *DashScope) TextAppend(text string) transport.MessageEvent {
	return d.event(EventInputTextAppend, map[string]any{"text": text})
}

func (d *DashScope) Finish() transport.MessageEvent {
	return d.event(EventSessionFinish, nil)
}

func (d *DashScope) event(typ string, payload map[string]any) transport.MessageEvent {
	if payload == nil {
		payload = make(map[string]any, 1)
	}
	payload["event_id"] = "event_" + uuid.NewString()
	return transport.NewMessageEvent(typ, payload)
}

// Transcript completed 为最终结果，text 事件为中间结果（text + stash）
func (d *DashScope) Transcript(ev transport.MessageEvent) (string, bool, bool) {
	final := strings.HasSuffix(ev.Type, completedSuffix)
	text := ev.String("transcript")
	if text == "" && ev.Type == EventTranscriptionText {
		text = ev.String("text") + ev.String("stash")
	}
	if strings.TrimSpace(text) == "" {
		return "", false, false
	}
	return text, final, true
}

func (d *DashScope) AudioDelta(ev transport.MessageEvent) ([]byte, bool) {
	var encoded string
	switch ev.Type {
	case EventResponseAudioDelta:
		encoded = ev.String("delta")
	case transport.TypeChoices:
		encoded = ev.String("choices", "0", "delta", "audio", "data")
	}
	if encoded == "" {
		return nil, false
	}
	audio, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(audio) == 0 {
		return nil, false
	}
	return audio, true
}

// Error error 事件与转写失败事件
func (d *DashScope) Error(ev transport.MessageEvent) (string, bool) {
	switch ev.Type {
	case EventError, EventTranscriptionFailed:
	default:
		return "", false
	}
	msg := ev.String("error", "message")
	if msg == "" {
		msg = ev.String("message")
	}
	if code := ev.String("error", "code"); code != "" {
		msg = code + ": " + msg
	}
	if msg == "" {
		msg = "unknown error"
	}
	return msg, true
}
