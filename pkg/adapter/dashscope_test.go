package adapter

import (
	"encoding/base64"
	"errors"
	"testing"

	"github.com/gaoyadianta/run-tracker-sub000/pkg/errhandler"
	"github.com/gaoyadianta/run-tracker-sub000/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdapter() *DashScope {
	return NewDashScope(DashScopeOption{
		ApiKey: "sk-test",
		ASRURL: "wss://dashscope.example.com/api-ws/v1/realtime",
		TTSURL: "wss://dashscope.example.com/api-ws/v1/realtime?model=custom-tts",
	})
}

func parse(t *testing.T, raw string) transport.MessageEvent {
	t.Helper()
	ev, err := transport.ParseMessageEvent([]byte(raw))
	require.NoError(t, err)
	return ev
}

func TestDashScope_Connection(t *testing.T) {
	a := newTestAdapter()

	asr, err := a.ASRConnection()
	require.NoError(t, err)
	assert.Equal(t, "wss://dashscope.example.com/api-ws/v1/realtime?model=qwen3-asr-flash-realtime", asr.URL)
	assert.Equal(t, "Bearer sk-test", asr.Headers["Authorization"])

	tts, err := a.TTSConnection()
	require.NoError(t, err)
	assert.Contains(t, tts.URL, "model=custom-tts")
}

func TestDashScope_ConnectionMissingKey(t *testing.T) {
	a := NewDashScope(DashScopeOption{ASRURL: "wss://x"})
	_, err := a.ASRConnection()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errhandler.ErrConfiguration))

	a = NewDashScope(DashScopeOption{ApiKey: "k"})
	_, err = a.TTSConnection()
	assert.True(t, errors.Is(err, errhandler.ErrConfiguration))
}

func TestDashScope_ASRSessionUpdate(t *testing.T) {
	a := newTestAdapter()

	ev := a.ASRSessionUpdate(false)
	assert.Equal(t, EventSessionUpdate, ev.Type)
	session := ev.Payload["session"].(map[string]any)
	detection := session["turn_detection"].(map[string]any)
	assert.Equal(t, "server_vad", detection["type"])
	assert.Equal(t, 800, detection["silence_duration_ms"])
	assert.Equal(t, 16000, session["sample_rate"])

	ev = a.ASRSessionUpdate(true)
	session = ev.Payload["session"].(map[string]any)
	assert.Contains(t, session, "turn_detection")
	assert.Nil(t, session["turn_detection"])
}

func TestDashScope_ClientEvents(t *testing.T) {
	a := newTestAdapter()

	ev := a.AudioAppend([]byte{0x01, 0x02})
	assert.Equal(t, EventInputAudioAppend, ev.Type)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{0x01, 0x02}), ev.Payload["audio"])
	assert.NotEmpty(t, ev.Payload["event_id"])

	assert.Equal(t, EventInputAudioCommit, a.AudioCommit().Type)
	assert.Equal(t, EventSessionFinish, a.Finish().Type)

	text := a.TextAppend("你好。")
	assert.Equal(t, EventInputTextAppend, text.Type)
	assert.Equal(t, "你好。", text.Payload["text"])

	tts := a.TTSSessionUpdate().Payload["session"].(map[string]any)
	assert.Equal(t, "Cherry", tts["voice"])
	assert.Equal(t, "pcm", tts["response_format"])
}

func TestDashScope_Transcript(t *testing.T) {
	a := newTestAdapter()

	text, final, ok := a.Transcript(parse(t, `{"type":"conversation.item.input_audio_transcription.completed","transcript":"今天跑了五公里"}`))
	require.True(t, ok)
	assert.True(t, final)
	assert.Equal(t, "今天跑了五公里", text)

	text, final, ok = a.Transcript(parse(t, `{"type":"conversation.item.input_audio_transcription.text","text":"今天","stash":"跑了"}`))
	require.True(t, ok)
	assert.False(t, final)
	assert.Equal(t, "今天跑了", text)

	_, _, ok = a.Transcript(parse(t, `{"type":"conversation.item.input_audio_transcription.completed","transcript":"  "}`))
	assert.False(t, ok)

	_, _, ok = a.Transcript(parse(t, `{"type":"session.updated"}`))
	assert.False(t, ok)
}

func TestDashScope_AudioDelta(t *testing.T) {
	a := newTestAdapter()
	pcm := []byte{0, 1, 2, 3}
	enc := base64.StdEncoding.EncodeToString(pcm)

	audio, ok := a.AudioDelta(parse(t, `{"type":"response.audio.delta","delta":"`+enc+`"}`))
	require.True(t, ok)
	assert.Equal(t, pcm, audio)

	audio, ok = a.AudioDelta(parse(t, `{"choices":[{"delta":{"audio":{"data":"`+enc+`"}}}]}`))
	require.True(t, ok)
	assert.Equal(t, pcm, audio)

	_, ok = a.AudioDelta(parse(t, `{"type":"response.audio.delta","delta":"!!not-base64"}`))
	assert.False(t, ok)
}

func TestDashScope_Error(t *testing.T) {
	a := newTestAdapter()

	msg, ok := a.Error(parse(t, `{"type":"error","error":{"code":"InvalidParameter","message":"bad audio"}}`))
	require.True(t, ok)
	assert.Equal(t, "InvalidParameter: bad audio", msg)

	msg, ok = a.Error(parse(t, `{"type":"error"}`))
	require.True(t, ok)
	assert.Equal(t, "unknown error", msg)

	_, ok = a.Error(parse(t, `{"type":"response.done"}`))
	assert.False(t, ok)
}
