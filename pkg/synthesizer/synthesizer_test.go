package synthesizer

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gaoyadianta/run-tracker-sub000/pkg/adapter"
	"github.com/gaoyadianta/run-tracker-sub000/pkg/errhandler"
	"github.com/gaoyadianta/run-tracker-sub000/pkg/protocol"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWSServer(t *testing.T, handle func(conn *websocket.Conn, r *http.Request)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn, r)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func nextAudio(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case a, ok := <-ch:
		require.True(t, ok, "audio closed")
		return a
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for audio")
		return nil
	}
}

func readJSON(conn *websocket.Conn) map[string]any {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil
	}
	var obj map[string]any
	_ = sonic.Unmarshal(data, &obj)
	return obj
}

func TestDashScopeSynthesizer_Flow(t *testing.T) {
	received := make(chan map[string]any, 8)
	pcm := []byte{1, 2, 3, 4}
	url := newWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		assert.Equal(t, "qwen-tts-realtime", r.URL.Query().Get("model"))
		for {
			msg := readJSON(conn)
			if msg == nil {
				return
			}
			received <- msg
			switch msg["type"] {
			case adapter.EventInputTextAppend:
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"response.audio.delta","delta":"`+base64.StdEncoding.EncodeToString(pcm)+`"}`))
			case adapter.EventSessionFinish:
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"session.finished"}`))
				return
			}
		}
	})

	a := adapter.NewDashScope(adapter.DashScopeOption{ApiKey: "k", ASRURL: url, TTSURL: url})
	s := NewDashScopeSynthesizer(a, 0)
	assert.Equal(t, 24000, s.SampleRate())
	require.NoError(t, s.Connect(context.Background()))
	defer s.Disconnect()

	update := <-received
	assert.Equal(t, adapter.EventSessionUpdate, update["type"])
	session := update["session"].(map[string]any)
	assert.Equal(t, "Cherry", session["voice"])
	assert.Equal(t, "server_commit", session["mode"])

	assert.False(t, s.AppendText("   "))
	assert.True(t, s.AppendText("今天跑得不错。"))
	appended := <-received
	assert.Equal(t, "今天跑得不错。", appended["text"])
	assert.Equal(t, pcm, nextAudio(t, s.Audio()))

	assert.True(t, s.Finish())
	finish := <-received
	assert.Equal(t, adapter.EventSessionFinish, finish["type"])
}

func TestDashScopeSynthesizer_ServerError(t *testing.T) {
	url := newWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		readJSON(conn)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","error":{"code":"InvalidParameter","message":"bad voice"}}`))
		readJSON(conn)
	})

	errs := make(chan error, 2)
	a := adapter.NewDashScope(adapter.DashScopeOption{ApiKey: "k", ASRURL: url, TTSURL: url})
	s := NewDashScopeSynthesizer(a, 24000)
	s.SetErrorCallback(func(err error) { errs <- err })
	require.NoError(t, s.Connect(context.Background()))
	defer s.Disconnect()

	select {
	case err := <-errs:
		assert.True(t, errors.Is(err, errhandler.ErrUpstream))
		assert.Contains(t, err.Error(), "bad voice")
	case <-time.After(2 * time.Second):
		t.Fatal("server error not reported")
	}
}

func TestDashScopeSynthesizer_NotConnected(t *testing.T) {
	a := adapter.NewDashScope(adapter.DashScopeOption{ApiKey: "k"})
	s := NewDashScopeSynthesizer(a, 24000)
	assert.False(t, s.AppendText("hi"))
	_, ok := <-s.Audio()
	assert.False(t, ok)
	s.Disconnect()
}

type volcServer struct {
	failConnection bool
	silent         bool
	frames         chan *protocol.Frame
}

func serverEvent(event protocol.Event, id string, payload []byte) []byte {
	return protocol.Request{
		MessageType:   protocol.FullServerResponse,
		Flags:         protocol.FlagWithEvent,
		Serialization: protocol.SerializationJSON,
		Event:         event,
		SessionID:     id,
		Payload:       payload,
	}.Marshal()
}

func (v *volcServer) handle(conn *websocket.Conn, r *http.Request) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := protocol.ParseFrame(data)
		if err != nil {
			return
		}
		v.frames <- frame
		if v.silent {
			continue
		}
		switch frame.Event {
		case protocol.EventStartConnection:
			if v.failConnection {
				_ = conn.WriteMessage(websocket.BinaryMessage, serverEvent(protocol.EventConnectionFailed, "cid", []byte(`{"message":"invalid resource"}`)))
				continue
			}
			_ = conn.WriteMessage(websocket.BinaryMessage, []byte{0x11})
			_ = conn.WriteMessage(websocket.BinaryMessage, serverEvent(protocol.EventConnectionStarted, "cid", []byte("{}")))
		case protocol.EventStartSession:
			_ = conn.WriteMessage(websocket.BinaryMessage, serverEvent(protocol.EventSessionStarted, frame.SessionID, []byte("{}")))
		case protocol.EventTaskRequest:
			_ = conn.WriteMessage(websocket.BinaryMessage, serverEvent(protocol.EventTTSSentenceStart, frame.SessionID, []byte("{}")))
			_ = conn.WriteMessage(websocket.BinaryMessage, protocol.Request{
				MessageType: protocol.AudioOnlyResponse,
				Flags:       protocol.FlagWithEvent,
				Event:       protocol.EventTTSResponse,
				SessionID:   frame.SessionID,
				Payload:     []byte{9, 8, 7, 6},
			}.Marshal())
		case protocol.EventFinishSession:
			_ = conn.WriteMessage(websocket.BinaryMessage, serverEvent(protocol.EventSessionFinished, frame.SessionID, []byte("{}")))
		case protocol.EventFinishConnection:
			_ = conn.WriteMessage(websocket.BinaryMessage, serverEvent(protocol.EventConnectionFinished, "cid", []byte("{}")))
			return
		}
	}
}

func newVolcSynthesizer(t *testing.T, v *volcServer) *VolcengineSynthesizer {
	url := newWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		assert.Equal(t, "app", r.Header.Get("X-Api-App-Key"))
		assert.Equal(t, "access", r.Header.Get("X-Api-Access-Key"))
		assert.Equal(t, "volc.service_type.10029", r.Header.Get("X-Api-Resource-Id"))
		assert.NotEmpty(t, r.Header.Get("X-Api-Connect-Id"))
		v.handle(conn, r)
	})
	opt := DefaultVolcengineBidiOption()
	opt.URL = url
	opt.AppKey = "app"
	opt.AccessKey = "access"
	opt.HandshakeTimeout = 300 * time.Millisecond
	return NewVolcengineSynthesizer(opt)
}

func TestVolcengineSynthesizer_Flow(t *testing.T) {
	v := &volcServer{frames: make(chan *protocol.Frame, 16)}
	s := newVolcSynthesizer(t, v)
	require.NoError(t, s.Connect(context.Background()))
	defer s.Disconnect()

	startConn := <-v.frames
	assert.Equal(t, protocol.EventStartConnection, startConn.Event)
	assert.Empty(t, startConn.SessionID)

	startSession := <-v.frames
	assert.Equal(t, protocol.EventStartSession, startSession.Event)
	assert.NotEmpty(t, startSession.SessionID)
	var req map[string]any
	require.NoError(t, sonic.Unmarshal(startSession.Payload, &req))
	assert.Equal(t, "BidirectionalTTS", req["namespace"])
	params := req["req_params"].(map[string]any)
	assert.Equal(t, "zh_female_vv_uranus_bigtts", params["speaker"])
	audioParams := params["audio_params"].(map[string]any)
	assert.Equal(t, "pcm", audioParams["format"])
	assert.EqualValues(t, 24000, audioParams["sample_rate"])

	assert.True(t, s.AppendText("配速五分半。"))
	task := <-v.frames
	assert.Equal(t, protocol.EventTaskRequest, task.Event)
	assert.Equal(t, startSession.SessionID, task.SessionID)
	require.NoError(t, sonic.Unmarshal(task.Payload, &req))
	assert.Equal(t, "配速五分半。", req["req_params"].(map[string]any)["text"])

	assert.Equal(t, []byte{9, 8, 7, 6}, nextAudio(t, s.Audio()))

	assert.True(t, s.Finish())
	assert.False(t, s.Finish())
	assert.Equal(t, protocol.EventFinishSession, (<-v.frames).Event)
	assert.Equal(t, protocol.EventFinishConnection, (<-v.frames).Event)
	assert.False(t, s.AppendText("晚了"))

	// 正常结束不报连接丢失，音频流随之关闭
	for range s.Audio() {
	}
}

func TestVolcengineSynthesizer_ConnectionFailed(t *testing.T) {
	v := &volcServer{failConnection: true, frames: make(chan *protocol.Frame, 16)}
	s := newVolcSynthesizer(t, v)
	err := s.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errhandler.ErrConnection))
	assert.Contains(t, err.Error(), "invalid resource")
	assert.False(t, s.AppendText("hi"))
}

func TestVolcengineSynthesizer_HandshakeTimeout(t *testing.T) {
	v := &volcServer{silent: true, frames: make(chan *protocol.Frame, 16)}
	s := newVolcSynthesizer(t, v)
	start := time.Now()
	err := s.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errhandler.ErrConnection))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestVolcengineSynthesizer_ConfigurationError(t *testing.T) {
	s := NewVolcengineSynthesizer(VolcengineBidiOption{})
	err := s.Connect(context.Background())
	assert.True(t, errors.Is(err, errhandler.ErrConfiguration))
}

func TestOfferAudio_DropsOldest(t *testing.T) {
	ch := make(chan []byte, 2)
	offerAudio(ch, []byte{1})
	offerAudio(ch, []byte{2})
	offerAudio(ch, []byte{3})
	assert.Equal(t, []byte{2}, <-ch)
	assert.Equal(t, []byte{3}, <-ch)
}
