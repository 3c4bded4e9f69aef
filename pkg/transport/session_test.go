package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer 原样回写收到的每条消息，并记录请求头
func echoServer(t *testing.T, headers chan<- http.Header) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if headers != nil {
			headers <- r.Header.Clone()
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func receive(t *testing.T, c <-chan []byte) []byte {
	t.Helper()
	select {
	case data := <-c:
		return data
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestSession_SendBeforeConnect(t *testing.T) {
	s := NewTextSession("test")
	assert.False(t, s.Send([]byte("hello")))
	assert.False(t, s.Connected())
	s.Close()
}

func TestSession_ConnectEmptyURL(t *testing.T) {
	s := NewBinarySession("test")
	assert.Error(t, s.Connect(context.Background(), ConnectionConfig{}))
}

func TestSession_ConnectFailure(t *testing.T) {
	s := NewTextSession("test")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.Connect(ctx, ConnectionConfig{URL: "ws://127.0.0.1:1/none"})
	assert.Error(t, err)
	assert.False(t, s.Send([]byte("x")))
}

func TestSession_EchoAndHeaders(t *testing.T) {
	headers := make(chan http.Header, 1)
	srv := echoServer(t, headers)

	s := NewTextSession("test")
	sub := s.Subscribe(8)
	defer sub.Cancel()

	err := s.Connect(context.Background(), ConnectionConfig{
		URL:     wsURL(srv),
		Headers: map[string]string{"Authorization": "Bearer sk-test"},
	})
	require.NoError(t, err)
	defer s.Close()

	h := <-headers
	assert.Equal(t, "Bearer sk-test", h.Get("Authorization"))

	require.True(t, s.Send([]byte(`{"type":"ping"}`)))
	assert.Equal(t, `{"type":"ping"}`, string(receive(t, sub.C)))

	require.True(t, s.SendJSON(NewMessageEvent("session.finish", nil)))
	ev, err := ParseMessageEvent(receive(t, sub.C))
	require.NoError(t, err)
	assert.Equal(t, "session.finish", ev.Type)
}

func TestSession_BinaryFanOut(t *testing.T) {
	srv := echoServer(t, nil)

	s := NewBinarySession("test")
	a := s.Subscribe(4)
	b := s.Subscribe(4)
	require.NoError(t, s.Connect(context.Background(), ConnectionConfig{URL: wsURL(srv)}))
	defer s.Close()

	require.True(t, s.Send([]byte{0x11, 0x22, 0x00, 0x00}))
	assert.Equal(t, []byte{0x11, 0x22, 0x00, 0x00}, receive(t, a.C))
	assert.Equal(t, []byte{0x11, 0x22, 0x00, 0x00}, receive(t, b.C))
}

func TestSession_ReconnectReplacesSocket(t *testing.T) {
	srv := echoServer(t, nil)

	s := NewTextSession("test")
	sub := s.Subscribe(4)
	require.NoError(t, s.Connect(context.Background(), ConnectionConfig{URL: wsURL(srv)}))
	first := s.Done()

	require.NoError(t, s.Connect(context.Background(), ConnectionConfig{URL: wsURL(srv)}))
	defer s.Close()

	select {
	case <-first:
	case <-time.After(2 * time.Second):
		t.Fatal("previous socket was not closed")
	}

	require.True(t, s.Send([]byte("again")))
	assert.Equal(t, "again", string(receive(t, sub.C)))
}

func TestSession_CloseIdempotent(t *testing.T) {
	srv := echoServer(t, nil)

	s := NewTextSession("test")
	require.NoError(t, s.Connect(context.Background(), ConnectionConfig{URL: wsURL(srv)}))
	assert.True(t, s.Connected())

	s.Close()
	s.Close()
	assert.False(t, s.Connected())
	assert.False(t, s.Send([]byte("late")))

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not exit")
	}
}

func TestSession_FlushesQueueOnClose(t *testing.T) {
	received := make(chan string, 4)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			received <- string(data)
		}
	}))
	defer srv.Close()

	s := NewTextSession("test")
	require.NoError(t, s.Connect(context.Background(), ConnectionConfig{URL: wsURL(srv)}))
	require.True(t, s.Send([]byte("finish")))
	s.Close()

	select {
	case msg := <-received:
		assert.Equal(t, "finish", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("queued message was not flushed")
	}
}
