package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gaoyadianta/run-tracker-sub000/pkg/errhandler"
	"github.com/gaoyadianta/run-tracker-sub000/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	// Initialize logger for tests
	_ = logger.Init(&logger.LogConfig{
		Level:    "info",
		Filename: "",
	}, "test")
}

func sseChunk(content, finish string) string {
	choice := map[string]any{"index": 0, "delta": map[string]any{"content": content}}
	if finish != "" {
		choice["finish_reason"] = finish
	}
	data, _ := sonic.Marshal(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion.chunk",
		"created": 1,
		"model":   "qwen-plus",
		"choices": []any{choice},
	})
	return "data: " + string(data) + "\n\n"
}

func newSSEServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func collect(t *testing.T, ch <-chan Chunk) (string, error) {
	t.Helper()
	var sb strings.Builder
	timeout := time.After(3 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return sb.String(), nil
			}
			if c.Err != nil {
				return sb.String(), c.Err
			}
			sb.WriteString(c.Text)
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func TestNewOpenAICompleter_Configuration(t *testing.T) {
	_, err := NewOpenAICompleter(OpenAIOption{Model: "m"})
	assert.True(t, errors.Is(err, errhandler.ErrConfiguration))

	_, err = NewOpenAICompleter(OpenAIOption{APIKey: "k"})
	assert.True(t, errors.Is(err, errhandler.ErrConfiguration))
}

func TestOpenAICompleter_Stream(t *testing.T) {
	var body map[string]any
	srv := newSSEServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		raw, _ := io.ReadAll(r.Body)
		_ = sonic.Unmarshal(raw, &body)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseChunk("今天", ""))
		fmt.Fprint(w, sseChunk("跑得不错。", ""))
		fmt.Fprint(w, sseChunk("", "stop"))
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	c, err := NewOpenAICompleter(OpenAIOption{
		APIKey:       "sk-test",
		BaseURL:      srv.URL + "/v1/",
		Model:        "qwen-plus",
		SystemPrompt: "你是跑步教练",
	})
	require.NoError(t, err)

	ch, err := c.Stream(context.Background(), []Message{{Role: RoleUser, Content: "我今天跑得怎么样"}})
	require.NoError(t, err)
	text, err := collect(t, ch)
	require.NoError(t, err)
	assert.Equal(t, "今天跑得不错。", text)

	assert.Equal(t, true, body["stream"])
	assert.Equal(t, "qwen-plus", body["model"])
	messages := body["messages"].([]any)
	require.Len(t, messages, 2)
	assert.Equal(t, RoleSystem, messages[0].(map[string]any)["role"])
	assert.Equal(t, "我今天跑得怎么样", messages[1].(map[string]any)["content"])
}

func TestOpenAICompleter_HTTPError(t *testing.T) {
	srv := newSSEServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"invalid api key","type":"invalid_request_error"}}`)
	})

	c, err := NewOpenAICompleter(OpenAIOption{APIKey: "bad", BaseURL: srv.URL, Model: "m"})
	require.NoError(t, err)

	_, err = c.Stream(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errhandler.ErrUpstream))
}

func TestOpenAICompleter_MidStreamError(t *testing.T) {
	srv := newSSEServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseChunk("部分", ""))
		fmt.Fprint(w, "data: {broken json\n\n")
	})

	c, err := NewOpenAICompleter(OpenAIOption{APIKey: "k", BaseURL: srv.URL, Model: "m"})
	require.NoError(t, err)

	ch, err := c.Stream(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	require.NoError(t, err)
	text, err := collect(t, ch)
	assert.Equal(t, "部分", text)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errhandler.ErrUpstream))
}

func TestOpenAICompleter_Cancel(t *testing.T) {
	release := make(chan struct{})
	srv := newSSEServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseChunk("第一句", ""))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	c, err := NewOpenAICompleter(OpenAIOption{APIKey: "k", BaseURL: srv.URL, Model: "m"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := c.Stream(ctx, []Message{{Role: RoleUser, Content: "hi"}})
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, "第一句", first.Text)
	cancel()

	text, err := collect(t, ch)
	assert.NoError(t, err)
	assert.Empty(t, text)
}
