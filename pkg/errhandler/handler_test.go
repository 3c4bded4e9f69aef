package errhandler

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestError_Error(t *testing.T) {
	err := NewConnectionError("asr", "dial failed", errors.New("refused"))
	assert.Equal(t, "[asr] dial failed: refused", err.Error())

	err = NewConfigurationError("tts", "missing api key")
	assert.Equal(t, "[tts] missing api key", err.Error())
}

func TestError_IsAndAs(t *testing.T) {
	inner := errors.New("boom")
	wrapped := fmt.Errorf("connect: %w", NewConnectionError("asr", "dial failed", inner))

	assert.True(t, errors.Is(wrapped, ErrConnection))
	assert.False(t, errors.Is(wrapped, ErrUpstream))
	assert.True(t, errors.Is(wrapped, inner))
	assert.True(t, errors.Is(wrapped, &Error{Type: ErrorTypeConnection, Service: "asr"}))
	assert.False(t, errors.Is(wrapped, &Error{Type: ErrorTypeConnection, Service: "tts"}))

	var e *Error
	assert.True(t, errors.As(wrapped, &e))
	assert.Equal(t, ErrorTypeConnection, e.Type)
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(NewConfigurationError("llm", "missing model")))
	assert.True(t, IsFatal(NewConnectionError("asr", "dial", nil)))
	assert.False(t, IsFatal(NewUpstreamError("llm", "status 500", nil)))
	assert.False(t, IsFatal(NewParseError("asr", "bad json", nil)))
	assert.False(t, IsFatal(errors.New("plain")))
	assert.False(t, IsFatal(nil))
}

func TestIsInterrupted(t *testing.T) {
	assert.True(t, IsInterrupted(NewInterruptedError("llm")))
	assert.False(t, IsInterrupted(NewUpstreamError("llm", "x", nil)))
}

func TestHandler_Classify(t *testing.T) {
	h := NewHandler(zap.NewNop())

	tests := []struct {
		name string
		err  error
		want ErrorType
	}{
		{"dial failure", errors.New("dial tcp 127.0.0.1:1: connection refused"), ErrorTypeConnection},
		{"bad handshake", errors.New("websocket: bad handshake"), ErrorTypeConnection},
		{"server error", errors.New("status 500: internal"), ErrorTypeUpstream},
		{"already typed", NewParseError("asr", "bad", nil), ErrorTypeProtocolParse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := h.Classify(tt.err, "asr")
			assert.Equal(t, tt.want, got.Type)
		})
	}
	assert.Nil(t, h.Classify(nil, "asr"))
}

func TestHandler_HandleError(t *testing.T) {
	h := NewHandler(nil)
	got := h.HandleError(errors.New("status 429"), "llm")
	assert.Equal(t, ErrorTypeUpstream, got.Type)
	assert.Equal(t, "llm", got.Service)
	assert.Nil(t, h.HandleError(nil, "llm"))
}

func TestErrorType_String(t *testing.T) {
	assert.Equal(t, "upstream", ErrorTypeUpstream.String())
	assert.Equal(t, "ErrorType(42)", ErrorType(42).String())
}
