package errhandler

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// ErrorType 错误类型
type ErrorType int

const (
	// ErrorTypeConfiguration 缺少凭证或地址，连接前即失败
	ErrorTypeConfiguration ErrorType = iota
	// ErrorTypeConnection 建连或握手失败，作为 Connect 的返回值
	ErrorTypeConnection
	// ErrorTypeProtocolParse 单条消息 JSON 非法或二进制帧截断，丢弃该条消息
	ErrorTypeProtocolParse
	// ErrorTypeUpstream 服务端显式错误帧或 HTTP 非 2xx，以 Error 事件上报
	ErrorTypeUpstream
	// ErrorTypeStreamInterrupted 被 barge-in 打断，不算错误
	ErrorTypeStreamInterrupted
)

func (t ErrorType) String() string {
	switch t {
	case ErrorTypeConfiguration:
		return "configuration"
	case ErrorTypeConnection:
		return "connection"
	case ErrorTypeProtocolParse:
		return "protocol_parse"
	case ErrorTypeUpstream:
		return "upstream"
	case ErrorTypeStreamInterrupted:
		return "stream_interrupted"
	}
	return fmt.Sprintf("ErrorType(%d)", int(t))
}

// 按类型匹配的哨兵错误，配合 errors.Is 使用
var (
	ErrConfiguration     = &Error{Type: ErrorTypeConfiguration}
	ErrConnection        = &Error{Type: ErrorTypeConnection}
	ErrProtocolParse     = &Error{Type: ErrorTypeProtocolParse}
	ErrUpstream          = &Error{Type: ErrorTypeUpstream}
	ErrStreamInterrupted = &Error{Type: ErrorTypeStreamInterrupted}
)

// Error 统一错误结构
type Error struct {
	Type    ErrorType
	Service string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Service, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Service, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is 同类型即匹配
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Type == e.Type && (t.Service == "" || t.Service == e.Service)
}

// Handler 错误处理器
type Handler struct {
	logger *zap.Logger
}

// NewHandler 创建错误处理器
func NewHandler(logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{logger: logger}
}

// IsFatal 配置错误和连接错误需要调用方处理，其余只上报
func IsFatal(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == ErrorTypeConfiguration || e.Type == ErrorTypeConnection
}

// IsInterrupted 是否为 barge-in 打断
func IsInterrupted(err error) bool {
	return errors.Is(err, ErrStreamInterrupted)
}

// Classify 分类错误
func (h *Handler) Classify(err error, service string) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return e
	}

	errType := ErrorTypeUpstream
	if isConnectionFailure(err) {
		errType = ErrorTypeConnection
	}
	return &Error{
		Type:    errType,
		Service: service,
		Message: err.Error(),
		Err:     err,
	}
}

func isConnectionFailure(err error) bool {
	errMsg := strings.ToLower(err.Error())
	keywords := []string{
		"dial",
		"handshake",
		"connection refused",
		"connection reset",
		"no such host",
		"unauthorized",
		"forbidden",
	}
	for _, keyword := range keywords {
		if strings.Contains(errMsg, keyword) {
			return true
		}
	}
	return false
}

// HandleError 分类并记录日志，返回分类后的错误
func (h *Handler) HandleError(err error, service string) *Error {
	if err == nil {
		return nil
	}

	classified := h.Classify(err, service)
	fields := []zap.Field{
		zap.String("service", service),
		zap.String("type", classified.Type.String()),
		zap.Error(err),
	}
	switch classified.Type {
	case ErrorTypeConfiguration, ErrorTypeConnection:
		h.logger.Error("致命错误", fields...)
	case ErrorTypeUpstream:
		h.logger.Warn("上游错误", fields...)
	default:
		h.logger.Debug("已忽略的错误", fields...)
	}
	return classified
}

// NewConfigurationError 创建配置错误
func NewConfigurationError(service, message string) *Error {
	return &Error{Type: ErrorTypeConfiguration, Service: service, Message: message}
}

// NewConnectionError 创建连接错误
func NewConnectionError(service, message string, err error) *Error {
	return &Error{Type: ErrorTypeConnection, Service: service, Message: message, Err: err}
}

// NewParseError 创建协议解析错误
func NewParseError(service, message string, err error) *Error {
	return &Error{Type: ErrorTypeProtocolParse, Service: service, Message: message, Err: err}
}

// NewUpstreamError 创建上游错误
func NewUpstreamError(service, message string, err error) *Error {
	return &Error{Type: ErrorTypeUpstream, Service: service, Message: message, Err: err}
}

// NewInterruptedError 创建打断错误
func NewInterruptedError(service string) *Error {
	return &Error{Type: ErrorTypeStreamInterrupted, Service: service, Message: "interrupted"}
}
