package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gaoyadianta/run-tracker-sub000/pkg/broadcast"
	"github.com/gaoyadianta/run-tracker-sub000/pkg/errhandler"
	"github.com/gaoyadianta/run-tracker-sub000/pkg/metrics"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	defaultSendQueue    = 256
	defaultWriteTimeout = 10 * time.Second
)

// Session 一条持久的双向 websocket 连接
//
// 同一时刻只持有一个 socket，Connect 会先关闭旧连接；不做连接池，断线不重连。
// 收到的消息扇出到所有订阅者，满了丢最旧的。
type Session struct {
	name        string
	messageType int
	dialer      *websocket.Dialer

	mu       sync.Mutex
	conn     *websocket.Conn
	sendChan chan []byte
	stopChan chan struct{}
	doneChan chan struct{}
	traceId  string

	// writeLoop 退出信号
	flushedChan chan struct{}

	incoming     *broadcast.Broadcaster[[]byte]
	writeTimeout time.Duration
	metrics      atomic.Pointer[metrics.Metrics]
}

// NewTextSession 文本帧会话（JSON 协议）
func NewTextSession(name string) *Session {
	return newSession(name, websocket.TextMessage)
}

// NewBinarySession 二进制帧会话
func NewBinarySession(name string) *Session {
	return newSession(name, websocket.BinaryMessage)
}

func newSession(name string, messageType int) *Session {
	s := &Session{
		name:         name,
		messageType:  messageType,
		dialer:       websocket.DefaultDialer,
		incoming:     broadcast.New[[]byte](),
		writeTimeout: defaultWriteTimeout,
	}
	s.metrics.Store(metrics.Default())
	s.incoming.OnDrop = func() {
		s.Metrics().RecordMessageDropped(name)
	}
	return s
}

// SetMetrics 替换指标实例，nil 时恢复默认
func (s *Session) SetMetrics(m *metrics.Metrics) {
	if m == nil {
		m = metrics.Default()
	}
	s.metrics.Store(m)
}

func (s *Session) Metrics() *metrics.Metrics {
	return s.metrics.Load()
}

// DropMalformed 记录一条无法解析的消息，读循环继续处理后续消息
func (s *Session) DropMalformed(service string, data []byte, err error) {
	perr := errhandler.NewParseError(service, "drop malformed message", err)
	s.Metrics().RecordParseError(service)
	logrus.WithFields(logrus.Fields{
		"session": s.name,
		"size":    len(data),
		"error":   perr.Error(),
	}).Warn("drop malformed message")
}

// Connect 打开一个新 socket，旧连接先关闭
func (s *Session) Connect(ctx context.Context, cfg ConnectionConfig) error {
	if cfg.URL == "" {
		return errors.New("url is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()

	conn, resp, err := s.dialer.DialContext(ctx, cfg.URL, cfg.Header())
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial websocket err: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial websocket err: %w", err)
	}
	if resp != nil {
		s.traceId = resp.Header.Get("X-Tt-Logid")
	}

	s.conn = conn
	s.sendChan = make(chan []byte, defaultSendQueue)
	s.stopChan = make(chan struct{})
	s.doneChan = make(chan struct{})
	s.flushedChan = make(chan struct{})

	go s.readLoop(conn, s.doneChan)
	go s.writeLoop(conn, s.sendChan, s.stopChan, s.flushedChan)

	logrus.WithFields(logrus.Fields{
		"session": s.name,
		"url":     cfg.URL,
		"traceId": s.traceId,
	}).Info("transport connected")
	return nil
}

// Send 非阻塞入队，没有连接或队列已满时返回 false
func (s *Session) Send(payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return false
	}
	select {
	case <-s.stopChan:
		return false
	case <-s.doneChan:
		return false
	default:
	}
	select {
	case s.sendChan <- payload:
		s.Metrics().RecordFrameSent(s.name)
		return true
	default:
		logrus.WithField("session", s.name).Warn("send queue full, message dropped")
		return false
	}
}

// SendJSON 序列化后发送
func (s *Session) SendJSON(v any) bool {
	data, err := sonic.Marshal(v)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"session": s.name,
			"error":   err.Error(),
		}).Error("marshal outgoing message failed")
		return false
	}
	return s.Send(data)
}

// Subscribe 订阅收到的消息，订阅跨越重连保持有效
func (s *Session) Subscribe(capacity int) *broadcast.Subscription[[]byte] {
	return s.incoming.Subscribe(capacity)
}

// Done 当前连接读循环退出时关闭；未连接时返回已关闭的 channel
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doneChan == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.doneChan
}

// Connected 是否持有未断开的连接
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return false
	}
	select {
	case <-s.doneChan:
		return false
	default:
		return true
	}
}

// TraceID 服务端返回的日志 ID（火山引擎 X-Tt-Logid）
func (s *Session) TraceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.traceId
}

// Close 关闭连接，可重复调用
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *Session) closeLocked() {
	if s.conn == nil {
		return
	}
	close(s.stopChan)
	// 等待已入队的消息（finish 等）写完
	select {
	case <-s.flushedChan:
	case <-time.After(2 * time.Second):
	}
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	_ = s.conn.Close()
	s.conn = nil
	logrus.WithField("session", s.name).Info("transport closed")
}

func (s *Session) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !isNormalCloseError(err) {
				logrus.WithFields(logrus.Fields{
					"session": s.name,
					"error":   err.Error(),
				}).Error("read message failed")
			}
			return
		}
		s.incoming.Publish(data)
	}
}

func (s *Session) writeLoop(conn *websocket.Conn, sendChan chan []byte, stopChan, flushedChan chan struct{}) {
	defer close(flushedChan)
	for {
		select {
		case <-stopChan:
			for {
				select {
				case data := <-sendChan:
					if !s.write(conn, data) {
						return
					}
				default:
					return
				}
			}
		case data := <-sendChan:
			if !s.write(conn, data) {
				return
			}
		}
	}
}

func (s *Session) write(conn *websocket.Conn, data []byte) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err := conn.WriteMessage(s.messageType, data); err != nil {
		if !isNormalCloseError(err) {
			logrus.WithFields(logrus.Fields{
				"session": s.name,
				"error":   err.Error(),
			}).Error("write message failed")
		}
		return false
	}
	return true
}

// isNormalCloseError 正常关闭不记错误日志
func isNormalCloseError(err error) bool {
	var closeError *websocket.CloseError
	if errors.As(err, &closeError) {
		switch closeError.Code {
		case websocket.CloseNormalClosure,
			websocket.CloseGoingAway,
			websocket.CloseNoStatusReceived:
			return true
		}
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}
