package synthesizer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gaoyadianta/run-tracker-sub000/pkg/broadcast"
	"github.com/gaoyadianta/run-tracker-sub000/pkg/errhandler"
	"github.com/gaoyadianta/run-tracker-sub000/pkg/metrics"
	"github.com/gaoyadianta/run-tracker-sub000/pkg/protocol"
	"github.com/gaoyadianta/run-tracker-sub000/pkg/transport"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	serviceVolcengineTTS = "volcengine-tts"
	namespaceBidiTTS     = "BidirectionalTTS"
)

// VolcengineBidiOption 火山引擎双向流式 TTS 配置
type VolcengineBidiOption struct {
	URL              string        `json:"url" yaml:"url" default:"wss://openspeech.bytedance.com/api/v3/tts/bidirection"`
	AppKey           string        `json:"app_key" yaml:"app_key"`
	AccessKey        string        `json:"access_key" yaml:"access_key"`
	ResourceId       string        `json:"resource_id" yaml:"resource_id" default:"volc.service_type.10029"`
	Speaker          string        `json:"speaker" yaml:"speaker" default:"zh_female_vv_uranus_bigtts"`
	Model            string        `json:"model" yaml:"model"`
	SampleRate       int           `json:"sample_rate" yaml:"sample_rate" default:"24000"`
	UID              string        `json:"uid" yaml:"uid" default:"run-tracker"`
	HandshakeTimeout time.Duration `json:"handshake_timeout" yaml:"handshake_timeout" default:"10s"`
}

func DefaultVolcengineBidiOption() VolcengineBidiOption {
	return VolcengineBidiOption{
		URL:              "wss://openspeech.bytedance.com/api/v3/tts/bidirection",
		ResourceId:       "volc.service_type.10029",
		Speaker:          "zh_female_vv_uranus_bigtts",
		SampleRate:       24000,
		UID:              "run-tracker",
		HandshakeTimeout: 10 * time.Second,
	}
}

type bidiAudioParams struct {
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
}

type bidiReqParams struct {
	Text        string          `json:"text,omitempty"`
	Speaker     string          `json:"speaker"`
	Model       string          `json:"model,omitempty"`
	AudioParams bidiAudioParams `json:"audio_params"`
}

type bidiRequest struct {
	User      map[string]string `json:"user"`
	Event     protocol.Event    `json:"event"`
	Namespace string            `json:"namespace"`
	ReqParams bidiReqParams     `json:"req_params"`
}

// VolcengineSynthesizer 火山引擎双向 TTS：先建连再开会话，文本按 TaskRequest 追加
type VolcengineSynthesizer struct {
	opt     VolcengineBidiOption
	session *transport.Session

	mu        sync.Mutex
	sessionID string
	sub       *broadcast.Subscription[[]byte]
	audio     chan []byte
	loopDone  chan struct{}
	closing   atomic.Bool
	finished  atomic.Bool

	callbackMu    sync.RWMutex
	errorCallback func(error)
}

func NewVolcengineSynthesizer(opt VolcengineBidiOption) *VolcengineSynthesizer {
	def := DefaultVolcengineBidiOption()
	if opt.URL == "" {
		opt.URL = def.URL
	}
	if opt.ResourceId == "" {
		opt.ResourceId = def.ResourceId
	}
	if opt.Speaker == "" {
		opt.Speaker = def.Speaker
	}
	if opt.SampleRate == 0 {
		opt.SampleRate = def.SampleRate
	}
	if opt.UID == "" {
		opt.UID = def.UID
	}
	if opt.HandshakeTimeout <= 0 {
		opt.HandshakeTimeout = def.HandshakeTimeout
	}
	return &VolcengineSynthesizer{
		opt:     opt,
		session: transport.NewBinarySession(serviceVolcengineTTS),
	}
}

func (s *VolcengineSynthesizer) SampleRate() int { return s.opt.SampleRate }

func (s *VolcengineSynthesizer) SetErrorCallback(callback func(error)) {
	s.callbackMu.Lock()
	defer s.callbackMu.Unlock()
	s.errorCallback = callback
}

func (s *VolcengineSynthesizer) connection() (transport.ConnectionConfig, error) {
	if s.opt.AppKey == "" || s.opt.AccessKey == "" {
		return transport.ConnectionConfig{}, errhandler.NewConfigurationError(serviceVolcengineTTS, "app key or access key is empty")
	}
	return transport.ConnectionConfig{
		URL: s.opt.URL,
		Headers: map[string]string{
			"X-Api-App-Key":     s.opt.AppKey,
			"X-Api-Access-Key":  s.opt.AccessKey,
			"X-Api-Resource-Id": s.opt.ResourceId,
			"X-Api-Connect-Id":  uuid.NewString(),
		},
	}, nil
}

func (s *VolcengineSynthesizer) request(event protocol.Event, text string) []byte {
	payload, _ := sonic.Marshal(bidiRequest{
		User:      map[string]string{"uid": s.opt.UID},
		Event:     event,
		Namespace: namespaceBidiTTS,
		ReqParams: bidiReqParams{
			Text:    text,
			Speaker: s.opt.Speaker,
			Model:   s.opt.Model,
			AudioParams: bidiAudioParams{
				Format:     "pcm",
				SampleRate: s.opt.SampleRate,
			},
		},
	})
	return payload
}

// Connect StartConnection -> ConnectionStarted -> StartSession -> SessionStarted
func (s *VolcengineSynthesizer) Connect(ctx context.Context) error {
	cfg, err := s.connection()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.closing.Store(false)
	s.finished.Store(false)

	sub := s.session.Subscribe(broadcast.DefaultCapacity)
	if err := s.session.Connect(ctx, cfg); err != nil {
		sub.Cancel()
		return errhandler.NewConnectionError(serviceVolcengineTTS, "connect failed", err)
	}

	fail := func(err error) error {
		sub.Cancel()
		s.session.Close()
		return err
	}

	hctx, cancel := context.WithTimeout(ctx, s.opt.HandshakeTimeout)
	defer cancel()

	if !s.session.Send(protocol.NewEventRequest(protocol.EventStartConnection, "", []byte("{}"))) {
		return fail(errhandler.NewConnectionError(serviceVolcengineTTS, "send StartConnection failed", nil))
	}
	if err := s.await(hctx, sub, protocol.EventConnectionStarted); err != nil {
		return fail(err)
	}

	sessionID := uuid.NewString()
	if !s.session.Send(protocol.NewEventRequest(protocol.EventStartSession, sessionID, s.request(protocol.EventStartSession, ""))) {
		return fail(errhandler.NewConnectionError(serviceVolcengineTTS, "send StartSession failed", nil))
	}
	if err := s.await(hctx, sub, protocol.EventSessionStarted); err != nil {
		return fail(err)
	}

	s.sessionID = sessionID
	s.sub = sub
	s.audio = make(chan []byte, audioBuffer)
	s.loopDone = make(chan struct{})
	go s.readLoop(sub, s.audio, s.loopDone)

	logrus.WithFields(logrus.Fields{
		"url":       cfg.URL,
		"sessionId": sessionID,
		"traceId":   s.session.TraceID(),
	}).Info("volcengine tts session started")
	return nil
}

// await 握手阶段等待指定事件，失败事件和错误帧都视为连接失败
func (s *VolcengineSynthesizer) await(ctx context.Context, sub *broadcast.Subscription[[]byte], want protocol.Event) error {
	done := s.session.Done()
	for {
		select {
		case <-ctx.Done():
			return errhandler.NewConnectionError(serviceVolcengineTTS, "wait "+want.String()+" timeout", ctx.Err())
		case <-done:
			return errhandler.NewConnectionError(serviceVolcengineTTS, "connection closed while waiting "+want.String(), nil)
		case data, ok := <-sub.C:
			if !ok {
				return errhandler.NewConnectionError(serviceVolcengineTTS, "subscription closed", nil)
			}
			frame, err := protocol.ParseFrame(data)
			if err != nil {
				s.session.DropMalformed(serviceVolcengineTTS, data, err)
				continue
			}
			if frame.IsError() {
				return errhandler.NewConnectionError(serviceVolcengineTTS,
					fmt.Sprintf("server error %d: %s", frame.ErrorCode, frame.Payload), nil)
			}
			switch frame.Event {
			case want:
				return nil
			case protocol.EventConnectionFailed, protocol.EventSessionFailed:
				return errhandler.NewConnectionError(serviceVolcengineTTS,
					frame.Event.String()+": "+string(frame.Payload), nil)
			}
		}
	}
}

func (s *VolcengineSynthesizer) AppendText(text string) bool {
	if strings.TrimSpace(text) == "" || s.finished.Load() {
		return false
	}
	s.mu.Lock()
	sessionID := s.sessionID
	s.mu.Unlock()
	if sessionID == "" {
		return false
	}
	return s.session.Send(protocol.NewEventRequest(protocol.EventTaskRequest, sessionID, s.request(protocol.EventTaskRequest, text)))
}

// Finish FinishSession 后紧跟 FinishConnection，只发送一次
func (s *VolcengineSynthesizer) Finish() bool {
	s.mu.Lock()
	sessionID := s.sessionID
	s.mu.Unlock()
	if sessionID == "" || !s.finished.CompareAndSwap(false, true) {
		return false
	}
	if !s.session.Send(protocol.NewEventRequest(protocol.EventFinishSession, sessionID, []byte("{}"))) {
		return false
	}
	return s.session.Send(protocol.NewEventRequest(protocol.EventFinishConnection, "", []byte("{}")))
}

func (s *VolcengineSynthesizer) Audio() <-chan []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audio == nil {
		return closedAudio()
	}
	return s.audio
}

func (s *VolcengineSynthesizer) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *VolcengineSynthesizer) stopLocked() {
	s.closing.Store(true)
	if s.sub != nil {
		s.sub.Cancel()
		s.sub = nil
	}
	s.session.Close()
	if s.loopDone != nil {
		<-s.loopDone
		s.loopDone = nil
	}
	s.sessionID = ""
}

func (s *VolcengineSynthesizer) readLoop(sub *broadcast.Subscription[[]byte], audio chan []byte, done chan struct{}) {
	defer close(done)
	defer close(audio)

	transport.Pump(s.session, sub, func(data []byte) {
		s.handleFrame(data, audio)
	}, func() {
		if !s.finished.Load() {
			s.reportError(errhandler.NewConnectionError(serviceVolcengineTTS, "connection lost", nil))
		}
	})
	logrus.WithField("traceId", s.session.TraceID()).Info("volcengine tts: readLoop exited")
}

func (s *VolcengineSynthesizer) handleFrame(data []byte, audio chan []byte) {
	frame, err := protocol.ParseFrame(data)
	if err != nil {
		s.session.DropMalformed(serviceVolcengineTTS, data, err)
		return
	}

	if frame.IsError() {
		s.session.Metrics().RecordUpstreamError(serviceVolcengineTTS)
		logrus.WithFields(logrus.Fields{
			"code":    frame.ErrorCode,
			"message": string(frame.Payload),
			"traceId": s.session.TraceID(),
		}).Error("volcengine tts: server error")
		s.reportError(errhandler.NewUpstreamError(serviceVolcengineTTS, string(frame.Payload), nil))
		return
	}

	switch frame.Event {
	case protocol.EventTTSResponse:
		if frame.Header.MessageType == protocol.AudioOnlyResponse && len(frame.Payload) > 0 {
			offerAudio(audio, frame.Payload)
		}
	case protocol.EventSessionFailed, protocol.EventConnectionFailed:
		s.session.Metrics().RecordUpstreamError(serviceVolcengineTTS)
		s.reportError(errhandler.NewUpstreamError(serviceVolcengineTTS, frame.Event.String()+": "+string(frame.Payload), nil))
	case protocol.EventSessionFinished, protocol.EventConnectionFinished:
		logrus.WithFields(logrus.Fields{
			"event":   frame.Event.String(),
			"traceId": s.session.TraceID(),
		}).Info("volcengine tts finished")
	default:
		logrus.WithField("event", frame.Event.String()).Debug("volcengine tts: event ignored")
	}
}

func (s *VolcengineSynthesizer) reportError(err error) {
	if s.closing.Load() {
		return
	}
	s.callbackMu.RLock()
	callback := s.errorCallback
	s.callbackMu.RUnlock()
	if callback != nil {
		callback(err)
	}
}

// SetMetrics 替换指标实例，在 Connect 之前调用
func (s *VolcengineSynthesizer) SetMetrics(m *metrics.Metrics) {
	s.session.SetMetrics(m)
}
