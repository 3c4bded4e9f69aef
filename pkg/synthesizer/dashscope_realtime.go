package synthesizer

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gaoyadianta/run-tracker-sub000/pkg/adapter"
	"github.com/gaoyadianta/run-tracker-sub000/pkg/broadcast"
	"github.com/gaoyadianta/run-tracker-sub000/pkg/errhandler"
	"github.com/gaoyadianta/run-tracker-sub000/pkg/metrics"
	"github.com/gaoyadianta/run-tracker-sub000/pkg/transport"
	"github.com/sirupsen/logrus"
)

const serviceDashScopeTTS = "dashscope-tts"

// DashScopeSynthesizer 百炼 realtime 合成，server_commit 模式
type DashScopeSynthesizer struct {
	adapter    adapter.Adapter
	sampleRate int
	session    *transport.Session

	mu       sync.Mutex
	sub      *broadcast.Subscription[[]byte]
	audio    chan []byte
	loopDone chan struct{}
	closing  atomic.Bool

	callbackMu    sync.RWMutex
	errorCallback func(error)
}

func NewDashScopeSynthesizer(a adapter.Adapter, sampleRate int) *DashScopeSynthesizer {
	if sampleRate == 0 {
		sampleRate = 24000
	}
	return &DashScopeSynthesizer{
		adapter:    a,
		sampleRate: sampleRate,
		session:    transport.NewTextSession(serviceDashScopeTTS),
	}
}

func (s *DashScopeSynthesizer) SampleRate() int { return s.sampleRate }

func (s *DashScopeSynthesizer) SetErrorCallback(callback func(error)) {
	s.callbackMu.Lock()
	defer s.callbackMu.Unlock()
	s.errorCallback = callback
}

func (s *DashScopeSynthesizer) Connect(ctx context.Context) error {
	cfg, err := s.adapter.TTSConnection()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.closing.Store(false)

	sub := s.session.Subscribe(broadcast.DefaultCapacity)
	if err := s.session.Connect(ctx, cfg); err != nil {
		sub.Cancel()
		return errhandler.NewConnectionError(serviceDashScopeTTS, "connect failed", err)
	}
	if !s.session.SendJSON(s.adapter.TTSSessionUpdate()) {
		sub.Cancel()
		s.session.Close()
		return errhandler.NewConnectionError(serviceDashScopeTTS, "send session.update failed", nil)
	}

	s.sub = sub
	s.audio = make(chan []byte, audioBuffer)
	s.loopDone = make(chan struct{})
	go s.readLoop(sub, s.audio, s.loopDone)

	logrus.WithField("url", cfg.URL).Info("dashscope tts connected")
	return nil
}

func (s *DashScopeSynthesizer) AppendText(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	return s.session.SendJSON(s.adapter.TextAppend(text))
}

func (s *DashScopeSynthesizer) Finish() bool {
	return s.session.SendJSON(s.adapter.Finish())
}

func (s *DashScopeSynthesizer) Audio() <-chan []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audio == nil {
		return closedAudio()
	}
	return s.audio
}

func (s *DashScopeSynthesizer) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *DashScopeSynthesizer) stopLocked() {
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
}

func (s *DashScopeSynthesizer) readLoop(sub *broadcast.Subscription[[]byte], audio chan []byte, done chan struct{}) {
	defer close(done)
	defer close(audio)

	transport.Pump(s.session, sub, func(data []byte) {
		s.handleMessage(data, audio)
	}, func() {
		s.reportError(errhandler.NewConnectionError(serviceDashScopeTTS, "connection lost", nil))
	})
	logrus.Info("dashscope tts: readLoop exited")
}

func (s *DashScopeSynthesizer) handleMessage(data []byte, audio chan []byte) {
	ev, err := transport.ParseMessageEvent(data)
	if err != nil {
		s.session.DropMalformed(serviceDashScopeTTS, data, err)
		return
	}
	if msg, ok := s.adapter.Error(ev); ok {
		s.session.Metrics().RecordUpstreamError(serviceDashScopeTTS)
		logrus.WithField("error", msg).Error("dashscope tts: server error")
		s.reportError(errhandler.NewUpstreamError(serviceDashScopeTTS, msg, nil))
		return
	}
	if pcm, ok := s.adapter.AudioDelta(ev); ok {
		offerAudio(audio, pcm)
		return
	}
	logrus.WithField("type", ev.Type).Debug("dashscope tts: event ignored")
}

func (s *DashScopeSynthesizer) reportError(err error) {
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
func (s *DashScopeSynthesizer) SetMetrics(m *metrics.Metrics) {
	s.session.SetMetrics(m)
}
