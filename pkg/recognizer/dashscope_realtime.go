package recognizer

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/gaoyadianta/run-tracker-sub000/pkg/adapter"
	"github.com/gaoyadianta/run-tracker-sub000/pkg/broadcast"
	"github.com/gaoyadianta/run-tracker-sub000/pkg/errhandler"
	"github.com/gaoyadianta/run-tracker-sub000/pkg/metrics"
	"github.com/gaoyadianta/run-tracker-sub000/pkg/transport"
	"github.com/sirupsen/logrus"
)

const serviceDashScopeASR = "dashscope-asr"

// DashScopeRecognizer 百炼 realtime 识别，JSON over websocket 文本帧
type DashScopeRecognizer struct {
	adapter  adapter.Adapter
	localVAD bool
	session  *transport.Session

	mu       sync.Mutex
	sub      *broadcast.Subscription[[]byte]
	results  chan Result
	loopDone chan struct{}
	closing  atomic.Bool

	callbackMu    sync.RWMutex
	errorCallback func(error)
}

// NewDashScopeRecognizer localVAD 为 true 时关闭服务端断句，由调用方 CommitAudio
func NewDashScopeRecognizer(a adapter.Adapter, localVAD bool) *DashScopeRecognizer {
	return &DashScopeRecognizer{
		adapter:  a,
		localVAD: localVAD,
		session:  transport.NewTextSession(serviceDashScopeASR),
	}
}

func (r *DashScopeRecognizer) SetErrorCallback(callback func(error)) {
	r.callbackMu.Lock()
	defer r.callbackMu.Unlock()
	r.errorCallback = callback
}

func (r *DashScopeRecognizer) Connect(ctx context.Context) error {
	cfg, err := r.adapter.ASRConnection()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
	r.closing.Store(false)

	sub := r.session.Subscribe(broadcast.DefaultCapacity)
	if err := r.session.Connect(ctx, cfg); err != nil {
		sub.Cancel()
		return errhandler.NewConnectionError(serviceDashScopeASR, "connect failed", err)
	}
	if !r.session.SendJSON(r.adapter.ASRSessionUpdate(r.localVAD)) {
		sub.Cancel()
		r.session.Close()
		return errhandler.NewConnectionError(serviceDashScopeASR, "send session.update failed", nil)
	}

	r.sub = sub
	r.results = make(chan Result, resultBuffer)
	r.loopDone = make(chan struct{})
	go r.readLoop(sub, r.results, r.loopDone)

	logrus.WithFields(logrus.Fields{
		"url":      cfg.URL,
		"localVAD": r.localVAD,
	}).Info("dashscope asr connected")
	return nil
}

func (r *DashScopeRecognizer) SendAudioFrame(frame []byte) bool {
	if len(frame) == 0 {
		return false
	}
	return r.session.SendJSON(r.adapter.AudioAppend(frame))
}

func (r *DashScopeRecognizer) CommitAudio() bool {
	return r.session.SendJSON(r.adapter.AudioCommit())
}

func (r *DashScopeRecognizer) Finish() bool {
	return r.session.SendJSON(r.adapter.Finish())
}

func (r *DashScopeRecognizer) Results() <-chan Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.results == nil {
		return closedResults()
	}
	return r.results
}

func (r *DashScopeRecognizer) Disconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
}

func (r *DashScopeRecognizer) stopLocked() {
	r.closing.Store(true)
	if r.sub != nil {
		r.sub.Cancel()
		r.sub = nil
	}
	r.session.Close()
	if r.loopDone != nil {
		<-r.loopDone
		r.loopDone = nil
	}
}

func (r *DashScopeRecognizer) readLoop(sub *broadcast.Subscription[[]byte], results chan Result, done chan struct{}) {
	defer close(done)
	defer close(results)

	transport.Pump(r.session, sub, func(data []byte) {
		r.handleMessage(data, results)
	}, func() {
		r.reportError(errhandler.NewConnectionError(serviceDashScopeASR, "connection lost", nil))
	})
	logrus.Info("dashscope asr: readLoop exited")
}

func (r *DashScopeRecognizer) handleMessage(data []byte, results chan Result) {
	ev, err := transport.ParseMessageEvent(data)
	if err != nil {
		r.session.DropMalformed(serviceDashScopeASR, data, err)
		return
	}

	if msg, ok := r.adapter.Error(ev); ok {
		r.session.Metrics().RecordUpstreamError(serviceDashScopeASR)
		logrus.WithFields(logrus.Fields{
			"type":  ev.Type,
			"error": msg,
		}).Error("dashscope asr: server error")
		r.reportError(errhandler.NewUpstreamError(serviceDashScopeASR, msg, nil))
		return
	}

	text, final, ok := r.adapter.Transcript(ev)
	if !ok {
		logrus.WithField("type", ev.Type).Debug("dashscope asr: event ignored")
		return
	}
	offer(results, Result{Text: text, IsFinal: final})
}

func (r *DashScopeRecognizer) reportError(err error) {
	if r.closing.Load() {
		return
	}
	r.callbackMu.RLock()
	callback := r.errorCallback
	r.callbackMu.RUnlock()

	if callback != nil {
		callback(err)
	}
}

// SetMetrics 替换指标实例，在 Connect 之前调用
func (r *DashScopeRecognizer) SetMetrics(m *metrics.Metrics) {
	r.session.SetMetrics(m)
}
