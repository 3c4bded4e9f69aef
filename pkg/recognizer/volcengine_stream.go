package recognizer

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bytedance/sonic"
	"github.com/gaoyadianta/run-tracker-sub000/pkg/broadcast"
	"github.com/gaoyadianta/run-tracker-sub000/pkg/errhandler"
	"github.com/gaoyadianta/run-tracker-sub000/pkg/metrics"
	"github.com/gaoyadianta/run-tracker-sub000/pkg/protocol"
	"github.com/gaoyadianta/run-tracker-sub000/pkg/transport"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const serviceVolcengineASR = "volcengine-asr"

// VolcengineAuth represents authentication configuration
type VolcengineAuth struct {
	ResourceId string `json:"resource_id" yaml:"resource_id" default:"volc.bigasr.sauc.duration"`
	AccessKey  string `json:"access_key" yaml:"access_key"`
	AppKey     string `json:"app_key" yaml:"app_key"`
}

// VolcengineStreamOption represents the configuration for the bigmodel streaming ASR
type VolcengineStreamOption struct {
	URL         string         `json:"url" yaml:"url" default:"wss://openspeech.bytedance.com/api/v3/sauc/bigmodel"`
	Auth        VolcengineAuth `json:"auth" yaml:"auth"`
	UID         string         `json:"uid" yaml:"uid" default:"run-tracker"`
	ModelName   string         `json:"model_name" yaml:"model_name" default:"bigmodel"`
	SampleRate  int            `json:"sample_rate" yaml:"sample_rate" default:"16000"`
	DisableITN  bool           `json:"disable_itn" yaml:"disable_itn" default:"false"`
	DisablePUNC bool           `json:"disable_punc" yaml:"disable_punc" default:"false"`
	EnableDDC   bool           `json:"enable_ddc" yaml:"enable_ddc" default:"false"`
}

// DefaultVolcengineStreamOption returns option with default values
func DefaultVolcengineStreamOption() VolcengineStreamOption {
	return VolcengineStreamOption{
		URL: "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel",
		Auth: VolcengineAuth{
			ResourceId: "volc.bigasr.sauc.duration",
		},
		UID:        "run-tracker",
		ModelName:  "bigmodel",
		SampleRate: 16000,
	}
}

type volcUserMeta struct {
	Uid string `json:"uid,omitempty"`
}

type volcAudioMeta struct {
	Format  string `json:"format,omitempty"`
	Codec   string `json:"codec,omitempty"`
	Rate    int    `json:"rate,omitempty"`
	Bits    int    `json:"bits,omitempty"`
	Channel int    `json:"channel,omitempty"`
}

type volcRequestMeta struct {
	ModelName      string `json:"model_name,omitempty"`
	EnableITN      bool   `json:"enable_itn"`
	EnablePUNC     bool   `json:"enable_punc"`
	EnableDDC      bool   `json:"enable_ddc"`
	ShowUtterances bool   `json:"show_utterances"`
	ResultType     string `json:"result_type,omitempty"`
}

type volcAsrRequest struct {
	User    volcUserMeta    `json:"user"`
	Audio   volcAudioMeta   `json:"audio"`
	Request volcRequestMeta `json:"request"`
}

type volcAsrResponse struct {
	Result struct {
		Text       string `json:"text"`
		Utterances []struct {
			Definite  bool   `json:"definite"`
			StartTime int    `json:"start_time"`
			EndTime   int    `json:"end_time"`
			Text      string `json:"text"`
		} `json:"utterances,omitempty"`
	} `json:"result"`
	Error string `json:"error,omitempty"`
}

// VolcengineRecognizer 火山引擎大模型流式识别，二进制帧协议
type VolcengineRecognizer struct {
	opt     VolcengineStreamOption
	session *transport.Session

	mu        sync.Mutex
	sub       *broadcast.Subscription[[]byte]
	results   chan Result
	loopDone  chan struct{}
	closing   atomic.Bool
	finalSent atomic.Bool

	callbackMu    sync.RWMutex
	errorCallback func(error)
}

func NewVolcengineRecognizer(opt VolcengineStreamOption) *VolcengineRecognizer {
	def := DefaultVolcengineStreamOption()
	if opt.URL == "" {
		opt.URL = def.URL
	}
	if opt.Auth.ResourceId == "" {
		opt.Auth.ResourceId = def.Auth.ResourceId
	}
	if opt.UID == "" {
		opt.UID = def.UID
	}
	if opt.ModelName == "" {
		opt.ModelName = def.ModelName
	}
	if opt.SampleRate == 0 {
		opt.SampleRate = def.SampleRate
	}
	return &VolcengineRecognizer{
		opt:     opt,
		session: transport.NewBinarySession(serviceVolcengineASR),
	}
}

// SetErrorCallback sets the error callback function
func (r *VolcengineRecognizer) SetErrorCallback(callback func(error)) {
	r.callbackMu.Lock()
	defer r.callbackMu.Unlock()
	r.errorCallback = callback
}

// connection builds the auth headers, one request id per connect
func (r *VolcengineRecognizer) connection() (transport.ConnectionConfig, error) {
	if r.opt.Auth.AppKey == "" || r.opt.Auth.AccessKey == "" {
		return transport.ConnectionConfig{}, errhandler.NewConfigurationError(serviceVolcengineASR, "app key or access key is empty")
	}
	return transport.ConnectionConfig{
		URL: r.opt.URL,
		Headers: map[string]string{
			"X-Api-Resource-Id": r.opt.Auth.ResourceId,
			"X-Api-Request-Id":  uuid.NewString(),
			"X-Api-Connect-Id":  uuid.NewString(),
			"X-Api-Access-Key":  r.opt.Auth.AccessKey,
			"X-Api-App-Key":     r.opt.Auth.AppKey,
		},
	}, nil
}

// startRequest 完整请求：音频格式 + 识别开关
func (r *VolcengineRecognizer) startRequest() ([]byte, error) {
	payload, err := sonic.Marshal(volcAsrRequest{
		User: volcUserMeta{Uid: r.opt.UID},
		Audio: volcAudioMeta{
			Format:  "pcm",
			Codec:   "raw",
			Rate:    r.opt.SampleRate,
			Bits:    16,
			Channel: 1,
		},
		Request: volcRequestMeta{
			ModelName:      r.opt.ModelName,
			EnableITN:      !r.opt.DisableITN,
			EnablePUNC:     !r.opt.DisablePUNC,
			EnableDDC:      r.opt.EnableDDC,
			ShowUtterances: true, // definite 依赖分句信息
			ResultType:     "full",
		},
	})
	if err != nil {
		return nil, err
	}
	return protocol.NewFullRequest(payload), nil
}

// Connect establishes WebSocket connection and sends the full client request
func (r *VolcengineRecognizer) Connect(ctx context.Context) error {
	cfg, err := r.connection()
	if err != nil {
		return err
	}
	start, err := r.startRequest()
	if err != nil {
		return errhandler.NewConfigurationError(serviceVolcengineASR, "marshal start request: "+err.Error())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
	r.closing.Store(false)
	r.finalSent.Store(false)

	sub := r.session.Subscribe(broadcast.DefaultCapacity)
	if err := r.session.Connect(ctx, cfg); err != nil {
		sub.Cancel()
		return errhandler.NewConnectionError(serviceVolcengineASR, "connect failed", err)
	}
	if !r.session.Send(start) {
		sub.Cancel()
		r.session.Close()
		return errhandler.NewConnectionError(serviceVolcengineASR, "send full client request failed", nil)
	}

	r.sub = sub
	r.results = make(chan Result, resultBuffer)
	r.loopDone = make(chan struct{})
	go r.readLoop(sub, r.results, r.loopDone)

	logrus.WithFields(logrus.Fields{
		"url":     cfg.URL,
		"traceId": r.session.TraceID(),
	}).Info("volcengine asr connected")
	return nil
}

func (r *VolcengineRecognizer) SendAudioFrame(frame []byte) bool {
	if len(frame) == 0 || r.finalSent.Load() {
		return false
	}
	return r.session.Send(protocol.NewAudioRequest(frame, false))
}

// CommitAudio sends the zero-length final frame
func (r *VolcengineRecognizer) CommitAudio() bool {
	if !r.finalSent.CompareAndSwap(false, true) {
		return false
	}
	logrus.WithField("traceId", r.session.TraceID()).Info("sending final audio frame")
	return r.session.Send(protocol.NewAudioRequest(nil, true))
}

// Finish 服务端在最后一包后结束会话，这里与 CommitAudio 等价
func (r *VolcengineRecognizer) Finish() bool {
	return r.CommitAudio()
}

func (r *VolcengineRecognizer) Results() <-chan Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.results == nil {
		return closedResults()
	}
	return r.results
}

func (r *VolcengineRecognizer) Disconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
}

func (r *VolcengineRecognizer) stopLocked() {
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

func (r *VolcengineRecognizer) readLoop(sub *broadcast.Subscription[[]byte], results chan Result, done chan struct{}) {
	defer close(done)
	defer close(results)

	transport.Pump(r.session, sub, func(data []byte) {
		if res, ok := r.parse(data); ok {
			offer(results, res)
		}
	}, func() {
		if !r.finalSent.Load() {
			r.reportError(errhandler.NewConnectionError(serviceVolcengineASR, "connection lost", nil))
		}
	})
	logrus.WithField("traceId", r.session.TraceID()).Info("volcengine asr: readLoop exited")
}

// parse 去掉头和序号，按声明长度读负载，取 result.text
//
// full 模式下前面已结束的分句也会一直带着 definite，只看最后一个分句
func (r *VolcengineRecognizer) parse(data []byte) (Result, bool) {
	frame, err := protocol.ParseFrame(data)
	if err != nil {
		r.session.DropMalformed(serviceVolcengineASR, data, err)
		return Result{}, false
	}

	if frame.IsError() {
		r.session.Metrics().RecordUpstreamError(serviceVolcengineASR)
		logrus.WithFields(logrus.Fields{
			"code":    frame.ErrorCode,
			"message": string(frame.Payload),
			"traceId": r.session.TraceID(),
		}).Error("volcengine asr: server error")
		r.reportError(errhandler.NewUpstreamError(serviceVolcengineASR, string(frame.Payload), nil))
		return Result{}, false
	}
	if frame.Header.MessageType != protocol.FullServerResponse || len(frame.Payload) == 0 {
		return Result{}, false
	}

	var resp volcAsrResponse
	if err := sonic.Unmarshal(frame.Payload, &resp); err != nil {
		r.session.DropMalformed(serviceVolcengineASR, frame.Payload, err)
		return Result{}, false
	}
	if strings.TrimSpace(resp.Result.Text) == "" {
		return Result{}, false
	}

	// 最后一包（负序号）总是最终结果
	final := frame.Header.Flags == protocol.FlagNegativeSequence
	if n := len(resp.Result.Utterances); n > 0 && resp.Result.Utterances[n-1].Definite {
		final = true
	}
	return Result{Text: resp.Result.Text, IsFinal: final}, true
}

func (r *VolcengineRecognizer) reportError(err error) {
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
func (r *VolcengineRecognizer) SetMetrics(m *metrics.Metrics) {
	r.session.SetMetrics(m)
}
