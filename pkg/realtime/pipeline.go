package realtime

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gaoyadianta/run-tracker-sub000/pkg/broadcast"
	"github.com/gaoyadianta/run-tracker-sub000/pkg/errhandler"
	"github.com/gaoyadianta/run-tracker-sub000/pkg/llm"
	"github.com/gaoyadianta/run-tracker-sub000/pkg/metrics"
	"github.com/gaoyadianta/run-tracker-sub000/pkg/recognizer"
	"github.com/gaoyadianta/run-tracker-sub000/pkg/synthesizer"
	"go.uber.org/zap"
)

// Provider 实时语音对话：ASR -> LLM -> TTS，支持打断
type Provider interface {
	Connect(ctx context.Context) error
	Disconnect() error
	// SendAudioFrame 推送一帧 16k 单声道 PCM16，不阻塞
	SendAudioFrame(frame []byte) bool
	// SendText 以用户身份发起一轮对话，会打断进行中的回复
	SendText(text string)
	Subscribe() *broadcast.Subscription[Event]
	State() State
	Name() string
	// LocalVAD 是否由客户端静音检测断句；为 false 时调用方要把静音帧也发给服务端
	LocalVAD() bool
}

// pipelineConfig 两类 Provider 的差异
type pipelineConfig struct {
	name         string
	localVAD     bool
	silence      time.Duration
	dedupFinals  bool
	historyLimit int
	// configured 连接前检查凭证，失败时不打开任何 socket
	configured func() error
	// newCompleter 首次 Connect 时创建 LLM 客户端
	newCompleter func() (llm.Completer, error)
}

type turn struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// pipeline 共享的编排逻辑
type pipeline struct {
	cfg     pipelineConfig
	asr     recognizer.Recognizer
	tts     synthesizer.Synthesizer
	llm     llm.Completer
	logger  *zap.Logger
	metrics *metrics.Metrics
	errs    *errhandler.Handler

	events  *broadcast.Broadcaster[Event]
	history *History
	monitor *SilenceMonitor

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	tasks  sync.WaitGroup

	// turnMu 串行化 SendText 与 Disconnect 对 current 的操作
	turnMu  sync.Mutex
	current *turn

	// lastFinal 只在 ASR 转发协程内读写
	lastFinal string
}

func newPipeline(cfg pipelineConfig, asr recognizer.Recognizer, tts synthesizer.Synthesizer, completer llm.Completer, logger *zap.Logger, m *metrics.Metrics) *pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.Default()
	}
	logger = logger.With(zap.String("provider", cfg.name))
	p := &pipeline{
		cfg:     cfg,
		asr:     asr,
		tts:     tts,
		llm:     completer,
		logger:  logger,
		metrics: m,
		errs:    errhandler.NewHandler(logger),
		events:  broadcast.New[Event](),
		history: NewHistory(cfg.historyLimit),
	}
	p.events.OnDrop = func() {
		m.RecordMessageDropped("realtime-" + cfg.name)
	}
	if cfg.localVAD {
		p.monitor = NewSilenceMonitor(cfg.silence, asr.CommitAudio)
	}
	asr.SetErrorCallback(func(err error) { p.reportError(err, "asr") })
	tts.SetErrorCallback(func(err error) { p.reportError(err, "tts") })
	return p
}

func (p *pipeline) Name() string { return p.cfg.name }

func (p *pipeline) LocalVAD() bool { return p.cfg.localVAD }

func (p *pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *pipeline) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Subscribe 订阅事件，满了丢最旧的
func (p *pipeline) Subscribe() *broadcast.Subscription[Event] {
	return p.events.Subscribe(broadcast.DefaultCapacity)
}

// Connect 先连 ASR 再连 TTS，任一失败都会关闭已打开的连接并返回第一个错误
func (p *pipeline) Connect(ctx context.Context) (err error) {
	p.mu.Lock()
	if p.state != StateDisconnected {
		state := p.state
		p.mu.Unlock()
		return errhandler.NewConnectionError(p.cfg.name, "provider is "+state.String(), nil)
	}
	p.state = StateConnecting
	p.mu.Unlock()

	start := time.Now()
	defer func() {
		p.metrics.ObserveConnect(p.cfg.name, time.Since(start), err)
		if err != nil {
			p.setState(StateDisconnected)
			p.errs.HandleError(err, p.cfg.name)
			return
		}
		p.metrics.SetConnected(p.cfg.name, true)
	}()

	if p.cfg.configured != nil {
		if err := p.cfg.configured(); err != nil {
			return err
		}
	}
	if p.llm == nil {
		completer, err := p.cfg.newCompleter()
		if err != nil {
			return err
		}
		p.llm = completer
	}

	if err := p.asr.Connect(ctx); err != nil {
		return err
	}
	if err := p.tts.Connect(ctx); err != nil {
		p.asr.Disconnect()
		return err
	}

	sessionCtx, cancel := context.WithCancel(context.Background())
	p.lastFinal = ""
	if p.monitor != nil {
		p.monitor.Reset()
	}

	p.mu.Lock()
	p.cancel = cancel
	p.state = StateConnected
	p.mu.Unlock()

	results := p.asr.Results()
	audio := p.tts.Audio()
	p.tasks.Add(2)
	go p.forwardTranscripts(sessionCtx, results)
	go p.forwardAudio(sessionCtx, audio)
	if p.monitor != nil {
		p.tasks.Add(1)
		go func() {
			defer p.tasks.Done()
			p.monitor.Run(sessionCtx)
		}()
	}

	p.logger.Info("realtime provider connected",
		zap.Bool("localVAD", p.cfg.localVAD),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// Disconnect 每一步都会执行，错误合并返回
func (p *pipeline) Disconnect() error {
	p.mu.Lock()
	if p.state == StateDisconnected || p.state == StateDisconnecting {
		p.mu.Unlock()
		return nil
	}
	p.state = StateDisconnecting
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	var errs []error

	if cancel != nil {
		cancel()
	}
	p.cancelTurn()

	if !p.asr.Finish() {
		errs = append(errs, errhandler.NewConnectionError(p.cfg.name, "send asr finish failed", nil))
	}
	if !p.tts.Finish() {
		errs = append(errs, errhandler.NewConnectionError(p.cfg.name, "send tts finish failed", nil))
	}
	p.asr.Disconnect()
	p.tts.Disconnect()
	p.tasks.Wait()

	p.history.Clear()
	p.lastFinal = ""
	if p.monitor != nil {
		p.monitor.Reset()
	}

	p.metrics.SetConnected(p.cfg.name, false)
	p.setState(StateDisconnected)

	err := errors.Join(errs...)
	if err != nil {
		p.logger.Warn("realtime provider disconnected with errors", zap.Error(err))
	} else {
		p.logger.Info("realtime provider disconnected")
	}
	return err
}

func (p *pipeline) SendAudioFrame(frame []byte) bool {
	if len(frame) == 0 || p.State() != StateConnected {
		return false
	}
	if p.monitor != nil {
		p.monitor.MarkSpeech(time.Now())
	}
	return p.asr.SendAudioFrame(frame)
}

// SendText 取消进行中的回复并等它收尾，再用历史快照开始新的一轮
func (p *pipeline) SendText(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	p.turnMu.Lock()
	defer p.turnMu.Unlock()

	p.mu.Lock()
	connected := p.state == StateConnected
	p.mu.Unlock()
	if !connected {
		p.logger.Warn("drop text, provider not connected", zap.String("text", text))
		return
	}

	if p.current != nil {
		p.current.cancel()
		<-p.current.done
		p.current = nil
	}

	p.history.Append(llm.RoleUser, text)
	messages := p.history.Snapshot()

	ctx, cancel := context.WithCancel(context.Background())
	t := &turn{cancel: cancel, done: make(chan struct{})}
	p.current = t
	p.metrics.RecordTurn(p.cfg.name, "started")

	go p.runTurn(ctx, t, messages)
}

func (p *pipeline) cancelTurn() {
	p.turnMu.Lock()
	defer p.turnMu.Unlock()
	if p.current == nil {
		return
	}
	p.current.cancel()
	<-p.current.done
	p.current = nil
}

// runTurn 流式读取 LLM 增量，边读边按句送 TTS；结束、出错、被打断都会强制 flush
func (p *pipeline) runTurn(ctx context.Context, t *turn, messages []llm.Message) {
	defer close(t.done)
	defer t.cancel()

	var reply strings.Builder
	buffer := NewTextBuffer(p.tts.AppendText)
	start := time.Now()

	streamErr := p.consume(ctx, messages, func(delta string) {
		if reply.Len() == 0 {
			p.metrics.ObserveFirstDelta(p.cfg.name, time.Since(start))
		}
		reply.WriteString(delta)
		p.emit(AssistantTextDelta{Text: delta})
		buffer.Append(delta)
	})

	buffer.Flush()
	if reply.Len() > 0 {
		p.history.Append(llm.RoleAssistant, reply.String())
	}

	interrupted := ctx.Err() != nil || errhandler.IsInterrupted(streamErr)
	switch {
	case interrupted:
		p.metrics.RecordTurn(p.cfg.name, ReasonInterrupted)
		p.logger.Info("assistant reply interrupted", zap.Int("chars", reply.Len()))
		p.emit(AssistantCompleted{Reason: ReasonInterrupted})
	case streamErr != nil:
		p.metrics.RecordTurn(p.cfg.name, "error")
		p.reportError(streamErr, "llm")
	default:
		p.metrics.RecordTurn(p.cfg.name, ReasonStop)
		p.emit(AssistantCompleted{Reason: ReasonStop})
	}
}

func (p *pipeline) consume(ctx context.Context, messages []llm.Message, onDelta func(string)) error {
	stream, err := p.llm.Stream(ctx, messages)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return errhandler.NewInterruptedError(p.cfg.name)
		case chunk, ok := <-stream:
			if !ok {
				return nil
			}
			if chunk.Err != nil {
				return chunk.Err
			}
			if chunk.Text != "" {
				onDelta(chunk.Text)
			}
		}
	}
}

// forwardTranscripts 发布识别结果，最终结果触发一轮对话
func (p *pipeline) forwardTranscripts(ctx context.Context, results <-chan recognizer.Result) {
	defer p.tasks.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-results:
			if !ok {
				return
			}
			p.emit(UserTranscript{Text: res.Text, IsFinal: res.IsFinal})
			if !res.IsFinal || strings.TrimSpace(res.Text) == "" {
				continue
			}
			text := res.Text
			if p.cfg.dedupFinals {
				text = IncrementalSuffix(p.lastFinal, res.Text)
				p.lastFinal = res.Text
			}
			if text == "" {
				continue
			}
			p.SendText(text)
		}
	}
}

func (p *pipeline) forwardAudio(ctx context.Context, audio <-chan []byte) {
	defer p.tasks.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case pcm, ok := <-audio:
			if !ok {
				return
			}
			p.emit(AssistantAudioDelta{Audio: pcm})
		}
	}
}

func (p *pipeline) reportError(err error, component string) {
	classified := p.errs.HandleError(err, p.cfg.name+"-"+component)
	if classified == nil {
		return
	}
	p.emit(Error{Message: classified.Error()})
}

func (p *pipeline) emit(ev Event) {
	p.metrics.RecordEvent(p.cfg.name, EventName(ev))
	p.events.Publish(ev)
}
