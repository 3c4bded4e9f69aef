package realtime

import (
	"time"

	"github.com/gaoyadianta/run-tracker-sub000/pkg/adapter"
	"github.com/gaoyadianta/run-tracker-sub000/pkg/config"
	"github.com/gaoyadianta/run-tracker-sub000/pkg/errhandler"
	"github.com/gaoyadianta/run-tracker-sub000/pkg/llm"
	"github.com/gaoyadianta/run-tracker-sub000/pkg/logger"
	"github.com/gaoyadianta/run-tracker-sub000/pkg/metrics"
	"github.com/gaoyadianta/run-tracker-sub000/pkg/recognizer"
	"github.com/gaoyadianta/run-tracker-sub000/pkg/synthesizer"
	"go.uber.org/zap"
)

type options struct {
	recognizer  recognizer.Recognizer
	synthesizer synthesizer.Synthesizer
	completer   llm.Completer
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

// Option 替换默认组件，主要用于测试
type Option func(*options)

func WithRecognizer(r recognizer.Recognizer) Option {
	return func(o *options) { o.recognizer = r }
}

func WithSynthesizer(s synthesizer.Synthesizer) Option {
	return func(o *options) { o.synthesizer = s }
}

func WithCompleter(c llm.Completer) Option {
	return func(o *options) { o.completer = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics 编排层与各 ASR/TTS 客户端（含其连接）都使用 m
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

type metricsSetter interface {
	SetMetrics(m *metrics.Metrics)
}

func (o *options) applyMetrics() {
	if o.metrics == nil {
		return
	}
	for _, c := range []any{o.recognizer, o.synthesizer} {
		if ms, ok := c.(metricsSetter); ok {
			ms.SetMetrics(o.metrics)
		}
	}
}

// NewProvider 按 cfg.Provider 创建 Provider，未知类型返回配置错误
//
// 凭证在 Connect 时检查，这里只组装组件。
func NewProvider(cfg *config.Config, opts ...Option) (Provider, error) {
	if cfg == nil {
		return nil, errhandler.NewConfigurationError("realtime", "config is nil")
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = logger.Named("realtime")
	}

	switch cfg.Provider {
	case config.ProviderDashScope:
		return newDashScopeFromConfig(cfg, o), nil
	case config.ProviderVolcengine:
		return newVolcengineFromConfig(cfg, o), nil
	}
	return nil, errhandler.NewConfigurationError("realtime", "unknown provider: "+cfg.Provider)
}

func newDashScopeFromConfig(cfg *config.Config, o *options) *DashScopeProvider {
	ds := cfg.DashScope
	a := adapter.NewDashScope(adapter.DashScopeOption{
		ApiKey:          ds.APIKey,
		ASRURL:          ds.ASRURL,
		ASRModel:        ds.ASRModel,
		Language:        ds.Language,
		InputSampleRate: cfg.Audio.SampleRate,
		SilenceMs:       cfg.VAD.SilenceMs,
		TTSURL:          ds.TTSURL,
		TTSModel:        ds.TTSModel,
		Voice:           ds.Voice,
		TTSSampleRate:   ds.TTSSampleRate,
	})
	if o.recognizer == nil {
		o.recognizer = recognizer.NewDashScopeRecognizer(a, cfg.VAD.Local)
	}
	if o.synthesizer == nil {
		o.synthesizer = synthesizer.NewDashScopeSynthesizer(a, ds.TTSSampleRate)
	}
	o.applyMetrics()

	pc := pipelineConfig{
		name:         config.ProviderDashScope,
		localVAD:     cfg.VAD.Local,
		silence:      time.Duration(cfg.VAD.SilenceMs) * time.Millisecond,
		historyLimit: cfg.HistoryLimit,
		configured: func() error {
			if !ds.IsConfigured() {
				return errhandler.NewConfigurationError(config.ProviderDashScope, "api key, urls or llm model missing")
			}
			return nil
		},
		newCompleter: func() (llm.Completer, error) {
			return llm.NewOpenAICompleter(llm.OpenAIOption{
				APIKey:       ds.APIKey,
				BaseURL:      ds.LLMBaseURL,
				Model:        ds.LLMModel,
				SystemPrompt: cfg.SystemPrompt,
			})
		},
	}
	return newDashScopeProvider(pc, o.recognizer, o.synthesizer, o.completer, o.logger, o.metrics)
}

func newVolcengineFromConfig(cfg *config.Config, o *options) *VolcengineProvider {
	vc := cfg.Volcengine
	if o.recognizer == nil {
		asrOpt := recognizer.DefaultVolcengineStreamOption()
		asrOpt.URL = vc.ASRURL
		asrOpt.Auth.AppKey = vc.AppKey
		asrOpt.Auth.AccessKey = vc.AccessKey
		asrOpt.Auth.ResourceId = vc.ASRResourceID
		asrOpt.ModelName = vc.ASRModel
		asrOpt.SampleRate = cfg.Audio.SampleRate
		o.recognizer = recognizer.NewVolcengineRecognizer(asrOpt)
	}
	if o.synthesizer == nil {
		o.synthesizer = synthesizer.NewVolcengineSynthesizer(synthesizer.VolcengineBidiOption{
			URL:        vc.TTSURL,
			AppKey:     vc.AppKey,
			AccessKey:  vc.AccessKey,
			ResourceId: vc.TTSResourceID,
			Speaker:    vc.Speaker,
			Model:      vc.TTSModel,
			SampleRate: vc.TTSSampleRate,
		})
	}
	o.applyMetrics()
	if cfg.VAD.Local {
		o.logger.Warn("local VAD is not supported by volcengine, using server side endpointing")
	}

	pc := pipelineConfig{
		name:         config.ProviderVolcengine,
		historyLimit: cfg.HistoryLimit,
		configured: func() error {
			if !vc.IsConfigured() {
				return errhandler.NewConfigurationError(config.ProviderVolcengine, "app key, access key, urls or llm settings missing")
			}
			return nil
		},
		newCompleter: func() (llm.Completer, error) {
			return llm.NewOpenAICompleter(llm.OpenAIOption{
				APIKey:       vc.LLMAPIKey,
				BaseURL:      vc.LLMBaseURL,
				Model:        vc.LLMModel,
				SystemPrompt: cfg.SystemPrompt,
			})
		},
	}
	return newVolcengineProvider(pc, o.recognizer, o.synthesizer, o.completer, o.logger, o.metrics)
}
