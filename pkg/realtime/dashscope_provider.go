package realtime

import (
	"github.com/gaoyadianta/run-tracker-sub000/pkg/llm"
	"github.com/gaoyadianta/run-tracker-sub000/pkg/metrics"
	"github.com/gaoyadianta/run-tracker-sub000/pkg/recognizer"
	"github.com/gaoyadianta/run-tracker-sub000/pkg/synthesizer"
	"go.uber.org/zap"
)

// DashScopeProvider 百炼 JSON 协议：realtime ASR + realtime TTS + 兼容模式 LLM
//
// 支持本地 VAD：客户端静音超时后提交音频，服务端不做断句。
type DashScopeProvider struct {
	*pipeline
}

var _ Provider = (*DashScopeProvider)(nil)

func newDashScopeProvider(cfg pipelineConfig, asr recognizer.Recognizer, tts synthesizer.Synthesizer, completer llm.Completer, logger *zap.Logger, m *metrics.Metrics) *DashScopeProvider {
	cfg.dedupFinals = false
	return &DashScopeProvider{pipeline: newPipeline(cfg, asr, tts, completer, logger, m)}
}
