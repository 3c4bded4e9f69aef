package realtime

import (
	"github.com/gaoyadianta/run-tracker-sub000/pkg/llm"
	"github.com/gaoyadianta/run-tracker-sub000/pkg/metrics"
	"github.com/gaoyadianta/run-tracker-sub000/pkg/recognizer"
	"github.com/gaoyadianta/run-tracker-sub000/pkg/synthesizer"
	"go.uber.org/zap"
)

// VolcengineProvider 火山引擎二进制协议：流式 ASR + 双向 TTS + 方舟 LLM
//
// 服务端断句，最终结果是累积文本，只把新增部分交给 LLM。
type VolcengineProvider struct {
	*pipeline
}

var _ Provider = (*VolcengineProvider)(nil)

func newVolcengineProvider(cfg pipelineConfig, asr recognizer.Recognizer, tts synthesizer.Synthesizer, completer llm.Completer, logger *zap.Logger, m *metrics.Metrics) *VolcengineProvider {
	cfg.dedupFinals = true
	// 提交音频会结束火山的识别流，不能用本地 VAD
	cfg.localVAD = false
	return &VolcengineProvider{pipeline: newPipeline(cfg, asr, tts, completer, logger, m)}
}
