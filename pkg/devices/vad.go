package devices

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// VADDetector 基于 RMS 能量的语音活动检测
//
// 低能量帧用于估计环境噪音，有效阈值 = 噪音 * 3，夹在 [50, threshold] 之间。
// 检测到语音后保持 hangover 帧，避免句中短暂停顿被切掉。
type VADDetector struct {
	mu                      sync.Mutex
	threshold               float64 // RMS 阈值（绝对值）
	adaptiveThreshold       float64 // 0 表示还没有噪音样本
	consecutiveFramesNeeded int
	frameCounter            int
	hangoverFrames          int
	hangover                int
	speaking                bool
	noiseSamples            []float64
	maxNoiseSamples         int
	noiseLevel              float64
	logger                  *zap.Logger
	lastLogTime             time.Time
}

func NewVADDetector(threshold float64) *VADDetector {
	if threshold <= 0 {
		threshold = 500
	}
	return &VADDetector{
		threshold:               threshold,
		consecutiveFramesNeeded: 2,
		hangoverFrames:          15, // 20ms 帧约 300ms
		maxNoiseSamples:         20,
		logger:                  zap.NewNop(),
	}
}

func (v *VADDetector) SetLogger(logger *zap.Logger) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if logger != nil {
		v.logger = logger
	}
}

// SetConsecutiveFrames 连续多少帧超过阈值才算开始说话
func (v *VADDetector) SetConsecutiveFrames(frames int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if frames < 1 {
		frames = 1
	}
	v.consecutiveFramesNeeded = frames
}

func (v *VADDetector) SetHangover(frames int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.hangoverFrames = frames
}

// IsSpeech 判断一帧 PCM16 是否应当发送
func (v *VADDetector) IsSpeech(frame []byte) bool {
	if len(frame) < 2 {
		return false
	}
	rms := calculateRMS(frame)

	v.mu.Lock()
	defer v.mu.Unlock()

	v.updateNoise(rms)
	effective := v.threshold
	if v.adaptiveThreshold > 0 {
		effective = v.adaptiveThreshold
	}

	if rms > effective {
		v.frameCounter++
		if v.frameCounter >= v.consecutiveFramesNeeded {
			if !v.speaking {
				v.logger.Debug("VAD检测到语音",
					zap.Float64("rms", rms),
					zap.Float64("effectiveThreshold", effective),
					zap.Float64("noiseLevel", v.noiseLevel))
			}
			v.speaking = true
			v.hangover = v.hangoverFrames
		}
		return v.speaking
	}

	v.frameCounter = 0
	if v.speaking {
		if v.hangover > 0 {
			v.hangover--
			return true
		}
		v.speaking = false
		if now := time.Now(); now.Sub(v.lastLogTime) >= time.Second {
			v.lastLogTime = now
			v.logger.Debug("VAD检测到静音", zap.Float64("rms", rms))
		}
	}
	return false
}

// updateNoise 只把低能量帧当作噪音样本
func (v *VADDetector) updateNoise(rms float64) {
	if rms >= 200 {
		return
	}
	v.noiseSamples = append(v.noiseSamples, rms)
	if len(v.noiseSamples) > v.maxNoiseSamples {
		v.noiseSamples = v.noiseSamples[1:]
	}
	var sum float64
	for _, s := range v.noiseSamples {
		sum += s
	}
	v.noiseLevel = sum / float64(len(v.noiseSamples))
	v.adaptiveThreshold = math.Min(math.Max(v.noiseLevel*3, 50), v.threshold)
}

// Reset 清空状态，噪音估计保留
func (v *VADDetector) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.frameCounter = 0
	v.hangover = 0
	v.speaking = false
}

// calculateRMS 16-bit 小端 PCM 的均方根，静音通常 0-100，正常语音 500-5000
func calculateRMS(pcm []byte) float64 {
	sampleCount := len(pcm) / 2
	if sampleCount == 0 {
		return 0
	}
	var sumSquares float64
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := float64(int16(uint16(pcm[i]) | uint16(pcm[i+1])<<8))
		sumSquares += sample * sample
	}
	return math.Sqrt(sumSquares / float64(sampleCount))
}
