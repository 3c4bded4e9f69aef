package devices

import (
	"errors"
	"sync"

	"github.com/gen2brain/malgo"
	"go.uber.org/zap"
)

// ErrBufferFull 播放缓冲区已满
var ErrBufferFull = errors.New("音频缓冲区已满")

const (
	// 约 4 秒缓冲（24k 单声道，每块约 40ms）
	playbackQueue = 100
	fadeBytes     = 64
)

// StreamAudioPlayer 流式播放 TTS 返回的 PCM16 单声道音频
type StreamAudioPlayer struct {
	ctx        *malgo.AllocatedContext
	device     *malgo.Device
	sampleRate uint32
	logger     *zap.Logger

	audioBuffer chan []byte
	// 内部缓冲区，用于平滑数据流
	internalBuffer []byte
	mu             sync.Mutex
	closeOnce      sync.Once
}

// NewStreamAudioPlayer sampleRate 与 TTS 输出一致（通常 24000）
func NewStreamAudioPlayer(sampleRate int, logger *zap.Logger) *StreamAudioPlayer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamAudioPlayer{
		sampleRate:     uint32(sampleRate),
		logger:         logger,
		audioBuffer:    make(chan []byte, playbackQueue),
		internalBuffer: make([]byte, 0, 8192),
	}
}

// Play 打开播放设备
func (p *StreamAudioPlayer) Play() error {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		p.logger.Debug("malgo", zap.String("message", message))
	})
	if err != nil {
		return err
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = 1
	deviceConfig.SampleRate = p.sampleRate
	deviceConfig.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(ctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: func(out, _ []byte, _ uint32) { p.fill(out) },
	})
	if err != nil {
		ctx.Uninit()
		ctx.Free()
		return err
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		ctx.Uninit()
		ctx.Free()
		return err
	}

	p.mu.Lock()
	p.ctx = ctx
	p.device = device
	p.mu.Unlock()
	p.logger.Info("playback started", zap.Uint32("sampleRate", p.sampleRate))
	return nil
}

// fill 设备回调：先从 channel 补充内部缓冲，不足部分淡出后补静音
func (p *StreamAudioPlayer) fill(out []byte) {
	bytesNeeded := len(out)

	p.mu.Lock()
	defer p.mu.Unlock()

bufferLoop:
	for len(p.internalBuffer) < bytesNeeded {
		select {
		case data, ok := <-p.audioBuffer:
			if !ok {
				break bufferLoop
			}
			p.internalBuffer = append(p.internalBuffer, data...)
		default:
			break bufferLoop
		}
	}

	if len(p.internalBuffer) >= bytesNeeded {
		copy(out, p.internalBuffer[:bytesNeeded])
		p.internalBuffer = p.internalBuffer[bytesNeeded:]
		return
	}

	copied := copy(out, p.internalBuffer)
	p.internalBuffer = p.internalBuffer[:0]
	fadeOut(out[:copied])
	for i := copied; i < bytesNeeded; i++ {
		out[i] = 0
	}
}

// fadeOut 对末尾最多 32 个样本线性淡出
func fadeOut(pcm []byte) {
	n := len(pcm) &^ 1
	fade := n / 2
	if fade > fadeBytes {
		fade = fadeBytes
	}
	fade &^= 1
	if fade == 0 {
		return
	}
	for i := n - fade; i < n; i += 2 {
		sample := int16(uint16(pcm[i]) | uint16(pcm[i+1])<<8)
		factor := float64(n-i) / float64(fade)
		sample = int16(float64(sample) * factor)
		pcm[i] = byte(sample)
		pcm[i+1] = byte(uint16(sample) >> 8)
	}
}

// Write 非阻塞写入，缓冲区满时返回 ErrBufferFull
func (p *StreamAudioPlayer) Write(data []byte) (err error) {
	if len(data) == 0 {
		return nil
	}
	defer func() {
		// Close 之后写入
		if recover() != nil {
			err = ErrBufferFull
		}
	}()
	select {
	case p.audioBuffer <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// ClearBuffer 丢弃尚未播放的音频（用户打断时调用）
func (p *StreamAudioPlayer) ClearBuffer() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.internalBuffer = p.internalBuffer[:0]
	for {
		select {
		case _, ok := <-p.audioBuffer:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// Buffered 待播放的块数
func (p *StreamAudioPlayer) Buffered() int {
	return len(p.audioBuffer)
}

// Close 关闭设备，可重复调用
func (p *StreamAudioPlayer) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		device, ctx := p.device, p.ctx
		p.device, p.ctx = nil, nil
		p.mu.Unlock()

		if device != nil {
			device.Uninit()
		}
		if ctx != nil {
			ctx.Uninit()
			ctx.Free()
		}
		close(p.audioBuffer)
	})
}
