package devices

import (
	"context"
	"io"
	"sync"

	"github.com/gen2brain/malgo"
	"go.uber.org/zap"
)

// StreamConfig 采集参数，ASR 输入统一 16k 单声道 PCM16
type StreamConfig struct {
	Format     malgo.FormatType
	Channels   int
	SampleRate int
	// AlsaNoMMap ALSA NoMMap 设置，默认 1
	AlsaNoMMap uint32
}

func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Format:     malgo.FormatS16,
		Channels:   1,
		SampleRate: 16000,
		AlsaNoMMap: 1,
	}
}

func (config StreamConfig) asDeviceConfig(deviceType malgo.DeviceType) malgo.DeviceConfig {
	deviceConfig := malgo.DefaultDeviceConfig(deviceType)
	if config.Format != malgo.FormatUnknown {
		deviceConfig.Capture.Format = config.Format
		deviceConfig.Playback.Format = config.Format
	}
	if config.Channels != 0 {
		deviceConfig.Capture.Channels = uint32(config.Channels)
		deviceConfig.Playback.Channels = uint32(config.Channels)
	}
	if config.SampleRate != 0 {
		deviceConfig.SampleRate = uint32(config.SampleRate)
	}
	if config.AlsaNoMMap != 0 {
		deviceConfig.Alsa.NoMMap = config.AlsaNoMMap
	}
	return deviceConfig
}

// StreamContext 持有 malgo 上下文，负责麦克风采集
type StreamContext struct {
	ctx    *malgo.AllocatedContext
	config StreamConfig
	logger *zap.Logger
	mu     sync.RWMutex
}

// NewStreamContext config 为 nil 时使用 16k 单声道默认配置
func NewStreamContext(config *StreamConfig, logger *zap.Logger) (*StreamContext, error) {
	if config == nil {
		defaultConfig := DefaultStreamConfig()
		config = &defaultConfig
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		logger.Debug("malgo", zap.String("message", message))
	})
	if err != nil {
		return nil, err
	}
	return &StreamContext{ctx: ctx, config: *config, logger: logger}, nil
}

func (sc *StreamContext) Close() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.ctx != nil {
		sc.ctx.Uninit()
		sc.ctx.Free()
		sc.ctx = nil
	}
	return nil
}

// Context 底层 malgo 上下文，用于列设备
func (sc *StreamContext) Context() *malgo.AllocatedContext {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.ctx
}

// Capture 采集到的样本持续写入 w，直到 w 返回错误或 ctx 结束
func (sc *StreamContext) Capture(ctx context.Context, w io.Writer) error {
	sc.mu.RLock()
	deviceConfig := sc.config.asDeviceConfig(malgo.Capture)
	malgoCtx := sc.ctx
	sc.mu.RUnlock()
	if malgoCtx == nil {
		return io.ErrClosedPipe
	}

	abortChan := make(chan error, 1)
	var abortOnce sync.Once

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, inputSamples []byte, _ uint32) {
			if len(inputSamples) == 0 {
				return
			}
			// 回调复用缓冲区，交出去之前复制一份
			samples := make([]byte, len(inputSamples))
			copy(samples, inputSamples)
			if _, err := w.Write(samples); err != nil {
				abortOnce.Do(func() { abortChan <- err })
			}
		},
	}

	device, err := malgo.InitDevice(malgoCtx.Context, deviceConfig, callbacks)
	if err != nil {
		return err
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		return err
	}
	sc.logger.Info("capture started",
		zap.Int("sampleRate", sc.config.SampleRate),
		zap.Int("channels", sc.config.Channels))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-abortChan:
		return err
	}
}
