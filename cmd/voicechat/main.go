package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gaoyadianta/run-tracker-sub000/pkg/config"
	"github.com/gaoyadianta/run-tracker-sub000/pkg/devices"
	"github.com/gaoyadianta/run-tracker-sub000/pkg/logger"
	"github.com/gaoyadianta/run-tracker-sub000/pkg/metrics"
	"github.com/gaoyadianta/run-tracker-sub000/pkg/realtime"
	"go.uber.org/zap"
)

func main() {
	// 1. Parse Command Line Parameters
	mode := flag.String("mode", "", "running environment (development, test, production)")
	provider := flag.String("provider", "", "realtime provider (dashscope, volcengine)")
	text := flag.String("text", "", "send one prompt instead of capturing the microphone")
	record := flag.String("record", "", "write assistant audio to this wav file")
	metricsAddr := flag.String("metrics-addr", "", "serve prometheus metrics on this address")
	listDevices := flag.Bool("list-devices", false, "print audio devices and exit")
	flag.Parse()

	// 2. Set Environment Variables
	if *mode != "" {
		os.Setenv("APP_ENV", *mode)
	}

	// 3. Load Global Configuration
	if err := config.Load(); err != nil {
		panic("config load failed: " + err.Error())
	}
	cfg := config.GlobalConfig
	if *provider != "" {
		cfg.Provider = strings.ToLower(*provider)
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}

	// 4. Load Log Configuration
	if err := logger.Init(&cfg.Log, cfg.Mode); err != nil {
		panic(err)
	}
	defer logger.Sync()
	logConfigInfo(cfg)

	if *listDevices {
		if err := printDevices(); err != nil {
			logger.Error("list devices failed", zap.Error(err))
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 5. Metrics
	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr)
		defer srv.Close()
	}

	// 6. Realtime Provider
	p, err := realtime.NewProvider(cfg, realtime.WithLogger(logger.Named("realtime")))
	if err != nil {
		logger.Error("create provider failed", zap.Error(err))
		os.Exit(1)
	}
	if err := p.Connect(ctx); err != nil {
		logger.Error("connect provider failed", zap.String("provider", p.Name()), zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		if err := p.Disconnect(); err != nil {
			logger.Warn("disconnect provider", zap.Error(err))
		}
	}()

	// 7. Playback
	player := devices.NewStreamAudioPlayer(ttsSampleRate(cfg), logger.Named("playback"))
	if err := player.Play(); err != nil {
		logger.Warn("playback unavailable, audio will not be played", zap.Error(err))
	}
	defer player.Close()

	var recorder *devices.WavRecorder
	if *record != "" {
		recorder = devices.NewWavRecorder(*record, ttsSampleRate(cfg))
		defer func() {
			if err := recorder.Close(); err != nil {
				logger.Error("write recording failed", zap.Error(err))
			} else {
				logger.Info("recording saved", zap.String("path", *record))
			}
		}()
	}

	var lastAudio atomic.Int64
	completed := make(chan struct{}, 1)
	sub := p.Subscribe()
	defer sub.Cancel()
	go func() {
		for ev := range sub.C {
			switch ev := ev.(type) {
			case realtime.UserTranscript:
				if ev.IsFinal {
					// 用户说完一句，打断正在播放的回复
					player.ClearBuffer()
					fmt.Printf("\n[user] %s\n", ev.Text)
				}
			case realtime.AssistantTextDelta:
				fmt.Print(ev.Text)
			case realtime.AssistantAudioDelta:
				lastAudio.Store(time.Now().UnixNano())
				if err := player.Write(ev.Audio); err != nil {
					logger.Debug("drop playback chunk", zap.Error(err))
				}
				if recorder != nil {
					_, _ = recorder.Write(ev.Audio)
				}
			case realtime.AssistantCompleted:
				fmt.Printf("\n[assistant %s]\n", ev.Reason)
				select {
				case completed <- struct{}{}:
				default:
				}
			case realtime.Error:
				fmt.Fprintf(os.Stderr, "\n[error] %s\n", ev.Message)
			}
		}
	}()

	// 8. Run
	if *text != "" {
		p.SendText(*text)
		select {
		case <-completed:
			waitPlayback(ctx, player, &lastAudio)
		case <-ctx.Done():
		}
		return
	}

	if err := capture(ctx, cfg, p); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("capture stopped", zap.Error(err))
	}
}

// capture 麦克风 -> 分帧 -> (本地 VAD) -> Provider
func capture(ctx context.Context, cfg *config.Config, p realtime.Provider) error {
	streamConfig := devices.DefaultStreamConfig()
	streamConfig.SampleRate = cfg.Audio.SampleRate
	streamCtx, err := devices.NewStreamContext(&streamConfig, logger.Named("capture"))
	if err != nil {
		return err
	}
	defer streamCtx.Close()

	writer := devices.NewFrameWriter(devices.FrameBytes(cfg.Audio.SampleRate, cfg.Audio.FrameMs), frameGate(cfg, p), p.SendAudioFrame)
	defer func() {
		sent, skipped := writer.Stats()
		logger.Info("capture finished", zap.Int("framesSent", sent), zap.Int("framesSkipped", skipped))
		writer.Close()
	}()

	fmt.Println("listening, press Ctrl+C to stop")
	return streamCtx.Capture(ctx, writer)
}

// frameGate 只有 Provider 真正使用本地断句时才丢弃静音帧，服务端断句需要收到静音
func frameGate(cfg *config.Config, p realtime.Provider) *devices.VADDetector {
	if !cfg.VAD.Local || !p.LocalVAD() {
		return nil
	}
	vad := devices.NewVADDetector(cfg.VAD.Threshold)
	vad.SetLogger(logger.Named("vad"))
	return vad
}

// waitPlayback 等最后一段音频播完（1.5 秒内没有新音频且缓冲为空），最多等 5 秒第一段音频
func waitPlayback(ctx context.Context, player *devices.StreamAudioPlayer, lastAudio *atomic.Int64) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if lastAudio.Load() == 0 {
				if time.Since(start) > 5*time.Second {
					return
				}
				continue
			}
			idle := time.Since(time.Unix(0, lastAudio.Load()))
			if idle > 1500*time.Millisecond && player.Buffered() == 0 {
				return
			}
		}
	}
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Default().Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	logger.Info("metrics server started", zap.String("addr", addr))
	return srv
}

func printDevices() error {
	streamCtx, err := devices.NewStreamContext(nil, nil)
	if err != nil {
		return err
	}
	defer streamCtx.Close()
	return devices.PrintDevices(os.Stdout, streamCtx.Context())
}

func ttsSampleRate(cfg *config.Config) int {
	if cfg.Provider == config.ProviderVolcengine {
		return cfg.Volcengine.TTSSampleRate
	}
	return cfg.DashScope.TTSSampleRate
}

// logConfigInfo 打印关键配置，密钥只显示是否已设置
func logConfigInfo(cfg *config.Config) {
	logger.Info("checked config -- provider", zap.String("provider", cfg.Provider), zap.Bool("configured", cfg.IsConfigured()))
	logger.Info("checked config -- audio",
		zap.Int("sampleRate", cfg.Audio.SampleRate),
		zap.Int("frameMs", cfg.Audio.FrameMs),
		zap.Bool("localVAD", cfg.VAD.Local),
		zap.Int("silenceMs", cfg.VAD.SilenceMs))
	logger.Info("checked config -- mode", zap.String("mode", cfg.Mode), zap.Int("historyLimit", cfg.HistoryLimit))
}
