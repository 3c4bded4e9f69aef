package config

import (
	"errors"
	"log"
	"os"
	"strings"

	"github.com/gaoyadianta/run-tracker-sub000/pkg/logger"
	"github.com/joho/godotenv"
	"github.com/spf13/cast"
)

const (
	ProviderDashScope  = "dashscope"
	ProviderVolcengine = "volcengine"
)

// Config 语音对话全局配置
type Config struct {
	Mode         string `env:"MODE"`
	Provider     string `env:"REALTIME_PROVIDER"`
	SystemPrompt string `env:"SYSTEM_PROMPT"`
	HistoryLimit int    `env:"HISTORY_LIMIT"`
	MetricsAddr  string `env:"METRICS_ADDR"`
	Log          logger.LogConfig
	Audio        AudioConfig
	VAD          VADConfig
	DashScope    DashScopeConfig
	Volcengine   VolcengineConfig
}

// AudioConfig 采集参数，ASR 输入统一 16k 单声道 PCM16
type AudioConfig struct {
	SampleRate int `env:"AUDIO_SAMPLE_RATE"`
	FrameMs    int `env:"AUDIO_FRAME_MS"`
}

// VADConfig 本地 VAD 配置
type VADConfig struct {
	Local     bool    `env:"VAD_LOCAL"`      // 是否使用本地 VAD（客户端提交音频）
	SilenceMs int     `env:"VAD_SILENCE_MS"` // 静音多久视为一句话结束
	Threshold float64 `env:"VAD_THRESHOLD"`  // RMS 阈值
}

// DashScopeConfig 阿里云百炼实时 ASR/TTS + 兼容模式 LLM
type DashScopeConfig struct {
	APIKey        string `env:"DASHSCOPE_API_KEY"`
	ASRURL        string `env:"DASHSCOPE_ASR_URL"`
	ASRModel      string `env:"DASHSCOPE_ASR_MODEL"`
	Language      string `env:"DASHSCOPE_ASR_LANGUAGE"`
	TTSURL        string `env:"DASHSCOPE_TTS_URL"`
	TTSModel      string `env:"DASHSCOPE_TTS_MODEL"`
	Voice         string `env:"DASHSCOPE_VOICE"`
	TTSSampleRate int    `env:"DASHSCOPE_TTS_SAMPLE_RATE"`
	LLMBaseURL    string `env:"DASHSCOPE_LLM_BASE_URL"`
	LLMModel      string `env:"DASHSCOPE_LLM_MODEL"`
}

// VolcengineConfig 火山引擎（豆包）流式 ASR/双向 TTS + 方舟 LLM
type VolcengineConfig struct {
	AppKey        string `env:"VOLC_APP_KEY"`
	AccessKey     string `env:"VOLC_ACCESS_KEY"`
	ASRURL        string `env:"VOLC_ASR_URL"`
	ASRResourceID string `env:"VOLC_ASR_RESOURCE_ID"`
	ASRModel      string `env:"VOLC_ASR_MODEL"`
	TTSURL        string `env:"VOLC_TTS_URL"`
	TTSResourceID string `env:"VOLC_TTS_RESOURCE_ID"`
	TTSModel      string `env:"VOLC_TTS_MODEL"`
	Speaker       string `env:"VOLC_SPEAKER"`
	TTSSampleRate int    `env:"VOLC_TTS_SAMPLE_RATE"`
	LLMAPIKey     string `env:"VOLC_LLM_API_KEY"`
	LLMBaseURL    string `env:"VOLC_LLM_BASE_URL"`
	LLMModel      string `env:"VOLC_LLM_MODEL"`
}

var GlobalConfig *Config

// Load 加载 .env 与环境变量，所有字段都有默认值
func Load() error {
	env := os.Getenv("APP_ENV")
	if err := LoadEnv(env); err != nil {
		log.Printf("Note: .env file not found or failed to load: %v (using default values)", err)
	}

	GlobalConfig = &Config{
		Mode:         getStringOrDefault("MODE", "development"),
		Provider:     strings.ToLower(getStringOrDefault("REALTIME_PROVIDER", ProviderDashScope)),
		SystemPrompt: getStringOrDefault("SYSTEM_PROMPT", "你是一名跑步教练，用简短口语化的中文回答。"),
		HistoryLimit: getIntOrDefault("HISTORY_LIMIT", 40),
		MetricsAddr:  getStringOrDefault("METRICS_ADDR", ""),
		Log: logger.LogConfig{
			Level:      getStringOrDefault("LOG_LEVEL", "info"),
			Filename:   getStringOrDefault("LOG_FILENAME", "./logs/voicechat.log"),
			MaxSize:    getIntOrDefault("LOG_MAX_SIZE", 100),
			MaxAge:     getIntOrDefault("LOG_MAX_AGE", 30),
			MaxBackups: getIntOrDefault("LOG_MAX_BACKUPS", 5),
			Daily:      getBoolOrDefault("LOG_DAILY", false),
		},
		Audio: AudioConfig{
			SampleRate: getIntOrDefault("AUDIO_SAMPLE_RATE", 16000),
			FrameMs:    getIntOrDefault("AUDIO_FRAME_MS", 20),
		},
		VAD: VADConfig{
			Local:     getBoolOrDefault("VAD_LOCAL", false),
			SilenceMs: getIntOrDefault("VAD_SILENCE_MS", 800),
			Threshold: getFloatOrDefault("VAD_THRESHOLD", 500),
		},
		DashScope: DashScopeConfig{
			APIKey:        getStringOrDefault("DASHSCOPE_API_KEY", ""),
			ASRURL:        getStringOrDefault("DASHSCOPE_ASR_URL", "wss://dashscope.aliyuncs.com/api-ws/v1/realtime"),
			ASRModel:      getStringOrDefault("DASHSCOPE_ASR_MODEL", "qwen3-asr-flash-realtime"),
			Language:      getStringOrDefault("DASHSCOPE_ASR_LANGUAGE", "zh"),
			TTSURL:        getStringOrDefault("DASHSCOPE_TTS_URL", "wss://dashscope.aliyuncs.com/api-ws/v1/realtime"),
			TTSModel:      getStringOrDefault("DASHSCOPE_TTS_MODEL", "qwen-tts-realtime"),
			Voice:         getStringOrDefault("DASHSCOPE_VOICE", "Cherry"),
			TTSSampleRate: getIntOrDefault("DASHSCOPE_TTS_SAMPLE_RATE", 24000),
			LLMBaseURL:    getStringOrDefault("DASHSCOPE_LLM_BASE_URL", "https://dashscope.aliyuncs.com/compatible-mode/v1"),
			LLMModel:      getStringOrDefault("DASHSCOPE_LLM_MODEL", "qwen-plus"),
		},
		Volcengine: VolcengineConfig{
			AppKey:        getStringOrDefault("VOLC_APP_KEY", ""),
			AccessKey:     getStringOrDefault("VOLC_ACCESS_KEY", ""),
			ASRURL:        getStringOrDefault("VOLC_ASR_URL", "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel"),
			ASRResourceID: getStringOrDefault("VOLC_ASR_RESOURCE_ID", "volc.bigasr.sauc.duration"),
			ASRModel:      getStringOrDefault("VOLC_ASR_MODEL", "bigmodel"),
			TTSURL:        getStringOrDefault("VOLC_TTS_URL", "wss://openspeech.bytedance.com/api/v3/tts/bidirection"),
			TTSResourceID: getStringOrDefault("VOLC_TTS_RESOURCE_ID", "volc.service_type.10029"),
			TTSModel:      getStringOrDefault("VOLC_TTS_MODEL", ""),
			Speaker:       getStringOrDefault("VOLC_SPEAKER", "zh_female_vv_uranus_bigtts"),
			TTSSampleRate: getIntOrDefault("VOLC_TTS_SAMPLE_RATE", 24000),
			LLMAPIKey:     getStringOrDefault("VOLC_LLM_API_KEY", ""),
			LLMBaseURL:    getStringOrDefault("VOLC_LLM_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
			LLMModel:      getStringOrDefault("VOLC_LLM_MODEL", "doubao-seed-1-6-flash-250828"),
		},
	}
	return nil
}

// LoadEnv 加载 .env，再用 .env.<env> 覆盖
func LoadEnv(env string) error {
	var errs []error
	if err := godotenv.Load(); err != nil {
		errs = append(errs, err)
	}
	if env != "" {
		if err := godotenv.Overload(".env." + env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IsConfigured 检查当前 Provider 是否具备连接所需的凭证与地址
func (c *Config) IsConfigured() bool {
	switch c.Provider {
	case ProviderDashScope:
		return c.DashScope.IsConfigured()
	case ProviderVolcengine:
		return c.Volcengine.IsConfigured()
	}
	return false
}

func (c DashScopeConfig) IsConfigured() bool {
	return c.APIKey != "" && c.ASRURL != "" && c.TTSURL != "" && c.LLMBaseURL != "" && c.LLMModel != ""
}

func (c VolcengineConfig) IsConfigured() bool {
	return c.AppKey != "" && c.AccessKey != "" &&
		c.ASRURL != "" && c.TTSURL != "" &&
		c.LLMAPIKey != "" && c.LLMBaseURL != "" && c.LLMModel != ""
}

// getStringOrDefault 获取环境变量值，如果为空则返回默认值
func getStringOrDefault(key, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return value
}

// getBoolOrDefault 获取布尔环境变量值，如果为空或无法解析则返回默认值
func getBoolOrDefault(key string, defaultValue bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	b, err := cast.ToBoolE(value)
	if err != nil {
		return defaultValue
	}
	return b
}

// getIntOrDefault 获取整数环境变量值，如果为空则返回默认值
func getIntOrDefault(key string, defaultValue int) int {
	value := cast.ToInt(strings.TrimSpace(os.Getenv(key)))
	if value == 0 {
		return defaultValue
	}
	return value
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	value := cast.ToFloat64(strings.TrimSpace(os.Getenv(key)))
	if value == 0 {
		return defaultValue
	}
	return value
}
