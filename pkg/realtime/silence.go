package realtime

import (
	"context"
	"sync"
	"time"
)

const silencePollInterval = 100 * time.Millisecond

// SilenceMonitor 本地 VAD 模式下替代服务端断句：静音超过阈值时提交一次音频
type SilenceMonitor struct {
	mu         sync.Mutex
	threshold  time.Duration
	lastSpeech time.Time
	commit     func() bool
}

func NewSilenceMonitor(threshold time.Duration, commit func() bool) *SilenceMonitor {
	return &SilenceMonitor{threshold: threshold, commit: commit}
}

// MarkSpeech 记录最近一次说话时间
func (m *SilenceMonitor) MarkSpeech(t time.Time) {
	m.mu.Lock()
	m.lastSpeech = t
	m.mu.Unlock()
}

// Poll 最近说话时间早于阈值则提交并清空标记，返回是否提交
func (m *SilenceMonitor) Poll(now time.Time) bool {
	m.mu.Lock()
	if m.lastSpeech.IsZero() || now.Sub(m.lastSpeech) <= m.threshold {
		m.mu.Unlock()
		return false
	}
	m.lastSpeech = time.Time{}
	m.mu.Unlock()

	m.commit()
	return true
}

// Reset 清空标记
func (m *SilenceMonitor) Reset() {
	m.MarkSpeech(time.Time{})
}

// Run 每 100ms 轮询一次，直到 ctx 取消
func (m *SilenceMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(silencePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Poll(now)
		}
	}
}
