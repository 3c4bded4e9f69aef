package devices

import (
	"io"
	"sync"
)

// FrameBytes 按采样率和帧长计算一帧 PCM16 单声道的字节数
func FrameBytes(sampleRate, frameMs int) int {
	return sampleRate * frameMs / 1000 * 2
}

// FrameWriter 把采集到的字节流切成固定长度的帧，经过 VAD 后交给 sink
//
// sink 通常是 Provider.SendAudioFrame。vad 为 nil 时所有帧都发送。
type FrameWriter struct {
	mu        sync.Mutex
	frameSize int
	pending   []byte
	vad       *VADDetector
	sink      func([]byte) bool
	closed    bool

	sent    int
	skipped int
}

var _ io.WriteCloser = (*FrameWriter)(nil)

func NewFrameWriter(frameSize int, vad *VADDetector, sink func([]byte) bool) *FrameWriter {
	if frameSize <= 0 {
		frameSize = FrameBytes(16000, 20)
	}
	return &FrameWriter{
		frameSize: frameSize,
		pending:   make([]byte, 0, frameSize*2),
		vad:       vad,
		sink:      sink,
	}
}

func (w *FrameWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, io.ErrClosedPipe
	}

	w.pending = append(w.pending, p...)
	for len(w.pending) >= w.frameSize {
		frame := make([]byte, w.frameSize)
		copy(frame, w.pending[:w.frameSize])
		w.pending = w.pending[w.frameSize:]
		w.emit(frame)
	}
	return len(p), nil
}

func (w *FrameWriter) emit(frame []byte) {
	if w.vad != nil && !w.vad.IsSpeech(frame) {
		w.skipped++
		return
	}
	if w.sink(frame) {
		w.sent++
	}
}

// Stats 已发送和被 VAD 丢弃的帧数
func (w *FrameWriter) Stats() (sent, skipped int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sent, w.skipped
}

// Close 丢弃不足一帧的尾巴
func (w *FrameWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	w.pending = nil
	return nil
}
