package devices

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/youpy/go-wav"
)

// WavRecorder 缓存助手回复的 PCM16 单声道音频，Close 时写成 WAV 文件
type WavRecorder struct {
	mu         sync.Mutex
	path       string
	sampleRate int
	pcm        []byte
	closed     bool
}

func NewWavRecorder(path string, sampleRate int) *WavRecorder {
	return &WavRecorder{path: path, sampleRate: sampleRate}
}

func (r *WavRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, io.ErrClosedPipe
	}
	r.pcm = append(r.pcm, p...)
	return len(p), nil
}

// Encode 把已缓存的音频以 WAV 格式写入 w
func (r *WavRecorder) Encode(w io.Writer) error {
	r.mu.Lock()
	pcm := r.pcm[:len(r.pcm)&^1]
	r.mu.Unlock()

	samples := make([]wav.Sample, len(pcm)/2)
	for i := range samples {
		samples[i].Values[0] = int(int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8))
	}
	writer := wav.NewWriter(w, uint32(len(samples)), 1, uint32(r.sampleRate), 16)
	if err := writer.WriteSamples(samples); err != nil {
		return fmt.Errorf("write wav samples: %w", err)
	}
	return nil
}

// Close 写文件，只执行一次
func (r *WavRecorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	file, err := os.Create(r.path)
	if err != nil {
		return fmt.Errorf("create %s: %w", r.path, err)
	}
	buffered := bufio.NewWriter(file)
	if err := r.Encode(buffered); err != nil {
		file.Close()
		return err
	}
	if err := buffered.Flush(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
