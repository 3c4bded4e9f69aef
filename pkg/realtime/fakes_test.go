package realtime

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/gaoyadianta/run-tracker-sub000/pkg/llm"
	"github.com/gaoyadianta/run-tracker-sub000/pkg/metrics"
	"github.com/gaoyadianta/run-tracker-sub000/pkg/recognizer"
)

type fakeRecognizer struct {
	connectErr  error
	finishOK    bool
	results     chan recognizer.Result
	connects    atomic.Int32
	commits     atomic.Int32
	finishes    atomic.Int32
	disconnects atomic.Int32
	frames      atomic.Int32
	metrics     atomic.Pointer[metrics.Metrics]

	mu      sync.Mutex
	onError func(error)
}

func newFakeRecognizer() *fakeRecognizer {
	return &fakeRecognizer{finishOK: true, results: make(chan recognizer.Result, 16)}
}

func (f *fakeRecognizer) Connect(ctx context.Context) error {
	f.connects.Add(1)
	return f.connectErr
}

func (f *fakeRecognizer) SendAudioFrame(frame []byte) bool {
	f.frames.Add(1)
	return true
}

func (f *fakeRecognizer) CommitAudio() bool {
	f.commits.Add(1)
	return true
}

func (f *fakeRecognizer) Finish() bool {
	f.finishes.Add(1)
	return f.finishOK
}

func (f *fakeRecognizer) Results() <-chan recognizer.Result { return f.results }

func (f *fakeRecognizer) SetErrorCallback(callback func(error)) {
	f.mu.Lock()
	f.onError = callback
	f.mu.Unlock()
}

func (f *fakeRecognizer) fail(err error) {
	f.mu.Lock()
	cb := f.onError
	f.mu.Unlock()
	cb(err)
}

func (f *fakeRecognizer) Disconnect() { f.disconnects.Add(1) }

func (f *fakeRecognizer) SetMetrics(m *metrics.Metrics) { f.metrics.Store(m) }

type fakeSynthesizer struct {
	connectErr  error
	audio       chan []byte
	connects    atomic.Int32
	finishes    atomic.Int32
	disconnects atomic.Int32

	mu      sync.Mutex
	texts   []string
	onError func(error)
}

func newFakeSynthesizer() *fakeSynthesizer {
	return &fakeSynthesizer{audio: make(chan []byte, 16)}
}

func (f *fakeSynthesizer) Connect(ctx context.Context) error {
	f.connects.Add(1)
	return f.connectErr
}

func (f *fakeSynthesizer) AppendText(text string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return true
}

func (f *fakeSynthesizer) Texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func (f *fakeSynthesizer) Finish() bool {
	f.finishes.Add(1)
	return true
}

func (f *fakeSynthesizer) Audio() <-chan []byte { return f.audio }

func (f *fakeSynthesizer) SampleRate() int { return 24000 }

func (f *fakeSynthesizer) SetErrorCallback(callback func(error)) {
	f.mu.Lock()
	f.onError = callback
	f.mu.Unlock()
}

func (f *fakeSynthesizer) Disconnect() { f.disconnects.Add(1) }

// fakeCompleter 每次调用取一个脚本；block 为 true 时发完增量后等 ctx 取消
type script struct {
	deltas []string
	err    error
	block  bool
}

type fakeCompleter struct {
	mu      sync.Mutex
	scripts []script
	calls   [][]llm.Message
	started chan struct{}
}

func newFakeCompleter(scripts ...script) *fakeCompleter {
	return &fakeCompleter{scripts: scripts, started: make(chan struct{}, 16)}
}

func (f *fakeCompleter) Stream(ctx context.Context, messages []llm.Message) (<-chan llm.Chunk, error) {
	f.mu.Lock()
	f.calls = append(f.calls, messages)
	s := script{deltas: []string{"好的。"}}
	if len(f.scripts) > 0 {
		s = f.scripts[0]
		f.scripts = f.scripts[1:]
	}
	f.mu.Unlock()
	f.started <- struct{}{}

	out := make(chan llm.Chunk)
	go func() {
		defer close(out)
		for _, d := range s.deltas {
			select {
			case out <- llm.Chunk{Text: d}:
			case <-ctx.Done():
				return
			}
		}
		if s.err != nil {
			select {
			case out <- llm.Chunk{Err: s.err}:
			case <-ctx.Done():
			}
			return
		}
		if s.block {
			<-ctx.Done()
		}
	}()
	return out, nil
}

func (f *fakeCompleter) Calls() [][]llm.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]llm.Message(nil), f.calls...)
}
