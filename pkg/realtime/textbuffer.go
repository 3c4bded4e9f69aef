package realtime

import (
	"strings"
	"unicode/utf8"
)

const (
	// FlushThreshold 缓冲达到该字符数（按 rune 计）即送 TTS
	FlushThreshold = 24
	sentenceMarks  = "。！？!?"
)

// TextBuffer 把 LLM 增量攒成短句再送 TTS，只在单个回复任务内使用
type TextBuffer struct {
	buf   strings.Builder
	flush func(string) bool
}

func NewTextBuffer(flush func(string) bool) *TextBuffer {
	return &TextBuffer{flush: flush}
}

// Append 追加增量；增量带句末标点或累计长度达到阈值时送出，返回是否送出
func (b *TextBuffer) Append(delta string) bool {
	if delta == "" {
		return false
	}
	b.buf.WriteString(delta)
	if strings.ContainsAny(delta, sentenceMarks) || utf8.RuneCountInString(b.buf.String()) >= FlushThreshold {
		return b.send()
	}
	return false
}

// Flush 强制送出剩余文本，空缓冲什么都不发
func (b *TextBuffer) Flush() bool {
	if b.buf.Len() == 0 {
		return false
	}
	return b.send()
}

func (b *TextBuffer) Len() int {
	return utf8.RuneCountInString(b.buf.String())
}

func (b *TextBuffer) send() bool {
	text := b.buf.String()
	b.buf.Reset()
	if strings.TrimSpace(text) == "" {
		return false
	}
	b.flush(text)
	return true
}
