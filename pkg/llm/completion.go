package llm

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gaoyadianta/run-tracker-sub000/pkg/errhandler"
	"github.com/gaoyadianta/run-tracker-sub000/pkg/logger"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const (
	RoleSystem    = openai.ChatMessageRoleSystem
	RoleUser      = openai.ChatMessageRoleUser
	RoleAssistant = openai.ChatMessageRoleAssistant

	serviceCompletion = "llm"
)

// Message 对话历史中的一条消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Chunk 流式增量；Err 非空表示流异常结束，之后 channel 关闭
type Chunk struct {
	Text         string
	FinishReason string
	Err          error
}

// Completer 流式对话补全
//
// ctx 取消时 channel 直接关闭，不再发送错误
type Completer interface {
	Stream(ctx context.Context, messages []Message) (<-chan Chunk, error)
}

// OpenAIOption OpenAI 兼容接口参数（百炼 compatible-mode、火山方舟都可用）
type OpenAIOption struct {
	APIKey       string
	BaseURL      string
	Model        string
	SystemPrompt string
	Temperature  float32
	MaxTokens    int
	HTTPClient   *http.Client
}

// OpenAICompleter 基于 go-openai 的流式补全
type OpenAICompleter struct {
	client *openai.Client
	opt    OpenAIOption
	logger *zap.Logger
}

func NewOpenAICompleter(opt OpenAIOption) (*OpenAICompleter, error) {
	if opt.APIKey == "" {
		return nil, errhandler.NewConfigurationError(serviceCompletion, "api key is empty")
	}
	if opt.Model == "" {
		return nil, errhandler.NewConfigurationError(serviceCompletion, "model is empty")
	}

	config := openai.DefaultConfig(opt.APIKey)
	if opt.BaseURL != "" {
		config.BaseURL = strings.TrimSuffix(opt.BaseURL, "/")
	}
	if opt.HTTPClient != nil {
		config.HTTPClient = opt.HTTPClient
	}
	return &OpenAICompleter{
		client: openai.NewClientWithConfig(config),
		opt:    opt,
		logger: logger.Named("llm"),
	}, nil
}

func (c *OpenAICompleter) buildRequest(messages []Message) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if c.opt.SystemPrompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    RoleSystem,
			Content: c.opt.SystemPrompt,
		})
	}
	for _, m := range messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return openai.ChatCompletionRequest{
		Model:       c.opt.Model,
		Messages:    msgs,
		Stream:      true,
		Temperature: c.opt.Temperature,
		MaxTokens:   c.opt.MaxTokens,
	}
}

// Stream 发起请求；HTTP 非 2xx 直接返回上游错误
func (c *OpenAICompleter) Stream(ctx context.Context, messages []Message) (<-chan Chunk, error) {
	stream, err := c.client.CreateChatCompletionStream(ctx, c.buildRequest(messages))
	if err != nil {
		if ctx.Err() != nil {
			return nil, errhandler.NewInterruptedError(serviceCompletion)
		}
		return nil, errhandler.NewUpstreamError(serviceCompletion, "create chat completion stream failed", err)
	}

	out := make(chan Chunk, 16)
	go func() {
		defer close(out)
		defer stream.Close()

		send := func(chunk Chunk) bool {
			select {
			case out <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Warn("LLM stream failed", zap.String("model", c.opt.Model), zap.Error(err))
				send(Chunk{Err: errhandler.NewUpstreamError(serviceCompletion, "stream receive failed", err)})
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			choice := resp.Choices[0]
			if choice.Delta.Content == "" && choice.FinishReason == "" {
				continue
			}
			if !send(Chunk{Text: choice.Delta.Content, FinishReason: string(choice.FinishReason)}) {
				return
			}
		}
	}()
	return out, nil
}
