package llm

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// openaiChat is the slice of the SDK client the provider needs.
type openaiChat interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAI serves gpt* and o* models over Chat Completions. BaseURL overrides
// reach any OpenAI-compatible gateway.
type OpenAI struct {
	chat     openaiChat
	attempts int
}

func NewOpenAI(opts Options) (*OpenAI, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("llm: openai: api key is required")
	}
	var client *openai.Client
	if opts.BaseURL != "" {
		cfg := openai.DefaultConfig(opts.APIKey)
		cfg.BaseURL = opts.BaseURL
		client = openai.NewClientWithConfig(cfg)
	} else {
		client = openai.NewClient(opts.APIKey)
	}
	return &OpenAI{chat: client, attempts: opts.attempts()}, nil
}

func (p *OpenAI) Name() string { return ProviderOpenAI }

func (p *OpenAI) Complete(ctx context.Context, req Request) (*Result, error) {
	request := openai.ChatCompletionRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		Messages:  encodeOpenAIMessages(req),
	}
	if req.Temperature != nil {
		request.Temperature = float32(*req.Temperature)
	}

	return withRetry(ctx, p.attempts, func() (*Result, error) {
		resp, err := p.chat.CreateChatCompletion(ctx, request)
		if err != nil {
			return nil, fmt.Errorf("openai chat completion: %w", err)
		}
		if len(resp.Choices) == 0 {
			return nil, fmt.Errorf("openai: response carries no choices")
		}
		choice := resp.Choices[0]
		return &Result{
			Text:         choice.Message.Content,
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			StopReason:   string(choice.FinishReason),
		}, nil
	})
}

// encodeOpenAIMessages folds the system prompt back into the turn list;
// Chat Completions carries it as the leading message.
func encodeOpenAIMessages(req Request) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		if m.Content == "" {
			continue
		}
		role := openai.ChatMessageRoleUser
		if m.Role == RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return msgs
}
