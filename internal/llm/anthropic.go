package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// anthropicMessages is the slice of the SDK client the provider needs.
// Narrowed to an interface so tests can script responses.
type anthropicMessages interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Anthropic serves claude* models over the Messages API.
type Anthropic struct {
	messages anthropicMessages
	attempts int
}

// NewAnthropic builds the provider. BaseURL, when set, points the SDK at a
// proxy or compatible gateway.
func NewAnthropic(opts Options) (*Anthropic, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("llm: anthropic: api key is required")
	}
	ropts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		ropts = append(ropts, option.WithBaseURL(opts.BaseURL))
	}
	client := anthropic.NewClient(ropts...)
	return &Anthropic{messages: &client.Messages, attempts: opts.attempts()}, nil
}

func (p *Anthropic) Name() string { return ProviderAnthropic }

// Complete issues one Messages request and flattens the text blocks of the
// reply.
func (p *Anthropic) Complete(ctx context.Context, req Request) (*Result, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(req.MaxTokens),
		Messages:  encodeAnthropicMessages(req.Messages),
	}
	if req.System != "" {
		// The Messages API takes the system prompt outside the turn list.
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}

	return withRetry(ctx, p.attempts, func() (*Result, error) {
		msg, err := p.messages.New(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("anthropic messages: %w", err)
		}
		return decodeAnthropicMessage(msg)
	})
}

func encodeAnthropicMessages(msgs []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(block))
		} else {
			out = append(out, anthropic.NewUserMessage(block))
		}
	}
	return out
}

func decodeAnthropicMessage(msg *anthropic.Message) (*Result, error) {
	if msg == nil {
		return nil, fmt.Errorf("anthropic: response message is nil")
	}
	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			text.WriteString(block.Text)
		}
	}
	return &Result{
		Text:         text.String(),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
		StopReason:   string(msg.StopReason),
	}, nil
}
