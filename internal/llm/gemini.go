package llm

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// Gemini serves gemini* models through the GenerateContent API.
type Gemini struct {
	client   *genai.Client
	attempts int
}

// NewGemini dials the Gemini API backend. The SDK has no endpoint override
// here, so Options.BaseURL is ignored.
func NewGemini(ctx context.Context, opts Options) (*Gemini, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("llm: gemini: api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("llm: gemini client: %w", err)
	}
	return &Gemini{client: client, attempts: opts.attempts()}, nil
}

func (p *Gemini) Name() string { return ProviderGemini }

func (p *Gemini) Complete(ctx context.Context, req Request) (*Result, error) {
	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Content == "" {
			continue
		}
		role := genai.RoleUser
		if m.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: m.Content}},
		})
	}

	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature != nil {
		config.Temperature = genai.Ptr(float32(*req.Temperature))
	}

	return withRetry(ctx, p.attempts, func() (*Result, error) {
		resp, err := p.client.Models.GenerateContent(ctx, req.Model, contents, config)
		if err != nil {
			return nil, fmt.Errorf("gemini generate: %w", err)
		}
		return decodeGeminiResponse(resp)
	})
}

func decodeGeminiResponse(resp *genai.GenerateContentResponse) (*Result, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("gemini: response carries no candidates")
	}
	cand := resp.Candidates[0]
	var text strings.Builder
	for _, part := range cand.Content.Parts {
		// Thought parts are model-internal reasoning, not the reply.
		if part.Text != "" && !part.Thought {
			text.WriteString(part.Text)
		}
	}
	res := &Result{
		Text:       text.String(),
		StopReason: string(cand.FinishReason),
	}
	if resp.UsageMetadata != nil {
		res.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		res.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return res, nil
}
