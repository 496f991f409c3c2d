// Package llm adapts the hosted completion APIs the agent runner speaks:
// Anthropic, OpenAI, and Gemini. Every provider exposes the same
// non-streaming Complete call; the runner parses whole JSON replies, so
// token-by-token delivery buys nothing here.
//
// Providers are chosen by model-name prefix: claude* routes to Anthropic,
// gpt* and o* to OpenAI, gemini* to Gemini.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rcrtlabs/rcrt/internal/backoff"
)

// Provider names, also the label values on llm metrics.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"
)

// Conversation roles. System prompts travel on Request.System, never as a
// message, because Anthropic keeps them out of the turn list.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one conversation turn.
type Message struct {
	Role    string
	Content string
}

// Request is a single completion call. Temperature nil leaves the provider
// default in place; zero is a legitimate explicit value.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature *float64
}

// Result is the full completion with usage as the provider reported it.
// Token counts are zero when the provider omits usage.
type Result struct {
	Text         string
	InputTokens  int
	OutputTokens int
	StopReason   string
}

// Provider is one vendor adapter. Complete blocks until the model answers
// or ctx expires; transient failures are retried internally.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Result, error)
}

// Options configures provider construction. BaseURL overrides the vendor
// endpoint where the SDK supports it (Anthropic, OpenAI); Gemini ignores it.
type Options struct {
	APIKey  string
	BaseURL string

	// MaxAttempts bounds the internal retry loop, first try included.
	// Zero means DefaultMaxAttempts.
	MaxAttempts int
}

// DefaultMaxAttempts covers the common rate-limit blip: 1s, 2s, 4s between
// tries before giving up.
const DefaultMaxAttempts = 4

func (o Options) attempts() int {
	if o.MaxAttempts > 0 {
		return o.MaxAttempts
	}
	return DefaultMaxAttempts
}

// retryPolicy paces the completion retry loop.
var retryPolicy = backoff.Policy{
	Initial: time.Second,
	Max:     8 * time.Second,
	Factor:  2,
	Jitter:  0.1,
}

// ProviderNameFor maps a model identifier to the provider that serves it.
// Empty means no provider claims the model.
func ProviderNameFor(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	switch {
	case strings.HasPrefix(m, "claude"):
		return ProviderAnthropic
	case strings.HasPrefix(m, "gemini"):
		return ProviderGemini
	case strings.HasPrefix(m, "gpt"), strings.HasPrefix(m, "o"):
		return ProviderOpenAI
	}
	return ""
}

// APIKeyName returns the secret name a provider's key lives under.
func APIKeyName(provider string) string {
	switch provider {
	case ProviderAnthropic:
		return "ANTHROPIC_API_KEY"
	case ProviderOpenAI:
		return "OPENAI_API_KEY"
	case ProviderGemini:
		return "GEMINI_API_KEY"
	}
	return ""
}

// New constructs the provider that serves model. The ctx only covers
// construction (the Gemini SDK dials during setup).
func New(ctx context.Context, model string, opts Options) (Provider, error) {
	switch ProviderNameFor(model) {
	case ProviderAnthropic:
		return NewAnthropic(opts)
	case ProviderOpenAI:
		return NewOpenAI(opts)
	case ProviderGemini:
		return NewGemini(ctx, opts)
	}
	return nil, fmt.Errorf("llm: no provider serves model %q", model)
}

// withRetry runs call until it succeeds, fails terminally, or exhausts
// attempts. Only transient failures re-enter the loop.
func withRetry(ctx context.Context, attempts int, call func() (*Result, error)) (*Result, error) {
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := call()
		if err == nil {
			return res, nil
		}
		if !retryable(err) {
			return nil, err
		}
		lastErr = err
		if attempt < attempts {
			if serr := retryPolicy.Sleep(ctx, attempt); serr != nil {
				return nil, serr
			}
		}
	}
	return nil, fmt.Errorf("llm: %w: %w", backoff.ErrExhausted, lastErr)
}

// retryable reports whether err looks transient: throttling, 5xx, or a
// network interruption. Vendor SDKs wrap HTTP failures inconsistently, so
// this matches on message text the way their status pages word it.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "429") ||
		strings.Contains(msg, "too many requests") {
		return true
	}
	if strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "504") ||
		strings.Contains(msg, "internal server error") ||
		strings.Contains(msg, "bad gateway") ||
		strings.Contains(msg, "service unavailable") ||
		strings.Contains(msg, "overloaded") {
		return true
	}
	if strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "unexpected eof") {
		return true
	}
	// Server-side timeouts retry; a dead caller context stops the loop in
	// Sleep regardless of this match.
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded")
}
