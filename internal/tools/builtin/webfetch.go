package builtin

import (
	"context"
	"time"

	"github.com/rcrtlabs/rcrt/internal/bus"
	"github.com/rcrtlabs/rcrt/internal/toolrunner"
)

// defaultFetchMaxChars caps returned content when neither the runner config
// nor the request narrows it.
const defaultFetchMaxChars = 10000

// WebFetch retrieves a public web page and returns its readable content.
// Targets resolving to private or reserved addresses are refused.
type WebFetch struct {
	fetcher  *pageFetcher
	maxChars int
}

// NewWebFetch creates the web_fetch executor.
func NewWebFetch(opts Options) *WebFetch {
	maxChars := opts.FetchMaxChars
	if maxChars <= 0 {
		maxChars = defaultFetchMaxChars
	}
	return &WebFetch{fetcher: newPageFetcher(opts.FetchTimeout), maxChars: maxChars}
}

type webFetchInput struct {
	URL         string `json:"url" jsonschema:"required,description=HTTP or HTTPS URL to fetch"`
	ExtractMode string `json:"extract_mode,omitempty" jsonschema:"description=Shape of the returned content,enum=markdown,enum=text,default=markdown"`
	MaxChars    int    `json:"max_chars,omitempty" jsonschema:"description=Cap on returned characters,minimum=0"`
}

type webFetchOutput struct {
	URL         string `json:"url"`
	ExtractMode string `json:"extract_mode"`
	Content     string `json:"content"`
	Truncated   bool   `json:"truncated,omitempty"`
}

func (*WebFetch) Definition() toolrunner.Definition {
	return toolrunner.Definition{
		Name:         "web_fetch",
		Description:  "Fetches a public web page and returns its readable content as markdown or plain text.",
		Category:     "web",
		InputSchema:  mustSchema[webFetchInput](),
		OutputSchema: mustSchema[webFetchOutput](),
		Examples: []toolrunner.Example{
			{Description: "Fetch a page as plain text", Input: map[string]any{"url": "https://example.com", "extract_mode": "text"}},
		},
		MaxInFlight: 2,
		Timeout:     45 * time.Second,
	}
}

func (t *WebFetch) Execute(ctx context.Context, inv toolrunner.Invocation) (any, error) {
	var in webFetchInput
	if err := inv.Decode(&in); err != nil {
		return nil, bus.WrapError(bus.KindValidation, err, "decode web_fetch input")
	}
	if in.URL == "" {
		return nil, bus.NewError(bus.KindValidation, "web_fetch needs a url")
	}
	mode := in.ExtractMode
	if mode != "text" {
		mode = "markdown"
	}

	pg, err := t.fetcher.Fetch(ctx, in.URL)
	if err != nil {
		return nil, err
	}

	limit := t.maxChars
	if in.MaxChars > 0 && in.MaxChars < limit {
		limit = in.MaxChars
	}
	out := webFetchOutput{URL: in.URL, ExtractMode: mode, Content: pg.Render(mode)}
	if len(out.Content) > limit {
		out.Content = out.Content[:limit] + "..."
		out.Truncated = true
	}
	return out, nil
}
