package agentrunner

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/rcrtlabs/rcrt/internal/llm"
	"github.com/rcrtlabs/rcrt/pkg/breadcrumb"
)

// budgetEncoding is the tokenizer the budget is counted in. Anthropic and
// Gemini tokenize differently, but the budget is a guard rail, not billing;
// one consistent count beats three approximate ones.
const budgetEncoding = "cl100k_base"

// tokenCounter counts budget tokens in a string.
type tokenCounter func(string) int

// newTokenCounter builds the counter for a model: the model's own encoding
// when tiktoken knows it, cl100k_base otherwise, and a bytes/4 heuristic
// when no encoding data is available at all.
func newTokenCounter(model string) tokenCounter {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(budgetEncoding)
	}
	if err != nil {
		return func(s string) int { return len(s) / 4 }
	}
	return func(s string) int { return len(enc.Encode(s, nil, nil)) }
}

// historyEntry is one breadcrumb the agent has already seen or written,
// kept for the recent-activity section of later prompts.
type historyEntry struct {
	ID         string
	SchemaName string
	Title      string
	Context    map[string]any
	SeenAt     time.Time
}

// history is the bounded ring of recent entries, oldest first. The runner
// processes events on one goroutine, so no locking.
type history struct {
	limit   int
	entries []historyEntry
}

func newHistory(limit int) *history {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &history{limit: limit}
}

func (h *history) add(e historyEntry) {
	h.entries = append(h.entries, e)
	if len(h.entries) > h.limit {
		h.entries = h.entries[len(h.entries)-h.limit:]
	}
}

func (h *history) snapshot() []historyEntry {
	out := make([]historyEntry, len(h.entries))
	copy(out, h.entries)
	return out
}

// replyContract is appended to every system prompt. ParseReply accepts
// exactly what this promises, so the two must move together.
const replyContract = `Reply with one JSON object and nothing else. Shape:
{
  "action": "create" | "update" | "delete",
  "breadcrumb": {"schema_name": "...", "title": "...", "tags": ["..."], "context": {...}},
  "breadcrumb_id": "required for update and delete",
  "expected_version": 1
}
"breadcrumb" is required for create and update; "expected_version" must be
the version you read. To call tools, add
"tool_requests": [{"tool": "...", "input": {...}, "requestId": "unique-id"}]
inside breadcrumb.context; each entry becomes a tool.request.v1 breadcrumb
and its result arrives later as a tool.response.v1 event with the same
requestId.`

// window assembles the prompt for one activation. The budget bounds the
// whole request; history gives way first, oldest entries dropped until the
// rest fits. The session and trigger sections always survive, so a request
// can exceed the budget when those two alone do.
type window struct {
	counter tokenCounter
	budget  int
}

// build produces the completion request for a trigger and reports the token
// count it settled on.
func (w *window) build(def *Definition, session, trigger *breadcrumb.Breadcrumb, hist []historyEntry) (llm.Request, int) {
	system := def.SystemPrompt
	if system != "" {
		system += "\n\n"
	}
	system += replyContract

	sessionDoc := "none"
	if session != nil {
		sessionDoc = renderCrumb(session)
	}
	triggerDoc := renderCrumb(trigger)

	lines := make([]string, 0, len(hist))
	for _, e := range hist {
		lines = append(lines, renderEntry(e))
	}

	systemTokens := w.counter(system)
	for {
		user := renderUser(sessionDoc, lines, triggerDoc)
		total := systemTokens + w.counter(user)
		if total <= w.budget || len(lines) == 0 {
			return llm.Request{
				Model:       def.Model,
				System:      system,
				Messages:    []llm.Message{{Role: llm.RoleUser, Content: user}},
				MaxTokens:   def.MaxTokens,
				Temperature: def.Temperature,
			}, total
		}
		lines = lines[1:]
	}
}

func renderUser(session string, history []string, trigger string) string {
	var sb strings.Builder
	sb.WriteString("## Session\n")
	sb.WriteString(session)
	sb.WriteString("\n\n## Recent activity\n")
	if len(history) == 0 {
		sb.WriteString("none")
	} else {
		sb.WriteString(strings.Join(history, "\n"))
	}
	sb.WriteString("\n\n## Trigger\n")
	sb.WriteString(trigger)
	sb.WriteString("\n\nDecide and reply with the JSON object.")
	return sb.String()
}

// renderCrumb flattens a breadcrumb to one JSON line for the prompt.
func renderCrumb(b *breadcrumb.Breadcrumb) string {
	doc := map[string]any{
		"id":          b.ID,
		"schema_name": b.SchemaName,
		"title":       b.Title,
	}
	if b.Version > 0 {
		doc["version"] = b.Version
	}
	if len(b.Tags) > 0 {
		doc["tags"] = b.Tags
	}
	if len(b.Context) > 0 {
		doc["context"] = b.Context
	}
	return renderDoc(doc)
}

func renderEntry(e historyEntry) string {
	doc := map[string]any{
		"id":          e.ID,
		"schema_name": e.SchemaName,
		"title":       e.Title,
	}
	if len(e.Context) > 0 {
		doc["context"] = e.Context
	}
	return renderDoc(doc)
}

func renderDoc(doc map[string]any) string {
	raw, err := json.Marshal(doc)
	if err != nil {
		// Context documents come off the wire as decoded JSON, so this only
		// fires on hand-built test values.
		return fmt.Sprintf("%v", doc)
	}
	return string(raw)
}
