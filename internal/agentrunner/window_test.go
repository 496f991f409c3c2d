package agentrunner

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rcrtlabs/rcrt/internal/llm"
	"github.com/rcrtlabs/rcrt/pkg/breadcrumb"
)

// charCounter stands in for the tokenizer; character counts keep the budget
// math exact without encoding data.
func charCounter(s string) int { return len(s) }

func windowDef() *Definition {
	return &Definition{Name: "planner", Model: "m", SystemPrompt: "sys", MaxTokens: 256}
}

func windowSession() *breadcrumb.Breadcrumb {
	return &breadcrumb.Breadcrumb{
		ID:         "sess-1",
		SchemaName: breadcrumb.SchemaAgentContext,
		Title:      "Session s1",
		Context:    map[string]any{"session_id": "s1"},
		Version:    1,
	}
}

func windowTrigger() *breadcrumb.Breadcrumb {
	return &breadcrumb.Breadcrumb{
		ID:         "msg-1",
		SchemaName: breadcrumb.SchemaUserMessage,
		Title:      "User message",
		Context:    map[string]any{"message": "hello"},
		Version:    1,
	}
}

func windowEntries(n int) []historyEntry {
	out := make([]historyEntry, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, historyEntry{
			ID:         fmt.Sprintf("h-%d", i),
			SchemaName: breadcrumb.SchemaAgentResponse,
			Title:      fmt.Sprintf("entry-%d", i),
			SeenAt:     time.Now(),
		})
	}
	return out
}

func TestWindowBuild_Sections(t *testing.T) {
	w := &window{counter: charCounter, budget: 1 << 20}
	req, total := w.build(windowDef(), windowSession(), windowTrigger(), windowEntries(2))

	if req.Model != "m" || req.MaxTokens != 256 {
		t.Errorf("request knobs = %q/%d", req.Model, req.MaxTokens)
	}
	if !strings.HasPrefix(req.System, "sys\n\n") || !strings.Contains(req.System, "Reply with one JSON object") {
		t.Errorf("system = %q", req.System)
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != llm.RoleUser {
		t.Fatalf("messages = %+v", req.Messages)
	}

	user := req.Messages[0].Content
	iSession := strings.Index(user, "## Session")
	iActivity := strings.Index(user, "## Recent activity")
	iTrigger := strings.Index(user, "## Trigger")
	if iSession < 0 || iActivity < iSession || iTrigger < iActivity {
		t.Fatalf("sections out of order:\n%s", user)
	}
	for _, want := range []string{`"id":"sess-1"`, "entry-1", "entry-2", "hello"} {
		if !strings.Contains(user, want) {
			t.Errorf("user prompt missing %q", want)
		}
	}
	if !strings.HasSuffix(user, "Decide and reply with the JSON object.") {
		t.Error("user prompt missing the closing instruction")
	}
	if want := charCounter(req.System) + charCounter(user); total != want {
		t.Errorf("total = %d, want %d", total, want)
	}
}

func TestWindowBuild_DropsOldestFirst(t *testing.T) {
	w := &window{counter: charCounter, budget: 1 << 20}
	_, full := w.build(windowDef(), windowSession(), windowTrigger(), windowEntries(4))

	w.budget = full - 1
	req, total := w.build(windowDef(), windowSession(), windowTrigger(), windowEntries(4))
	user := req.Messages[0].Content
	if strings.Contains(user, "entry-1") {
		t.Error("oldest entry should be the first dropped")
	}
	if !strings.Contains(user, "entry-4") {
		t.Error("newest entry must survive")
	}
	if total > w.budget {
		t.Errorf("total = %d over budget %d with history left to drop", total, w.budget)
	}
}

func TestWindowBuild_CoreSurvivesTinyBudget(t *testing.T) {
	w := &window{counter: charCounter, budget: 1}
	req, total := w.build(windowDef(), nil, windowTrigger(), windowEntries(3))

	user := req.Messages[0].Content
	if !strings.Contains(user, "## Session\nnone") {
		t.Error("nil session should render as none")
	}
	if !strings.Contains(user, "## Recent activity\nnone") {
		t.Error("all history should be dropped")
	}
	if !strings.Contains(user, "hello") {
		t.Error("trigger must survive any budget")
	}
	if total <= w.budget {
		t.Errorf("total = %d, expected to exceed the unmeetable budget", total)
	}
}

func TestHistoryRing(t *testing.T) {
	h := newHistory(3)
	for i := 1; i <= 5; i++ {
		h.add(historyEntry{ID: fmt.Sprintf("h-%d", i)})
	}
	snap := h.snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot = %d entries, want 3", len(snap))
	}
	for i, want := range []string{"h-3", "h-4", "h-5"} {
		if snap[i].ID != want {
			t.Errorf("snap[%d] = %s, want %s", i, snap[i].ID, want)
		}
	}

	snap[0].ID = "mutated"
	if h.snapshot()[0].ID != "h-3" {
		t.Error("snapshot must be a copy")
	}

	if newHistory(0).limit != DefaultHistoryLimit {
		t.Errorf("zero limit should fall back to %d", DefaultHistoryLimit)
	}
}
