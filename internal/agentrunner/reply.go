package agentrunner

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/rcrtlabs/rcrt/internal/bus"
	"github.com/rcrtlabs/rcrt/internal/llm"
)

// Actions a reply may name.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// Reply is the structured answer an agent returns from one think. The model
// is prompted to emit exactly this shape; ParseReply tolerates fences and
// surrounding prose but nothing looser than that.
type Reply struct {
	Action          string           `json:"action"`
	Breadcrumb      *ReplyBreadcrumb `json:"breadcrumb,omitempty"`
	BreadcrumbID    string           `json:"breadcrumb_id,omitempty"`
	ExpectedVersion *int             `json:"expected_version,omitempty"`
}

// ReplyBreadcrumb is the breadcrumb payload of a create or update.
type ReplyBreadcrumb struct {
	SchemaName string         `json:"schema_name,omitempty"`
	Title      string         `json:"title,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
}

// ToolRequest is one entry of the reply's tool_requests list. Each becomes
// a tool.request.v1 breadcrumb; the response carries the same requestId
// back.
type ToolRequest struct {
	Tool      string         `json:"tool"`
	Input     map[string]any `json:"input,omitempty"`
	RequestID string         `json:"requestId"`
}

// ParseReply extracts and validates the reply object from raw model output.
// Failures carry the llm-parse kind so the caller can run the repair
// re-prompt.
func ParseReply(raw string) (*Reply, error) {
	obj, err := llm.ExtractJSON(raw)
	if err != nil {
		return nil, bus.WrapError(bus.KindLLMParse, err, "agent reply")
	}
	var r Reply
	if err := json.Unmarshal(obj, &r); err != nil {
		return nil, bus.WrapError(bus.KindLLMParse, err, "agent reply")
	}
	if err := r.validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *Reply) validate() error {
	switch r.Action {
	case ActionCreate:
		if r.Breadcrumb == nil {
			return bus.NewError(bus.KindLLMParse, "create reply carries no breadcrumb")
		}
	case ActionUpdate:
		if r.BreadcrumbID == "" {
			return bus.NewError(bus.KindLLMParse, "update reply names no breadcrumb_id")
		}
		if r.ExpectedVersion == nil {
			return bus.NewError(bus.KindLLMParse, "update reply carries no expected_version")
		}
		if r.Breadcrumb == nil {
			return bus.NewError(bus.KindLLMParse, "update reply carries no breadcrumb")
		}
	case ActionDelete:
		if r.BreadcrumbID == "" {
			return bus.NewError(bus.KindLLMParse, "delete reply names no breadcrumb_id")
		}
	case "":
		return bus.NewError(bus.KindLLMParse, "reply names no action")
	default:
		return bus.NewError(bus.KindLLMParse, "reply names unknown action %q", r.Action)
	}
	return nil
}

// ToolRequests decodes the tool_requests list from the reply breadcrumb's
// context. Entries without a requestId get one assigned here; the id must
// exist before publishing or the response could never correlate. A nil
// reply breadcrumb or an absent list is simply no requests.
func (r *Reply) ToolRequests() ([]ToolRequest, error) {
	if r.Breadcrumb == nil || r.Breadcrumb.Context == nil {
		return nil, nil
	}
	entry, ok := r.Breadcrumb.Context["tool_requests"]
	if !ok || entry == nil {
		return nil, nil
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return nil, bus.WrapError(bus.KindLLMParse, err, "tool_requests")
	}
	var reqs []ToolRequest
	if err := json.Unmarshal(raw, &reqs); err != nil {
		return nil, bus.WrapError(bus.KindLLMParse, err, "tool_requests is not a list of requests")
	}

	for i := range reqs {
		if reqs[i].Tool == "" {
			return nil, bus.NewError(bus.KindLLMParse, "tool_requests[%d] names no tool", i)
		}
		if reqs[i].RequestID == "" {
			reqs[i].RequestID = uuid.NewString()
		}
	}
	return reqs, nil
}
