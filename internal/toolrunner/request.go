package toolrunner

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rcrtlabs/rcrt/internal/bus"
	"github.com/rcrtlabs/rcrt/pkg/breadcrumb"
)

// Request is the decoded payload of a tool.request.v1 breadcrumb.
type Request struct {
	Tool        string
	Input       json.RawMessage
	RequestID   string
	RequestedBy string

	// BreadcrumbID correlates the response when the request carries no
	// requestId of its own.
	BreadcrumbID string
}

// DedupKey is the journal key for this request. Requests without a
// requestId fall back to the breadcrumb id, so a redelivered malformed
// request still gets exactly one validation response.
func (req Request) DedupKey() string {
	if req.RequestID != "" {
		return req.RequestID
	}
	return req.BreadcrumbID
}

// ParseRequest extracts the request fields from a breadcrumb's context.
// A missing tool or requestId is a validation error; the caller answers it
// with an error response rather than dropping the request.
func ParseRequest(b *breadcrumb.Breadcrumb) (Request, error) {
	req := Request{BreadcrumbID: b.ID}

	if tool, ok := b.Context["tool"].(string); ok {
		req.Tool = tool
	}
	if id, ok := b.Context["requestId"].(string); ok {
		req.RequestID = id
	}
	if by, ok := b.Context["requestedBy"].(string); ok {
		req.RequestedBy = by
	}
	if input, ok := b.Context["input"]; ok && input != nil {
		raw, err := json.Marshal(input)
		if err != nil {
			return req, bus.WrapError(bus.KindValidation, err, "request input is not encodable")
		}
		req.Input = raw
	}

	if req.Tool == "" {
		return req, bus.NewError(bus.KindValidation, "request has no tool name")
	}
	if req.RequestID == "" {
		return req, bus.NewError(bus.KindValidation, "request has no requestId")
	}
	return req, nil
}

// Response statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Response is one execution outcome, ready to publish as tool.response.v1.
type Response struct {
	Tool        string
	Status      string
	Output      any
	Err         *ResponseError
	Elapsed     time.Duration
	RequestID   string
	RequestedBy string
}

// ResponseError carries the taxonomy kind and message of a failed
// execution into the response context.
type ResponseError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// SuccessResponse builds a success outcome for a request.
func SuccessResponse(req Request, output any, elapsed time.Duration) Response {
	return Response{
		Tool:        req.Tool,
		Status:      StatusSuccess,
		Output:      output,
		Elapsed:     elapsed,
		RequestID:   req.RequestID,
		RequestedBy: req.RequestedBy,
	}
}

// ErrorResponse builds an error outcome for a request. The error's taxonomy
// kind travels in the response so callers branch without string matching.
func ErrorResponse(req Request, err error, elapsed time.Duration) Response {
	return Response{
		Tool:   req.Tool,
		Status: StatusError,
		Err: &ResponseError{
			Kind:    string(bus.KindOf(err)),
			Message: err.Error(),
		},
		Elapsed:     elapsed,
		RequestID:   req.RequestID,
		RequestedBy: req.RequestedBy,
	}
}

// Breadcrumb shapes the response for publication. Responses without a
// requestId correlate by the request breadcrumb's id instead.
func (resp Response) Breadcrumb(workspace, breadcrumbID string) *breadcrumb.Breadcrumb {
	requestID := resp.RequestID
	if requestID == "" {
		requestID = breadcrumbID
	}

	ctx := map[string]any{
		"tool":              resp.Tool,
		"status":            resp.Status,
		"execution_time_ms": resp.Elapsed.Milliseconds(),
		"requestId":         requestID,
	}
	if resp.Output != nil {
		ctx["output"] = resp.Output
	}
	if resp.Err != nil {
		ctx["error"] = map[string]any{
			"kind":    resp.Err.Kind,
			"message": resp.Err.Message,
		}
	}
	if resp.RequestedBy != "" {
		ctx["requestedBy"] = resp.RequestedBy
	}

	tags := []string{workspace, breadcrumb.TagToolResponse}
	if resp.Tool != "" {
		tags = append(tags, breadcrumb.ToolTag(resp.Tool))
	}

	name := resp.Tool
	if name == "" {
		name = "tool"
	}

	return &breadcrumb.Breadcrumb{
		Title:      fmt.Sprintf("%s %s", name, resp.Status),
		SchemaName: breadcrumb.SchemaToolResponse,
		Tags:       tags,
		Context:    ctx,
	}
}
