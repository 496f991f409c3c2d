package agentrunner

import (
	"strings"
	"testing"

	"github.com/rcrtlabs/rcrt/internal/bus"
)

func TestParseReply_AcceptedShapes(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"bare object", `{"action":"create","breadcrumb":{"title":"x"}}`},
		{"fenced", "```json\n{\"action\":\"create\",\"breadcrumb\":{\"title\":\"x\"}}\n```"},
		{"surrounding prose", "Sure!\n{\"action\":\"create\",\"breadcrumb\":{\"title\":\"x\"}}\nDone."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply, err := ParseReply(tt.raw)
			if err != nil {
				t.Fatalf("ParseReply() error = %v", err)
			}
			if reply.Action != ActionCreate || reply.Breadcrumb == nil || reply.Breadcrumb.Title != "x" {
				t.Errorf("reply = %+v", reply)
			}
		})
	}
}

func TestParseReply_UpdateCarriesVersion(t *testing.T) {
	reply, err := ParseReply(`{"action":"update","breadcrumb_id":"bc-9","expected_version":4,"breadcrumb":{"title":"new"}}`)
	if err != nil {
		t.Fatalf("ParseReply() error = %v", err)
	}
	if reply.BreadcrumbID != "bc-9" || reply.ExpectedVersion == nil || *reply.ExpectedVersion != 4 {
		t.Errorf("reply = %+v", reply)
	}
}

func TestParseReply_Rejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"no object", "happy to help", "no JSON object"},
		{"no action", `{"breadcrumb":{"title":"x"}}`, "no action"},
		{"unknown action", `{"action":"merge"}`, "unknown action"},
		{"create without breadcrumb", `{"action":"create"}`, "no breadcrumb"},
		{"update without id", `{"action":"update","expected_version":1,"breadcrumb":{}}`, "breadcrumb_id"},
		{"update without version", `{"action":"update","breadcrumb_id":"b","breadcrumb":{}}`, "expected_version"},
		{"update without breadcrumb", `{"action":"update","breadcrumb_id":"b","expected_version":1}`, "no breadcrumb"},
		{"delete without id", `{"action":"delete"}`, "breadcrumb_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseReply(tt.raw)
			if !bus.IsKind(err, bus.KindLLMParse) {
				t.Fatalf("ParseReply() error = %v, want llm-parse", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestToolRequests_Extracts(t *testing.T) {
	reply, err := ParseReply(`{"action":"create","breadcrumb":{"title":"x","context":{"tool_requests":[
		{"tool":"random","input":{"min":1},"requestId":"req-1"},
		{"tool":"echo"}
	]}}}`)
	if err != nil {
		t.Fatalf("ParseReply() error = %v", err)
	}
	reqs, err := reply.ToolRequests()
	if err != nil {
		t.Fatalf("ToolRequests() error = %v", err)
	}
	if len(reqs) != 2 {
		t.Fatalf("requests = %d, want 2", len(reqs))
	}
	if reqs[0].Tool != "random" || reqs[0].RequestID != "req-1" {
		t.Errorf("reqs[0] = %+v", reqs[0])
	}
	if reqs[0].Input["min"] != float64(1) {
		t.Errorf("input = %v", reqs[0].Input)
	}
	if reqs[1].Tool != "echo" {
		t.Errorf("reqs[1] = %+v", reqs[1])
	}
	if reqs[1].RequestID == "" || reqs[1].RequestID == "req-1" {
		t.Errorf("missing requestId should get a fresh one, got %q", reqs[1].RequestID)
	}
}

func TestToolRequests_AbsentIsNone(t *testing.T) {
	for _, reply := range []*Reply{
		{Action: ActionDelete, BreadcrumbID: "b"},
		{Action: ActionCreate, Breadcrumb: &ReplyBreadcrumb{Title: "x"}},
		{Action: ActionCreate, Breadcrumb: &ReplyBreadcrumb{Context: map[string]any{"message": "hi"}}},
	} {
		reqs, err := reply.ToolRequests()
		if err != nil || reqs != nil {
			t.Errorf("ToolRequests() = %v, %v, want none", reqs, err)
		}
	}
}

func TestToolRequests_Rejects(t *testing.T) {
	notAList := &Reply{Action: ActionCreate, Breadcrumb: &ReplyBreadcrumb{
		Context: map[string]any{"tool_requests": "soon"},
	}}
	if _, err := notAList.ToolRequests(); !bus.IsKind(err, bus.KindLLMParse) {
		t.Errorf("ToolRequests() error = %v, want llm-parse", err)
	}

	noTool := &Reply{Action: ActionCreate, Breadcrumb: &ReplyBreadcrumb{
		Context: map[string]any{"tool_requests": []any{map[string]any{"input": map[string]any{}}}},
	}}
	_, err := noTool.ToolRequests()
	if !bus.IsKind(err, bus.KindLLMParse) || !strings.Contains(err.Error(), "names no tool") {
		t.Errorf("ToolRequests() error = %v, want names-no-tool", err)
	}
}
