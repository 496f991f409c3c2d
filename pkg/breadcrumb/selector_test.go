package breadcrumb

import (
	"encoding/json"
	"testing"
)

func toolResponseCrumb() *Breadcrumb {
	return &Breadcrumb{
		ID:         "b-1",
		Title:      "web_fetch response",
		SchemaName: SchemaToolResponse,
		Tags:       []string{"workspace:tools", TagToolResponse, "tool:web_fetch"},
		Context: map[string]any{
			"tool":              "web_fetch",
			"status":            "success",
			"execution_time_ms": float64(412),
			"requestId":         "req-9",
			"output":            map[string]any{"bytes": float64(2048)},
		},
	}
}

func TestSelector_Matches(t *testing.T) {
	crumb := toolResponseCrumb()

	tests := []struct {
		name string
		sel  Selector
		want bool
	}{
		{"zero selector matches everything", Selector{}, true},
		{"schema match", Selector{SchemaName: SchemaToolResponse}, true},
		{"schema mismatch", Selector{SchemaName: SchemaToolRequest}, false},
		{"all tags present", Selector{AllTags: []string{"workspace:tools", "tool:web_fetch"}}, true},
		{"all tags one missing", Selector{AllTags: []string{"workspace:tools", "tool:echo"}}, false},
		{"any tags one present", Selector{AnyTags: []string{"tool:echo", "tool:web_fetch"}}, true},
		{"any tags none present", Selector{AnyTags: []string{"tool:echo", "tool:random"}}, false},
		{
			"context eq",
			Selector{ContextMatch: []ContextMatch{{Path: "$.status", Op: OpEq, Value: "success"}}},
			true,
		},
		{
			"context eq mismatch",
			Selector{ContextMatch: []ContextMatch{{Path: "$.status", Op: OpEq, Value: "error"}}},
			false,
		},
		{
			"context predicates AND together",
			Selector{ContextMatch: []ContextMatch{
				{Path: "$.status", Op: OpEq, Value: "success"},
				{Path: "$.tool", Op: OpEq, Value: "random"},
			}},
			false,
		},
		{
			"missing path never matches",
			Selector{ContextMatch: []ContextMatch{{Path: "$.absent", Op: OpNe, Value: "x"}}},
			false,
		},
		{
			"all fields combined",
			Selector{
				SchemaName: SchemaToolResponse,
				AllTags:    []string{"workspace:tools"},
				AnyTags:    []string{"tool:web_fetch", "tool:echo"},
				ContextMatch: []ContextMatch{
					{Path: "$.execution_time_ms", Op: OpLt, Value: 1000},
				},
			},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.sel.Matches(crumb); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSelector_MatchesIsPure(t *testing.T) {
	crumb := toolResponseCrumb()
	sel := Selector{
		SchemaName:   SchemaToolResponse,
		AllTags:      []string{"workspace:tools"},
		ContextMatch: []ContextMatch{{Path: "$.status", Op: OpIn, Value: []string{"success", "error"}}},
	}
	first := sel.Matches(crumb)
	for i := 0; i < 100; i++ {
		if got := sel.Matches(crumb); got != first {
			t.Fatalf("Matches() changed answer on call %d: %v then %v", i, first, got)
		}
	}
	if !first {
		t.Error("Matches() = false, want true")
	}
}

func TestSelector_MatchesEvent(t *testing.T) {
	sel := Selector{SchemaName: SchemaToolRequest, AllTags: []string{"workspace:tools"}}

	tests := []struct {
		name string
		ev   Event
		want bool
	}{
		{
			"matching created event",
			Event{
				Type:       EventCreated,
				SchemaName: SchemaToolRequest,
				Tags:       []string{"workspace:tools", TagToolRequest},
			},
			true,
		},
		{
			"update with wrong schema",
			Event{Type: EventUpdated, SchemaName: SchemaToolResponse, Tags: []string{"workspace:tools"}},
			false,
		},
		{"ping never matches", Event{Type: EventPing}, false},
		{"system never matches", Event{Type: EventSystem, Message: "Connected"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sel.MatchesEvent(&tt.ev); got != tt.want {
				t.Errorf("MatchesEvent() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestContextMatch_Operators(t *testing.T) {
	ctx := map[string]any{
		"status":   "partial_success",
		"attempts": float64(3),
		"tags":     []any{"a", "b"},
		"region":   "eu-west-1",
	}

	tests := []struct {
		name string
		m    ContextMatch
		want bool
	}{
		{"eq string", ContextMatch{Path: "$.status", Op: OpEq, Value: "partial_success"}, true},
		{"ne string", ContextMatch{Path: "$.status", Op: OpNe, Value: "success"}, true},
		{"ne equal value", ContextMatch{Path: "$.status", Op: OpNe, Value: "partial_success"}, false},
		{"in hit", ContextMatch{Path: "$.region", Op: OpIn, Value: []any{"us-east-1", "eu-west-1"}}, true},
		{"in miss", ContextMatch{Path: "$.region", Op: OpIn, Value: []any{"us-east-1"}}, false},
		{"in non-list value", ContextMatch{Path: "$.region", Op: OpIn, Value: "eu-west-1"}, false},
		{"not-in hit", ContextMatch{Path: "$.region", Op: OpNotIn, Value: []any{"us-east-1"}}, true},
		{"not-in miss", ContextMatch{Path: "$.region", Op: OpNotIn, Value: []any{"eu-west-1"}}, false},
		{"gt true", ContextMatch{Path: "$.attempts", Op: OpGt, Value: 2}, true},
		{"gt false", ContextMatch{Path: "$.attempts", Op: OpGt, Value: 3}, false},
		{"gt non-numeric", ContextMatch{Path: "$.status", Op: OpGt, Value: 1}, false},
		{"lt true", ContextMatch{Path: "$.attempts", Op: OpLt, Value: 10}, true},
		{"contains substring", ContextMatch{Path: "$.status", Op: OpContains, Value: "partial"}, true},
		{"contains substring miss", ContextMatch{Path: "$.status", Op: OpContains, Value: "failure"}, false},
		{"contains array member", ContextMatch{Path: "$.tags", Op: OpContains, Value: "b"}, true},
		{"contains array miss", ContextMatch{Path: "$.tags", Op: OpContains, Value: "z"}, false},
		{"contains wrong shape", ContextMatch{Path: "$.attempts", Op: OpContains, Value: "3"}, false},
		{"unknown op", ContextMatch{Path: "$.status", Op: Op("regex"), Value: ".*"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.m.Eval(ctx); got != tt.want {
				t.Errorf("Eval() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValueEqual_NumericUnification(t *testing.T) {
	tests := []struct {
		name string
		a, b any
		want bool
	}{
		{"float64 vs int", float64(2), 2, true},
		{"int64 vs float64", int64(5), float64(5), true},
		{"json.Number vs int", json.Number("7"), 7, true},
		{"float fraction", float64(2.5), 2, false},
		{"number vs string", float64(2), "2", false},
		{"nested arrays", []any{float64(1), "x"}, []any{1, "x"}, true},
		{"nested maps", map[string]any{"n": float64(1)}, map[string]any{"n": 1}, true},
		{"map extra key", map[string]any{"n": 1}, map[string]any{"n": 1, "m": 2}, false},
		{"nil vs nil", nil, nil, true},
		{"nil vs value", nil, "x", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := valueEqual(tt.a, tt.b); got != tt.want {
				t.Errorf("valueEqual(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestSelector_IsZero(t *testing.T) {
	if !(&Selector{}).IsZero() {
		t.Error("empty selector IsZero() = false, want true")
	}
	if (&Selector{SchemaName: "x"}).IsZero() {
		t.Error("constrained selector IsZero() = true, want false")
	}
	var nilSel *Selector
	if !nilSel.IsZero() {
		t.Error("nil selector IsZero() = false, want true")
	}
}
