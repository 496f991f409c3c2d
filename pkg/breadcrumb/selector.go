package breadcrumb

import (
	"encoding/json"
	"strings"
)

// Op is a context-match operator.
type Op string

const (
	OpEq       Op = "eq"
	OpNe       Op = "ne"
	OpIn       Op = "in"
	OpNotIn    Op = "not-in"
	OpGt       Op = "gt"
	OpLt       Op = "lt"
	OpContains Op = "contains"
)

// ContextMatch is one predicate over a breadcrumb's context document.
type ContextMatch struct {
	Path  string `json:"path" yaml:"path"`
	Op    Op     `json:"op" yaml:"op"`
	Value any    `json:"value,omitempty" yaml:"value,omitempty"`
}

// Selector decides whether a breadcrumb or stream event is interesting.
// The zero selector matches everything.
//
// Fields combine with AND. Evaluation short-circuits in cost order: schema
// name first, then all_tags, then any_tags, then context predicates, so a
// schema mismatch never touches the context document.
type Selector struct {
	AnyTags      []string       `json:"any_tags,omitempty" yaml:"any_tags,omitempty"`
	AllTags      []string       `json:"all_tags,omitempty" yaml:"all_tags,omitempty"`
	SchemaName   string         `json:"schema_name,omitempty" yaml:"schema_name,omitempty"`
	ContextMatch []ContextMatch `json:"context_match,omitempty" yaml:"context_match,omitempty"`
}

// IsZero reports whether the selector has no constraints.
func (s *Selector) IsZero() bool {
	return s == nil ||
		len(s.AnyTags) == 0 && len(s.AllTags) == 0 &&
			s.SchemaName == "" && len(s.ContextMatch) == 0
}

// Matches applies the selector to a breadcrumb. Pure: no state, no
// mutation, same inputs always give the same answer.
func (s *Selector) Matches(b *Breadcrumb) bool {
	if b == nil {
		return false
	}
	return s.matches(b.SchemaName, b.Tags, b.Context)
}

// MatchesEvent applies the selector to a stream event. Ping and system
// frames never match.
func (s *Selector) MatchesEvent(ev *Event) bool {
	if ev == nil || !ev.IsMutation() {
		return false
	}
	return s.matches(ev.SchemaName, ev.Tags, ev.Context)
}

func (s *Selector) matches(schema string, tags []string, ctx map[string]any) bool {
	if s == nil {
		return true
	}
	if s.SchemaName != "" && s.SchemaName != schema {
		return false
	}
	for _, want := range s.AllTags {
		if !HasTag(tags, want) {
			return false
		}
	}
	if len(s.AnyTags) > 0 {
		hit := false
		for _, want := range s.AnyTags {
			if HasTag(tags, want) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	for i := range s.ContextMatch {
		if !s.ContextMatch[i].Eval(ctx) {
			return false
		}
	}
	return true
}

// Eval applies the predicate to a context document. A path that does not
// resolve never matches, whatever the operator; ne and not-in are negations
// of the comparison, not of the path's existence.
func (m *ContextMatch) Eval(ctx map[string]any) bool {
	got, ok := Lookup(ctx, m.Path)
	if !ok {
		return false
	}
	switch m.Op {
	case OpEq:
		return valueEqual(got, m.Value)
	case OpNe:
		return !valueEqual(got, m.Value)
	case OpIn:
		return valueIn(got, m.Value)
	case OpNotIn:
		list, ok := asList(m.Value)
		if !ok {
			return false
		}
		for _, candidate := range list {
			if valueEqual(got, candidate) {
				return false
			}
		}
		return true
	case OpGt:
		a, b, ok := bothNumbers(got, m.Value)
		return ok && a > b
	case OpLt:
		a, b, ok := bothNumbers(got, m.Value)
		return ok && a < b
	case OpContains:
		return valueContains(got, m.Value)
	}
	return false
}

// valueEqual compares two JSON values structurally. Numbers compare by
// value regardless of Go type, so int(2) from code equals float64(2) from a
// decoded document.
func valueEqual(a, b any) bool {
	if fa, ok := asFloat(a); ok {
		fb, ok := asFloat(b)
		return ok && fa == fb
	}
	switch av := a.(type) {
	case nil:
		return b == nil
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case []any:
		bv, ok := asList(b)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !valueEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvv, present := bv[k]
			if !present || !valueEqual(v, bvv) {
				return false
			}
		}
		return true
	}
	return false
}

func valueIn(got, expected any) bool {
	list, ok := asList(expected)
	if !ok {
		return false
	}
	for _, candidate := range list {
		if valueEqual(got, candidate) {
			return true
		}
	}
	return false
}

// valueContains handles substring match on strings and membership on
// arrays. Other shapes never match.
func valueContains(got, needle any) bool {
	switch gv := got.(type) {
	case string:
		nv, ok := needle.(string)
		return ok && strings.Contains(gv, nv)
	case []any:
		for _, elem := range gv {
			if valueEqual(elem, needle) {
				return true
			}
		}
	}
	return false
}

func bothNumbers(a, b any) (float64, float64, bool) {
	fa, ok := asFloat(a)
	if !ok {
		return 0, 0, false
	}
	fb, ok := asFloat(b)
	if !ok {
		return 0, 0, false
	}
	return fa, fb, true
}

// asFloat unifies the numeric types a value may arrive as: float64 from
// encoding/json, json.Number when decoders use UseNumber, and native ints
// from selectors built in code.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// asList accepts []any from decoded documents and []string from selectors
// built in code.
func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}
