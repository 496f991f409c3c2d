// Package agentrunner hosts one agent: it loads the agent's definition from
// the store, subscribes to the breadcrumbs the definition names, and drives
// the think-act loop that turns triggering events into published replies.
//
// The runner holds no authoritative state of its own. Definitions, sessions,
// and every reply live in the breadcrumb store; the only local state is the
// dedup journal and the in-memory history ring.
package agentrunner

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rcrtlabs/rcrt/internal/bus"
	"github.com/rcrtlabs/rcrt/internal/config"
	"github.com/rcrtlabs/rcrt/pkg/breadcrumb"
)

// Defaults for the knobs a definition may omit. Config values sit between
// these and the definition: definition wins, then config, then these.
const (
	DefaultHistoryLimit  = 20
	DefaultTokenBudget   = 8000
	DefaultThinkTimeout  = 60 * time.Second
	DefaultMaxIterations = 8
)

// Capabilities gate the reply actions an agent may take beyond plain
// creates.
type Capabilities struct {
	AllowDelete bool `json:"allow_delete"`
}

// Definition is a decoded agent.def.v1. It carries everything the runner
// needs to host the agent: the model, the prompt, the subscriptions, and
// the loop bounds.
type Definition struct {
	// ID and Version identify the source breadcrumb.
	ID      string
	Version int

	Name         string
	Model        string
	SystemPrompt string

	// Temperature nil leaves the provider default; zero is explicit.
	Temperature *float64
	MaxTokens   int

	Capabilities  Capabilities
	Subscriptions []breadcrumb.Selector

	HistoryLimit  int
	TokenBudget   int
	ThinkTimeout  time.Duration
	MaxIterations int
}

// defDoc is the wire shape of an agent.def.v1 context document.
type defDoc struct {
	Name          string       `json:"name"`
	Model         string       `json:"model"`
	SystemPrompt  string       `json:"system_prompt"`
	Temperature   *float64     `json:"temperature"`
	MaxTokens     int          `json:"max_tokens"`
	Capabilities  Capabilities `json:"capabilities"`
	Subscriptions struct {
		Selectors []breadcrumb.Selector `json:"selectors"`
	} `json:"subscriptions"`
	HistoryLimit    int `json:"history_limit"`
	TokenBudget     int `json:"token_budget"`
	ThinkTimeoutSec int `json:"think_timeout_sec"`
	MaxIterations   int `json:"max_iterations"`
}

// DecodeDefinition reads a Definition out of an agent.def.v1 breadcrumb.
func DecodeDefinition(b *breadcrumb.Breadcrumb) (*Definition, error) {
	if b.SchemaName != breadcrumb.SchemaAgentDef {
		return nil, bus.NewError(bus.KindValidation, "breadcrumb %s has schema %q, want %s",
			b.ID, b.SchemaName, breadcrumb.SchemaAgentDef)
	}

	raw, err := json.Marshal(b.Context)
	if err != nil {
		return nil, bus.WrapError(bus.KindValidation, err, "definition %s context", b.ID)
	}
	var doc defDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, bus.WrapError(bus.KindValidation, err, "definition %s", b.ID)
	}

	if doc.Name == "" {
		return nil, bus.NewError(bus.KindValidation, "definition %s names no agent", b.ID)
	}
	if doc.Model == "" {
		return nil, bus.NewError(bus.KindValidation, "definition %s names no model", b.ID)
	}

	return &Definition{
		ID:            b.ID,
		Version:       b.Version,
		Name:          doc.Name,
		Model:         doc.Model,
		SystemPrompt:  doc.SystemPrompt,
		Temperature:   doc.Temperature,
		MaxTokens:     doc.MaxTokens,
		Capabilities:  doc.Capabilities,
		Subscriptions: doc.Subscriptions.Selectors,
		HistoryLimit:  doc.HistoryLimit,
		TokenBudget:   doc.TokenBudget,
		ThinkTimeout:  time.Duration(doc.ThinkTimeoutSec) * time.Second,
		MaxIterations: doc.MaxIterations,
	}, nil
}

// defStore is the slice of the bus the loader needs.
type defStore interface {
	GetFull(ctx context.Context, id string) (*breadcrumb.Breadcrumb, error)
	List(ctx context.Context, sel breadcrumb.Selector) ([]breadcrumb.Summary, error)
}

// LoadDefinition fetches the agent's definition: directly by id when the
// config pins one, otherwise by listing agent:def breadcrumbs in the
// workspace and matching on name. Definitions that fail to decode are
// skipped during the name search; a workspace may carry broken defs for
// other agents without blocking this one.
func LoadDefinition(ctx context.Context, st defStore, workspace string, cfg config.AgentConfig) (*Definition, error) {
	if cfg.DefinitionID != "" {
		crumb, err := st.GetFull(ctx, cfg.DefinitionID)
		if err != nil {
			return nil, err
		}
		return DecodeDefinition(crumb)
	}

	if cfg.Name == "" {
		return nil, bus.NewError(bus.KindValidation, "agent needs a name or a definition id")
	}

	sums, err := st.List(ctx, breadcrumb.Selector{
		SchemaName: breadcrumb.SchemaAgentDef,
		AllTags:    []string{workspace, breadcrumb.TagAgentDef},
	})
	if err != nil {
		return nil, err
	}
	for _, sum := range sums {
		crumb, err := st.GetFull(ctx, sum.ID)
		if err != nil {
			return nil, err
		}
		def, derr := DecodeDefinition(crumb)
		if derr != nil {
			continue
		}
		if def.Name == cfg.Name {
			return def, nil
		}
	}
	return nil, bus.NewError(bus.KindNotFound, "no agent definition named %q in %s", cfg.Name, workspace)
}

// applyDefaults fills the loop bounds the definition left unset, preferring
// the operator config over the package defaults.
func (d *Definition) applyDefaults(cfg config.AgentConfig) {
	if d.HistoryLimit <= 0 {
		d.HistoryLimit = cfg.HistoryLimit
	}
	if d.HistoryLimit <= 0 {
		d.HistoryLimit = DefaultHistoryLimit
	}
	if d.TokenBudget <= 0 {
		d.TokenBudget = cfg.TokenBudget
	}
	if d.TokenBudget <= 0 {
		d.TokenBudget = DefaultTokenBudget
	}
	if d.ThinkTimeout <= 0 {
		d.ThinkTimeout = cfg.LLMTimeout
	}
	if d.ThinkTimeout <= 0 {
		d.ThinkTimeout = DefaultThinkTimeout
	}
	if d.MaxIterations <= 0 {
		d.MaxIterations = cfg.MaxIterations
	}
	if d.MaxIterations <= 0 {
		d.MaxIterations = DefaultMaxIterations
	}
}
