// Package toolrunner hosts a registry of tool executors and turns
// tool.request.v1 breadcrumbs into tool.response.v1 breadcrumbs.
//
// The runner owns the full request lifecycle: read the request, consult the
// dedup journal, validate the input against the tool's schema, execute with
// a per-tool concurrency bound and timeout, publish the response, and
// journal the request id. A registry change (activation, deactivation,
// config reload) republishes the workspace catalog.
package toolrunner

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rcrtlabs/rcrt/internal/secrets"
)

// Executor is one tool implementation. Implementations must be safe for
// concurrent calls and must treat runner state as off-limits; everything an
// execution needs arrives in the Invocation.
type Executor interface {
	// Definition describes the tool for registration and the catalog.
	Definition() Definition

	// Execute runs the tool. The returned value lands in the response
	// breadcrumb's context.output, so it must be JSON-encodable.
	Execute(ctx context.Context, inv Invocation) (any, error)
}

// Definition describes a tool to the registry and, through the catalog, to
// agents choosing tools.
type Definition struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category,omitempty"`

	// InputSchema validates request input before execution. Empty means
	// any input passes.
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`

	Examples []Example `json:"examples,omitempty"`

	// RequiredSecrets must all resolve before the tool activates.
	RequiredSecrets []secrets.Ref `json:"required_secrets,omitempty"`

	// MaxInFlight bounds concurrent executions. Zero means the runner
	// default.
	MaxInFlight int `json:"max_in_flight,omitempty"`

	// Timeout bounds one execution. Zero means the runner default.
	Timeout time.Duration `json:"-"`
}

// Example shows agents how to call the tool.
type Example struct {
	Description string         `json:"description,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
}

// Invocation carries everything one execution may touch.
type Invocation struct {
	// Input is the request's context.input, already validated against the
	// tool's input schema.
	Input json.RawMessage

	// Secrets maps required secret names to handles. Reveal decrypts on
	// demand; the dispatcher scrubs plaintext when the execution returns.
	Secrets map[string]*secrets.Handle

	RequestID   string
	RequestedBy string
}

// Decode unmarshals the input into a typed parameter struct.
func (inv Invocation) Decode(v any) error {
	if len(inv.Input) == 0 {
		return nil
	}
	return json.Unmarshal(inv.Input, v)
}
