// Package breadcrumb defines the RCRT data model: breadcrumbs, their tags
// and schema names, stream events, and the selector engine components use to
// decide which breadcrumbs they care about.
//
// Everything here is pure data and pure functions. Transport lives in
// internal/bus; this package must stay importable by any runner without
// dragging in HTTP or logging.
package breadcrumb

import (
	"time"
)

// Visibility controls who can read a breadcrumb beyond its owner.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityTeam    Visibility = "team"
	VisibilityPrivate Visibility = "private"
)

// Sensitivity classifies a breadcrumb's payload for handling policy.
// Secret-sensitivity contexts are never logged verbatim.
type Sensitivity string

const (
	SensitivityLow    Sensitivity = "low"
	SensitivityPII    Sensitivity = "pii"
	SensitivitySecret Sensitivity = "secret"
)

// Schema names carried in the schema_name field. The ".v1" suffix is part of
// the name; consumers match on the full string.
const (
	SchemaToolCatalog       = "tool.catalog.v1"
	SchemaToolRequest       = "tool.request.v1"
	SchemaToolResponse      = "tool.response.v1"
	SchemaToolConfig        = "tool.config.v1"
	SchemaToolConfigRequest = "tool.config.request.v1"
	SchemaAgentDef          = "agent.def.v1"
	SchemaAgentContext      = "agent.context.v1"
	SchemaAgentResponse     = "agent.response.v1"
	SchemaUserMessage       = "user.message.v1"
	SchemaSystemMessage     = "system.message.v1"
	SchemaPromptSystem      = "prompt.system.v1"
	SchemaUIPlan            = "ui.plan.v1"
)

// Breadcrumb is one versioned record in the store. Version starts at 1 and
// increments on every accepted update; it is the optimistic-concurrency
// token callers must echo back (If-Match) when patching.
type Breadcrumb struct {
	ID          string         `json:"id,omitempty"`
	OwnerID     string         `json:"owner_id,omitempty"`
	Title       string         `json:"title"`
	Context     map[string]any `json:"context,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	SchemaName  string         `json:"schema_name,omitempty"`
	Visibility  Visibility     `json:"visibility,omitempty"`
	Sensitivity Sensitivity    `json:"sensitivity,omitempty"`
	Version     int            `json:"version,omitempty"`

	// TTL, when set, marks the record for server-side hygiene after the
	// given instant. Runners set it on ephemeral breadcrumbs (pings,
	// config requests) so the store can purge them unattended.
	TTL *time.Time `json:"ttl,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasTag reports whether the breadcrumb carries the exact tag.
func (b *Breadcrumb) HasTag(tag string) bool {
	return HasTag(b.Tags, tag)
}

// Summary is the list-view projection returned by tag queries. It omits the
// context document; fetch the breadcrumb by ID for the full view.
type Summary struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Tags       []string  `json:"tags,omitempty"`
	SchemaName string    `json:"schema_name,omitempty"`
	Version    int       `json:"version"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// HasTag reports whether the summary carries the exact tag.
func (s *Summary) HasTag(tag string) bool {
	return HasTag(s.Tags, tag)
}
