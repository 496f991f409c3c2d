package breadcrumb

import (
	"encoding/json"
	"time"
)

// EventType discriminates frames on the event stream.
type EventType string

const (
	EventCreated EventType = "breadcrumb.created"
	EventUpdated EventType = "breadcrumb.updated"
	EventDeleted EventType = "breadcrumb.deleted"

	// EventPing is the server liveness frame, sent every few seconds.
	EventPing EventType = "ping"

	// EventSystem frames are synthesized client-side around stream
	// lifecycle changes (reconnecting, connected). The store never sends
	// them; selectors never match them.
	EventSystem EventType = "system"
)

// Event is one decoded frame from /events/stream. The store fans out every
// mutation visible to the token's owner without selector filtering, so
// consumers must filter with their own Selector before acting.
type Event struct {
	Type         EventType      `json:"type"`
	BreadcrumbID string         `json:"breadcrumb_id,omitempty"`
	OwnerID      string         `json:"owner_id,omitempty"`
	Version      int            `json:"version,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	SchemaName   string         `json:"schema_name,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at"`
	Context      map[string]any `json:"context,omitempty"`

	// Message carries human-readable text on system frames.
	Message string `json:"message,omitempty"`

	// TS is the ping timestamp. Server builds disagree on its shape
	// (string vs epoch number), so it stays raw.
	TS json.RawMessage `json:"ts,omitempty"`
}

// IsMutation reports whether the event describes a breadcrumb change, as
// opposed to liveness or stream-lifecycle traffic.
func (e *Event) IsMutation() bool {
	switch e.Type {
	case EventCreated, EventUpdated, EventDeleted:
		return true
	}
	return false
}
