package breadcrumb

import "strings"

// Well-known tags. A workspace is itself a tag; every breadcrumb a runner
// emits carries its workspace tag plus the role tags below. Routing between
// runners is tag-based end to end, so these strings are load-bearing.
const (
	// DefaultWorkspace is used when the WORKSPACE env var is unset.
	DefaultWorkspace = "workspace:tools"

	TagToolCatalog   = "tool:catalog"
	TagToolRequest   = "tool:request"
	TagToolResponse  = "tool:response"
	TagAgentDef      = "agent:def"
	TagAgentError    = "agent:error"
	TagSystemPing    = "system:ping"
	TagSystemMessage = "system:message"

	// TagConfigRequest marks tool.config.request.v1 breadcrumbs. It lives
	// outside the tool: namespace so ParseToolTag never mistakes it for a
	// tool name.
	TagConfigRequest = "config:request"
)

const pausedSuffix = "-paused"

// WorkspaceTag returns the workspace scoping tag, e.g. "workspace:tools".
// A name that already carries the prefix passes through unchanged.
func WorkspaceTag(name string) string {
	if strings.HasPrefix(name, "workspace:") {
		return name
	}
	return "workspace:" + name
}

// ToolTag returns the per-tool routing tag, e.g. "tool:web_fetch".
func ToolTag(name string) string { return "tool:" + name }

// AgentTag returns the per-agent attribution tag, e.g. "agent:planner".
func AgentTag(name string) string { return "agent:" + name }

// SessionTag returns the per-session grouping tag.
func SessionTag(id string) string { return "session:" + id }

// ConsumerTag marks the active agent.context.v1 session for a consumer.
func ConsumerTag(id string) string { return "consumer:" + id }

// PausedConsumerTag marks a dormant session for a consumer. A session
// breadcrumb carries exactly one of the ConsumerTag/PausedConsumerTag pair;
// switching sessions swaps the tags on both records.
func PausedConsumerTag(id string) string { return ConsumerTag(id) + pausedSuffix }

// ParseToolTag extracts the tool name from a "tool:<name>" tag. The fixed
// routing tags (tool:catalog, tool:request, tool:response) are not tool
// names and report false.
func ParseToolTag(tag string) (string, bool) {
	name, ok := strings.CutPrefix(tag, "tool:")
	if !ok || name == "" {
		return "", false
	}
	switch name {
	case "catalog", "request", "response":
		return "", false
	}
	return name, true
}

// ParseAgentTag extracts the agent name from an "agent:<name>" tag,
// excluding the fixed agent:def and agent:error tags.
func ParseAgentTag(tag string) (string, bool) {
	name, ok := strings.CutPrefix(tag, "agent:")
	if !ok || name == "" {
		return "", false
	}
	switch name {
	case "def", "error":
		return "", false
	}
	return name, true
}

// ParseConsumerTag extracts the consumer id from a "consumer:<id>" or
// "consumer:<id>-paused" tag. The second result reports whether the tag is
// the paused variant.
func ParseConsumerTag(tag string) (id string, paused bool, ok bool) {
	id, ok = strings.CutPrefix(tag, "consumer:")
	if !ok || id == "" {
		return "", false, false
	}
	if trimmed, isPaused := strings.CutSuffix(id, pausedSuffix); isPaused {
		if trimmed == "" {
			return "", false, false
		}
		return trimmed, true, true
	}
	return id, false, true
}

// HasTag reports whether tags contains the exact tag. Tags are opaque
// strings; no prefix or glob matching happens here.
func HasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}
