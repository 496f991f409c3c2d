package toolrunner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rcrtlabs/rcrt/internal/backoff"
	"github.com/rcrtlabs/rcrt/internal/bus"
	"github.com/rcrtlabs/rcrt/internal/observability"
	"github.com/rcrtlabs/rcrt/pkg/breadcrumb"
)

// catalogConflictRetries bounds the optimistic-update loop. Each retry
// re-reads the catalog, so losing this many rounds in a row means another
// writer is updating faster than we can follow.
const catalogConflictRetries = 5

// catalogStore is the slice of the bus client the catalog touches.
type catalogStore interface {
	List(ctx context.Context, sel breadcrumb.Selector) ([]breadcrumb.Summary, error)
	GetFull(ctx context.Context, id string) (*breadcrumb.Breadcrumb, error)
	Create(ctx context.Context, b *breadcrumb.Breadcrumb, opts ...bus.CreateOption) (string, error)
	Update(ctx context.Context, id string, version int, patch bus.Patch) error
}

// CatalogEntry is one tool descriptor inside the catalog's context.tools
// list. Field names are the wire contract agents read.
type CatalogEntry struct {
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	Category       string          `json:"category,omitempty"`
	InputSchema    json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema   json.RawMessage `json:"output_schema,omitempty"`
	Examples       []Example       `json:"examples,omitempty"`
	Active         bool            `json:"active"`
	InactiveReason string          `json:"inactive_reason,omitempty"`
}

// Catalog maintains the workspace's single tool.catalog.v1 breadcrumb.
// Several runners can share one workspace, so updates merge by tool name:
// our names are overwritten with our state, foreign names pass through
// untouched.
type Catalog struct {
	store     catalogStore
	registry  *Registry
	metrics   *observability.Metrics
	logger    *observability.Logger
	workspace string
}

// NewCatalog wires a catalog publisher for one workspace.
func NewCatalog(st catalogStore, registry *Registry, workspace string, metrics *observability.Metrics, logger *observability.Logger) *Catalog {
	return &Catalog{
		store:     st,
		registry:  registry,
		metrics:   metrics,
		logger:    logger.WithFields("component", "catalog"),
		workspace: workspace,
	}
}

// Publish reconciles the registry snapshot into the workspace catalog,
// creating it when absent. Safe to call on every registry change.
func (c *Catalog) Publish(ctx context.Context) error {
	return c.publish(ctx, c.entries(""))
}

// PublishInactive republishes with every local tool marked inactive. This
// is the shutdown path, so agents stop routing to a runner that is gone.
func (c *Catalog) PublishInactive(ctx context.Context, reason string) error {
	entries := c.entries(reason)
	for i := range entries {
		entries[i].Active = false
		if entries[i].InactiveReason == "" {
			entries[i].InactiveReason = reason
		}
	}
	return c.publish(ctx, entries)
}

// entries snapshots the registry as catalog entries. overrideReason, when
// set, replaces the per-tool inactive reason.
func (c *Catalog) entries(overrideReason string) []CatalogEntry {
	regs := c.registry.Snapshot()
	entries := make([]CatalogEntry, 0, len(regs))
	for _, reg := range regs {
		entry := CatalogEntry{
			Name:           reg.Definition.Name,
			Description:    reg.Definition.Description,
			Category:       reg.Definition.Category,
			InputSchema:    reg.Definition.InputSchema,
			OutputSchema:   reg.Definition.OutputSchema,
			Examples:       reg.Definition.Examples,
			Active:         reg.Active,
			InactiveReason: reg.InactiveReason,
		}
		if overrideReason != "" {
			entry.InactiveReason = overrideReason
		}
		entries = append(entries, entry)
	}
	return entries
}

func (c *Catalog) publish(ctx context.Context, ours []CatalogEntry) error {
	policy := backoff.Default()

	for attempt := 1; attempt <= catalogConflictRetries; attempt++ {
		current, err := c.find(ctx)
		if err != nil {
			return err
		}

		if current == nil {
			_, err = c.store.Create(ctx, c.fresh(ours))
			if err == nil {
				c.logger.Info(ctx, "catalog created", "workspace", c.workspace, "tools", len(ours))
				return nil
			}
		} else {
			tools := mergeTools(existingTools(current), ours)
			title := catalogTitle(c.workspace, len(tools))
			err = c.store.Update(ctx, current.ID, current.Version, bus.Patch{
				Title: &title,
				Context: map[string]any{
					"workspace": c.workspace,
					"tools":     tools,
				},
			})
			if err == nil {
				c.logger.Debug(ctx, "catalog updated", "breadcrumb_id", current.ID, "tools", len(tools))
				return nil
			}
		}

		if !bus.IsConflict(err) {
			return err
		}
		c.metrics.CatalogConflicts.Inc()
		c.logger.Warn(ctx, "catalog write conflicted, re-reading", "attempt", attempt)
		if attempt < catalogConflictRetries {
			if serr := policy.Sleep(ctx, attempt); serr != nil {
				return serr
			}
		}
	}

	c.reportExhaustion(ctx)
	return bus.NewError(bus.KindFatal, "catalog for %s lost %d consecutive conflicts", c.workspace, catalogConflictRetries)
}

// find locates the workspace catalog. With duplicates present the lowest
// id wins deterministically across runners; the rest are noted for hygiene
// but never deleted here.
func (c *Catalog) find(ctx context.Context) (*breadcrumb.Breadcrumb, error) {
	sums, err := c.store.List(ctx, breadcrumb.Selector{
		AllTags:    []string{c.workspace, breadcrumb.TagToolCatalog},
		SchemaName: breadcrumb.SchemaToolCatalog,
	})
	if err != nil {
		return nil, err
	}
	if len(sums) == 0 {
		return nil, nil
	}

	chosen := sums[0]
	for _, s := range sums[1:] {
		if s.ID < chosen.ID {
			chosen = s
		}
	}
	if len(sums) > 1 {
		c.logger.Warn(ctx, "multiple catalogs in workspace, lowest id wins",
			"workspace", c.workspace, "count", len(sums), "chosen", chosen.ID)
	}

	return c.store.GetFull(ctx, chosen.ID)
}

func (c *Catalog) fresh(ours []CatalogEntry) *breadcrumb.Breadcrumb {
	tools := make([]any, 0, len(ours))
	for _, entry := range ours {
		tools = append(tools, entryMap(entry))
	}
	return &breadcrumb.Breadcrumb{
		Title:      catalogTitle(c.workspace, len(tools)),
		SchemaName: breadcrumb.SchemaToolCatalog,
		Tags:       []string{c.workspace, breadcrumb.TagToolCatalog},
		Context: map[string]any{
			"workspace": c.workspace,
			"tools":     tools,
		},
	}
}

// reportExhaustion leaves an admin-visible trace when the conflict budget
// runs out. Failure to report is logged and swallowed: the fatal error is
// already on its way up.
func (c *Catalog) reportExhaustion(ctx context.Context) {
	c.logger.Error(ctx, "catalog conflict budget exhausted", "workspace", c.workspace)
	_, err := c.store.Create(ctx, &breadcrumb.Breadcrumb{
		Title:      fmt.Sprintf("Catalog contention in %s", c.workspace),
		SchemaName: breadcrumb.SchemaSystemMessage,
		Tags:       []string{c.workspace, breadcrumb.TagSystemMessage},
		Context: map[string]any{
			"message":   fmt.Sprintf("tool catalog update lost %d consecutive version conflicts; another writer is racing this workspace", catalogConflictRetries),
			"component": "toolrunner",
		},
	})
	if err != nil {
		c.logger.Error(ctx, "failed to report catalog contention", "error", err)
	}
}

// existingTools returns the current catalog's tools list as stored.
func existingTools(b *breadcrumb.Breadcrumb) []any {
	if b == nil || b.Context == nil {
		return nil
	}
	tools, _ := b.Context["tools"].([]any)
	return tools
}

// mergeTools rewrites the stored tools list with our entries. Positions of
// known names are preserved, unknown foreign entries pass through, and new
// local tools append in registration order.
func mergeTools(existing []any, ours []CatalogEntry) []any {
	byName := make(map[string]CatalogEntry, len(ours))
	for _, entry := range ours {
		byName[entry.Name] = entry
	}

	placed := make(map[string]bool, len(ours))
	merged := make([]any, 0, len(existing)+len(ours))
	for _, raw := range existing {
		m, ok := raw.(map[string]any)
		if !ok {
			merged = append(merged, raw)
			continue
		}
		name, _ := m["name"].(string)
		if entry, mine := byName[name]; mine {
			merged = append(merged, entryMap(entry))
			placed[name] = true
			continue
		}
		merged = append(merged, raw)
	}
	for _, entry := range ours {
		if !placed[entry.Name] {
			merged = append(merged, entryMap(entry))
		}
	}
	return merged
}

// entryMap renders an entry as the plain map shape breadcrumb contexts
// carry. Round-tripping through JSON keeps the wire field names in one
// place (the struct tags).
func entryMap(entry CatalogEntry) map[string]any {
	raw, err := json.Marshal(entry)
	if err != nil {
		// Only RawMessage fields can fail here, and registration already
		// compiled them as valid JSON.
		return map[string]any{"name": entry.Name, "active": entry.Active}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{"name": entry.Name, "active": entry.Active}
	}
	return m
}

func catalogTitle(workspace string, count int) string {
	return fmt.Sprintf("Tool catalog for %s (%d tools)", workspace, count)
}
