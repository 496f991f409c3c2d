package toolrunner

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/rcrtlabs/rcrt/internal/bus"
	"github.com/rcrtlabs/rcrt/internal/observability"
	"github.com/rcrtlabs/rcrt/pkg/breadcrumb"
)

// fakeCatalogStore scripts the catalog read/write cycle, including injected
// version conflicts.
type fakeCatalogStore struct {
	mu sync.Mutex

	catalogs map[string]*breadcrumb.Breadcrumb
	created  []*breadcrumb.Breadcrumb

	conflictsLeft int
	updates       int
}

func newFakeCatalogStore() *fakeCatalogStore {
	return &fakeCatalogStore{catalogs: make(map[string]*breadcrumb.Breadcrumb)}
}

func (f *fakeCatalogStore) List(_ context.Context, sel breadcrumb.Selector) ([]breadcrumb.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []breadcrumb.Summary
	for _, b := range f.catalogs {
		if sel.SchemaName != "" && b.SchemaName != sel.SchemaName {
			continue
		}
		out = append(out, breadcrumb.Summary{ID: b.ID, Title: b.Title, Tags: b.Tags, SchemaName: b.SchemaName, Version: b.Version})
	}
	return out, nil
}

func (f *fakeCatalogStore) GetFull(_ context.Context, id string) (*breadcrumb.Breadcrumb, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.catalogs[id]
	if !ok {
		return nil, bus.NewError(bus.KindNotFound, "breadcrumb %s not found", id)
	}
	return b, nil
}

func (f *fakeCatalogStore) Create(_ context.Context, b *breadcrumb.Breadcrumb, _ ...bus.CreateOption) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, b)
	if b.SchemaName == breadcrumb.SchemaToolCatalog {
		stored := *b
		stored.ID = "cat-1"
		stored.Version = 1
		f.catalogs[stored.ID] = &stored
		return stored.ID, nil
	}
	return "msg-1", nil
}

func (f *fakeCatalogStore) Update(_ context.Context, id string, version int, patch bus.Patch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	if f.conflictsLeft > 0 {
		f.conflictsLeft--
		// Simulate a racing writer bumping the version.
		if b, ok := f.catalogs[id]; ok {
			b.Version++
		}
		return bus.NewError(bus.KindConflict, "version mismatch")
	}
	b, ok := f.catalogs[id]
	if !ok {
		return bus.NewError(bus.KindNotFound, "breadcrumb %s not found", id)
	}
	if version != b.Version {
		return bus.NewError(bus.KindConflict, "version mismatch")
	}
	if patch.Title != nil {
		b.Title = *patch.Title
	}
	if patch.Context != nil {
		b.Context = patch.Context
	}
	b.Version++
	return nil
}

func (f *fakeCatalogStore) responses() []*breadcrumb.Breadcrumb {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*breadcrumb.Breadcrumb, len(f.created))
	copy(out, f.created)
	return out
}

func (f *fakeCatalogStore) systemMessages() []*breadcrumb.Breadcrumb {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*breadcrumb.Breadcrumb
	for _, b := range f.created {
		if b.SchemaName == breadcrumb.SchemaSystemMessage {
			out = append(out, b)
		}
	}
	return out
}

func testCatalog(t *testing.T, st catalogStore, tools ...string) *Catalog {
	t.Helper()
	registry := NewRegistry(0, 0)
	for _, name := range tools {
		if err := registry.Register(&scriptedTool{def: Definition{Name: name, Description: name + " tool"}}); err != nil {
			t.Fatalf("Register(%s) error = %v", name, err)
		}
		registry.Activate(name, nil)
	}
	return NewCatalog(st, registry, "workspace:tools",
		observability.NewMetrics(), observability.NewLogger(observability.LogConfig{Level: "error"}))
}

func toolNames(b *breadcrumb.Breadcrumb) []string {
	tools, _ := b.Context["tools"].([]any)
	names := make([]string, 0, len(tools))
	for _, raw := range tools {
		m, _ := raw.(map[string]any)
		if name, ok := m["name"].(string); ok {
			names = append(names, name)
		}
	}
	return names
}

func TestCatalog_CreatesWhenAbsent(t *testing.T) {
	st := newFakeCatalogStore()
	cat := testCatalog(t, st, "echo", "random")

	if err := cat.Publish(context.Background()); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	stored := st.catalogs["cat-1"]
	if stored == nil {
		t.Fatal("catalog was not created")
	}
	if got := toolNames(stored); len(got) != 2 || got[0] != "echo" || got[1] != "random" {
		t.Errorf("tools = %v, want [echo random]", got)
	}
	if !strings.Contains(stored.Title, "workspace:tools") {
		t.Errorf("Title = %q, want workspace named", stored.Title)
	}
	wantTags := []string{"workspace:tools", breadcrumb.TagToolCatalog}
	for i, tag := range wantTags {
		if stored.Tags[i] != tag {
			t.Errorf("Tags[%d] = %q, want %q", i, stored.Tags[i], tag)
		}
	}
}

func TestCatalog_MergeKeepsForeignTools(t *testing.T) {
	st := newFakeCatalogStore()
	st.catalogs["cat-1"] = &breadcrumb.Breadcrumb{
		ID:         "cat-1",
		Version:    3,
		SchemaName: breadcrumb.SchemaToolCatalog,
		Tags:       []string{"workspace:tools", breadcrumb.TagToolCatalog},
		Context: map[string]any{
			"workspace": "workspace:tools",
			"tools": []any{
				map[string]any{"name": "echo", "description": "stale local state", "active": false},
				map[string]any{"name": "foreign_tool", "description": "someone else's", "active": true},
			},
		},
	}
	cat := testCatalog(t, st, "echo", "random")

	if err := cat.Publish(context.Background()); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	stored := st.catalogs["cat-1"]
	got := toolNames(stored)
	want := []string{"echo", "foreign_tool", "random"}
	if len(got) != len(want) {
		t.Fatalf("tools = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("tools[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	tools := stored.Context["tools"].([]any)
	ours := tools[0].(map[string]any)
	if ours["description"] != "echo tool" || ours["active"] != true {
		t.Errorf("our entry not overwritten: %v", ours)
	}
	theirs := tools[1].(map[string]any)
	if theirs["description"] != "someone else's" {
		t.Errorf("foreign entry touched: %v", theirs)
	}
}

func TestCatalog_RetriesConflictThenSucceeds(t *testing.T) {
	st := newFakeCatalogStore()
	st.catalogs["cat-1"] = &breadcrumb.Breadcrumb{
		ID:         "cat-1",
		Version:    1,
		SchemaName: breadcrumb.SchemaToolCatalog,
		Context:    map[string]any{"tools": []any{}},
	}
	st.conflictsLeft = 2
	cat := testCatalog(t, st, "echo")

	if err := cat.Publish(context.Background()); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if st.updates != 3 {
		t.Errorf("updates = %d, want 3 (two conflicts + success)", st.updates)
	}
}

func TestCatalog_ConflictExhaustionIsFatal(t *testing.T) {
	st := newFakeCatalogStore()
	st.catalogs["cat-1"] = &breadcrumb.Breadcrumb{
		ID:         "cat-1",
		Version:    1,
		SchemaName: breadcrumb.SchemaToolCatalog,
		Context:    map[string]any{"tools": []any{}},
	}
	st.conflictsLeft = 100
	cat := testCatalog(t, st, "echo")

	err := cat.Publish(context.Background())
	if !bus.IsKind(err, bus.KindFatal) {
		t.Fatalf("Publish() error = %v, want fatal", err)
	}
	if st.updates != catalogConflictRetries {
		t.Errorf("updates = %d, want %d", st.updates, catalogConflictRetries)
	}

	msgs := st.systemMessages()
	if len(msgs) != 1 {
		t.Fatalf("system messages = %d, want 1", len(msgs))
	}
	if msgs[0].Context["component"] != "toolrunner" {
		t.Errorf("system message context = %v", msgs[0].Context)
	}
}

func TestCatalog_DuplicatesLowestIDWins(t *testing.T) {
	st := newFakeCatalogStore()
	for _, id := range []string{"cat-9", "cat-2", "cat-5"} {
		st.catalogs[id] = &breadcrumb.Breadcrumb{
			ID:         id,
			Version:    1,
			SchemaName: breadcrumb.SchemaToolCatalog,
			Context:    map[string]any{"tools": []any{}},
		}
	}
	cat := testCatalog(t, st, "echo")

	if err := cat.Publish(context.Background()); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if got := toolNames(st.catalogs["cat-2"]); len(got) != 1 || got[0] != "echo" {
		t.Errorf("lowest-id catalog tools = %v, want [echo]", got)
	}
	for _, id := range []string{"cat-5", "cat-9"} {
		if got := toolNames(st.catalogs[id]); len(got) != 0 {
			t.Errorf("catalog %s was written: %v", id, got)
		}
	}
	if len(st.catalogs) != 3 {
		t.Errorf("catalog count = %d, duplicates must never be deleted", len(st.catalogs))
	}
}

func TestCatalog_PublishInactive(t *testing.T) {
	st := newFakeCatalogStore()
	cat := testCatalog(t, st, "echo")

	if err := cat.PublishInactive(context.Background(), "runner shutting down"); err != nil {
		t.Fatalf("PublishInactive() error = %v", err)
	}

	tools := st.catalogs["cat-1"].Context["tools"].([]any)
	entry := tools[0].(map[string]any)
	if entry["active"] != false {
		t.Errorf("active = %v, want false", entry["active"])
	}
	if entry["inactive_reason"] != "runner shutting down" {
		t.Errorf("inactive_reason = %v", entry["inactive_reason"])
	}
}
