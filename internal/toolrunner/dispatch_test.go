package toolrunner

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rcrtlabs/rcrt/internal/bus"
	"github.com/rcrtlabs/rcrt/internal/journal"
	"github.com/rcrtlabs/rcrt/internal/observability"
	"github.com/rcrtlabs/rcrt/pkg/breadcrumb"
)

// fakeStore is an in-memory bus for dispatcher tests. Created breadcrumbs
// are collected for assertions; GetFull serves pre-seeded records.
type fakeStore struct {
	mu      sync.Mutex
	crumbs  map[string]*breadcrumb.Breadcrumb
	created []*breadcrumb.Breadcrumb

	createErr error
	nextID    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{crumbs: make(map[string]*breadcrumb.Breadcrumb)}
}

func (f *fakeStore) seed(b *breadcrumb.Breadcrumb) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.crumbs[b.ID] = b
}

func (f *fakeStore) GetFull(_ context.Context, id string) (*breadcrumb.Breadcrumb, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.crumbs[id]
	if !ok {
		return nil, bus.NewError(bus.KindNotFound, "breadcrumb %s not found", id)
	}
	return b, nil
}

func (f *fakeStore) Create(_ context.Context, b *breadcrumb.Breadcrumb, _ ...bus.CreateOption) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextID++
	id := fmt.Sprintf("created-%d", f.nextID)
	f.created = append(f.created, b)
	return id, nil
}

func (f *fakeStore) responses() []*breadcrumb.Breadcrumb {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*breadcrumb.Breadcrumb, len(f.created))
	copy(out, f.created)
	return out
}

// fakeJournal is an in-memory journal.Store.
type fakeJournal struct {
	mu      sync.Mutex
	seen    map[string]bool
	seenErr error
}

func newFakeJournal() *fakeJournal {
	return &fakeJournal{seen: make(map[string]bool)}
}

func (f *fakeJournal) Seen(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seenErr != nil {
		return false, f.seenErr
	}
	return f.seen[key], nil
}

func (f *fakeJournal) Record(_ context.Context, e journal.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen[e.Key] = true
	return nil
}

func (f *fakeJournal) Sweep(context.Context, time.Time) (int, error) { return 0, nil }
func (f *fakeJournal) Close() error                                 { return nil }

func testDispatcher(t *testing.T, exec Executor) (*Dispatcher, *fakeStore, *fakeJournal) {
	t.Helper()
	registry := NewRegistry(0, 200*time.Millisecond)
	if exec != nil {
		if err := registry.Register(exec); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
		registry.Activate(exec.Definition().Name, nil)
	}
	st := newFakeStore()
	jnl := newFakeJournal()
	d := NewDispatcher(registry, st, jnl, "workspace:tools",
		observability.NewMetrics(), observability.NewLogger(observability.LogConfig{Level: "error"}))
	return d, st, jnl
}

func dispatch(t *testing.T, d *Dispatcher, st *fakeStore, ctx map[string]any) *breadcrumb.Breadcrumb {
	t.Helper()
	req := requestCrumb(ctx)
	st.seed(req)
	d.process(context.Background(), req.ID)

	resps := st.responses()
	if len(resps) != 1 {
		t.Fatalf("published %d responses, want 1", len(resps))
	}
	return resps[0]
}

func TestDispatcher_EchoRoundTrip(t *testing.T) {
	d, st, jnl := testDispatcher(t, echoTool())

	resp := dispatch(t, d, st, map[string]any{
		"tool":      "echo",
		"requestId": "req-1",
		"input":     map[string]any{"text": "hello"},
	})

	if resp.Context["status"] != StatusSuccess {
		t.Fatalf("status = %v, context %v", resp.Context["status"], resp.Context)
	}
	output, ok := resp.Context["output"].(map[string]any)
	if !ok || output["text"] != "hello" {
		t.Errorf("output = %v", resp.Context["output"])
	}
	if resp.Context["requestId"] != "req-1" {
		t.Errorf("requestId = %v", resp.Context["requestId"])
	}

	if seen, _ := jnl.Seen(context.Background(), journal.RequestKey("req-1")); !seen {
		t.Error("request not journaled after publish")
	}
}

func TestDispatcher_UnknownTool(t *testing.T) {
	d, st, _ := testDispatcher(t, echoTool())

	resp := dispatch(t, d, st, map[string]any{
		"tool":      "ghost",
		"requestId": "req-2",
	})

	errBlock := resp.Context["error"].(map[string]any)
	if errBlock["kind"] != string(bus.KindNotFound) {
		t.Errorf("error.kind = %v, want not-found", errBlock["kind"])
	}
}

func TestDispatcher_MissingRequestID(t *testing.T) {
	d, st, jnl := testDispatcher(t, echoTool())

	resp := dispatch(t, d, st, map[string]any{
		"tool":  "echo",
		"input": map[string]any{"text": "hi"},
	})

	errBlock := resp.Context["error"].(map[string]any)
	if errBlock["kind"] != string(bus.KindValidation) {
		t.Errorf("error.kind = %v, want validation", errBlock["kind"])
	}
	// Correlated and journaled by breadcrumb id so a redelivery stays quiet.
	if resp.Context["requestId"] != "bc-123" {
		t.Errorf("requestId = %v, want breadcrumb id", resp.Context["requestId"])
	}
	if seen, _ := jnl.Seen(context.Background(), journal.RequestKey("bc-123")); !seen {
		t.Error("validation response not journaled")
	}
}

func TestDispatcher_InvalidInput(t *testing.T) {
	d, st, _ := testDispatcher(t, echoTool())

	resp := dispatch(t, d, st, map[string]any{
		"tool":      "echo",
		"requestId": "req-3",
		"input":     map[string]any{"text": 42},
	})

	errBlock := resp.Context["error"].(map[string]any)
	if errBlock["kind"] != string(bus.KindValidation) {
		t.Errorf("error.kind = %v, want validation", errBlock["kind"])
	}
}

func TestDispatcher_RedeliverySkipped(t *testing.T) {
	d, st, jnl := testDispatcher(t, echoTool())
	if err := jnl.Record(context.Background(), journal.Entry{Key: journal.RequestKey("req-4"), Kind: "tool.response"}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	req := requestCrumb(map[string]any{
		"tool":      "echo",
		"requestId": "req-4",
		"input":     map[string]any{"text": "again"},
	})
	st.seed(req)
	d.process(context.Background(), req.ID)

	if got := len(st.responses()); got != 0 {
		t.Errorf("published %d responses for journaled request, want 0", got)
	}
}

func TestDispatcher_JournalReadFailureFailsOpen(t *testing.T) {
	d, st, jnl := testDispatcher(t, echoTool())
	jnl.seenErr = fmt.Errorf("disk gone")

	req := requestCrumb(map[string]any{
		"tool":      "echo",
		"requestId": "req-5",
		"input":     map[string]any{"text": "x"},
	})
	st.seed(req)
	d.process(context.Background(), req.ID)

	if got := len(st.responses()); got != 1 {
		t.Errorf("published %d responses with broken journal, want 1 (at-least-once)", got)
	}
}

func TestDispatcher_PanicBecomesExecutorFault(t *testing.T) {
	panicky := &scriptedTool{
		def: Definition{Name: "boom"},
		fn: func(context.Context, Invocation) (any, error) {
			panic("kaboom")
		},
	}
	d, st, _ := testDispatcher(t, panicky)

	resp := dispatch(t, d, st, map[string]any{
		"tool":      "boom",
		"requestId": "req-6",
	})

	errBlock := resp.Context["error"].(map[string]any)
	if errBlock["kind"] != string(bus.KindExecutorFault) {
		t.Errorf("error.kind = %v, want executor-fault", errBlock["kind"])
	}
}

func TestDispatcher_Timeout(t *testing.T) {
	slow := &scriptedTool{
		def: Definition{Name: "slow", Timeout: 30 * time.Millisecond},
		fn: func(ctx context.Context, _ Invocation) (any, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return "too late", nil
			}
		},
	}
	d, st, _ := testDispatcher(t, slow)

	resp := dispatch(t, d, st, map[string]any{
		"tool":      "slow",
		"requestId": "req-7",
	})

	errBlock := resp.Context["error"].(map[string]any)
	if errBlock["kind"] != string(bus.KindTimeout) {
		t.Errorf("error.kind = %v, want timeout", errBlock["kind"])
	}
}

func TestDispatcher_ConflictCountsAsServed(t *testing.T) {
	d, st, jnl := testDispatcher(t, echoTool())
	st.createErr = bus.NewError(bus.KindConflict, "idempotency key already used")

	req := requestCrumb(map[string]any{
		"tool":      "echo",
		"requestId": "req-8",
		"input":     map[string]any{"text": "x"},
	})
	st.seed(req)
	d.process(context.Background(), req.ID)

	// Another runner won the publish race; the journal still records ours.
	if seen, _ := jnl.Seen(context.Background(), journal.RequestKey("req-8")); !seen {
		t.Error("conflicted publish not journaled")
	}
}

func TestDispatcher_PublishFailureLeavesUnjournaled(t *testing.T) {
	d, st, jnl := testDispatcher(t, echoTool())
	st.createErr = bus.NewError(bus.KindTransport, "store unreachable")

	req := requestCrumb(map[string]any{
		"tool":      "echo",
		"requestId": "req-9",
		"input":     map[string]any{"text": "x"},
	})
	st.seed(req)
	d.process(context.Background(), req.ID)

	if seen, _ := jnl.Seen(context.Background(), journal.RequestKey("req-9")); seen {
		t.Error("failed publish was journaled; redelivery could never retry")
	}
}

func TestDispatcher_HandleEventIgnoresDeletes(t *testing.T) {
	d, st, _ := testDispatcher(t, echoTool())

	d.HandleEvent(context.Background(), breadcrumb.Event{
		Type:         breadcrumb.EventDeleted,
		BreadcrumbID: "bc-123",
	})
	if !d.Drain(time.Second) {
		t.Fatal("Drain timed out")
	}
	if got := len(st.responses()); got != 0 {
		t.Errorf("published %d responses for a delete event, want 0", got)
	}
}

func TestDispatcher_HandleEventProcessesCreates(t *testing.T) {
	d, st, _ := testDispatcher(t, echoTool())
	req := requestCrumb(map[string]any{
		"tool":      "echo",
		"requestId": "req-10",
		"input":     map[string]any{"text": "via event"},
	})
	st.seed(req)

	d.HandleEvent(context.Background(), breadcrumb.Event{
		Type:         breadcrumb.EventCreated,
		BreadcrumbID: req.ID,
		SchemaName:   breadcrumb.SchemaToolRequest,
	})
	if !d.Drain(2 * time.Second) {
		t.Fatal("Drain timed out")
	}

	resps := st.responses()
	if len(resps) != 1 {
		t.Fatalf("published %d responses, want 1", len(resps))
	}
	var decoded map[string]any
	raw, _ := json.Marshal(resps[0].Context["output"])
	if err := json.Unmarshal(raw, &decoded); err != nil || decoded["text"] != "via event" {
		t.Errorf("output = %v (err %v)", decoded, err)
	}
}
