package toolrunner

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rcrtlabs/rcrt/internal/bus"
)

// scriptedTool is a configurable executor for registry and dispatch tests.
type scriptedTool struct {
	def Definition
	fn  func(ctx context.Context, inv Invocation) (any, error)
}

func (s *scriptedTool) Definition() Definition { return s.def }

func (s *scriptedTool) Execute(ctx context.Context, inv Invocation) (any, error) {
	if s.fn == nil {
		return map[string]any{"ok": true}, nil
	}
	return s.fn(ctx, inv)
}

func echoTool() *scriptedTool {
	return &scriptedTool{
		def: Definition{
			Name:        "echo",
			Description: "echoes its input",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
		},
		fn: func(_ context.Context, inv Invocation) (any, error) {
			var in struct {
				Text string `json:"text"`
			}
			if err := inv.Decode(&in); err != nil {
				return nil, err
			}
			return map[string]any{"text": in.Text}, nil
		},
	}
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry(0, 0)
	if err := r.Register(echoTool()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	reg, ok := r.Lookup("echo")
	if !ok {
		t.Fatal("Lookup(echo) not found")
	}
	if reg.Active {
		t.Error("tools must register inactive until secrets resolve")
	}
	if reg.Definition.MaxInFlight != DefaultMaxInFlight {
		t.Errorf("MaxInFlight = %d, want default %d", reg.Definition.MaxInFlight, DefaultMaxInFlight)
	}
	if reg.Definition.Timeout != DefaultTimeout {
		t.Errorf("Timeout = %v, want default %v", reg.Definition.Timeout, DefaultTimeout)
	}
}

func TestRegistry_RejectsBadDefinitions(t *testing.T) {
	r := NewRegistry(0, 0)

	err := r.Register(&scriptedTool{def: Definition{}})
	if !bus.IsKind(err, bus.KindValidation) {
		t.Errorf("Register(unnamed) error = %v, want validation", err)
	}

	err = r.Register(&scriptedTool{def: Definition{Name: "bad", InputSchema: json.RawMessage(`{"type":`)}})
	if !bus.IsKind(err, bus.KindValidation) {
		t.Errorf("Register(broken schema) error = %v, want validation", err)
	}
}

func TestRegistry_SnapshotKeepsRegistrationOrder(t *testing.T) {
	r := NewRegistry(0, 0)
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := r.Register(&scriptedTool{def: Definition{Name: name}}); err != nil {
			t.Fatalf("Register(%s) error = %v", name, err)
		}
	}
	// Re-registering keeps the original position.
	if err := r.Register(&scriptedTool{def: Definition{Name: "zeta", Description: "v2"}}); err != nil {
		t.Fatalf("Register(zeta v2) error = %v", err)
	}

	snap := r.Snapshot()
	want := []string{"zeta", "alpha", "mid"}
	if len(snap) != len(want) {
		t.Fatalf("Snapshot len = %d, want %d", len(snap), len(want))
	}
	for i, name := range want {
		if snap[i].Definition.Name != name {
			t.Errorf("Snapshot[%d] = %q, want %q", i, snap[i].Definition.Name, name)
		}
	}
	if snap[0].Definition.Description != "v2" {
		t.Error("re-registration did not replace the definition")
	}
}

func TestRegistry_ActivateDeactivate(t *testing.T) {
	r := NewRegistry(0, 0)
	if err := r.Register(echoTool()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	r.Activate("echo", nil)
	if reg, _ := r.Lookup("echo"); !reg.Active {
		t.Error("Activate did not flip state")
	}

	r.Deactivate("echo", "disabled by configuration")
	reg, _ := r.Lookup("echo")
	if reg.Active {
		t.Error("Deactivate did not flip state")
	}
	if reg.InactiveReason != "disabled by configuration" {
		t.Errorf("InactiveReason = %q", reg.InactiveReason)
	}

	// Unknown names are ignored, not a panic.
	r.Activate("ghost", nil)
	r.Deactivate("ghost", "x")
}

func TestRegistry_BeginUnknownAndInactive(t *testing.T) {
	r := NewRegistry(0, 0)
	if err := r.Register(echoTool()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if _, err := r.begin(context.Background(), "ghost"); !bus.IsKind(err, bus.KindNotFound) {
		t.Errorf("begin(ghost) error = %v, want not-found", err)
	}
	if _, err := r.begin(context.Background(), "echo"); !bus.IsKind(err, bus.KindNotFound) {
		t.Errorf("begin(inactive) error = %v, want not-found", err)
	}
}

func TestRegistry_SemaphoreBoundsConcurrency(t *testing.T) {
	r := NewRegistry(2, time.Second)
	if err := r.Register(&scriptedTool{def: Definition{Name: "slow"}}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	r.Activate("slow", nil)

	var inFlight, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			exec, err := r.begin(context.Background(), "slow")
			if err != nil {
				t.Errorf("begin() error = %v", err)
				return
			}
			defer exec.release()

			now := inFlight.Add(1)
			for {
				p := peak.Load()
				if now <= p || peak.CompareAndSwap(p, now) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			inFlight.Add(-1)
		}()
	}
	wg.Wait()

	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", got)
	}
}

func TestRegistry_SetLimits(t *testing.T) {
	r := NewRegistry(0, 0)
	if err := r.Register(echoTool()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	r.SetLimits("echo", 9, 5*time.Second)
	reg, _ := r.Lookup("echo")
	if reg.Definition.MaxInFlight != 9 {
		t.Errorf("MaxInFlight = %d, want 9", reg.Definition.MaxInFlight)
	}
	if reg.Definition.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v, want 5s", reg.Definition.Timeout)
	}

	// Zero values leave settings alone.
	r.SetLimits("echo", 0, 0)
	reg, _ = r.Lookup("echo")
	if reg.Definition.MaxInFlight != 9 || reg.Definition.Timeout != 5*time.Second {
		t.Errorf("zero-value SetLimits changed settings: %+v", reg.Definition)
	}
}

func TestRegistry_Validate(t *testing.T) {
	r := NewRegistry(0, 0)
	if err := r.Register(echoTool()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if err := r.Validate("echo", json.RawMessage(`{"text":"hi"}`)); err != nil {
		t.Errorf("Validate(valid) = %v", err)
	}
	if err := r.Validate("echo", json.RawMessage(`{"text":42}`)); !bus.IsKind(err, bus.KindValidation) {
		t.Errorf("Validate(wrong type) = %v, want validation", err)
	}
	if err := r.Validate("echo", json.RawMessage(`{}`)); !bus.IsKind(err, bus.KindValidation) {
		t.Errorf("Validate(missing required) = %v, want validation", err)
	}
	if err := r.Validate("echo", json.RawMessage(`not json`)); !bus.IsKind(err, bus.KindValidation) {
		t.Errorf("Validate(garbage) = %v, want validation", err)
	}
	if err := r.Validate("ghost", nil); !bus.IsKind(err, bus.KindNotFound) {
		t.Errorf("Validate(unknown tool) = %v, want not-found", err)
	}
}

func TestRegistry_ValidateNoSchemaAcceptsAnything(t *testing.T) {
	r := NewRegistry(0, 0)
	if err := r.Register(&scriptedTool{def: Definition{Name: "free"}}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.Validate("free", json.RawMessage(`{"whatever":[1,2,3]}`)); err != nil {
		t.Errorf("Validate(schemaless) = %v", err)
	}
	if err := r.Validate("free", nil); err != nil {
		t.Errorf("Validate(schemaless, empty) = %v", err)
	}
}
