package toolrunner

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/rcrtlabs/rcrt/internal/bus"
	"github.com/rcrtlabs/rcrt/internal/secrets"
)

// Request size and naming bounds, enforced before any executor runs.
const (
	// MaxToolNameLength is the longest accepted tool name.
	MaxToolNameLength = 256

	// MaxInputBytes caps the request input JSON (10MB).
	MaxInputBytes = 10 << 20

	// DefaultMaxInFlight bounds concurrent executions per tool when the
	// definition and config are silent.
	DefaultMaxInFlight = 4

	// DefaultTimeout bounds one execution when the definition and config
	// are silent.
	DefaultTimeout = 30 * time.Second
)

// entry is one registered tool. The semaphore channel is swapped wholesale
// when limits change, so begin returns a release closure bound to the
// channel it drew from.
type entry struct {
	exec    Executor
	def     Definition
	schema  *jsonschema.Schema
	handles map[string]*secrets.Handle
	active  bool
	reason  string
	sem     chan struct{}
}

// Registration is a read-only snapshot of one registry entry.
type Registration struct {
	Definition     Definition
	Active         bool
	InactiveReason string
}

// Registry maps tool names to executors with thread-safe registration and
// lookup. Registration order is remembered for the initial catalog publish;
// afterwards each tool changes state independently.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*entry
	order []string

	defaultMaxInFlight int
	defaultTimeout     time.Duration
}

// NewRegistry creates an empty registry. Zero defaults fall back to the
// package constants.
func NewRegistry(maxInFlight int, timeout time.Duration) *Registry {
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Registry{
		tools:              make(map[string]*entry),
		defaultMaxInFlight: maxInFlight,
		defaultTimeout:     timeout,
	}
}

// Register adds a tool. A tool with the same name is replaced in place,
// keeping its original catalog position. Tools register inactive; the
// runner activates them once their secrets resolve.
func (r *Registry) Register(exec Executor) error {
	def := exec.Definition()
	if def.Name == "" {
		return bus.NewError(bus.KindValidation, "tool definition needs a name")
	}
	if len(def.Name) > MaxToolNameLength {
		return bus.NewError(bus.KindValidation, "tool name exceeds %d characters", MaxToolNameLength)
	}

	var schema *jsonschema.Schema
	if len(def.InputSchema) > 0 {
		compiled, err := jsonschema.CompileString(def.Name+".schema.json", string(def.InputSchema))
		if err != nil {
			return bus.WrapError(bus.KindValidation, err, "compile input schema for %s", def.Name)
		}
		schema = compiled
	}

	if def.MaxInFlight <= 0 {
		def.MaxInFlight = r.defaultMaxInFlight
	}
	if def.Timeout <= 0 {
		def.Timeout = r.defaultTimeout
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; !exists {
		r.order = append(r.order, def.Name)
	}
	r.tools[def.Name] = &entry{
		exec:   exec,
		def:    def,
		schema: schema,
		sem:    make(chan struct{}, def.MaxInFlight),
	}
	return nil
}

// Activate marks a tool ready and attaches its resolved secret handles.
func (r *Registry) Activate(name string, handles map[string]*secrets.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ent, ok := r.tools[name]
	if !ok {
		return
	}
	ent.active = true
	ent.reason = ""
	ent.handles = handles
}

// Deactivate takes a tool out of service and scrubs any held plaintext.
func (r *Registry) Deactivate(name, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ent, ok := r.tools[name]
	if !ok {
		return
	}
	ent.active = false
	ent.reason = reason
	for _, h := range ent.handles {
		h.Scrub()
	}
}

// SetLimits adjusts a tool's concurrency bound and timeout. Zero values
// leave the current setting. In-flight executions finish against the old
// semaphore.
func (r *Registry) SetLimits(name string, maxInFlight int, timeout time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ent, ok := r.tools[name]
	if !ok {
		return
	}
	if maxInFlight > 0 && maxInFlight != ent.def.MaxInFlight {
		ent.def.MaxInFlight = maxInFlight
		ent.sem = make(chan struct{}, maxInFlight)
	}
	if timeout > 0 {
		ent.def.Timeout = timeout
	}
}

// Lookup returns a snapshot of one registration.
func (r *Registry) Lookup(name string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ent, ok := r.tools[name]
	if !ok {
		return Registration{}, false
	}
	return Registration{Definition: ent.def, Active: ent.active, InactiveReason: ent.reason}, true
}

// Snapshot returns all registrations in registration order.
func (r *Registry) Snapshot() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Registration, 0, len(r.order))
	for _, name := range r.order {
		ent := r.tools[name]
		out = append(out, Registration{Definition: ent.def, Active: ent.active, InactiveReason: ent.reason})
	}
	return out
}

// execution is one claimed semaphore slot plus everything the dispatcher
// needs to run the tool. release must be called exactly once.
type execution struct {
	exec    Executor
	handles map[string]*secrets.Handle
	timeout time.Duration
	release func()
}

// begin claims a slot on the tool's semaphore, waiting in FIFO order with
// other blocked requests. Unknown and inactive tools answer not-found.
func (r *Registry) begin(ctx context.Context, name string) (*execution, error) {
	r.mu.RLock()
	ent, ok := r.tools[name]
	if !ok {
		r.mu.RUnlock()
		return nil, bus.NewError(bus.KindNotFound, "unknown tool %s", name)
	}
	if !ent.active {
		reason := ent.reason
		r.mu.RUnlock()
		if reason == "" {
			reason = "tool is inactive"
		}
		return nil, bus.NewError(bus.KindNotFound, "tool %s unavailable: %s", name, reason)
	}
	sem := ent.sem
	exec := ent.exec
	handles := ent.handles
	timeout := ent.def.Timeout
	r.mu.RUnlock()

	select {
	case sem <- struct{}{}:
		return &execution{exec: exec, handles: handles, timeout: timeout, release: func() { <-sem }}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Validate checks request input against the tool's compiled schema.
func (r *Registry) Validate(name string, input json.RawMessage) error {
	if len(input) > MaxInputBytes {
		return bus.NewError(bus.KindValidation, "input exceeds %d bytes", MaxInputBytes)
	}

	r.mu.RLock()
	ent, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return bus.NewError(bus.KindNotFound, "unknown tool %s", name)
	}
	if ent.schema == nil {
		return nil
	}

	payload := input
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return bus.WrapError(bus.KindValidation, err, "input is not valid JSON")
	}
	if err := ent.schema.Validate(decoded); err != nil {
		return bus.WrapError(bus.KindValidation, err, "input rejected by schema")
	}
	return nil
}
