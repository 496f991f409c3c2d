// Package secrets resolves the secret references tools declare against the
// store's encrypted secret records. Plaintext is only ever obtained through
// the store's audited decrypt call and lives no longer than one tool
// invocation.
package secrets

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rcrtlabs/rcrt/internal/bus"
	"github.com/rcrtlabs/rcrt/internal/observability"
	"github.com/rcrtlabs/rcrt/pkg/breadcrumb"
)

// Scope types, most specific first.
const (
	ScopeAgent     = "agent"
	ScopeWorkspace = "workspace"
	ScopeGlobal    = "global"
)

// configRequestTTL bounds how long an unanswered config request lingers
// before external hygiene may purge it.
const configRequestTTL = 7 * 24 * time.Hour

// Ref declares one secret a tool requires. An empty ScopeType means "search
// all scopes, most specific first".
type Ref struct {
	Name      string `json:"name" yaml:"name"`
	ScopeType string `json:"scope_type,omitempty" yaml:"scope_type"`
	ScopeID   string `json:"scope_id,omitempty" yaml:"scope_id"`
}

func (r Ref) String() string {
	if r.ScopeType == "" {
		return r.Name
	}
	if r.ScopeID == "" {
		return fmt.Sprintf("%s (%s)", r.Name, r.ScopeType)
	}
	return fmt.Sprintf("%s (%s:%s)", r.Name, r.ScopeType, r.ScopeID)
}

// Store is the slice of the bus client the manager needs.
type Store interface {
	ListSecrets(ctx context.Context, scopeType, scopeID string) ([]bus.SecretRecord, error)
	CreateSecret(ctx context.Context, name, scopeType, scopeID, value string) (string, error)
	DecryptSecret(ctx context.Context, id, reason string) (string, error)
}

// Publisher emits breadcrumbs; the manager uses it for config requests.
type Publisher interface {
	Create(ctx context.Context, b *breadcrumb.Breadcrumb, opts ...bus.CreateOption) (string, error)
}

// Config configures a Manager.
type Config struct {
	// Workspace and AgentID fill in scope ids for refs that omit them.
	Workspace string
	AgentID   string

	// Bootstrap allows a one-time create from a same-named environment
	// variable when a required secret is missing. Default off.
	Bootstrap bool

	Logger *observability.Logger
}

// Manager resolves secret references. Resolution results (ids, never
// plaintext) are cached for the life of the process.
type Manager struct {
	store  Store
	cfg    Config
	logger *observability.Logger

	mu    sync.RWMutex
	index map[string]string // scope key -> secret id
}

// NewManager builds a Manager over the given store.
func NewManager(store Store, cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Manager{
		store:  store,
		cfg:    cfg,
		logger: logger.WithFields("component", "secrets"),
		index:  make(map[string]string),
	}
}

// scope is one concrete (type, id) to search.
type scope struct {
	Type string
	ID   string
}

// scopes expands a ref into the concrete scopes to search, most specific
// first. A ref naming a scope searches only that scope.
func (m *Manager) scopes(ref Ref) []scope {
	if ref.ScopeType != "" {
		return []scope{{Type: ref.ScopeType, ID: m.scopeID(ref.ScopeType, ref.ScopeID)}}
	}
	return []scope{
		{Type: ScopeAgent, ID: m.cfg.AgentID},
		{Type: ScopeWorkspace, ID: m.cfg.Workspace},
		{Type: ScopeGlobal},
	}
}

func (m *Manager) scopeID(scopeType, explicit string) string {
	if explicit != "" {
		return explicit
	}
	switch scopeType {
	case ScopeAgent:
		return m.cfg.AgentID
	case ScopeWorkspace:
		return m.cfg.Workspace
	}
	return ""
}

func scopeKey(name string, s scope) string {
	return s.Type + "\x00" + s.ID + "\x00" + name
}

// Resolve finds the secret a ref names and returns a handle to it. The
// search order is agent > workspace > global; first hit wins. A miss in
// every scope is a config-missing error.
func (m *Manager) Resolve(ctx context.Context, ref Ref) (*Handle, error) {
	for _, s := range m.scopes(ref) {
		key := scopeKey(ref.Name, s)

		m.mu.RLock()
		id, ok := m.index[key]
		m.mu.RUnlock()
		if ok {
			return m.handle(id, ref.Name), nil
		}

		records, err := m.store.ListSecrets(ctx, s.Type, s.ID)
		if err != nil {
			return nil, fmt.Errorf("list %s secrets: %w", s.Type, err)
		}
		for _, rec := range records {
			m.mu.Lock()
			m.index[scopeKey(rec.Name, scope{Type: rec.ScopeType, ID: rec.ScopeID})] = rec.ID
			m.mu.Unlock()
		}

		m.mu.RLock()
		id, ok = m.index[key]
		m.mu.RUnlock()
		if ok {
			return m.handle(id, ref.Name), nil
		}
	}
	return nil, bus.NewError(bus.KindConfigMissing, "secret %s not found in any scope", ref)
}

// Prepare resolves every ref, bootstrapping from the environment where
// allowed. It returns handles for the resolved secrets and the refs that
// remain missing; those tools stay inactive.
func (m *Manager) Prepare(ctx context.Context, refs []Ref) (map[string]*Handle, []Ref, error) {
	resolved := make(map[string]*Handle, len(refs))
	var missing []Ref

	for _, ref := range refs {
		h, err := m.Resolve(ctx, ref)
		if err == nil {
			resolved[ref.Name] = h
			continue
		}
		if !bus.IsKind(err, bus.KindConfigMissing) {
			return nil, nil, err
		}

		if m.cfg.Bootstrap {
			if value, ok := os.LookupEnv(ref.Name); ok && value != "" {
				h, err := m.bootstrap(ctx, ref, value)
				if err != nil {
					return nil, nil, err
				}
				resolved[ref.Name] = h
				continue
			}
		}
		missing = append(missing, ref)
	}
	return resolved, missing, nil
}

// bootstrap creates a missing secret from an environment value. Refs that
// omit a scope land at workspace scope, where every runner in the
// workspace can reach them.
func (m *Manager) bootstrap(ctx context.Context, ref Ref, value string) (*Handle, error) {
	scopeType := ref.ScopeType
	if scopeType == "" {
		scopeType = ScopeWorkspace
	}
	scopeID := m.scopeID(scopeType, ref.ScopeID)

	id, err := m.store.CreateSecret(ctx, ref.Name, scopeType, scopeID, value)
	if err != nil {
		return nil, fmt.Errorf("bootstrap secret %s: %w", ref.Name, err)
	}
	m.logger.Info(ctx, "bootstrapped secret from environment",
		"name", ref.Name, "scope_type", scopeType)

	m.mu.Lock()
	m.index[scopeKey(ref.Name, scope{Type: scopeType, ID: scopeID})] = id
	m.mu.Unlock()

	return m.handle(id, ref.Name), nil
}

// ReportMissing publishes one tool.config.request.v1 enumerating every
// missing secret, so an operator can supply them. Returns the breadcrumb
// id, or "" when nothing is missing.
func (m *Manager) ReportMissing(ctx context.Context, pub Publisher, missing []Ref) (string, error) {
	if len(missing) == 0 {
		return "", nil
	}

	entries := make([]map[string]any, 0, len(missing))
	for _, ref := range missing {
		entry := map[string]any{"name": ref.Name}
		if ref.ScopeType != "" {
			entry["scope_type"] = ref.ScopeType
		}
		if ref.ScopeID != "" {
			entry["scope_id"] = ref.ScopeID
		}
		entries = append(entries, entry)
	}

	ttl := time.Now().UTC().Add(configRequestTTL)
	id, err := pub.Create(ctx, &breadcrumb.Breadcrumb{
		Title:      fmt.Sprintf("Secrets needed for %d tool(s)", len(missing)),
		SchemaName: breadcrumb.SchemaToolConfigRequest,
		Tags:       []string{m.cfg.Workspace, breadcrumb.TagConfigRequest},
		Context: map[string]any{
			"missing":     entries,
			"requestedBy": m.cfg.AgentID,
			"workspace":   m.cfg.Workspace,
		},
		TTL: &ttl,
	})
	if err != nil {
		return "", fmt.Errorf("publish config request: %w", err)
	}
	m.logger.Warn(ctx, "missing secrets reported", "count", len(missing), "breadcrumb_id", id)
	return id, nil
}

func (m *Manager) handle(id, name string) *Handle {
	return &Handle{ID: id, Name: name, store: m.store, logger: m.logger}
}
