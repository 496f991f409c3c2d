// Package config loads runner configuration from YAML or JSON5 files with
// $include composition and environment expansion, then overlays the RCRT
// environment variables. Flag overlays happen in cmd, giving the precedence
// flags > env > file > defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rcrtlabs/rcrt/pkg/breadcrumb"
)

// Config is the merged configuration both runners consume. Zero values mean
// "use the default"; Default() materializes them.
type Config struct {
	Store    StoreConfig    `yaml:"store"`
	Identity IdentityConfig `yaml:"identity"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Journal  JournalConfig  `yaml:"journal"`
	Secrets  SecretsConfig  `yaml:"secrets"`
	Tools    ToolsConfig    `yaml:"tools"`
	Agent    AgentConfig    `yaml:"agent"`
	LLM      LLMConfig      `yaml:"llm"`

	// Grace bounds the shutdown drain: in-flight work gets this long
	// before the runner gives up and exits.
	Grace time.Duration `yaml:"grace"`
}

// StoreConfig locates the breadcrumb store.
type StoreConfig struct {
	BaseURL string `yaml:"base_url"`

	// ProxyURL, when set, wins over BaseURL for every call.
	ProxyURL string        `yaml:"proxy_url"`
	Timeout  time.Duration `yaml:"timeout"`
}

// IdentityConfig names the runner to the store.
type IdentityConfig struct {
	Workspace string `yaml:"workspace"`
	OwnerID   string `yaml:"owner_id"`
	AgentID   string `yaml:"agent_id"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

type TracingConfig struct {
	// Endpoint is the OTLP gRPC collector address. Empty disables tracing.
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

type MetricsConfig struct {
	// Addr serves /metrics and /healthz. Empty disables the listener.
	Addr string `yaml:"addr"`
}

// JournalConfig configures the dedup journal.
type JournalConfig struct {
	// Driver selects the backend: "file" (JSONL) or "sqlite".
	Driver string `yaml:"driver"`

	// Path is the journal file. Each runner defaults its own so two
	// runners sharing a directory never share a journal.
	Path string `yaml:"path"`

	RetentionHours int `yaml:"retention_hours"`

	// SweepSchedule is a cron spec for retention sweeps.
	SweepSchedule string `yaml:"sweep_schedule"`
}

// Retention returns the configured retention as a duration.
func (j JournalConfig) Retention() time.Duration {
	return time.Duration(j.RetentionHours) * time.Hour
}

type SecretsConfig struct {
	// Bootstrap allows one-time secret creation from same-named env vars.
	Bootstrap bool `yaml:"bootstrap"`
}

// ToolsConfig governs the tool runner's registry.
type ToolsConfig struct {
	// EnableBuiltin gates the built-in executors. Nil means enabled.
	EnableBuiltin *bool `yaml:"enable_builtin"`

	// EnableMCP gates the external MCP tool provider. MCPURL selects the
	// HTTP transport; MCPCommand starts a local server over stdio and wins
	// when both are set.
	EnableMCP  bool     `yaml:"enable_mcp"`
	MCPURL     string   `yaml:"mcp_url"`
	MCPCommand string   `yaml:"mcp_command"`
	MCPArgs    []string `yaml:"mcp_args"`

	// MaxInFlight is the per-tool concurrency default.
	MaxInFlight    int           `yaml:"max_in_flight"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	// CatalogResync is a cron spec for periodic catalog republish, healing
	// entries lost to another writer's merge. Empty disables.
	CatalogResync string `yaml:"catalog_resync"`

	// Overrides adjust individual tools by name. The tool runner watches
	// the config file and republishes the catalog when these change.
	Overrides []ToolOverride `yaml:"overrides"`
}

// BuiltinEnabled resolves the EnableBuiltin tri-state.
func (t ToolsConfig) BuiltinEnabled() bool {
	return t.EnableBuiltin == nil || *t.EnableBuiltin
}

// ToolOverride adjusts one registered tool.
type ToolOverride struct {
	Name        string        `yaml:"name"`
	Enabled     *bool         `yaml:"enabled"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxInFlight int           `yaml:"max_in_flight"`
}

// AgentConfig carries agent-runner fallbacks; the agent definition
// breadcrumb overrides these per agent.
type AgentConfig struct {
	// Name selects the agent.def.v1 to host. DefinitionID pins an exact
	// breadcrumb instead.
	Name         string `yaml:"name"`
	DefinitionID string `yaml:"definition_id"`

	HistoryLimit  int           `yaml:"history_limit"`
	TokenBudget   int           `yaml:"token_budget"`
	MaxIterations int           `yaml:"max_iterations"`
	LLMTimeout    time.Duration `yaml:"llm_timeout"`
}

type LLMConfig struct {
	Providers map[string]ProviderConfig `yaml:"providers"`
}

// ProviderConfig overrides one LLM provider. API keys normally arrive via
// the provider's environment variable; a file value wins when present.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// Default returns the configuration used when no file and no environment
// overrides are present.
func Default() Config {
	return Config{
		Store: StoreConfig{
			BaseURL: "http://127.0.0.1:8081",
			Timeout: 30 * time.Second,
		},
		Identity: IdentityConfig{
			Workspace: breadcrumb.DefaultWorkspace,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			SamplingRate: 1.0,
			Insecure:     true,
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9464",
		},
		Journal: JournalConfig{
			Driver:         "file",
			RetentionHours: 24,
			SweepSchedule:  "@every 10m",
		},
		Tools: ToolsConfig{
			MaxInFlight:    4,
			DefaultTimeout: 30 * time.Second,
			CatalogResync:  "@every 5m",
		},
		Agent: AgentConfig{
			HistoryLimit:  20,
			TokenBudget:   8000,
			MaxIterations: 8,
			LLMTimeout:    60 * time.Second,
		},
		Grace: 10 * time.Second,
	}
}

// Load builds the effective configuration: defaults, then the file at path
// (optional), then the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		raw, err := LoadRaw(path)
		if err != nil {
			return nil, err
		}
		if err := decodeRaw(raw, &cfg); err != nil {
			return nil, err
		}
	}

	ApplyEnv(&cfg)
	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize canonicalizes values users write in shorthand. Load calls it;
// the cmd layer calls it again after flag overlays.
func (c *Config) Normalize() {
	ws := strings.TrimSpace(c.Identity.Workspace)
	if ws != "" {
		ws = breadcrumb.WorkspaceTag(ws)
	}
	c.Identity.Workspace = ws
}

// Validate rejects configurations no runner could start with.
func (c *Config) Validate() error {
	if c.Identity.Workspace == "" {
		return fmt.Errorf("identity.workspace is required")
	}
	switch c.Journal.Driver {
	case "file", "sqlite":
	default:
		return fmt.Errorf("journal.driver %q is not supported (file, sqlite)", c.Journal.Driver)
	}
	if c.Journal.RetentionHours <= 0 {
		return fmt.Errorf("journal.retention_hours must be positive")
	}
	if c.Tools.MaxInFlight <= 0 {
		return fmt.Errorf("tools.max_in_flight must be positive")
	}
	if c.Agent.MaxIterations <= 0 {
		return fmt.Errorf("agent.max_iterations must be positive")
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("tracing.sampling_rate must be within [0, 1]")
	}
	return nil
}
