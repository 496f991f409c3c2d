package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment variables recognized by both runners.
const (
	EnvBaseURL          = "RCRT_BASE_URL"
	EnvProxyURL         = "RCRT_PROXY_URL"
	EnvHTTPTimeout      = "RCRT_HTTP_TIMEOUT"
	EnvWorkspace        = "WORKSPACE"
	EnvOwnerID          = "OWNER_ID"
	EnvAgentID          = "AGENT_ID"
	EnvBuiltinTools     = "ENABLE_BUILTIN_TOOLS"
	EnvLangchainTools   = "ENABLE_LANGCHAIN_TOOLS"
	EnvMCPURL           = "RCRT_MCP_URL"
	EnvMCPCommand       = "RCRT_MCP_COMMAND"
	EnvRetentionHours   = "RCRT_RETENTION_HOURS"
	EnvSecretsBootstrap = "RCRT_SECRETS_BOOTSTRAP"
	EnvJournalPath      = "RCRT_JOURNAL_PATH"
	EnvJournalDriver    = "RCRT_JOURNAL_DRIVER"
	EnvMetricsAddr      = "RCRT_METRICS_ADDR"
	EnvOTLPEndpoint     = "OTEL_EXPORTER_OTLP_ENDPOINT"
)

// ApplyEnv overlays recognized environment variables onto cfg. Unset
// variables leave the current value alone.
func ApplyEnv(cfg *Config) {
	envString(&cfg.Store.BaseURL, EnvBaseURL)
	envString(&cfg.Store.ProxyURL, EnvProxyURL)
	envDuration(&cfg.Store.Timeout, EnvHTTPTimeout)

	envString(&cfg.Identity.Workspace, EnvWorkspace)
	envString(&cfg.Identity.OwnerID, EnvOwnerID)
	envString(&cfg.Identity.AgentID, EnvAgentID)

	envBoolPtr(&cfg.Tools.EnableBuiltin, EnvBuiltinTools)
	envBool(&cfg.Tools.EnableMCP, EnvLangchainTools)
	envString(&cfg.Tools.MCPURL, EnvMCPURL)
	envString(&cfg.Tools.MCPCommand, EnvMCPCommand)

	envInt(&cfg.Journal.RetentionHours, EnvRetentionHours)
	envString(&cfg.Journal.Path, EnvJournalPath)
	envString(&cfg.Journal.Driver, EnvJournalDriver)

	envBool(&cfg.Secrets.Bootstrap, EnvSecretsBootstrap)
	envString(&cfg.Metrics.Addr, EnvMetricsAddr)
	envString(&cfg.Tracing.Endpoint, EnvOTLPEndpoint)
}

func envString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func envInt(dst *int, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		*dst = n
	}
}

func envBool(dst *bool, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
		*dst = b
	}
}

func envBoolPtr(dst **bool, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
		*dst = &b
	}
}

// envDuration accepts Go duration strings and bare integers, which are
// read as seconds.
func envDuration(dst *time.Duration, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(n) * time.Second
	}
}
