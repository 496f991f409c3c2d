// Package mcptools bridges external MCP servers into the tool registry.
//
// A provider connects to one server, either over stdio (a subprocess it
// owns) or over HTTP JSON-RPC, lists the server's tools and wraps each as
// an executor. The wrapped tools carry the server's own schemas, so the
// registry validates MCP inputs the same way it validates builtin inputs.
package mcptools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rcrtlabs/rcrt/internal/bus"
	"github.com/rcrtlabs/rcrt/internal/observability"
	"github.com/rcrtlabs/rcrt/internal/toolrunner"
)

// Config selects the MCP server and transport.
type Config struct {
	// URL is the JSON-RPC endpoint for the HTTP transport.
	URL string

	// Command starts a local MCP server over stdio and wins over URL when
	// both are set.
	Command string
	Args    []string

	// Timeout bounds one HTTP exchange. Zero means 30 seconds.
	Timeout time.Duration
}

// Provider is one connected MCP server and its wrapped tools.
type Provider struct {
	transport transport
	execs     []toolrunner.Executor
	logger    *observability.Logger
}

// Connect dials the configured server and lists its tools. Tools the server
// advertises without a name are logged and skipped; an unreachable server is
// an error the caller downgrades to a warning, since MCP tools are optional.
func Connect(ctx context.Context, cfg Config, logger *observability.Logger) (*Provider, error) {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	logger = logger.WithFields("component", "mcptools")

	var (
		tr  transport
		err error
	)
	switch {
	case cfg.Command != "":
		tr, err = dialStdio(ctx, cfg.Command, cfg.Args)
	case cfg.URL != "":
		tr, err = dialHTTP(ctx, cfg.URL, cfg.Timeout)
	default:
		return nil, errors.New("mcptools: neither url nor command configured")
	}
	if err != nil {
		return nil, err
	}

	descs, err := tr.listTools(ctx)
	if err != nil {
		tr.Close()
		return nil, err
	}

	p := &Provider{transport: tr, logger: logger}
	for _, desc := range descs {
		if desc.Name == "" {
			logger.Warn(ctx, "skipping unnamed mcp tool")
			continue
		}
		p.execs = append(p.execs, &remoteTool{transport: tr, desc: desc})
	}
	logger.Info(ctx, "mcp server connected",
		"tools", len(p.execs),
		"transport", transportName(cfg))
	return p, nil
}

func transportName(cfg Config) string {
	if cfg.Command != "" {
		return "stdio"
	}
	return "http"
}

// Executors returns the wrapped tools in the server's advertised order.
func (p *Provider) Executors() []toolrunner.Executor {
	return p.execs
}

// Close shuts the transport down; for stdio that ends the subprocess.
func (p *Provider) Close() error {
	return p.transport.Close()
}

// remoteTool adapts one MCP tool to the executor contract.
type remoteTool struct {
	transport transport
	desc      toolDescriptor
}

func (t *remoteTool) Definition() toolrunner.Definition {
	return toolrunner.Definition{
		Name:        t.desc.Name,
		Description: t.desc.Description,
		Category:    "mcp",
		InputSchema: t.desc.InputSchema,
	}
}

func (t *remoteTool) Execute(ctx context.Context, inv toolrunner.Invocation) (any, error) {
	var args map[string]any
	if err := inv.Decode(&args); err != nil {
		return nil, bus.WrapError(bus.KindValidation, err, "decode %s input", t.desc.Name)
	}

	res, err := t.transport.callTool(ctx, t.desc.Name, args)
	if err != nil {
		return nil, err
	}
	if res.IsError {
		return nil, bus.NewError(bus.KindExecutorFault, "mcp tool %s: %s", t.desc.Name, errorText(res))
	}
	return resultPayload(res), nil
}

func errorText(res *callResult) string {
	for _, block := range res.Content {
		if block.Text != "" {
			return block.Text
		}
	}
	return "unknown error"
}

// resultPayload flattens the reply's text blocks. A single block that is
// itself JSON passes through unwrapped so structured tools stay structured.
func resultPayload(res *callResult) any {
	var texts []string
	for _, block := range res.Content {
		if block.Type == "" || block.Type == "text" {
			texts = append(texts, block.Text)
		}
	}
	switch len(texts) {
	case 0:
		return map[string]any{}
	case 1:
		trimmed := strings.TrimSpace(texts[0])
		if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') && json.Valid([]byte(trimmed)) {
			return json.RawMessage(trimmed)
		}
		return map[string]any{"result": texts[0]}
	default:
		return map[string]any{"results": texts}
	}
}
