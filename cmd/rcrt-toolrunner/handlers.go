package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcrtlabs/rcrt/internal/bus"
	"github.com/rcrtlabs/rcrt/internal/config"
	"github.com/rcrtlabs/rcrt/internal/journal"
	"github.com/rcrtlabs/rcrt/internal/observability"
	"github.com/rcrtlabs/rcrt/internal/secrets"
	"github.com/rcrtlabs/rcrt/internal/toolrunner"
	"github.com/rcrtlabs/rcrt/internal/tools/builtin"
	"github.com/rcrtlabs/rcrt/internal/tools/mcptools"
)

// defaultJournalPath keeps this runner's journal apart from an agent
// runner's when both share a working directory.
const defaultJournalPath = "rcrt-toolrunner.journal"

func runStart(ctx context.Context, cmd *cobra.Command, flags startFlags) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(cmd, flags)
	if err != nil {
		return err
	}

	logger := newLogger(cfg)
	logger.Info(ctx, "starting tool runner",
		"version", version,
		"workspace", cfg.Identity.Workspace,
		"store", cfg.Store.BaseURL)

	tracer, stopTracing := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "rcrt-toolrunner",
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Insecure:       cfg.Tracing.Insecure,
	})
	defer flushTraces(stopTracing)

	metrics := observability.NewMetrics()
	if cfg.Metrics.Addr != "" {
		diag, err := observability.NewDiagnosticsServer(cfg.Metrics.Addr, metrics, logger)
		if err != nil {
			return bus.WrapError(bus.KindConfigMissing, err, "bind metrics address %s", cfg.Metrics.Addr)
		}
		diag.Start()
		defer stopDiagnostics(diag)
	}

	client, err := bus.New(bus.Config{
		BaseURL:  cfg.Store.BaseURL,
		ProxyURL: cfg.Store.ProxyURL,
		OwnerID:  cfg.Identity.OwnerID,
		AgentID:  cfg.Identity.AgentID,
		Timeout:  cfg.Store.Timeout,
		Logger:   logger,
		Metrics:  metrics,
		Tracer:   tracer,
	})
	if err != nil {
		return err
	}

	jnl, err := openJournal(cfg, logger)
	if err != nil {
		return err
	}
	defer jnl.Close()

	sweeper, err := journal.StartSweeper(jnl, cfg.Journal.SweepSchedule, logger)
	if err != nil {
		return bus.WrapError(bus.KindConfigMissing, err, "journal sweep schedule %q", cfg.Journal.SweepSchedule)
	}
	defer sweeper.Stop()

	manager := secrets.NewManager(client, secrets.Config{
		Workspace: cfg.Identity.Workspace,
		AgentID:   cfg.Identity.AgentID,
		Bootstrap: cfg.Secrets.Bootstrap,
		Logger:    logger,
	})

	registry, closeTools, err := buildRegistry(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeTools()

	runner := toolrunner.NewRunner(toolrunner.RunnerConfig{
		Workspace: cfg.Identity.Workspace,
		Consumer:  cfg.Identity.AgentID,
		Grace:     cfg.Grace,
		Tools:     cfg.Tools,
	}, client, registry, jnl, manager, metrics, logger)

	if watchPath := pickWatchPath(flags); watchPath != "" {
		watcher, err := config.NewWatcher(watchPath, logger, func() {
			tools, err := loadToolsSection(flags)
			if err != nil {
				logger.Warn(ctx, "config reload failed", "path", watchPath, "error", err)
				return
			}
			if err := runner.Reconfigure(ctx, tools); err != nil {
				logger.Warn(ctx, "reconfigure failed", "error", err)
			} else {
				logger.Info(ctx, "tools reconfigured", "path", watchPath)
			}
		})
		if err != nil {
			return bus.WrapError(bus.KindConfigMissing, err, "watch %s", watchPath)
		}
		if err := watcher.Start(ctx); err != nil {
			logger.Warn(ctx, "config watch unavailable", "error", err)
		} else {
			defer watcher.Close()
		}
	}

	return runner.Run(ctx)
}

// loadConfig builds the effective configuration: defaults, file,
// environment, then explicitly set flags.
func loadConfig(cmd *cobra.Command, flags startFlags) (*config.Config, error) {
	if err := config.LoadDotEnv(flags.config); err != nil {
		return nil, bus.WrapError(bus.KindConfigMissing, err, "load .env")
	}
	cfg, err := config.Load(flags.config)
	if err != nil {
		return nil, bus.WrapError(bus.KindConfigMissing, err, "load configuration")
	}
	if flags.toolsConfig != "" {
		if err := config.Overlay(flags.toolsConfig, cfg); err != nil {
			return nil, bus.WrapError(bus.KindConfigMissing, err, "load tools configuration")
		}
	}
	applyFlags(cmd, flags, cfg)
	if cfg.Identity.AgentID == "" {
		cfg.Identity.AgentID = "toolrunner"
	}
	if err := cfg.Validate(); err != nil {
		return nil, bus.WrapError(bus.KindConfigMissing, err, "validate configuration")
	}
	return cfg, nil
}

// loadToolsSection re-reads just the tools section for live reconfiguration.
func loadToolsSection(flags startFlags) (config.ToolsConfig, error) {
	cfg, err := config.Load(flags.config)
	if err != nil {
		return config.ToolsConfig{}, err
	}
	if flags.toolsConfig != "" {
		if err := config.Overlay(flags.toolsConfig, cfg); err != nil {
			return config.ToolsConfig{}, err
		}
	}
	return cfg.Tools, nil
}

// pickWatchPath chooses which file feeds live reconfiguration: the dedicated
// tools file when present, otherwise the main config file.
func pickWatchPath(flags startFlags) string {
	if flags.toolsConfig != "" {
		return flags.toolsConfig
	}
	return flags.config
}

// buildRegistry registers the builtin executors and any connected MCP
// server's tools. An unreachable MCP server downgrades to a warning; the
// builtin set still serves.
func buildRegistry(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*toolrunner.Registry, func(), error) {
	registry := toolrunner.NewRegistry(cfg.Tools.MaxInFlight, cfg.Tools.DefaultTimeout)

	if cfg.Tools.BuiltinEnabled() {
		for _, exec := range builtin.All(builtin.Options{}) {
			if err := registry.Register(exec); err != nil {
				return nil, nil, err
			}
		}
	}

	closeTools := func() {}
	if cfg.Tools.EnableMCP {
		provider, err := mcptools.Connect(ctx, mcptools.Config{
			URL:     cfg.Tools.MCPURL,
			Command: cfg.Tools.MCPCommand,
			Args:    cfg.Tools.MCPArgs,
		}, logger)
		if err != nil {
			logger.Warn(ctx, "mcp tools unavailable", "error", err)
		} else {
			closeTools = func() { _ = provider.Close() }
			for _, exec := range provider.Executors() {
				if err := registry.Register(exec); err != nil {
					logger.Warn(ctx, "skipping mcp tool", "error", err)
				}
			}
		}
	}
	return registry, closeTools, nil
}

func openJournal(cfg *config.Config, logger *observability.Logger) (journal.Store, error) {
	path := cfg.Journal.Path
	if path == "" {
		path = defaultJournalPath
	}
	jnl, err := journal.Open(cfg.Journal.Driver, path, cfg.Journal.Retention(), logger)
	if err != nil {
		return nil, bus.WrapError(bus.KindConfigMissing, err, "open journal %s", path)
	}
	return jnl, nil
}

func newLogger(cfg *config.Config) *observability.Logger {
	out := io.Writer(os.Stdout)
	if strings.EqualFold(cfg.Logging.Output, "stderr") {
		out = os.Stderr
	}
	return observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: out,
	})
}

// flushTraces gives the exporter a bounded window to drain pending spans.
func flushTraces(shutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = shutdown(ctx)
}

func stopDiagnostics(diag *observability.DiagnosticsServer) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = diag.Stop(ctx)
}
