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

	"github.com/rcrtlabs/rcrt/internal/agentrunner"
	"github.com/rcrtlabs/rcrt/internal/bus"
	"github.com/rcrtlabs/rcrt/internal/config"
	"github.com/rcrtlabs/rcrt/internal/journal"
	"github.com/rcrtlabs/rcrt/internal/llm"
	"github.com/rcrtlabs/rcrt/internal/observability"
	"github.com/rcrtlabs/rcrt/internal/secrets"
)

// defaultJournalPath keeps this runner's journal apart from a tool runner's
// when both share a working directory.
const defaultJournalPath = "rcrt-agentrunner.journal"

func runStart(ctx context.Context, cmd *cobra.Command, flags startFlags) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(cmd, flags)
	if err != nil {
		return err
	}

	logger := newLogger(cfg)
	logger.Info(ctx, "starting agent runner",
		"version", version,
		"agent", cfg.Agent.Name,
		"workspace", cfg.Identity.Workspace,
		"store", cfg.Store.BaseURL)

	tracer, stopTracing := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "rcrt-agentrunner",
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

	runner := agentrunner.NewRunner(agentrunner.RunnerConfig{
		Workspace: cfg.Identity.Workspace,
		AgentID:   cfg.Identity.AgentID,
		Grace:     cfg.Grace,
		Agent:     cfg.Agent,
	}, client, jnl, providerFactory(cfg, manager), metrics, logger)

	return runner.Run(ctx)
}

// providerFactory resolves the API key for whatever model the agent
// definition names. The key search order is config file, then the
// provider's environment variable, then the secret store (agent scope
// first, then workspace, then global).
func providerFactory(cfg *config.Config, manager *secrets.Manager) agentrunner.ProviderFactory {
	return func(ctx context.Context, model string) (llm.Provider, error) {
		name := llm.ProviderNameFor(model)
		if name == "" {
			return nil, bus.NewError(bus.KindConfigMissing, "no provider serves model %q", model)
		}

		opts := llm.Options{}
		if pc, ok := cfg.LLM.Providers[name]; ok {
			opts.APIKey = pc.APIKey
			opts.BaseURL = pc.BaseURL
		}
		keyName := llm.APIKeyName(name)
		if opts.APIKey == "" {
			opts.APIKey = strings.TrimSpace(os.Getenv(keyName))
		}
		if opts.APIKey == "" {
			handle, err := manager.Resolve(ctx, secrets.Ref{Name: keyName})
			if err != nil {
				return nil, err
			}
			key, err := handle.Reveal(ctx, "llm provider startup")
			if err != nil {
				return nil, err
			}
			opts.APIKey = key
		}
		return llm.New(ctx, model, opts)
	}
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
	applyFlags(cmd, flags, cfg)
	if cfg.Identity.AgentID == "" {
		// The agent's own name is its identity unless overridden.
		if cfg.Agent.Name != "" {
			cfg.Identity.AgentID = cfg.Agent.Name
		} else {
			cfg.Identity.AgentID = cfg.Agent.DefinitionID
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, bus.WrapError(bus.KindConfigMissing, err, "validate configuration")
	}
	return cfg, nil
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
