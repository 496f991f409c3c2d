package toolrunner

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rcrtlabs/rcrt/internal/bus"
	"github.com/rcrtlabs/rcrt/internal/config"
	"github.com/rcrtlabs/rcrt/internal/journal"
	"github.com/rcrtlabs/rcrt/internal/observability"
	"github.com/rcrtlabs/rcrt/internal/secrets"
	"github.com/rcrtlabs/rcrt/pkg/breadcrumb"
)

// busClient is everything the runner needs from the bus: catalog CRUD, the
// request stream, and token upkeep. *bus.Client satisfies it; tests fake it.
type busClient interface {
	catalogStore
	Stream(ctx context.Context, consumer string, sel breadcrumb.Selector) <-chan breadcrumb.Event
	EnsureToken(ctx context.Context) error
	StartTokenRenewal(ctx context.Context)
}

// secretSource is the slice of the secrets manager the runner uses.
type secretSource interface {
	Prepare(ctx context.Context, refs []secrets.Ref) (map[string]*secrets.Handle, []secrets.Ref, error)
	ReportMissing(ctx context.Context, pub secrets.Publisher, missing []secrets.Ref) (string, error)
}

// RunnerConfig shapes one runner instance.
type RunnerConfig struct {
	Workspace string

	// Consumer names this instance on the event stream.
	Consumer string

	// Grace bounds the shutdown drain.
	Grace time.Duration

	// Tools carries enable flags and per-tool overrides.
	Tools config.ToolsConfig
}

// Runner owns the tool-runner lifecycle: resolve secrets, activate tools,
// publish the catalog, then dispatch request events until the context ends.
type Runner struct {
	cfg        RunnerConfig
	bus        busClient
	registry   *Registry
	dispatcher *Dispatcher
	catalog    *Catalog
	secrets    secretSource
	logger     *observability.Logger
	metrics    *observability.Metrics
}

// NewRunner wires a runner over an already-populated registry.
func NewRunner(cfg RunnerConfig, client busClient, registry *Registry, jnl journal.Store, sec secretSource, metrics *observability.Metrics, logger *observability.Logger) *Runner {
	if cfg.Grace <= 0 {
		cfg.Grace = 10 * time.Second
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "toolrunner"
	}
	if cfg.Workspace == "" {
		cfg.Workspace = breadcrumb.DefaultWorkspace
	}
	return &Runner{
		cfg:        cfg,
		bus:        client,
		registry:   registry,
		dispatcher: NewDispatcher(registry, client, jnl, cfg.Workspace, metrics, logger),
		catalog:    NewCatalog(client, registry, cfg.Workspace, metrics, logger),
		secrets:    sec,
		logger:     logger.WithFields("component", "toolrunner"),
		metrics:    metrics,
	}
}

// Run drives the runner until ctx is canceled, then drains in-flight work
// and marks the catalog inactive. The returned error reflects startup
// failures; a clean shutdown returns nil.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.bus.EnsureToken(ctx); err != nil {
		return err
	}
	r.bus.StartTokenRenewal(ctx)

	r.applyOverrides(r.cfg.Tools)

	missing, err := r.resolveActivation(ctx, r.cfg.Tools)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		// One config request per runner start, enumerating every gap.
		if _, rerr := r.secrets.ReportMissing(ctx, r.bus, missing); rerr != nil {
			r.logger.Warn(ctx, "failed to report missing secrets", "error", rerr)
		}
	}

	if err := r.catalog.Publish(ctx); err != nil {
		return err
	}

	resync, err := r.startResync()
	if err != nil {
		return err
	}

	events := r.bus.Stream(ctx, r.cfg.Consumer, breadcrumb.Selector{
		AllTags:    []string{r.cfg.Workspace, breadcrumb.TagToolRequest},
		SchemaName: breadcrumb.SchemaToolRequest,
	})

	r.logger.Info(ctx, "tool runner ready",
		"workspace", r.cfg.Workspace,
		"consumer", r.cfg.Consumer,
		"tools", len(r.registry.Snapshot()))

	for ev := range events {
		r.dispatcher.HandleEvent(ctx, ev)
	}

	if resync != nil {
		// Wait the job out so a resync in flight cannot republish active
		// tools after the inactive shutdown publish.
		<-resync.Stop().Done()
	}
	r.shutdown()
	return nil
}

// startResync schedules periodic catalog republishes. Another runner's
// merge can momentarily carry stale state for our names; the resync heals
// it without waiting for the next reconfiguration.
func (r *Runner) startResync() (*cron.Cron, error) {
	spec := r.cfg.Tools.CatalogResync
	if spec == "" {
		return nil, nil
	}
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := r.catalog.Publish(ctx); err != nil {
			r.logger.Warn(ctx, "catalog resync failed", "error", err)
		}
	})
	if err != nil {
		return nil, bus.WrapError(bus.KindConfigMissing, err, "catalog resync schedule %q", spec)
	}
	c.Start()
	return c, nil
}

// Reconfigure applies a fresh tools section: limits, enable flags, and a
// re-resolution of secrets (a secret created since startup activates its
// tool here). Ends with a catalog republish.
func (r *Runner) Reconfigure(ctx context.Context, tools config.ToolsConfig) error {
	r.cfg.Tools = tools
	r.applyOverrides(tools)
	if _, err := r.resolveActivation(ctx, tools); err != nil {
		return err
	}
	return r.catalog.Publish(ctx)
}

// applyOverrides pushes per-tool limit overrides into the registry.
func (r *Runner) applyOverrides(tools config.ToolsConfig) {
	for _, ov := range tools.Overrides {
		r.registry.SetLimits(ov.Name, ov.MaxInFlight, ov.Timeout)
	}
}

// resolveActivation resolves every required secret across enabled tools and
// flips each tool's active state accordingly. Returns the refs that stayed
// missing after resolution (and bootstrap, when enabled).
func (r *Runner) resolveActivation(ctx context.Context, tools config.ToolsConfig) ([]secrets.Ref, error) {
	disabled := disabledByConfig(tools)
	regs := r.registry.Snapshot()

	var refs []secrets.Ref
	seen := make(map[string]bool)
	for _, reg := range regs {
		if disabled[reg.Definition.Name] {
			continue
		}
		for _, ref := range reg.Definition.RequiredSecrets {
			key := ref.Name + "\x00" + ref.ScopeType + "\x00" + ref.ScopeID
			if !seen[key] {
				seen[key] = true
				refs = append(refs, ref)
			}
		}
	}

	handles, missing, err := r.secrets.Prepare(ctx, refs)
	if err != nil {
		return nil, err
	}
	missingNames := make(map[string]bool, len(missing))
	for _, ref := range missing {
		missingNames[ref.Name] = true
	}

	for _, reg := range regs {
		name := reg.Definition.Name
		if disabled[name] {
			r.registry.Deactivate(name, "disabled by configuration")
			continue
		}

		toolHandles := make(map[string]*secrets.Handle, len(reg.Definition.RequiredSecrets))
		unresolved := ""
		for _, ref := range reg.Definition.RequiredSecrets {
			if missingNames[ref.Name] || handles[ref.Name] == nil {
				unresolved = ref.Name
				break
			}
			toolHandles[ref.Name] = handles[ref.Name]
		}
		if unresolved != "" {
			r.registry.Deactivate(name, fmt.Sprintf("missing secret %s", unresolved))
			r.logger.Warn(ctx, "tool inactive, secret unresolved", "tool", name, "secret", unresolved)
			continue
		}
		r.registry.Activate(name, toolHandles)
	}

	return missing, nil
}

func disabledByConfig(tools config.ToolsConfig) map[string]bool {
	disabled := make(map[string]bool)
	for _, ov := range tools.Overrides {
		if ov.Enabled != nil && !*ov.Enabled {
			disabled[ov.Name] = true
		}
	}
	return disabled
}

// shutdown drains in-flight requests and tells the workspace this runner's
// tools are gone. Runs on a fresh context because the run context is
// already canceled by the time we get here.
func (r *Runner) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Grace+5*time.Second)
	defer cancel()

	if !r.dispatcher.Drain(r.cfg.Grace) {
		r.logger.Warn(ctx, "shutdown grace expired with requests in flight", "grace", r.cfg.Grace)
	}
	if err := r.catalog.PublishInactive(ctx, "runner shutting down"); err != nil {
		r.logger.Error(ctx, "failed to mark catalog inactive", "error", err)
	}
	r.logger.Info(ctx, "tool runner stopped", "workspace", r.cfg.Workspace)
}
