package agentrunner

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/rcrtlabs/rcrt/internal/bus"
	"github.com/rcrtlabs/rcrt/internal/config"
	"github.com/rcrtlabs/rcrt/internal/journal"
	"github.com/rcrtlabs/rcrt/internal/llm"
	"github.com/rcrtlabs/rcrt/internal/observability"
	"github.com/rcrtlabs/rcrt/pkg/breadcrumb"
)

// Phase names one state of the agent lifecycle. Transitions are linear per
// activation: idle -> building-context -> thinking -> acting -> idle.
type Phase string

const (
	PhaseLoading     Phase = "loading"
	PhaseSubscribing Phase = "subscribing"
	PhaseIdle        Phase = "idle"
	PhaseBuilding    Phase = "building-context"
	PhaseThinking    Phase = "thinking"
	PhaseActing      Phase = "acting"
)

// busClient is everything the runner needs from the bus. *bus.Client
// satisfies it; tests fake it.
type busClient interface {
	Create(ctx context.Context, b *breadcrumb.Breadcrumb, opts ...bus.CreateOption) (string, error)
	GetFull(ctx context.Context, id string) (*breadcrumb.Breadcrumb, error)
	List(ctx context.Context, sel breadcrumb.Selector) ([]breadcrumb.Summary, error)
	Update(ctx context.Context, id string, version int, patch bus.Patch) error
	Delete(ctx context.Context, id string) error
	Stream(ctx context.Context, consumer string, sel breadcrumb.Selector) <-chan breadcrumb.Event
	EnsureToken(ctx context.Context) error
	StartTokenRenewal(ctx context.Context)
}

// ProviderFactory builds the provider serving a model. The runner calls it
// once, after the definition names the model.
type ProviderFactory func(ctx context.Context, model string) (llm.Provider, error)

// updateConflictRetries bounds re-read attempts when a reply update hits a
// stale version.
const updateConflictRetries = 5

// RunnerConfig shapes one agent runner instance.
type RunnerConfig struct {
	Workspace string

	// AgentID is the identity on consumer tags and requestedBy fields.
	// Empty means the definition's name.
	AgentID string

	// Grace bounds how long an in-flight activation may finish after
	// shutdown begins.
	Grace time.Duration

	// Agent carries the name or definition id to load, plus operator
	// overrides for the loop bounds.
	Agent config.AgentConfig
}

// chain tracks one triggering event's loop: the tool requests it spawned
// and the LLM turns consumed so far. A chain ends when a turn issues no new
// requests and none are pending, or when the iteration bound trips.
type chain struct {
	turns   int
	pending map[string]struct{}
}

// Runner hosts one agent. Events are handled strictly in delivery order on
// a single goroutine; tool executions happen elsewhere (the tool runner),
// so sequential handling here is the ordering guarantee, not a bottleneck.
type Runner struct {
	cfg         RunnerConfig
	bus         busClient
	journal     journal.Store
	newProvider ProviderFactory
	logger      *observability.Logger
	metrics     *observability.Metrics

	def      *Definition
	provider llm.Provider
	window   *window
	history  *history
	sessions *sessions

	phase  Phase
	chains map[string]*chain
	writes *recentSet
}

// NewRunner wires a runner. The journal may be nil in tests; production
// always journals.
func NewRunner(cfg RunnerConfig, client busClient, jnl journal.Store, factory ProviderFactory, metrics *observability.Metrics, logger *observability.Logger) *Runner {
	if cfg.Grace <= 0 {
		cfg.Grace = 10 * time.Second
	}
	if cfg.Workspace == "" {
		cfg.Workspace = breadcrumb.DefaultWorkspace
	}
	return &Runner{
		cfg:         cfg,
		bus:         client,
		journal:     jnl,
		newProvider: factory,
		logger:      logger.WithFields("component", "agentrunner"),
		metrics:     metrics,
		phase:       PhaseLoading,
		chains:      make(map[string]*chain),
		writes:      newRecentSet(128),
	}
}

// id is the runner's identity: the configured agent id, or the definition
// name once loaded.
func (r *Runner) id() string {
	if r.cfg.AgentID != "" {
		return r.cfg.AgentID
	}
	if r.def != nil {
		return r.def.Name
	}
	return "agent"
}

// Run drives the agent until ctx is canceled. The returned error reflects
// startup failures; a clean shutdown returns nil.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.bus.EnsureToken(ctx); err != nil {
		return err
	}
	r.bus.StartTokenRenewal(ctx)

	r.setPhase(ctx, PhaseLoading)
	def, err := LoadDefinition(ctx, r.bus, r.cfg.Workspace, r.cfg.Agent)
	if err != nil {
		return err
	}
	def.applyDefaults(r.cfg.Agent)
	r.def = def
	r.resolveTools(ctx)

	provider, err := r.newProvider(ctx, def.Model)
	if err != nil {
		return err
	}
	r.provider = provider

	r.window = &window{counter: newTokenCounter(def.Model), budget: def.TokenBudget}
	r.history = newHistory(def.HistoryLimit)
	r.sessions = newSessions(r.bus, r.cfg.Workspace, r.id(), r.logger)

	r.setPhase(ctx, PhaseSubscribing)
	sels := r.subscriptions()
	events := r.subscribe(ctx, sels)

	r.logger.Info(ctx, "agent ready",
		"agent", def.Name,
		"model", def.Model,
		"subscriptions", len(sels),
		"max_iterations", def.MaxIterations)

	// Shutdown cancels the run context, which closes the streams. The
	// activation in flight keeps going on workCtx until it finishes or the
	// grace period expires.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()
	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
		case <-stopped:
			return
		}
		t := time.NewTimer(r.cfg.Grace)
		defer t.Stop()
		select {
		case <-t.C:
			cancelWork()
		case <-stopped:
		}
	}()

	r.setPhase(ctx, PhaseIdle)
	for ev := range events {
		r.handleEvent(workCtx, ev)
		r.setPhase(workCtx, PhaseIdle)
	}

	r.logger.Info(context.Background(), "agent stopped",
		"agent", def.Name, "pending_requests", len(r.chains))
	return nil
}

// resolveTools reports which workspace tools are visible at load time. The
// lookup is advisory: requests resolve on the tool runner at dispatch time,
// so a missing or unreadable catalog never blocks startup.
func (r *Runner) resolveTools(ctx context.Context) {
	sums, err := r.bus.List(ctx, breadcrumb.Selector{
		SchemaName: breadcrumb.SchemaToolCatalog,
		AllTags:    []string{r.cfg.Workspace, breadcrumb.TagToolCatalog},
	})
	if err != nil {
		r.logger.Warn(ctx, "tool catalog lookup failed", "error", err)
		return
	}
	if len(sums) == 0 {
		r.logger.Info(ctx, "no tool catalog in workspace yet", "workspace", r.cfg.Workspace)
		return
	}
	chosen := sums[0]
	for _, s := range sums[1:] {
		if s.ID < chosen.ID {
			chosen = s
		}
	}
	crumb, err := r.bus.GetFull(ctx, chosen.ID)
	if err != nil {
		r.logger.Warn(ctx, "tool catalog read failed", "breadcrumb_id", chosen.ID, "error", err)
		return
	}

	var active, inactive []string
	tools, _ := crumb.Context["tools"].([]any)
	for _, raw := range tools {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		if name == "" {
			continue
		}
		if on, _ := m["active"].(bool); on {
			active = append(active, name)
		} else {
			inactive = append(inactive, name)
		}
	}
	r.logger.Info(ctx, "workspace tools resolved",
		"catalog_id", crumb.ID, "active", active, "inactive", inactive)
}

// subscriptions returns the selector set to stream: the definition's, or a
// workspace-wide user-message selector when the definition names none. A
// tool.response.v1 selector is appended if absent, because requests the
// agent issues are useless if their responses never flow back.
func (r *Runner) subscriptions() []breadcrumb.Selector {
	sels := r.def.Subscriptions
	if len(sels) == 0 {
		sels = []breadcrumb.Selector{{
			SchemaName: breadcrumb.SchemaUserMessage,
			AllTags:    []string{r.cfg.Workspace},
		}}
	}
	for i := range sels {
		if sels[i].SchemaName == breadcrumb.SchemaToolResponse {
			return sels
		}
	}
	return append(slices.Clone(sels), breadcrumb.Selector{
		SchemaName: breadcrumb.SchemaToolResponse,
		AllTags:    []string{r.cfg.Workspace, breadcrumb.TagToolResponse},
		ContextMatch: []breadcrumb.ContextMatch{
			{Path: "requestedBy", Op: breadcrumb.OpEq, Value: r.id()},
		},
	})
}

// subscribe opens one stream per selector and fans them into one channel.
// The merged channel closes once every stream does.
func (r *Runner) subscribe(ctx context.Context, sels []breadcrumb.Selector) <-chan breadcrumb.Event {
	merged := make(chan breadcrumb.Event)
	var wg sync.WaitGroup
	for i, sel := range sels {
		consumer := fmt.Sprintf("%s-%d", r.id(), i)
		ch := r.bus.Stream(ctx, consumer, sel)
		wg.Add(1)
		go func(ch <-chan breadcrumb.Event) {
			defer wg.Done()
			for ev := range ch {
				select {
				case merged <- ev:
				case <-ctx.Done():
					return
				}
			}
		}(ch)
	}
	go func() {
		wg.Wait()
		close(merged)
	}()
	return merged
}

// handleEvent processes one delivered event end to end. Errors never
// propagate: anything recoverable becomes a published breadcrumb or a log
// line so the loop keeps running.
func (r *Runner) handleEvent(ctx context.Context, ev breadcrumb.Event) {
	if !ev.IsMutation() {
		if ev.Type == breadcrumb.EventSystem {
			r.logger.Debug(ctx, "stream notice", "message", ev.Message)
		}
		return
	}
	if ev.Type == breadcrumb.EventDeleted {
		return
	}
	if r.writes.has(ev.BreadcrumbID) {
		// Our own writes echo back on the stream; thinking about them
		// would loop forever.
		return
	}

	key := journal.EventKey(ev.SchemaName, eventID(ev))
	if r.seen(ctx, key) {
		return
	}

	ctx = observability.WithBreadcrumbID(ctx, ev.BreadcrumbID)
	r.setPhase(ctx, PhaseBuilding)

	trigger := r.fetchTrigger(ctx, ev)
	if trigger == nil {
		return
	}

	var c *chain
	respID := ""
	if trigger.SchemaName == breadcrumb.SchemaToolResponse {
		respID, _ = trigger.Context["requestId"].(string)
		c = r.chains[respID]
		if c == nil {
			r.logger.Debug(ctx, "response for a request this agent never issued",
				"request_id", respID)
			return
		}
	} else {
		c = &chain{pending: make(map[string]struct{})}
	}

	session, err := r.resolveSession(ctx, trigger)
	if err != nil {
		// Correlation stays registered, so a redelivery retries the turn.
		r.surfaceSessionFailure(ctx, trigger, err)
		return
	}

	if respID != "" {
		delete(r.chains, respID)
		delete(c.pending, respID)
	}

	published := r.activate(ctx, c, trigger, session)
	if !published && respID != "" {
		// Nothing reached the store; restore the correlation so a
		// redelivered response resumes the chain.
		r.chains[respID] = c
		c.pending[respID] = struct{}{}
	}
	r.history.add(entryFor(trigger))
	if published {
		r.record(ctx, key)
	}
}

// eventID identifies a delivered event for dedup. Type is deliberately
// excluded: the store double-publishes created+updated for one create, and
// both deliveries describe the same version of the same breadcrumb.
func eventID(ev breadcrumb.Event) string {
	return ev.BreadcrumbID + "@" + strconv.Itoa(ev.Version)
}

// fetchTrigger loads the full triggering breadcrumb. When the store no
// longer has it (TTL purge between delivery and fetch), the event's own
// fields serve as the trigger instead.
func (r *Runner) fetchTrigger(ctx context.Context, ev breadcrumb.Event) *breadcrumb.Breadcrumb {
	crumb, err := r.bus.GetFull(ctx, ev.BreadcrumbID)
	if err == nil {
		return crumb
	}
	if bus.IsNotFound(err) {
		return &breadcrumb.Breadcrumb{
			ID:         ev.BreadcrumbID,
			SchemaName: ev.SchemaName,
			Tags:       ev.Tags,
			Context:    ev.Context,
			Version:    ev.Version,
		}
	}
	r.metrics.RecordError("agentrunner", string(bus.KindOf(err)))
	r.logger.Warn(ctx, "failed to read trigger", "breadcrumb_id", ev.BreadcrumbID, "error", err)
	return nil
}

// resolveSession returns the session this activation runs under. A trigger
// naming a session_id pins it, switching or creating as needed; anything
// else runs under whatever is currently active, possibly none.
func (r *Runner) resolveSession(ctx context.Context, trigger *breadcrumb.Breadcrumb) (*breadcrumb.Breadcrumb, error) {
	if sid, ok := trigger.Context["session_id"].(string); ok && sid != "" {
		return r.sessions.EnsureActive(ctx, sid)
	}
	return r.sessions.Active(ctx)
}

// surfaceSessionFailure reports a failed session resolution. Conflicts mean
// another writer is switching sessions concurrently; the activation aborts
// without retry and the failure is made visible to the UI.
func (r *Runner) surfaceSessionFailure(ctx context.Context, trigger *breadcrumb.Breadcrumb, err error) {
	kind := bus.KindOf(err)
	r.metrics.RecordError("agentrunner", string(kind))
	r.logger.Warn(ctx, "session resolution failed, activation dropped",
		"trigger", trigger.ID, "error", err)
	if !bus.IsConflict(err) {
		return
	}
	crumb := &breadcrumb.Breadcrumb{
		Title:      fmt.Sprintf("%s: session switch aborted", r.def.Name),
		SchemaName: breadcrumb.SchemaSystemMessage,
		Tags: []string{
			r.cfg.Workspace,
			breadcrumb.TagSystemMessage,
			breadcrumb.AgentTag(r.def.Name),
		},
		Context: map[string]any{
			"status":     "error",
			"error":      map[string]any{"kind": string(kind), "message": err.Error()},
			"trigger_id": trigger.ID,
		},
	}
	if id, cerr := r.bus.Create(ctx, crumb); cerr != nil {
		r.logger.Error(ctx, "failed to surface session conflict", "error", cerr)
	} else {
		r.writes.add(id)
	}
}

// activate runs one LLM turn for a chain: build the window, think, act.
// Reports whether a terminal breadcrumb was published, which is what makes
// the activation safe to journal.
func (r *Runner) activate(ctx context.Context, c *chain, trigger, session *breadcrumb.Breadcrumb) bool {
	c.turns++
	if c.turns > r.def.MaxIterations {
		err := bus.NewError(bus.KindExecutorFault,
			"agent %s exceeded %d iterations for one trigger", r.def.Name, r.def.MaxIterations)
		r.logger.Warn(ctx, "iteration bound tripped", "turns", c.turns, "trigger", trigger.ID)
		published := r.publishAgentError(ctx, trigger, session, err, "")
		r.abandonChain(c)
		return published
	}

	req, tokens := r.window.build(r.def, session, trigger, r.history.snapshot())
	r.metrics.ContextTokens.WithLabelValues(r.def.Name).Set(float64(tokens))

	r.setPhase(ctx, PhaseThinking)
	reply, raw, err := r.think(ctx, req)
	if err != nil {
		kind := bus.KindOf(err)
		r.metrics.RecordError("agentrunner", string(kind))
		switch kind {
		case bus.KindLLMParse, bus.KindLLMTimeout:
			published := r.publishAgentError(ctx, trigger, session, err, raw)
			r.finishChain(c)
			return published
		default:
			// Transport-level failure with nothing published: leave the
			// event unjournaled so a redelivery retries the whole turn.
			r.logger.Error(ctx, "model call failed", "error", err)
			c.turns--
			return false
		}
	}

	r.setPhase(ctx, PhaseActing)
	return r.act(ctx, c, reply, trigger, session)
}

// think runs one completion plus at most one repair re-prompt. The repair
// turn shows the model its own unparseable output and the parse error; a
// second failure surfaces as llm-parse with the raw text attached.
func (r *Runner) think(ctx context.Context, req llm.Request) (*Reply, string, error) {
	raw, err := r.complete(ctx, req)
	if err != nil {
		return nil, "", err
	}
	reply, perr := ParseReply(raw)
	if perr == nil {
		return reply, raw, nil
	}

	r.logger.Warn(ctx, "reply unparseable, repairing", "error", perr)
	repair := req
	repair.Messages = append(slices.Clone(req.Messages),
		llm.Message{Role: llm.RoleAssistant, Content: raw},
		llm.Message{Role: llm.RoleUser, Content: fmt.Sprintf(
			"That reply could not be used: %v. Send only the corrected JSON object.", perr)},
	)
	raw, err = r.complete(ctx, repair)
	if err != nil {
		return nil, "", err
	}
	reply, perr = ParseReply(raw)
	if perr != nil {
		return nil, raw, perr
	}
	return reply, raw, nil
}

// complete is one bounded model call with metrics.
func (r *Runner) complete(ctx context.Context, req llm.Request) (string, error) {
	thinkCtx, cancel := context.WithTimeout(ctx, r.def.ThinkTimeout)
	defer cancel()

	start := time.Now()
	res, err := r.provider.Complete(thinkCtx, req)
	elapsed := time.Since(start)
	if err != nil {
		status := "error"
		kind := bus.KindTransport
		if thinkCtx.Err() == context.DeadlineExceeded {
			status = "timeout"
			kind = bus.KindLLMTimeout
		}
		r.metrics.RecordLLMRequest(r.provider.Name(), req.Model, status, elapsed.Seconds(), 0, 0)
		return "", bus.WrapError(kind, err, "model %s", req.Model)
	}
	r.metrics.RecordLLMRequest(r.provider.Name(), req.Model, "success", elapsed.Seconds(),
		res.InputTokens, res.OutputTokens)
	return res.Text, nil
}

// act executes a parsed reply: the action first, then the tool fan-out, so
// a tool response arriving later always observes the action's effects.
func (r *Runner) act(ctx context.Context, c *chain, reply *Reply, trigger, session *breadcrumb.Breadcrumb) bool {
	requests, err := reply.ToolRequests()
	if err != nil {
		published := r.publishAgentError(ctx, trigger, session, err, "")
		r.finishChain(c)
		return published
	}

	var actErr error
	switch reply.Action {
	case ActionCreate:
		actErr = r.createFromReply(ctx, reply, session)
	case ActionUpdate:
		actErr = r.updateFromReply(ctx, reply)
	case ActionDelete:
		if !r.def.Capabilities.AllowDelete {
			actErr = bus.NewError(bus.KindValidation,
				"agent %s may not delete breadcrumbs", r.def.Name)
		} else {
			actErr = r.bus.Delete(ctx, reply.BreadcrumbID)
		}
	}
	if actErr != nil {
		r.metrics.RecordError("agentrunner", string(bus.KindOf(actErr)))
		published := r.publishAgentError(ctx, trigger, session, actErr, "")
		r.finishChain(c)
		return published
	}

	for _, tr := range requests {
		if err := r.publishToolRequest(ctx, c, tr); err != nil {
			r.metrics.RecordError("agentrunner", string(bus.KindOf(err)))
			r.logger.Error(ctx, "failed to publish tool request",
				"tool", tr.Tool, "request_id", tr.RequestID, "error", err)
		}
	}

	r.finishChain(c)
	return true
}

// createFromReply publishes the reply breadcrumb, guaranteeing workspace,
// agent, and session markers whatever the model supplied.
func (r *Runner) createFromReply(ctx context.Context, reply *Reply, session *breadcrumb.Breadcrumb) error {
	rb := reply.Breadcrumb
	schema := rb.SchemaName
	if schema == "" {
		schema = breadcrumb.SchemaAgentResponse
	}
	title := rb.Title
	if title == "" {
		title = r.def.Name + " reply"
	}

	tags := slices.Clone(rb.Tags)
	for _, want := range []string{r.cfg.Workspace, breadcrumb.AgentTag(r.def.Name)} {
		if !breadcrumb.HasTag(tags, want) {
			tags = append(tags, want)
		}
	}
	ctxDoc := rb.Context
	if ctxDoc == nil {
		ctxDoc = map[string]any{}
	}
	if session != nil {
		if sid, ok := session.Context["session_id"].(string); ok && sid != "" {
			if !breadcrumb.HasTag(tags, breadcrumb.SessionTag(sid)) {
				tags = append(tags, breadcrumb.SessionTag(sid))
			}
			if _, ok := ctxDoc["session_id"]; !ok {
				ctxDoc["session_id"] = sid
			}
		}
	}

	crumb := &breadcrumb.Breadcrumb{
		Title:      title,
		SchemaName: schema,
		Tags:       tags,
		Context:    ctxDoc,
	}
	id, err := r.bus.Create(ctx, crumb)
	if err != nil {
		return err
	}
	r.writes.add(id)
	r.history.add(historyEntry{
		ID:         id,
		SchemaName: schema,
		Title:      title,
		Context:    ctxDoc,
		SeenAt:     time.Now(),
	})
	r.logger.Info(ctx, "reply published", "schema", schema, "breadcrumb_id", id)
	return nil
}

// updateFromReply patches the named breadcrumb at the version the model
// read. A stale version re-reads and retries up to the conflict bound; the
// usual cause is the agent updating its own session context after the UI
// touched it.
func (r *Runner) updateFromReply(ctx context.Context, reply *Reply) error {
	rb := reply.Breadcrumb
	patch := bus.Patch{}
	if rb.Title != "" {
		patch.Title = &rb.Title
	}
	if rb.Context != nil {
		patch.Context = rb.Context
	}
	if len(rb.Tags) > 0 {
		patch.Tags = rb.Tags
	}
	if rb.SchemaName != "" {
		patch.SchemaName = &rb.SchemaName
	}

	version := *reply.ExpectedVersion
	var err error
	for attempt := 0; attempt <= updateConflictRetries; attempt++ {
		err = r.bus.Update(ctx, reply.BreadcrumbID, version, patch)
		if err == nil {
			r.logger.Info(ctx, "breadcrumb updated",
				"breadcrumb_id", reply.BreadcrumbID, "version", version)
			return nil
		}
		if !bus.IsConflict(err) {
			return err
		}
		cur, gerr := r.bus.GetFull(ctx, reply.BreadcrumbID)
		if gerr != nil {
			return gerr
		}
		version = cur.Version
	}
	return err
}

// publishToolRequest emits one tool.request.v1 and registers the pending
// correlation. Requests carry no idempotency key: the journal prevents
// double activation here, and the tool runner's journal plus its keyed
// response publish dedup the rest of the path.
func (r *Runner) publishToolRequest(ctx context.Context, c *chain, tr ToolRequest) error {
	input := tr.Input
	if input == nil {
		input = map[string]any{}
	}
	crumb := &breadcrumb.Breadcrumb{
		Title:      "Tool request: " + tr.Tool,
		SchemaName: breadcrumb.SchemaToolRequest,
		Tags: []string{
			r.cfg.Workspace,
			breadcrumb.TagToolRequest,
			breadcrumb.AgentTag(r.def.Name),
		},
		Context: map[string]any{
			"tool":        tr.Tool,
			"input":       input,
			"requestId":   tr.RequestID,
			"requestedBy": r.id(),
		},
	}
	id, err := r.bus.Create(ctx, crumb)
	if err != nil {
		return err
	}
	r.writes.add(id)
	r.chains[tr.RequestID] = c
	c.pending[tr.RequestID] = struct{}{}
	r.logger.Info(ctx, "tool request published",
		"tool", tr.Tool, "request_id", tr.RequestID, "breadcrumb_id", id)
	return nil
}

// publishAgentError surfaces a failed activation as an agent:error
// breadcrumb. The raw model text rides along when parsing was the problem.
func (r *Runner) publishAgentError(ctx context.Context, trigger, session *breadcrumb.Breadcrumb, cause error, raw string) bool {
	kind := bus.KindOf(cause)
	ctxDoc := map[string]any{
		"status":     "error",
		"error":      map[string]any{"kind": string(kind), "message": cause.Error()},
		"trigger_id": trigger.ID,
	}
	if raw != "" {
		ctxDoc["raw_reply"] = raw
	}
	tags := []string{
		r.cfg.Workspace,
		breadcrumb.TagAgentError,
		breadcrumb.AgentTag(r.def.Name),
	}
	if session != nil {
		if sid, ok := session.Context["session_id"].(string); ok && sid != "" {
			tags = append(tags, breadcrumb.SessionTag(sid))
			ctxDoc["session_id"] = sid
		}
	}
	crumb := &breadcrumb.Breadcrumb{
		Title:      fmt.Sprintf("%s error: %s", r.def.Name, kind),
		SchemaName: breadcrumb.SchemaAgentResponse,
		Tags:       tags,
		Context:    ctxDoc,
	}
	id, err := r.bus.Create(ctx, crumb)
	if err != nil {
		r.logger.Error(ctx, "failed to publish agent error", "cause", cause, "error", err)
		return false
	}
	r.writes.add(id)
	r.logger.Warn(ctx, "agent error published", "kind", string(kind), "breadcrumb_id", id)
	return true
}

// finishChain closes out a chain if nothing is pending on it.
func (r *Runner) finishChain(c *chain) {
	if len(c.pending) > 0 {
		return
	}
	r.metrics.AgentIterations.WithLabelValues(r.def.Name).Observe(float64(c.turns))
}

// abandonChain drops every pending correlation of a chain. Responses that
// arrive later are treated as foreign and skipped.
func (r *Runner) abandonChain(c *chain) {
	for reqID := range c.pending {
		delete(r.chains, reqID)
		delete(c.pending, reqID)
	}
	r.metrics.AgentIterations.WithLabelValues(r.def.Name).Observe(float64(c.turns))
}

func (r *Runner) setPhase(ctx context.Context, p Phase) {
	if r.phase == p {
		return
	}
	r.phase = p
	r.logger.Debug(ctx, "phase", "phase", string(p))
}

// seen consults the journal. Read failures fail open: a broken journal
// degrades to at-least-once instead of wedging the agent.
func (r *Runner) seen(ctx context.Context, key string) bool {
	if r.journal == nil {
		return false
	}
	dup, err := r.journal.Seen(ctx, key)
	if err != nil {
		r.logger.Warn(ctx, "journal read failed, activating anyway", "error", err)
		return false
	}
	if dup {
		r.metrics.JournalDuplicates.WithLabelValues("agent_event").Inc()
		r.logger.Debug(ctx, "skipping journaled event", "key", key)
	}
	return dup
}

func (r *Runner) record(ctx context.Context, key string) {
	if r.journal == nil {
		return
	}
	if err := r.journal.Record(ctx, journal.Entry{Key: key, Kind: "agent.reply"}); err != nil {
		r.logger.Warn(ctx, "journal write failed", "key", key, "error", err)
	}
}

func entryFor(b *breadcrumb.Breadcrumb) historyEntry {
	return historyEntry{
		ID:         b.ID,
		SchemaName: b.SchemaName,
		Title:      b.Title,
		Context:    b.Context,
		SeenAt:     time.Now(),
	}
}

// recentSet remembers the last capacity ids added, for self-event
// filtering.
type recentSet struct {
	cap   int
	order []string
	seen  map[string]struct{}
}

func newRecentSet(capacity int) *recentSet {
	return &recentSet{cap: capacity, seen: make(map[string]struct{}, capacity)}
}

func (s *recentSet) add(id string) {
	if _, ok := s.seen[id]; ok {
		return
	}
	s.seen[id] = struct{}{}
	s.order = append(s.order, id)
	if len(s.order) > s.cap {
		delete(s.seen, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *recentSet) has(id string) bool {
	_, ok := s.seen[id]
	return ok
}
