package toolrunner

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rcrtlabs/rcrt/internal/bus"
	"github.com/rcrtlabs/rcrt/internal/journal"
	"github.com/rcrtlabs/rcrt/internal/observability"
	"github.com/rcrtlabs/rcrt/pkg/breadcrumb"
)

// store is the slice of the bus client the dispatcher touches. Tests swap
// in a fake.
type store interface {
	GetFull(ctx context.Context, id string) (*breadcrumb.Breadcrumb, error)
	Create(ctx context.Context, b *breadcrumb.Breadcrumb, opts ...bus.CreateOption) (string, error)
}

// Dispatcher turns request events into published responses. Each request
// runs on its own goroutine; the per-tool semaphore inside the registry
// bounds actual concurrency.
type Dispatcher struct {
	registry  *Registry
	store     store
	journal   journal.Store
	metrics   *observability.Metrics
	logger    *observability.Logger
	workspace string

	wg sync.WaitGroup
}

// NewDispatcher wires a dispatcher. The journal may be nil, in which case
// every delivery executes (useful in tests; production always journals).
func NewDispatcher(registry *Registry, st store, jnl journal.Store, workspace string, metrics *observability.Metrics, logger *observability.Logger) *Dispatcher {
	return &Dispatcher{
		registry:  registry,
		store:     st,
		journal:   jnl,
		metrics:   metrics,
		logger:    logger.WithFields("component", "toolrunner"),
		workspace: workspace,
	}
}

// HandleEvent dispatches one stream event. Deletions and system frames are
// not requests; everything else is handled asynchronously.
func (d *Dispatcher) HandleEvent(ctx context.Context, ev breadcrumb.Event) {
	if !ev.IsMutation() || ev.Type == breadcrumb.EventDeleted {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.process(ctx, ev.BreadcrumbID)
	}()
}

// Drain waits for in-flight requests to finish, up to the grace period.
// Reports whether everything completed in time.
func (d *Dispatcher) Drain(grace time.Duration) bool {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(grace):
		return false
	}
}

// process owns one request end to end. Errors never propagate: anything
// recoverable becomes an error response so the loop keeps running.
func (d *Dispatcher) process(ctx context.Context, id string) {
	ctx = observability.WithBreadcrumbID(ctx, id)

	crumb, err := d.store.GetFull(ctx, id)
	if err != nil {
		d.metrics.RecordError("toolrunner", string(bus.KindOf(err)))
		d.logger.Warn(ctx, "failed to read request", "breadcrumb_id", id, "error", err)
		return
	}

	req, parseErr := ParseRequest(crumb)
	if d.seen(ctx, req) {
		return
	}

	if parseErr != nil {
		d.publish(ctx, req, ErrorResponse(req, parseErr, 0))
		return
	}
	ctx = observability.WithRequestID(ctx, req.RequestID)

	if err := d.registry.Validate(req.Tool, req.Input); err != nil {
		d.publish(ctx, req, ErrorResponse(req, err, 0))
		return
	}

	exec, err := d.registry.begin(ctx, req.Tool)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown beat the semaphore; the request stays unanswered
			// and unjournaled, so a restart picks it up.
			return
		}
		d.publish(ctx, req, ErrorResponse(req, err, 0))
		return
	}
	defer exec.release()

	d.metrics.ToolInFlight.WithLabelValues(req.Tool).Inc()
	defer d.metrics.ToolInFlight.WithLabelValues(req.Tool).Dec()

	start := time.Now()
	output, execErr := d.execute(ctx, exec, req)
	elapsed := time.Since(start)

	// Plaintext lives only for the invocation.
	for _, h := range exec.handles {
		h.Scrub()
	}

	var resp Response
	if execErr != nil {
		resp = ErrorResponse(req, execErr, elapsed)
	} else {
		resp = SuccessResponse(req, output, elapsed)
	}
	d.metrics.RecordToolExecution(req.Tool, resp.Status, elapsed.Seconds())

	d.publish(ctx, req, resp)
}

// execute runs the tool with its timeout on a worker goroutine. A panic in
// executor code becomes an executor-fault error; the worker never takes the
// runner down.
func (d *Dispatcher) execute(ctx context.Context, exec *execution, req Request) (any, error) {
	execCtx, cancel := context.WithTimeout(ctx, exec.timeout)
	defer cancel()

	type outcome struct {
		output any
		err    error
	}
	results := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				results <- outcome{err: bus.NewError(bus.KindExecutorFault, "tool %s panicked: %v\n%s", req.Tool, r, debug.Stack())}
			}
		}()
		output, err := exec.exec.Execute(execCtx, Invocation{
			Input:       req.Input,
			Secrets:     exec.handles,
			RequestID:   req.RequestID,
			RequestedBy: req.RequestedBy,
		})
		select {
		case results <- outcome{output: output, err: err}:
		default:
			// Deadline already answered; drop the late result.
			d.logger.Warn(context.Background(), "tool finished after deadline, result discarded",
				"tool", req.Tool, "request_id", req.RequestID)
		}
	}()

	select {
	case <-execCtx.Done():
		if execCtx.Err() == context.DeadlineExceeded {
			return nil, bus.NewError(bus.KindTimeout, "tool %s timed out after %s", req.Tool, exec.timeout)
		}
		return nil, bus.NewError(bus.KindTimeout, "tool %s canceled", req.Tool)
	case res := <-results:
		if res.err != nil {
			return nil, classifyExecError(req.Tool, res.err)
		}
		return res.output, nil
	}
}

// classifyExecError keeps taxonomy kinds executors chose and folds plain
// errors into executor-fault.
func classifyExecError(tool string, err error) error {
	var be *bus.Error
	if errors.As(err, &be) {
		return err
	}
	return bus.WrapError(bus.KindExecutorFault, err, "tool %s failed", tool)
}

// seen consults the journal. Duplicates are counted and skipped; journal
// read errors fail open so a broken journal degrades to at-least-once
// rather than wedging the runner.
func (d *Dispatcher) seen(ctx context.Context, req Request) bool {
	if d.journal == nil {
		return false
	}
	key := journal.RequestKey(req.DedupKey())
	dup, err := d.journal.Seen(ctx, key)
	if err != nil {
		d.logger.Warn(ctx, "journal read failed, executing anyway", "error", err)
		return false
	}
	if dup {
		d.metrics.JournalDuplicates.WithLabelValues("tool_request").Inc()
		d.logger.Debug(ctx, "skipping journaled request", "request_id", req.DedupKey())
	}
	return dup
}

// publish writes the response with the request id as the idempotency key,
// making the store the cross-process arbiter: a concurrent runner's
// duplicate create answers conflict, which counts as already served.
func (d *Dispatcher) publish(ctx context.Context, req Request, resp Response) {
	crumb := resp.Breadcrumb(d.workspace, req.BreadcrumbID)
	_, err := d.store.Create(ctx, crumb, bus.WithIdempotencyKey(req.DedupKey()))
	switch {
	case err == nil:
	case bus.IsConflict(err):
		d.logger.Debug(ctx, "response already published elsewhere", "request_id", req.DedupKey())
	default:
		d.metrics.RecordError("toolrunner", string(bus.KindOf(err)))
		d.logger.Error(ctx, "failed to publish response",
			"tool", resp.Tool, "request_id", req.DedupKey(), "error", err)
		// Not journaled: a redelivery should retry the publish.
		return
	}

	d.record(ctx, req)
}

func (d *Dispatcher) record(ctx context.Context, req Request) {
	if d.journal == nil {
		return
	}
	entry := journal.Entry{
		Key:  journal.RequestKey(req.DedupKey()),
		Kind: "tool.response",
	}
	if err := d.journal.Record(ctx, entry); err != nil {
		d.logger.Warn(ctx, "journal write failed", "request_id", req.DedupKey(), "error", err)
	}
}
