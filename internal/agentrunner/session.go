package agentrunner

import (
	"context"
	"sort"

	"github.com/rcrtlabs/rcrt/internal/bus"
	"github.com/rcrtlabs/rcrt/internal/observability"
	"github.com/rcrtlabs/rcrt/pkg/breadcrumb"
)

// sessionStore is the slice of the bus the session manager touches.
type sessionStore interface {
	GetFull(ctx context.Context, id string) (*breadcrumb.Breadcrumb, error)
	List(ctx context.Context, sel breadcrumb.Selector) ([]breadcrumb.Summary, error)
	Create(ctx context.Context, b *breadcrumb.Breadcrumb, opts ...bus.CreateOption) (string, error)
	Update(ctx context.Context, id string, version int, patch bus.Patch) error
}

// sessions resolves and switches the agent's agent.context.v1 breadcrumbs.
// The current session is the one carrying the active consumer tag; paused
// ones carry the -paused variant. At most one is active at a time, enforced
// by swapping tags rather than adding them.
type sessions struct {
	store     sessionStore
	workspace string

	// consumer is the id inside the consumer:<id> tag pair.
	consumer string

	logger *observability.Logger
}

func newSessions(store sessionStore, workspace, consumer string, logger *observability.Logger) *sessions {
	return &sessions{
		store:     store,
		workspace: workspace,
		consumer:  consumer,
		logger:    logger,
	}
}

// Active returns the current session breadcrumb, or nil when no session
// carries the active tag yet. Duplicate actives should never happen; when
// they do, the lowest id wins and the rest are left for hygiene elsewhere.
func (s *sessions) Active(ctx context.Context) (*breadcrumb.Breadcrumb, error) {
	sums, err := s.store.List(ctx, breadcrumb.Selector{
		SchemaName: breadcrumb.SchemaAgentContext,
		AllTags:    []string{s.workspace, breadcrumb.ConsumerTag(s.consumer)},
	})
	if err != nil {
		return nil, err
	}
	if len(sums) == 0 {
		return nil, nil
	}
	if len(sums) > 1 {
		sort.Slice(sums, func(i, j int) bool { return sums[i].ID < sums[j].ID })
		s.logger.Warn(ctx, "multiple active sessions, lowest id wins",
			"consumer", s.consumer, "count", len(sums))
	}
	return s.store.GetFull(ctx, sums[0].ID)
}

// EnsureActive makes the session named by sessionID the active one:
// a no-op when it already is, a switch when it exists paused, and a create
// when the store has never seen it. Returns the active session breadcrumb.
//
// A conflict anywhere aborts the attempt; the caller decides how to surface
// it. No retry happens here because a conflict means another writer is
// moving sessions right now, and fighting it would break the one-active
// invariant.
func (s *sessions) EnsureActive(ctx context.Context, sessionID string) (*breadcrumb.Breadcrumb, error) {
	current, err := s.Active(ctx)
	if err != nil {
		return nil, err
	}
	if current != nil && current.HasTag(breadcrumb.SessionTag(sessionID)) {
		return current, nil
	}

	sums, err := s.store.List(ctx, breadcrumb.Selector{
		SchemaName: breadcrumb.SchemaAgentContext,
		AllTags:    []string{s.workspace, breadcrumb.SessionTag(sessionID)},
	})
	if err != nil {
		return nil, err
	}

	if len(sums) > 0 {
		sort.Slice(sums, func(i, j int) bool { return sums[i].ID < sums[j].ID })
		target, err := s.store.GetFull(ctx, sums[0].ID)
		if err != nil {
			return nil, err
		}
		if err := s.switchTo(ctx, current, target); err != nil {
			return nil, err
		}
		return s.store.GetFull(ctx, target.ID)
	}

	// Fresh session: pause the current one first so the new active is the
	// only active.
	if current != nil {
		if err := s.pause(ctx, current); err != nil {
			return nil, err
		}
	}
	crumb := &breadcrumb.Breadcrumb{
		Title:      "Session " + sessionID,
		SchemaName: breadcrumb.SchemaAgentContext,
		Tags: []string{
			s.workspace,
			breadcrumb.SessionTag(sessionID),
			breadcrumb.ConsumerTag(s.consumer),
		},
		Context: map[string]any{
			"session_id": sessionID,
			"agent":      s.consumer,
		},
	}
	id, err := s.store.Create(ctx, crumb)
	if err != nil {
		return nil, err
	}
	s.logger.Info(ctx, "session created", "session_id", sessionID, "breadcrumb_id", id)
	return s.store.GetFull(ctx, id)
}

// Switch makes the breadcrumb with the given id the active session.
func (s *sessions) Switch(ctx context.Context, targetID string) error {
	target, err := s.store.GetFull(ctx, targetID)
	if err != nil {
		return err
	}
	current, err := s.Active(ctx)
	if err != nil {
		return err
	}
	return s.switchTo(ctx, current, target)
}

// switchTo pauses current and activates target, in that order. The order
// matters: a failure between the steps leaves zero active sessions rather
// than two, and the next EnsureActive repairs zero.
func (s *sessions) switchTo(ctx context.Context, current, target *breadcrumb.Breadcrumb) error {
	if target.SchemaName != breadcrumb.SchemaAgentContext {
		return bus.NewError(bus.KindValidation, "breadcrumb %s is %s, not a session",
			target.ID, target.SchemaName)
	}
	if current != nil && current.ID == target.ID {
		return nil
	}

	if current != nil {
		if err := s.pause(ctx, current); err != nil {
			return err
		}
	}

	active := breadcrumb.ConsumerTag(s.consumer)
	paused := breadcrumb.PausedConsumerTag(s.consumer)
	tags := swapTag(target.Tags, paused, active)
	if err := s.store.Update(ctx, target.ID, target.Version, bus.Patch{Tags: tags}); err != nil {
		return bus.WrapError(bus.KindOf(err), err, "activate session %s", target.ID)
	}
	s.logger.Info(ctx, "session switched", "session", target.ID)
	return nil
}

func (s *sessions) pause(ctx context.Context, current *breadcrumb.Breadcrumb) error {
	active := breadcrumb.ConsumerTag(s.consumer)
	paused := breadcrumb.PausedConsumerTag(s.consumer)
	tags := swapTag(current.Tags, active, paused)
	if err := s.store.Update(ctx, current.ID, current.Version, bus.Patch{Tags: tags}); err != nil {
		return bus.WrapError(bus.KindOf(err), err, "pause session %s", current.ID)
	}
	return nil
}

// swapTag removes every occurrence of old and appends new once.
func swapTag(tags []string, old, new string) []string {
	out := make([]string, 0, len(tags)+1)
	for _, t := range tags {
		if t == old || t == new {
			continue
		}
		out = append(out, t)
	}
	return append(out, new)
}
