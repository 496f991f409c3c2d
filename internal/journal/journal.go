// Package journal is the dedup journal: a small persistent log of work the
// runner already performed, consulted before acting on a delivered event.
// SSE redelivers after reconnects, and the original store double-publishes
// created+updated on create, so every consumer needs one of these.
//
// The journal is authoritative only for the current process; cross-process
// arbitration is the store's Idempotency-Key support.
package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rcrtlabs/rcrt/internal/observability"
)

// DefaultRetention keeps entries long enough to cover any realistic
// redelivery window.
const DefaultRetention = 24 * time.Hour

// Entry is one journaled action.
type Entry struct {
	// ID is assigned on record; callers leave it empty.
	ID string `json:"id"`

	// Key identifies the action. Use RequestKey or EventKey.
	Key string `json:"key"`

	// Kind names what was done, e.g. "tool.response" or "agent.reply".
	Kind string `json:"kind"`

	RecordedAt time.Time `json:"recorded_at"`
}

// RequestKey keys a tool response by its requestId.
func RequestKey(requestID string) string {
	return "request\x00" + requestID
}

// EventKey keys an agent activation by the triggering event.
func EventKey(schemaName, eventID string) string {
	return "event\x00" + schemaName + "\x00" + eventID
}

// Store is a dedup journal backend.
type Store interface {
	// Seen reports whether key was recorded and has not expired.
	Seen(ctx context.Context, key string) (bool, error)

	// Record journals an entry. Recording an existing key is a no-op.
	Record(ctx context.Context, entry Entry) error

	// Sweep drops entries older than the retention relative to now and
	// returns how many were removed.
	Sweep(ctx context.Context, now time.Time) (int, error)

	Close() error
}

// Open builds the backend a runner configured.
func Open(driver, path string, retention time.Duration, logger *observability.Logger) (Store, error) {
	switch driver {
	case "", "file":
		return NewFileStore(path, retention, logger)
	case "sqlite":
		return NewSQLStore(path, retention)
	default:
		return nil, fmt.Errorf("unknown journal driver %q", driver)
	}
}

// StartSweeper runs Sweep on a cron schedule ("@every 10m" typically) until
// the returned cron is stopped.
func StartSweeper(store Store, schedule string, logger *observability.Logger) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		ctx := context.Background()
		removed, err := store.Sweep(ctx, time.Now())
		if err != nil {
			logger.Warn(ctx, "journal sweep failed", "error", err)
			return
		}
		if removed > 0 {
			logger.Debug(ctx, "journal swept", "removed", removed)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule journal sweep: %w", err)
	}
	c.Start()
	return c, nil
}
