// Package backoff provides the delay policies shared by the bus client and
// both runners: HTTP verb retries, SSE reconnects, and token acquisition.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy describes an exponential backoff curve. Delays start at Initial,
// multiply by Factor on every attempt, and never exceed Max. Jitter adds up
// to the given fraction of the computed delay so synchronized clients fan
// out instead of stampeding the store.
type Policy struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	Jitter  float64
}

// Default suits idempotent HTTP retries: 100ms, 200ms, 400ms... up to 30s.
func Default() Policy {
	return Policy{
		Initial: 100 * time.Millisecond,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// Stream suits event-stream reconnects. The curve starts high because the
// store fans out to every subscriber and a dead stream usually means the
// store is restarting: 5s, 10s, 20s, then steady at 30s.
func Stream() Policy {
	return Policy{
		Initial: 5 * time.Second,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// Token suits auth-token acquisition: 1s doubling to a 30s ceiling.
func Token() Policy {
	return Policy{
		Initial: time.Second,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// Delay returns the backoff for a 1-indexed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter needs no cryptographic randomness
}

func (p Policy) delayWithRand(attempt int, random float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	withJitter := base + base*p.Jitter*random
	return time.Duration(math.Min(withJitter, float64(p.Max)))
}
