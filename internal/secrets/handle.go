package secrets

import (
	"context"
	"sync"

	"github.com/rcrtlabs/rcrt/internal/observability"
)

// Handle references one resolved secret. Reveal fetches the plaintext at
// most once per handle; Scrub discards it. The dispatcher scrubs every
// handle when the tool invocation returns, so plaintext never outlives the
// call that needed it.
type Handle struct {
	ID   string
	Name string

	store  Store
	logger *observability.Logger

	mu    sync.Mutex
	plain []byte
}

// Reveal returns the secret's plaintext, decrypting through the store on
// first use. The reason string is recorded in the store's audit log.
func (h *Handle) Reveal(ctx context.Context, reason string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.plain != nil {
		return string(h.plain), nil
	}
	value, err := h.store.DecryptSecret(ctx, h.ID, reason)
	if err != nil {
		return "", err
	}
	h.logger.Debug(ctx, "secret revealed", "name", h.Name, "reason", reason)
	h.plain = []byte(value)
	return value, nil
}

// Scrub zeroes and drops the cached plaintext. The handle stays usable; a
// later Reveal decrypts again.
func (h *Handle) Scrub() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.plain {
		h.plain[i] = 0
	}
	h.plain = nil
}
