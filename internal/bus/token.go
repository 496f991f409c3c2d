package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rcrtlabs/rcrt/internal/backoff"
	"github.com/rcrtlabs/rcrt/internal/observability"
)

// renewAhead is how long before expiry a token counts as stale. The store
// issues hour-long tokens; refreshing ten minutes early keeps long-lived
// SSE reconnects from racing the expiry.
const renewAhead = 10 * time.Minute

// renewCheckInterval paces the background renewal loop.
const renewCheckInterval = 5 * time.Minute

const tokenAttempts = 5

type tokenRequest struct {
	OwnerID string   `json:"owner_id"`
	AgentID string   `json:"agent_id"`
	Roles   []string `json:"roles,omitempty"`
	TTLSec  int      `json:"ttl_sec,omitempty"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// tokenSource acquires bearer tokens from POST /auth/token and caches them
// until they near expiry. Expiry comes from the JWT exp claim when the
// token parses; otherwise the requested TTL is assumed.
type tokenSource struct {
	baseURL string
	ownerID string
	agentID string
	roles   []string
	ttl     time.Duration
	http    *http.Client
	logger  *observability.Logger

	mu        sync.Mutex
	token     string
	expiry    time.Time
	fetchedAt time.Time
}

func newTokenSource(baseURL, ownerID, agentID string, roles []string, ttl time.Duration, httpClient *http.Client, logger *observability.Logger) *tokenSource {
	return &tokenSource{
		baseURL: baseURL,
		ownerID: ownerID,
		agentID: agentID,
		roles:   roles,
		ttl:     ttl,
		http:    httpClient,
		logger:  logger,
	}
}

// Token returns a cached token while it stays comfortably inside its
// lifetime, fetching a fresh one otherwise.
func (t *tokenSource) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.token != "" && !t.stale(time.Now()) {
		return t.token, nil
	}
	if err := t.fetchLocked(ctx); err != nil {
		return "", err
	}
	return t.token, nil
}

// Invalidate drops the cached token. Called when the store answers 401
// despite a token we believed valid.
func (t *tokenSource) Invalidate() {
	t.mu.Lock()
	t.token = ""
	t.expiry = time.Time{}
	t.mu.Unlock()
}

func (t *tokenSource) stale(now time.Time) bool {
	ahead := renewAhead
	if lifetime := t.expiry.Sub(t.fetchedAt); lifetime > 0 && lifetime <= 2*renewAhead {
		// Short-lived tokens renew at three quarters of their lifetime.
		ahead = lifetime / 4
	}
	return now.After(t.expiry.Add(-ahead))
}

func (t *tokenSource) fetchLocked(ctx context.Context) error {
	_, err := backoff.Retry(ctx, backoff.Token(), tokenAttempts, func(attempt int) (struct{}, error) {
		err := t.requestToken(ctx)
		if err != nil && attempt < tokenAttempts && t.logger != nil {
			t.logger.Warn(ctx, "token acquisition failed, backing off", "attempt", attempt, "error", err)
		}
		return struct{}{}, err
	})
	if err != nil {
		return WrapError(KindAuth, err, "acquire token for agent %s", t.agentID)
	}
	return nil
}

func (t *tokenSource) requestToken(ctx context.Context) error {
	payload, err := json.Marshal(tokenRequest{
		OwnerID: t.ownerID,
		AgentID: t.agentID,
		Roles:   t.roles,
		TTLSec:  int(t.ttl.Seconds()),
	})
	if err != nil {
		return fmt.Errorf("marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/auth/token", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return WrapError(KindTransport, err, "post /auth/token")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return WrapError(KindTransport, err, "read token response")
	}
	if resp.StatusCode != http.StatusOK {
		return statusError(resp.StatusCode, string(body))
	}

	var decoded tokenResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return WrapError(KindAuth, err, "decode token response")
	}
	if decoded.Token == "" {
		return NewError(KindAuth, "store returned an empty token")
	}

	now := time.Now()
	t.token = decoded.Token
	t.fetchedAt = now
	t.expiry = t.parseExpiry(decoded.Token, now)
	return nil
}

// parseExpiry reads the exp claim without verifying the signature; the
// client only needs the renewal deadline, the store enforces validity.
func (t *tokenSource) parseExpiry(token string, now time.Time) time.Time {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	return now.Add(t.ttl)
}

// StartRenewal refreshes the token in the background until ctx ends, so
// idle streams never present an expired token on reconnect.
func (t *tokenSource) StartRenewal(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(renewCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := t.Token(ctx); err != nil && t.logger != nil {
					t.logger.Warn(ctx, "background token renewal failed", "error", err)
				}
			}
		}
	}()
}
