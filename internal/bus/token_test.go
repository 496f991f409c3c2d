package bus

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rcrtlabs/rcrt/internal/observability"
)

func signedToken(t *testing.T, expiresIn time.Duration) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":      "agent-1",
		"owner_id": "owner-1",
		"roles":    []string{"curator", "emitter", "subscriber"},
		"exp":      time.Now().Add(expiresIn).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("sign test token: %v", err)
	}
	return token
}

func newTokenTestSource(t *testing.T, handler http.HandlerFunc) (*tokenSource, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	logger := observability.NewLogger(observability.LogConfig{Level: "error"})
	src := newTokenSource(server.URL, "owner-1", "agent-1", DefaultRoles, time.Hour, server.Client(), logger)
	return src, server
}

func TestTokenSource_AcquireAndCache(t *testing.T) {
	var calls atomic.Int32
	token := signedToken(t, time.Hour)

	src, _ := newTokenTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/auth/token" || r.Method != http.MethodPost {
			t.Errorf("unexpected call %s %s", r.Method, r.URL.Path)
		}
		var req tokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode token request: %v", err)
		}
		if req.OwnerID != "owner-1" || req.AgentID != "agent-1" {
			t.Errorf("identity = %s/%s, want owner-1/agent-1", req.OwnerID, req.AgentID)
		}
		if req.TTLSec != 3600 {
			t.Errorf("ttl_sec = %d, want 3600", req.TTLSec)
		}
		if len(req.Roles) != 3 {
			t.Errorf("roles = %v, want the three default roles", req.Roles)
		}
		json.NewEncoder(w).Encode(tokenResponse{Token: token})
	})

	got1, err := src.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	got2, err := src.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() second call error = %v", err)
	}
	if got1 != token || got2 != token {
		t.Error("Token() returned a different token than the store issued")
	}
	if calls.Load() != 1 {
		t.Errorf("store called %d times, want 1 (cache hit expected)", calls.Load())
	}
}

func TestTokenSource_RenewsNearExpiry(t *testing.T) {
	var calls atomic.Int32
	src, _ := newTokenTestSource(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		// Expires within the renew-ahead window on the very next check.
		json.NewEncoder(w).Encode(tokenResponse{Token: signedToken(t, 5*time.Minute)})
	})

	if _, err := src.Token(context.Background()); err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	first := calls.Load()

	// A 5 minute lifetime renews once less than ~3m45s remain; simulate
	// elapsed time by aging the bookkeeping.
	src.mu.Lock()
	src.fetchedAt = src.fetchedAt.Add(-4 * time.Minute)
	src.expiry = src.expiry.Add(-4 * time.Minute)
	src.mu.Unlock()

	if _, err := src.Token(context.Background()); err != nil {
		t.Fatalf("Token() after aging error = %v", err)
	}
	if calls.Load() != first+1 {
		t.Errorf("store called %d times, want %d (renewal expected)", calls.Load(), first+1)
	}
}

func TestTokenSource_Invalidate(t *testing.T) {
	var calls atomic.Int32
	src, _ := newTokenTestSource(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(tokenResponse{Token: signedToken(t, time.Hour)})
	})

	if _, err := src.Token(context.Background()); err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	src.Invalidate()
	if _, err := src.Token(context.Background()); err != nil {
		t.Fatalf("Token() after invalidate error = %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("store called %d times, want 2", calls.Load())
	}
}

func TestTokenSource_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	src, _ := newTokenTestSource(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "store starting", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(tokenResponse{Token: signedToken(t, time.Hour)})
	})

	// One backoff sleep (~1s) happens between the two attempts.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	token, err := src.Token(ctx)
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if token == "" {
		t.Fatal("Token() returned empty token after retry")
	}
	if calls.Load() != 2 {
		t.Errorf("store called %d times, want 2", calls.Load())
	}
}

func TestTokenSource_OpaqueTokenFallsBackToTTL(t *testing.T) {
	src, _ := newTokenTestSource(t, func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(tokenResponse{Token: "opaque-proxy-token"})
	})

	before := time.Now()
	if _, err := src.Token(context.Background()); err != nil {
		t.Fatalf("Token() error = %v", err)
	}

	src.mu.Lock()
	expiry := src.expiry
	src.mu.Unlock()

	want := before.Add(time.Hour)
	if expiry.Before(want.Add(-time.Minute)) || expiry.After(want.Add(time.Minute)) {
		t.Errorf("fallback expiry = %v, want about %v", expiry, want)
	}
}
