// Package bus implements the breadcrumb-store client both runners share:
// authenticated CRUD over HTTP, the SSE event stream with reconnect and
// side-filtering, and the failure taxonomy used across the repo.
package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rcrtlabs/rcrt/internal/backoff"
	"github.com/rcrtlabs/rcrt/internal/observability"
	"github.com/rcrtlabs/rcrt/pkg/breadcrumb"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultTokenTTL     = time.Hour
	defaultStreamBuffer = 64

	// readAttempts bounds the retry loop on idempotent reads.
	readAttempts = 5

	// maxBodyBytes caps any response we are willing to buffer.
	maxBodyBytes = 10 << 20
)

// DefaultRoles is the role set both runners request: read, write, and
// subscribe.
var DefaultRoles = []string{"curator", "emitter", "subscriber"}

// Config configures a store client.
type Config struct {
	// BaseURL is the store address, e.g. "http://127.0.0.1:8081".
	BaseURL string

	// ProxyURL, when set, replaces BaseURL for every HTTP and SSE call.
	// Deployments put a local authenticating proxy here; the token flow
	// is unchanged.
	ProxyURL string

	// OwnerID and AgentID identify this runner to /auth/token.
	OwnerID string
	AgentID string

	// Roles requested on tokens. Defaults to DefaultRoles.
	Roles []string

	// Timeout bounds one CRUD round trip. Streams ignore it. Default 30s.
	Timeout time.Duration

	// TokenTTL is the requested token lifetime. Default 1h.
	TokenTTL time.Duration

	// StreamBuffer is the per-stream event channel capacity. Default 64.
	StreamBuffer int

	// ReconnectPolicy overrides the stream reconnect curve. Zero value
	// means backoff.Stream().
	ReconnectPolicy backoff.Policy

	// HTTPClient overrides the transport, mainly for tests. It must not
	// carry a client-level timeout or it will sever long-lived streams.
	HTTPClient *http.Client

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

func (cfg Config) withDefaults() (Config, error) {
	if cfg.BaseURL == "" && cfg.ProxyURL == "" {
		return cfg, NewError(KindConfigMissing, "RCRT_BASE_URL is not set")
	}
	if cfg.OwnerID == "" {
		return cfg, NewError(KindConfigMissing, "OWNER_ID is not set")
	}
	if cfg.AgentID == "" {
		return cfg, NewError(KindConfigMissing, "AGENT_ID is not set")
	}
	if len(cfg.Roles) == 0 {
		cfg.Roles = DefaultRoles
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = defaultStreamBuffer
	}
	if cfg.ReconnectPolicy.Initial == 0 {
		cfg.ReconnectPolicy = backoff.Stream()
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger(observability.LogConfig{})
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewMetrics()
	}
	if cfg.Tracer == nil {
		cfg.Tracer, _ = observability.NewTracer(observability.TraceConfig{ServiceName: "rcrt-bus"})
	}
	return cfg, nil
}

// Client talks to one breadcrumb store on behalf of one agent identity.
// Methods are safe for concurrent use.
type Client struct {
	cfg     Config
	base    string
	http    *http.Client
	sse     *http.Client
	tokens  *tokenSource
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// New builds a client. Configuration problems surface as config-missing
// errors so the CLIs can exit with the right code before any traffic.
func New(cfg Config) (*Client, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	base := cfg.BaseURL
	if cfg.ProxyURL != "" {
		base = cfg.ProxyURL
	}
	base = strings.TrimRight(base, "/")

	crud := cfg.HTTPClient
	streaming := cfg.HTTPClient
	if crud == nil {
		crud = &http.Client{Timeout: cfg.Timeout}
		streaming = &http.Client{}
	}

	c := &Client{
		cfg:     cfg,
		base:    base,
		http:    crud,
		sse:     streaming,
		logger:  cfg.Logger.WithFields("component", "bus"),
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
	}
	c.tokens = newTokenSource(base, cfg.OwnerID, cfg.AgentID, cfg.Roles, cfg.TokenTTL, crud, c.logger)
	return c, nil
}

// EnsureToken acquires a token eagerly. Runners call it at startup so auth
// misconfiguration fails fast instead of on the first publish.
func (c *Client) EnsureToken(ctx context.Context) error {
	_, err := c.tokens.Token(ctx)
	return err
}

// StartTokenRenewal keeps the cached token fresh in the background until
// ctx ends.
func (c *Client) StartTokenRenewal(ctx context.Context) {
	c.tokens.StartRenewal(ctx)
}

type createBody struct {
	Title       string                 `json:"title"`
	Context     map[string]any         `json:"context"`
	Tags        []string               `json:"tags"`
	SchemaName  string                 `json:"schema_name,omitempty"`
	Visibility  breadcrumb.Visibility  `json:"visibility,omitempty"`
	Sensitivity breadcrumb.Sensitivity `json:"sensitivity,omitempty"`
	TTL         *time.Time             `json:"ttl,omitempty"`
}

type createOptions struct {
	idempotencyKey string
}

// CreateOption adjusts one Create call.
type CreateOption func(*createOptions)

// WithIdempotencyKey makes the store the arbiter of at-most-once creation:
// a second create with the same key answers 409, which surfaces here as a
// conflict error.
func WithIdempotencyKey(key string) CreateOption {
	return func(o *createOptions) { o.idempotencyKey = key }
}

// Create writes a new breadcrumb and returns its id.
func (c *Client) Create(ctx context.Context, b *breadcrumb.Breadcrumb, opts ...CreateOption) (string, error) {
	var options createOptions
	for _, opt := range opts {
		opt(&options)
	}

	headers := http.Header{}
	if options.idempotencyKey != "" {
		headers.Set("Idempotency-Key", options.idempotencyKey)
	}

	body := createBody{
		Title:       b.Title,
		Context:     b.Context,
		Tags:        b.Tags,
		SchemaName:  b.SchemaName,
		Visibility:  b.Visibility,
		Sensitivity: b.Sensitivity,
		TTL:         b.TTL,
	}
	if body.Context == nil {
		body.Context = map[string]any{}
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, "create", http.MethodPost, "/breadcrumbs", nil, headers, body, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", NewError(KindTransport, "create answered without an id")
	}
	return out.ID, nil
}

// Get fetches the context view of a breadcrumb. Transport failures retry;
// authoritative answers (404 and friends) do not.
func (c *Client) Get(ctx context.Context, id string) (*breadcrumb.Breadcrumb, error) {
	return retryRead(ctx, func() (*breadcrumb.Breadcrumb, error) {
		var b breadcrumb.Breadcrumb
		if err := c.do(ctx, "get", http.MethodGet, "/breadcrumbs/"+url.PathEscape(id), nil, nil, nil, &b); err != nil {
			return nil, err
		}
		return &b, nil
	})
}

// GetFull fetches the complete record, including owner and schema fields
// the context view omits. Needs the curator role.
func (c *Client) GetFull(ctx context.Context, id string) (*breadcrumb.Breadcrumb, error) {
	return retryRead(ctx, func() (*breadcrumb.Breadcrumb, error) {
		var b breadcrumb.Breadcrumb
		if err := c.do(ctx, "get", http.MethodGet, "/breadcrumbs/"+url.PathEscape(id)+"/full", nil, nil, nil, &b); err != nil {
			return nil, err
		}
		return &b, nil
	})
}

// List queries summaries matching a selector. The store honors a single
// tag parameter plus schema_name; the remaining selector parts are applied
// client-side. A 404 means no index entries and comes back as an empty
// list. Context predicates cannot run against summaries; callers needing
// them must Get the candidates.
func (c *Client) List(ctx context.Context, sel breadcrumb.Selector) ([]breadcrumb.Summary, error) {
	query := url.Values{}
	if tag := pickQueryTag(sel); tag != "" {
		query.Set("tag", tag)
	}
	if sel.SchemaName != "" {
		query.Set("schema_name", sel.SchemaName)
	}

	summaries, err := retryRead(ctx, func() ([]breadcrumb.Summary, error) {
		var out []breadcrumb.Summary
		if err := c.do(ctx, "list", http.MethodGet, "/breadcrumbs", query, nil, nil, &out); err != nil {
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	filtered := summaries[:0]
	for _, s := range summaries {
		if summaryMatches(sel, &s) {
			filtered = append(filtered, s)
		}
	}
	return filtered, nil
}

// pickQueryTag chooses the server-side tag filter. Workspace tags span
// everything in a workspace, so any other tag narrows the answer more.
func pickQueryTag(sel breadcrumb.Selector) string {
	for _, tag := range sel.AllTags {
		if !strings.HasPrefix(tag, "workspace:") {
			return tag
		}
	}
	if len(sel.AllTags) > 0 {
		return sel.AllTags[0]
	}
	if len(sel.AnyTags) == 1 {
		return sel.AnyTags[0]
	}
	return ""
}

func summaryMatches(sel breadcrumb.Selector, s *breadcrumb.Summary) bool {
	if sel.SchemaName != "" && sel.SchemaName != s.SchemaName {
		return false
	}
	for _, want := range sel.AllTags {
		if !s.HasTag(want) {
			return false
		}
	}
	if len(sel.AnyTags) > 0 {
		hit := false
		for _, want := range sel.AnyTags {
			if s.HasTag(want) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	return true
}

// Patch is the subset of fields an update may change. Nil fields stay
// untouched on the server.
type Patch struct {
	Title       *string                 `json:"title,omitempty"`
	Context     map[string]any          `json:"context,omitempty"`
	Tags        []string                `json:"tags,omitempty"`
	SchemaName  *string                 `json:"schema_name,omitempty"`
	Visibility  *breadcrumb.Visibility  `json:"visibility,omitempty"`
	Sensitivity *breadcrumb.Sensitivity `json:"sensitivity,omitempty"`
	TTL         *time.Time              `json:"ttl,omitempty"`
}

// Update patches a breadcrumb at an expected version. The version travels
// as If-Match; a stale one makes the store answer 412, surfaced as a
// conflict error. Callers own the re-read-and-retry loop.
func (c *Client) Update(ctx context.Context, id string, version int, patch Patch) error {
	headers := http.Header{}
	headers.Set("If-Match", strconv.Itoa(version))

	var out struct {
		OK bool `json:"ok"`
	}
	return c.do(ctx, "update", http.MethodPatch, "/breadcrumbs/"+url.PathEscape(id), nil, headers, patch, &out)
}

// Delete removes a breadcrumb. Deleting a missing one answers not-found.
func (c *Client) Delete(ctx context.Context, id string) error {
	var out struct {
		OK bool `json:"ok"`
	}
	return c.do(ctx, "delete", http.MethodDelete, "/breadcrumbs/"+url.PathEscape(id), nil, nil, nil, &out)
}

// do executes one CRUD round trip with tracing, metrics, and a single
// transparent retry after a 401 (the token may have been revoked early).
func (c *Client) do(ctx context.Context, verb, method, path string, query url.Values, headers http.Header, body, out any) error {
	ctx, span := c.tracer.Start(ctx, "bus."+verb)
	defer span.End()

	start := time.Now()
	err := c.doOnce(ctx, method, path, query, headers, body, out, true)

	status := "ok"
	if err != nil {
		status = string(KindOf(err))
		c.tracer.RecordError(span, err)
	}
	c.metrics.RecordBusRequest(verb, status, time.Since(start).Seconds())
	return err
}

func (c *Client) doOnce(ctx context.Context, method, path string, query url.Values, headers http.Header, body, out any, retryAuth bool) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}

	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return WrapError(KindValidation, err, "marshal %s %s body", method, path)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return WrapError(KindTransport, err, "build %s %s", method, path)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", "rcrt-runner")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return WrapError(KindTimeout, err, "%s %s", method, path)
		}
		return WrapError(KindTransport, err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return WrapError(KindTransport, err, "read %s %s response", method, path)
	}

	if resp.StatusCode == http.StatusUnauthorized && retryAuth {
		c.tokens.Invalidate()
		return c.doOnce(ctx, method, path, query, headers, body, out, false)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp.StatusCode, string(raw))
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return WrapError(KindTransport, err, "decode %s %s response", method, path)
		}
	}
	return nil
}

// isTimeout distinguishes deadline expiry from other transport failures.
// The CRUD client's own timeout does not touch ctx, so the net error's
// Timeout flag is checked as well.
func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}

// retryRead retries transport and timeout failures with backoff, passing
// authoritative answers straight through.
func retryRead[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	var last error
	policy := backoff.Default()
	for attempt := 1; attempt <= readAttempts; attempt++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		if !Retryable(err) {
			return zero, err
		}
		last = err
		if attempt < readAttempts {
			if err := policy.Sleep(ctx, attempt); err != nil {
				return zero, fmt.Errorf("%w (last failure: %w)", err, last)
			}
		}
	}
	return zero, last
}
