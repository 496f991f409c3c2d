package bus

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

// SecretRecord is the listing view of a stored secret. Plaintext never
// appears in listings; it takes an audited decrypt call.
type SecretRecord struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	ScopeType string    `json:"scope_type"`
	ScopeID   string    `json:"scope_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ListSecrets returns the owner's secrets, optionally narrowed by scope.
func (c *Client) ListSecrets(ctx context.Context, scopeType, scopeID string) ([]SecretRecord, error) {
	query := url.Values{}
	if scopeType != "" {
		query.Set("scope_type", scopeType)
	}
	if scopeID != "" {
		query.Set("scope_id", scopeID)
	}
	return retryRead(ctx, func() ([]SecretRecord, error) {
		var out []SecretRecord
		if err := c.do(ctx, "list_secrets", http.MethodGet, "/secrets", query, nil, nil, &out); err != nil {
			return nil, err
		}
		return out, nil
	})
}

// CreateSecret stores a new secret value under a scope. Needs the curator
// role.
func (c *Client) CreateSecret(ctx context.Context, name, scopeType, scopeID, value string) (string, error) {
	body := map[string]any{
		"name":       name,
		"scope_type": scopeType,
		"value":      value,
	}
	if scopeID != "" {
		body["scope_id"] = scopeID
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, "create_secret", http.MethodPost, "/secrets", nil, nil, body, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// DecryptSecret reveals a secret's plaintext. The reason lands in the
// store's audit log next to this client's agent identity.
func (c *Client) DecryptSecret(ctx context.Context, id, reason string) (string, error) {
	body := map[string]string{"reason": reason}
	var out struct {
		Value string `json:"value"`
	}
	if err := c.do(ctx, "decrypt_secret", http.MethodPost, "/secrets/"+url.PathEscape(id)+"/decrypt", nil, nil, body, &out); err != nil {
		return "", err
	}
	return out.Value, nil
}
