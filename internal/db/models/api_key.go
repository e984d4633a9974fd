// Package models defines the database model types for the agent market.
// Each type corresponds to a database table. Ledger state is not modelled here;
// it is stored as opaque key/value rows by repositories.StateRepository.
package models

import "time"

// APIKey represents an API key for authentication. The key acts on behalf of
// Owner, an account address in hex form.
type APIKey struct {
	ID          string     `json:"id"`
	Owner       string     `json:"owner"`
	Name        string     `json:"name"`                  // Friendly name (e.g., "CI/CD Pipeline Key")
	Description *string    `json:"description,omitempty"` // Optional human-friendly description
	KeyHash     string     `json:"-"`                     // Bcrypt hash of the full key
	KeyPrefix   string     `json:"key_prefix"`            // First 10 chars for lookup and display (e.g., "agm_abc123")
	Scopes      []string   `json:"scopes"`                // JSONB array: ["registry:write", "jobs:write"]
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// IsExpired reports whether the key has an expiry in the past.
func (k *APIKey) IsExpired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}
