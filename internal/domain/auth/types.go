// Package auth authenticates the services that call the authorization API.
package auth

import (
	"slices"
	"time"
)

// Scope limits what a caller may do with the API.
type Scope string

const (
	// ScopeCheck allows permission and condition queries.
	ScopeCheck Scope = "check"
	// ScopeAdmin allows policy administration and cache invalidation.
	ScopeAdmin Scope = "admin"
)

// IsValid returns true if the scope is known.
func (s Scope) IsValid() bool {
	switch s {
	case ScopeCheck, ScopeAdmin:
		return true
	default:
		return false
	}
}

// Client is an authenticated caller, usually a backend service.
type Client struct {
	ID     string
	Name   string
	Scopes []Scope
}

// HasScope reports whether the client holds scope. Admin implies check.
func (c *Client) HasScope(scope Scope) bool {
	if slices.Contains(c.Scopes, scope) {
		return true
	}
	return scope == ScopeCheck && slices.Contains(c.Scopes, ScopeAdmin)
}

// APIKey maps a hashed key to a client.
type APIKey struct {
	// Key is the stored hash: Argon2id PHC string or "sha256:<hex>".
	Key       string
	ClientID  string
	Name      string
	CreatedAt time.Time
	// ExpiresAt is nil for keys that never expire.
	ExpiresAt *time.Time
	Revoked   bool
}

// IsExpired returns true if the API key has expired.
func (k *APIKey) IsExpired() bool {
	if k.ExpiresAt == nil {
		return false
	}
	return time.Now().UTC().After(*k.ExpiresAt)
}
