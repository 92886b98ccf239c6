package auth

import (
	"context"
	"errors"
)

// Sentinel errors for auth store lookups.
var (
	ErrKeyNotFound    = errors.New("api key not found")
	ErrClientNotFound = errors.New("client not found")
)

// AuthStore provides credential lookup for authentication.
type AuthStore interface {
	// GetAPIKey retrieves an API key by its stored hash, or ErrKeyNotFound.
	GetAPIKey(ctx context.Context, keyHash string) (*APIKey, error)

	// GetClient retrieves a client by ID, or ErrClientNotFound.
	GetClient(ctx context.Context, id string) (*Client, error)

	// ListAPIKeys returns all stored API keys for iteration-based verification.
	ListAPIKeys(ctx context.Context) ([]*APIKey, error)
}
