package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/eduzayn/edunexiareplit-ai-sub007/internal/domain/auth"
)

// AuthStore implements auth.AuthStore with in-memory maps, seeded from
// configuration at startup.
type AuthStore struct {
	keys    map[string]*auth.APIKey // stored hash -> key
	clients map[string]*auth.Client
	mu      sync.RWMutex
}

// NewAuthStore creates a new in-memory auth store.
func NewAuthStore() *AuthStore {
	return &AuthStore{
		keys:    make(map[string]*auth.APIKey),
		clients: make(map[string]*auth.Client),
	}
}

// GetAPIKey retrieves an API key by its stored hash.
func (s *AuthStore) GetAPIKey(ctx context.Context, keyHash string) (*auth.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.keys[keyHash]
	if !ok {
		return nil, auth.ErrKeyNotFound
	}
	keyCopy := *key
	return &keyCopy, nil
}

// GetClient retrieves a client by ID.
func (s *AuthStore) GetClient(ctx context.Context, id string) (*auth.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clients[id]
	if !ok {
		return nil, auth.ErrClientNotFound
	}
	clientCopy := *c
	clientCopy.Scopes = slices.Clone(c.Scopes)
	return &clientCopy, nil
}

// ListAPIKeys returns copies of all stored keys.
func (s *AuthStore) ListAPIKeys(ctx context.Context) ([]*auth.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*auth.APIKey, 0, len(s.keys))
	for _, key := range s.keys {
		keyCopy := *key
		result = append(result, &keyCopy)
	}
	return result, nil
}

// AddKey adds an API key.
func (s *AuthStore) AddKey(key *auth.APIKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keyCopy := *key
	s.keys[key.Key] = &keyCopy
}

// AddClient adds or replaces a client.
func (s *AuthStore) AddClient(c *auth.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clientCopy := *c
	clientCopy.Scopes = slices.Clone(c.Scopes)
	s.clients[c.ID] = &clientCopy
}

// RemoveKey removes an API key by its stored hash.
func (s *AuthStore) RemoveKey(keyHash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, keyHash)
}

// Compile-time interface verification.
var _ auth.AuthStore = (*AuthStore)(nil)
