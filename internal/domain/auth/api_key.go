package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ErrInvalidKey is returned when an API key is unknown, expired or revoked.
var ErrInvalidKey = errors.New("invalid api key")

// ErrUnknownHashType is returned when a stored hash has an unrecognized format.
var ErrUnknownHashType = errors.New("unknown hash type")

const (
	defaultVerifiedCacheSize = 256
	defaultVerifiedCacheTTL  = 5 * time.Minute
)

// APIKeyService validates API keys and returns the owning client.
// Argon2id matches are remembered by the SHA-256 of the raw key for a short
// TTL, so repeated calls from one service skip the slow hash.
type APIKeyService struct {
	store    AuthStore
	verified *expirable.LRU[string, string] // sha256(raw) -> stored hash
}

// NewAPIKeyService creates a new APIKeyService with the given store.
func NewAPIKeyService(store AuthStore) *APIKeyService {
	return &APIKeyService{
		store:    store,
		verified: expirable.NewLRU[string, string](defaultVerifiedCacheSize, nil, defaultVerifiedCacheTTL),
	}
}

// Validate checks rawKey and returns the associated client. Expiry and
// revocation are re-checked on every call, cached or not.
func (s *APIKeyService) Validate(ctx context.Context, rawKey string) (*Client, error) {
	if rawKey == "" {
		return nil, ErrInvalidKey
	}
	digest := HashKey(rawKey)

	if stored, ok := s.verified.Get(digest); ok {
		if key, err := s.store.GetAPIKey(ctx, stored); err == nil {
			return s.resolve(ctx, key)
		}
		s.verified.Remove(digest)
	}

	if key, err := s.store.GetAPIKey(ctx, "sha256:"+digest); err == nil {
		return s.resolve(ctx, key)
	}

	keys, err := s.store.ListAPIKeys(ctx)
	if err != nil {
		return nil, ErrInvalidKey
	}
	for _, candidate := range keys {
		if DetectHashType(candidate.Key) != "argon2id" {
			continue
		}
		match, verifyErr := VerifyKey(rawKey, candidate.Key)
		if verifyErr != nil || !match {
			continue
		}
		s.verified.Add(digest, candidate.Key)
		return s.resolve(ctx, candidate)
	}
	return nil, ErrInvalidKey
}

func (s *APIKeyService) resolve(ctx context.Context, key *APIKey) (*Client, error) {
	if key.Revoked || key.IsExpired() {
		return nil, ErrInvalidKey
	}
	client, err := s.store.GetClient(ctx, key.ClientID)
	if err != nil {
		return nil, fmt.Errorf("resolve client %q: %w", key.ClientID, err)
	}
	return client, nil
}

// HashKey returns the SHA-256 hex hash of the raw key.
func HashKey(rawKey string) string {
	hash := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(hash[:])
}

// argon2idParams follows the OWASP minimum for Argon2id.
var argon2idParams = &argon2id.Params{
	Memory:      47 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// HashKeyArgon2id returns an Argon2id hash of the raw key in PHC format.
func HashKeyArgon2id(rawKey string) (string, error) {
	return argon2id.CreateHash(rawKey, argon2idParams)
}

// DetectHashType returns "argon2id", "sha256" or "unknown".
func DetectHashType(storedHash string) string {
	switch {
	case strings.HasPrefix(storedHash, "$argon2id$"):
		return "argon2id"
	case strings.HasPrefix(storedHash, "sha256:"):
		return "sha256"
	default:
		return "unknown"
	}
}

// VerifyKey verifies a raw key against a stored hash.
func VerifyKey(rawKey, storedHash string) (bool, error) {
	switch DetectHashType(storedHash) {
	case "argon2id":
		return safeArgon2idCompare(rawKey, storedHash)
	case "sha256":
		expected := strings.TrimPrefix(storedHash, "sha256:")
		return subtle.ConstantTimeCompare([]byte(HashKey(rawKey)), []byte(expected)) == 1, nil
	default:
		return false, ErrUnknownHashType
	}
}

// safeArgon2idCompare converts panics from malformed PHC parameters
// (t=0, p=0) into errors.
func safeArgon2idCompare(rawKey, storedHash string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("invalid argon2id hash parameters: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(rawKey, storedHash)
}
