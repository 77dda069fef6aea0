// Package app implements application-level services for the relaygate LLM gateway.
package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	gateway "github.com/castellan-io/relaygate/internal"
	"github.com/castellan-io/relaygate/internal/storage"
	"github.com/google/uuid"
)

// KeyManager handles API key lifecycle (create, delete).
type KeyManager struct {
	store storage.APIKeyStore
}

// NewKeyManager returns a KeyManager backed by store.
func NewKeyManager(store storage.APIKeyStore) *KeyManager {
	return &KeyManager{store: store}
}

// CreateKeyOpts describes a new API key. An empty Role defaults to "member".
type CreateKeyOpts struct {
	OrgID, UserID, TeamID, Role string
	AllowedModels               []string
	RPMLimit, TPMLimit          *int64
	MaxBudget                   *float64
	ExpiresAt                   *time.Time
}

// CreateKey generates a new API key (APIKeyPrefix plus 36 hex characters from
// 18 random bytes), stores its hash, and returns the plaintext (shown once)
// along with the persisted APIKey record.
func (km *KeyManager) CreateKey(ctx context.Context, opts CreateKeyOpts) (string, *gateway.APIKey, error) {
	raw := make([]byte, 18)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, err
	}

	plaintext := gateway.APIKeyPrefix + hex.EncodeToString(raw)
	hash := gateway.HashKey(plaintext)

	role := opts.Role
	if role == "" {
		role = "member"
	}
	key := &gateway.APIKey{
		ID:            uuid.New().String(),
		KeyHash:       hash,
		KeyPrefix:     plaintext[:8],
		OrgID:         opts.OrgID,
		UserID:        opts.UserID,
		TeamID:        opts.TeamID,
		Role:          role,
		AllowedModels: opts.AllowedModels,
		RPMLimit:      opts.RPMLimit,
		TPMLimit:      opts.TPMLimit,
		MaxBudget:     opts.MaxBudget,
		ExpiresAt:     opts.ExpiresAt,
		CreatedAt:     time.Now().UTC(),
	}

	if err := km.store.CreateKey(ctx, key); err != nil {
		return "", nil, err
	}

	return plaintext, key, nil
}

// DeleteKey removes the API key with the given ID.
func (km *KeyManager) DeleteKey(ctx context.Context, id string) error {
	return km.store.DeleteKey(ctx, id)
}
