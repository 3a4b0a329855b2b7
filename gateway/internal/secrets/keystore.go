// Package secrets provides secure storage for the shared agent key.
//
// This package defines a KeyStore interface for the key the on-prem agent
// presents when dialing the gateway. The primary implementation uses
// 1Password Connect for production environments, with a local file-based
// fallback for development.
package secrets

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// AgentKey is the shared secret the agent presents on connect. The
// plaintext is available only at generation time; verification uses the
// bcrypt hash.
type AgentKey struct {
	Key         string     `json:"-"` // plaintext, never serialized
	Hash        string     `json:"hash"`
	Fingerprint string     `json:"fingerprint"` // first 8 hex chars, for logs
	CreatedAt   time.Time  `json:"created_at"`
	RotatedAt   *time.Time `json:"rotated_at,omitempty"`
}

// KeyStore provides secure storage and retrieval of the agent key.
type KeyStore interface {
	// GetOrCreateAgentKey returns the agent key record, generating one if
	// none exists. The plaintext is populated only when the key was just
	// generated.
	GetOrCreateAgentKey(ctx context.Context) (*AgentKey, error)

	// GetAgentKeyHash retrieves only the bcrypt hash for verification.
	// Returns "" if no key exists.
	GetAgentKeyHash(ctx context.Context) (string, error)

	// RotateAgentKey generates a new key, archives the old record, and
	// returns the new key with its plaintext populated. The old key stops
	// validating immediately.
	RotateAgentKey(ctx context.Context) (*AgentKey, error)

	// Close releases any resources held by the key store.
	Close() error
}

// DefaultKeyName is the vault/file name of the agent key record.
const DefaultKeyName = "orglink-agent-key"

// GenerateAgentKey generates a new random agent key and its bcrypt hash.
func GenerateAgentKey() (*AgentKey, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generating key material: %w", err)
	}
	plaintext := "olk_" + hex.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing key: %w", err)
	}

	return &AgentKey{
		Key:         plaintext,
		Hash:        string(hash),
		Fingerprint: hex.EncodeToString(raw)[:8],
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// VerifyAgentKey checks a presented key against the stored bcrypt hash.
func VerifyAgentKey(hash, presented string) bool {
	if hash == "" || presented == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(presented)) == nil
}
