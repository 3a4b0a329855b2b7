package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// LocalKeyStore stores the agent key on the local filesystem.
// This is intended for development and testing only.
//
// The directory layout is:
//
//	<base_dir>/
//	  <key_name>.json  (hash and metadata)
type LocalKeyStore struct {
	baseDir string
	logger  *slog.Logger

	mu     sync.RWMutex
	cached *AgentKey
}

// keyRecord is the JSON structure stored on disk. The plaintext key is
// never written.
type keyRecord struct {
	Name        string     `json:"name"`
	Hash        string     `json:"hash"`
	Fingerprint string     `json:"fingerprint"`
	CreatedAt   time.Time  `json:"created_at"`
	RotatedAt   *time.Time `json:"rotated_at,omitempty"`
}

// NewLocalKeyStore creates a new local filesystem-backed key store.
// If baseDir is empty, it defaults to ~/.orglink/keys.
func NewLocalKeyStore(baseDir string, logger *slog.Logger) (*LocalKeyStore, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("getting home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".orglink", "keys")
	}

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}

	logger.Info("using local key store", "path", baseDir)

	return &LocalKeyStore{
		baseDir: baseDir,
		logger:  logger,
	}, nil
}

// GetOrCreateAgentKey returns the agent key record, generating one if none
// exists. The plaintext Key field is set only on the generation path.
func (ks *LocalKeyStore) GetOrCreateAgentKey(ctx context.Context) (*AgentKey, error) {
	ks.mu.RLock()
	if ks.cached != nil {
		cached := ks.cached
		ks.mu.RUnlock()
		return cached, nil
	}
	ks.mu.RUnlock()

	key, err := ks.loadKey(DefaultKeyName)
	if err != nil {
		return nil, fmt.Errorf("loading key: %w", err)
	}

	if key != nil {
		ks.mu.Lock()
		ks.cached = key
		ks.mu.Unlock()
		return key, nil
	}

	ks.logger.Info("creating new agent key", "name", DefaultKeyName)

	key, err = GenerateAgentKey()
	if err != nil {
		return nil, fmt.Errorf("generating agent key: %w", err)
	}

	if err := ks.saveKey(DefaultKeyName, key); err != nil {
		return nil, fmt.Errorf("saving key: %w", err)
	}

	ks.mu.Lock()
	ks.cached = key
	ks.mu.Unlock()

	ks.logger.Info("created new agent key",
		"fingerprint", key.Fingerprint,
		"path", ks.baseDir)

	return key, nil
}

// GetAgentKeyHash retrieves only the bcrypt hash for verification.
func (ks *LocalKeyStore) GetAgentKeyHash(ctx context.Context) (string, error) {
	ks.mu.RLock()
	if ks.cached != nil {
		hash := ks.cached.Hash
		ks.mu.RUnlock()
		return hash, nil
	}
	ks.mu.RUnlock()

	key, err := ks.loadKey(DefaultKeyName)
	if err != nil {
		return "", err
	}
	if key == nil {
		return "", nil
	}

	ks.mu.Lock()
	ks.cached = key
	ks.mu.Unlock()

	return key.Hash, nil
}

// RotateAgentKey generates a new key and archives the old record.
func (ks *LocalKeyStore) RotateAgentKey(ctx context.Context) (*AgentKey, error) {
	oldKey, err := ks.loadKey(DefaultKeyName)
	if err != nil {
		return nil, fmt.Errorf("loading old key: %w", err)
	}

	if oldKey != nil {
		archiveName := fmt.Sprintf("%s-archived-%s", DefaultKeyName, time.Now().Format("20060102-150405"))
		if err := ks.saveKey(archiveName, oldKey); err != nil {
			ks.logger.Warn("failed to archive old key", "error", err)
			// Continue with rotation anyway
		}
	}

	newKey, err := GenerateAgentKey()
	if err != nil {
		return nil, fmt.Errorf("generating new key: %w", err)
	}
	now := time.Now().UTC()
	newKey.RotatedAt = &now

	if err := ks.saveKey(DefaultKeyName, newKey); err != nil {
		return nil, fmt.Errorf("saving new key: %w", err)
	}

	ks.mu.Lock()
	ks.cached = newKey
	ks.mu.Unlock()

	ks.logger.Info("rotated agent key", "fingerprint", newKey.Fingerprint)

	return newKey, nil
}

// Close releases any resources.
func (ks *LocalKeyStore) Close() error {
	ks.mu.Lock()
	ks.cached = nil
	ks.mu.Unlock()
	return nil
}

// loadKey loads a key record from disk by name. Returns nil, nil when no
// record exists.
func (ks *LocalKeyStore) loadKey(name string) (*AgentKey, error) {
	path := filepath.Join(ks.baseDir, name+".json")

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading key record: %w", err)
	}

	var rec keyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parsing key record: %w", err)
	}

	return &AgentKey{
		Hash:        rec.Hash,
		Fingerprint: rec.Fingerprint,
		CreatedAt:   rec.CreatedAt,
		RotatedAt:   rec.RotatedAt,
	}, nil
}

// saveKey writes a key record to disk under the given name.
func (ks *LocalKeyStore) saveKey(name string, key *AgentKey) error {
	path := filepath.Join(ks.baseDir, name+".json")

	rec := keyRecord{
		Name:        name,
		Hash:        key.Hash,
		Fingerprint: key.Fingerprint,
		CreatedAt:   key.CreatedAt,
		RotatedAt:   key.RotatedAt,
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling key record: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing key record: %w", err)
	}
	return nil
}
