package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/1Password/connect-sdk-go/connect"
	"github.com/1Password/connect-sdk-go/onepassword"
)

// OnePasswordKeyStore stores the agent key in 1Password using the Connect
// API.
//
// Configuration is via environment variables:
//   - OP_CONNECT_HOST: URL of the 1Password Connect server
//   - OP_CONNECT_TOKEN: Access token for the Connect server
//   - OP_VAULT_ID: UUID of the vault to store the key in
type OnePasswordKeyStore struct {
	client  connect.Client
	vaultID string
	logger  *slog.Logger

	// Cache to avoid repeated API calls
	mu     sync.RWMutex
	cached *AgentKey
}

// OnePasswordConfig holds configuration for 1Password Connect.
type OnePasswordConfig struct {
	Host    string // OP_CONNECT_HOST
	Token   string // OP_CONNECT_TOKEN
	VaultID string // OP_VAULT_ID
}

// NewOnePasswordKeyStore creates a new 1Password-backed key store.
func NewOnePasswordKeyStore(cfg OnePasswordConfig, logger *slog.Logger) (*OnePasswordKeyStore, error) {
	if cfg.Host == "" || cfg.Token == "" || cfg.VaultID == "" {
		return nil, fmt.Errorf("1Password configuration incomplete: host, token, and vault_id are required")
	}

	client := connect.NewClientWithUserAgent(cfg.Host, cfg.Token, "orglink-gateway")

	return &OnePasswordKeyStore{
		client:  client,
		vaultID: cfg.VaultID,
		logger:  logger,
	}, nil
}

// GetOrCreateAgentKey returns the agent key record, generating one if none
// exists in the vault.
func (ks *OnePasswordKeyStore) GetOrCreateAgentKey(ctx context.Context) (*AgentKey, error) {
	ks.mu.RLock()
	if ks.cached != nil {
		cached := ks.cached
		ks.mu.RUnlock()
		return cached, nil
	}
	ks.mu.RUnlock()

	key, err := ks.getKeyFromVault(ctx, DefaultKeyName)
	if err != nil {
		return nil, fmt.Errorf("checking for existing key: %w", err)
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

	if err := ks.storeKeyInVault(ctx, DefaultKeyName, key); err != nil {
		return nil, fmt.Errorf("storing key in 1Password: %w", err)
	}

	ks.mu.Lock()
	ks.cached = key
	ks.mu.Unlock()

	ks.logger.Info("created new agent key",
		"name", DefaultKeyName,
		"fingerprint", key.Fingerprint)

	return key, nil
}

// GetAgentKeyHash retrieves only the bcrypt hash for verification.
func (ks *OnePasswordKeyStore) GetAgentKeyHash(ctx context.Context) (string, error) {
	ks.mu.RLock()
	if ks.cached != nil {
		hash := ks.cached.Hash
		ks.mu.RUnlock()
		return hash, nil
	}
	ks.mu.RUnlock()

	key, err := ks.getKeyFromVault(ctx, DefaultKeyName)
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

// RotateAgentKey generates a new key and archives the old one. The agent
// must be re-deployed with the new key before it can reconnect.
func (ks *OnePasswordKeyStore) RotateAgentKey(ctx context.Context) (*AgentKey, error) {
	oldKey, err := ks.getKeyFromVault(ctx, DefaultKeyName)
	if err != nil {
		return nil, fmt.Errorf("getting old key: %w", err)
	}

	newKey, err := GenerateAgentKey()
	if err != nil {
		return nil, fmt.Errorf("generating new key: %w", err)
	}
	now := time.Now().UTC()
	newKey.RotatedAt = &now

	if oldKey != nil {
		archiveName := fmt.Sprintf("%s-archived-%s", DefaultKeyName, time.Now().Format("20060102-150405"))
		if err := ks.storeKeyInVault(ctx, archiveName, oldKey); err != nil {
			ks.logger.Warn("failed to archive old key", "error", err)
			// Continue with rotation anyway
		}
	}

	if err := ks.updateKeyInVault(ctx, DefaultKeyName, newKey); err != nil {
		return nil, fmt.Errorf("updating key in 1Password: %w", err)
	}

	ks.mu.Lock()
	ks.cached = newKey
	ks.mu.Unlock()

	ks.logger.Info("rotated agent key", "fingerprint", newKey.Fingerprint)

	return newKey, nil
}

// Close releases any resources.
func (ks *OnePasswordKeyStore) Close() error {
	ks.mu.Lock()
	ks.cached = nil
	ks.mu.Unlock()
	return nil
}

// getKeyFromVault retrieves the key record from 1Password by item title.
func (ks *OnePasswordKeyStore) getKeyFromVault(ctx context.Context, name string) (*AgentKey, error) {
	items, err := ks.client.GetItemsByTitle(name, ks.vaultID)
	if err != nil {
		if isNotFoundError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing items: %w", err)
	}

	if len(items) == 0 {
		return nil, nil
	}

	// Get the full item (including fields)
	item, err := ks.client.GetItem(items[0].ID, ks.vaultID)
	if err != nil {
		return nil, fmt.Errorf("getting item: %w", err)
	}

	return itemToKey(item), nil
}

// storeKeyInVault stores a new key record in 1Password.
func (ks *OnePasswordKeyStore) storeKeyInVault(ctx context.Context, name string, key *AgentKey) error {
	item := ks.keyToItem(name, key)

	if _, err := ks.client.CreateItem(item, ks.vaultID); err != nil {
		return fmt.Errorf("creating item: %w", err)
	}
	return nil
}

// updateKeyInVault replaces the existing key record, creating it if the
// item is missing.
func (ks *OnePasswordKeyStore) updateKeyInVault(ctx context.Context, name string, key *AgentKey) error {
	items, err := ks.client.GetItemsByTitle(name, ks.vaultID)
	if err != nil && !isNotFoundError(err) {
		return fmt.Errorf("finding item: %w", err)
	}

	item := ks.keyToItem(name, key)

	if len(items) == 0 {
		_, err = ks.client.CreateItem(item, ks.vaultID)
	} else {
		item.ID = items[0].ID
		_, err = ks.client.UpdateItem(item, ks.vaultID)
	}

	if err != nil {
		return fmt.Errorf("saving item: %w", err)
	}
	return nil
}

// keyToItem converts an AgentKey to a 1Password item. The plaintext is
// stored concealed so operators can retrieve it for agent deployment.
func (ks *OnePasswordKeyStore) keyToItem(name string, key *AgentKey) *onepassword.Item {
	metadata := map[string]any{
		"fingerprint": key.Fingerprint,
		"created_at":  key.CreatedAt.Format(time.RFC3339),
	}
	if key.RotatedAt != nil {
		metadata["rotated_at"] = key.RotatedAt.Format(time.RFC3339)
	}
	metadataJSON, _ := json.Marshal(metadata)

	return &onepassword.Item{
		Title:    name,
		Category: onepassword.Password,
		Vault:    onepassword.ItemVault{ID: ks.vaultID},
		Fields: []*onepassword.ItemField{
			{
				ID:    "key",
				Label: "agent key",
				Type:  "CONCEALED",
				Value: key.Key,
			},
			{
				ID:    "hash",
				Label: "bcrypt hash",
				Type:  "STRING",
				Value: key.Hash,
			},
			{
				ID:    "fingerprint",
				Label: "fingerprint",
				Type:  "STRING",
				Value: key.Fingerprint,
			},
			{
				ID:      "notesPlain",
				Label:   "notesPlain",
				Type:    "STRING",
				Value:   string(metadataJSON),
				Purpose: "NOTES",
			},
		},
	}
}

// itemToKey converts a 1Password item to an AgentKey.
func itemToKey(item *onepassword.Item) *AgentKey {
	key := &AgentKey{}

	for _, field := range item.Fields {
		switch field.ID {
		case "key":
			key.Key = field.Value
		case "hash":
			key.Hash = field.Value
		case "fingerprint":
			key.Fingerprint = field.Value
		case "notesPlain":
			var metadata map[string]any
			if err := json.Unmarshal([]byte(field.Value), &metadata); err == nil {
				if fp, ok := metadata["fingerprint"].(string); ok && key.Fingerprint == "" {
					key.Fingerprint = fp
				}
				if cat, ok := metadata["created_at"].(string); ok {
					if t, err := time.Parse(time.RFC3339, cat); err == nil {
						key.CreatedAt = t
					}
				}
				if rat, ok := metadata["rotated_at"].(string); ok {
					if t, err := time.Parse(time.RFC3339, rat); err == nil {
						key.RotatedAt = &t
					}
				}
			}
		}
	}

	if key.CreatedAt.IsZero() {
		key.CreatedAt = item.CreatedAt
	}

	return key
}

// isNotFoundError checks if an error is a "not found" error from 1Password.
func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "not found") || strings.Contains(msg, "404") || strings.Contains(msg, "no items")
}
