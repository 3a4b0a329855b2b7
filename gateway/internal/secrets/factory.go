package secrets

import (
	"fmt"
	"log/slog"
	"os"
)

// Config holds configuration for the secrets backend.
type Config struct {
	// Backend specifies which backend to use: "1password", "local", or "auto"
	// "auto" (default) uses 1Password Connect if configured, otherwise local
	Backend string

	// 1Password Connect configuration
	OnePassword OnePasswordConfig

	// Local storage directory (default: ~/.orglink/keys)
	LocalKeyDir string
}

// ConfigFromEnv creates a Config from environment variables.
func ConfigFromEnv() Config {
	return Config{
		Backend: getEnv("ORGLINK_SECRETS_BACKEND", "auto"),
		OnePassword: OnePasswordConfig{
			Host:    os.Getenv("OP_CONNECT_HOST"),
			Token:   os.Getenv("OP_CONNECT_TOKEN"),
			VaultID: os.Getenv("OP_VAULT_ID"),
		},
		LocalKeyDir: os.Getenv("ORGLINK_KEY_DIR"),
	}
}

// NewKeyStore creates a KeyStore based on configuration.
func NewKeyStore(cfg Config, logger *slog.Logger) (KeyStore, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = "auto"
	}

	switch backend {
	case "1password":
		return NewOnePasswordKeyStore(cfg.OnePassword, logger)

	case "local":
		return NewLocalKeyStore(cfg.LocalKeyDir, logger)

	case "auto":
		// Try 1Password Connect first, fall back to local
		if cfg.OnePassword.Host != "" && cfg.OnePassword.Token != "" {
			ks, err := NewOnePasswordKeyStore(cfg.OnePassword, logger)
			if err != nil {
				logger.Warn("failed to initialize 1Password, falling back to local storage",
					"error", err)
				return NewLocalKeyStore(cfg.LocalKeyDir, logger)
			}
			return ks, nil
		}
		logger.Info("1Password Connect not configured, using local key storage")
		return NewLocalKeyStore(cfg.LocalKeyDir, logger)

	default:
		return nil, fmt.Errorf("unknown secrets backend: %s", backend)
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
