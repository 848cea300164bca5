package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/pilot-net/fleetsync/control-plane/internal/config"
)

// SecretEnv is the environment variable read by the env backend.
const SecretEnv = "FLEETSYNC_SECRET"

// Config holds configuration for the secrets backend.
type Config struct {
	// Backend is "env", "file", "1password" or "auto".
	// "auto" uses 1Password when Connect is configured, then a file when one
	// is named, then the environment.
	Backend string

	File        string // secret file for the file backend
	Item        string // 1Password item title
	OnePassword OnePasswordConfig
}

// ConfigFrom builds a Config from the control-plane settings. Connect
// credentials come from OP_CONNECT_HOST and OP_CONNECT_TOKEN.
func ConfigFrom(sc config.SecretConfig) Config {
	return Config{
		Backend: sc.Backend,
		File:    sc.File,
		Item:    sc.Item,
		OnePassword: OnePasswordConfig{
			Host:  os.Getenv("OP_CONNECT_HOST"),
			Token: os.Getenv("OP_CONNECT_TOKEN"),
			Vault: sc.Vault,
		},
	}
}

// NewStore creates a Store based on configuration.
func NewStore(cfg Config, logger *slog.Logger) (Store, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = "auto"
	}

	switch backend {
	case "env":
		return NewEnvStore(SecretEnv), nil

	case "file":
		return NewFileStore(cfg.File, logger)

	case "1password":
		if cfg.OnePassword.Host == "" || cfg.OnePassword.Token == "" {
			return nil, fmt.Errorf("1Password backend requested but OP_CONNECT_HOST/OP_CONNECT_TOKEN not set")
		}
		return NewOnePasswordStore(cfg.OnePassword, logger)

	case "auto":
		if cfg.OnePassword.Host != "" && cfg.OnePassword.Token != "" {
			st, err := NewOnePasswordStore(cfg.OnePassword, logger)
			if err == nil {
				return st, nil
			}
			logger.Warn("failed to initialize 1Password, falling back", "error", err)
		}
		if cfg.File != "" {
			return NewFileStore(cfg.File, logger)
		}
		return NewEnvStore(SecretEnv), nil

	default:
		return nil, fmt.Errorf("unknown secrets backend: %s", backend)
	}
}

// Resolve returns the shared frame secret. A nil secret with a nil error
// means no secret is configured and frames travel unauthenticated.
func Resolve(ctx context.Context, cfg Config, logger *slog.Logger) ([]byte, error) {
	st, err := NewStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	secret, err := st.GetOrCreate(ctx, cfg.Item)
	if errors.Is(err, ErrNotFound) {
		logger.Warn("no shared secret configured, frames are unauthenticated")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolving shared secret: %w", err)
	}
	return secret, nil
}
