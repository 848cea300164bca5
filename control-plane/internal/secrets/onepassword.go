package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/1Password/connect-sdk-go/connect"
	"github.com/1Password/connect-sdk-go/onepassword"
)

// passwordField is the field that holds the secret in a 1Password item.
const passwordField = "password"

// vaultClient is the part of the Connect client the store uses.
type vaultClient interface {
	GetItemsByTitle(title string, vaultQuery string) ([]onepassword.Item, error)
	GetItem(itemQuery string, vaultQuery string) (*onepassword.Item, error)
	CreateItem(item *onepassword.Item, vaultQuery string) (*onepassword.Item, error)
}

// OnePasswordConfig holds configuration for 1Password Connect.
type OnePasswordConfig struct {
	Host  string // OP_CONNECT_HOST
	Token string // OP_CONNECT_TOKEN
	Vault string // vault name or id
}

// OnePasswordStore reads secrets from 1Password items using the Connect API.
// Items are looked up by title; the secret is the item's password field.
type OnePasswordStore struct {
	client vaultClient
	vault  string
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string][]byte
}

// NewOnePasswordStore creates a new 1Password-backed store.
func NewOnePasswordStore(cfg OnePasswordConfig, logger *slog.Logger) (*OnePasswordStore, error) {
	if cfg.Host == "" || cfg.Token == "" || cfg.Vault == "" {
		return nil, fmt.Errorf("1Password configuration incomplete: host, token, and vault are required")
	}
	client := connect.NewClientWithUserAgent(cfg.Host, cfg.Token, "fleetsync-control-plane")
	return newOnePasswordStore(client, cfg.Vault, logger), nil
}

func newOnePasswordStore(client vaultClient, vault string, logger *slog.Logger) *OnePasswordStore {
	return &OnePasswordStore{
		client: client,
		vault:  vault,
		logger: logger.With("component", "secrets", "backend", "1password"),
		cache:  make(map[string][]byte),
	}
}

// Secret returns the password field of the item titled name.
func (s *OnePasswordStore) Secret(ctx context.Context, name string) ([]byte, error) {
	s.mu.RLock()
	if cached, ok := s.cache[name]; ok {
		s.mu.RUnlock()
		return cached, nil
	}
	s.mu.RUnlock()

	secret, err := s.fetch(name)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cache[name] = secret
	s.mu.Unlock()
	return secret, nil
}

// GetOrCreate returns the item's password, creating a password item with a
// generated secret when none exists.
func (s *OnePasswordStore) GetOrCreate(ctx context.Context, name string) ([]byte, error) {
	secret, err := s.Secret(ctx, name)
	if !errors.Is(err, ErrNotFound) {
		return secret, err
	}

	secret, err = GenerateSecret()
	if err != nil {
		return nil, err
	}
	item := &onepassword.Item{
		Title:    name,
		Category: onepassword.Password,
		Fields: []*onepassword.ItemField{{
			ID:      passwordField,
			Label:   passwordField,
			Type:    "CONCEALED",
			Purpose: "PASSWORD",
			Value:   string(secret),
		}},
	}
	if _, err := s.client.CreateItem(item, s.vault); err != nil {
		return nil, fmt.Errorf("creating item %q: %w", name, err)
	}

	s.mu.Lock()
	s.cache[name] = secret
	s.mu.Unlock()
	s.logger.Info("created shared secret item", "item", name, "vault", s.vault)
	return secret, nil
}

func (s *OnePasswordStore) fetch(name string) ([]byte, error) {
	items, err := s.client.GetItemsByTitle(name, s.vault)
	if err != nil {
		if isNotFoundError(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("listing items: %w", err)
	}
	if len(items) == 0 {
		return nil, ErrNotFound
	}

	item, err := s.client.GetItem(items[0].ID, s.vault)
	if err != nil {
		return nil, fmt.Errorf("getting item: %w", err)
	}
	for _, field := range item.Fields {
		if field.ID == passwordField || field.Purpose == "PASSWORD" {
			if field.Value == "" {
				break
			}
			return []byte(field.Value), nil
		}
	}
	return nil, fmt.Errorf("item %q has no password value", name)
}

// Close clears the cache.
func (s *OnePasswordStore) Close() error {
	s.mu.Lock()
	s.cache = make(map[string][]byte)
	s.mu.Unlock()
	return nil
}

// isNotFoundError checks if an error is a "not found" error from 1Password.
// The SDK returns different error types, so the message is inspected.
func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "not found") || strings.Contains(msg, "404") || strings.Contains(msg, "no items")
}
