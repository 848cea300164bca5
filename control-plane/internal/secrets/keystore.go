// Package secrets resolves the shared secret that authenticates frames
// between the controller and its agents.
//
// The secret can come from an environment variable, a local file or a
// 1Password vault through the Connect API. File and 1Password stores
// generate and persist a secret on first use so a fresh deployment has one.
package secrets

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrNotFound is returned when the named secret does not exist.
var ErrNotFound = errors.New("secret not found")

// SecretLength is the number of random bytes in a generated secret.
const SecretLength = 32

// Store provides retrieval of named secrets.
type Store interface {
	// Secret returns the named secret or ErrNotFound.
	Secret(ctx context.Context, name string) ([]byte, error)

	// GetOrCreate returns the named secret, generating and storing a new
	// one if it does not exist yet.
	GetOrCreate(ctx context.Context, name string) ([]byte, error)

	// Close releases any resources held by the store.
	Close() error
}

// GenerateSecret returns a new hex-encoded random secret.
func GenerateSecret() ([]byte, error) {
	raw := make([]byte, SecretLength)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generating secret: %w", err)
	}
	out := make([]byte, hex.EncodedLen(len(raw)))
	hex.Encode(out, raw)
	return out, nil
}
