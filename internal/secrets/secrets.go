// Package secrets keeps the backend API token and the Telegram bot token in
// an AES-GCM encrypted file under the user config directory, so they never
// have to appear in aeternum.json.
package secrets

import (
	"errors"
	"strings"
)

// SecretsManager stores and retrieves secrets without writing them to config.
type SecretsManager interface {
	// Get returns the secret for key. Returns ErrNotFound if missing.
	Get(key string) (string, error)
	// Set stores the secret for key, overwriting any previous value.
	Set(key, value string) error
	// Delete removes the secret for key. No error if the key did not exist.
	Delete(key string) error
	// Keys lists the stored keys, sorted.
	Keys() ([]string, error)
}

// ErrNotFound is returned when a secret is not found.
var ErrNotFound = errors.New("secret not found")

// ErrUnknownKey is returned by ValidateKey for names outside KnownKeys.
var ErrUnknownKey = errors.New("secrets: unknown key")

// Well-known secret names.
const (
	KeyBackendToken  = "backend_token"
	KeyTelegramToken = "telegram_token"
)

// KnownKeys lists the secrets the CLI reads, with a short description.
var KnownKeys = map[string]string{
	KeyBackendToken:  "Bearer token for the AETERNUM backend (WebSocket and REST)",
	KeyTelegramToken: "Telegram bot token for the notification relay",
}

// ValidateKey rejects names the CLI would never read.
func ValidateKey(key string) error {
	if _, ok := KnownKeys[key]; !ok {
		return ErrUnknownKey
	}
	return nil
}

// Resolve returns explicit when it is set, otherwise the stored secret for
// key. A missing secret (or a nil manager) yields "" and no error.
func Resolve(m SecretsManager, key, explicit string) (string, error) {
	if v := strings.TrimSpace(explicit); v != "" {
		return v, nil
	}
	if m == nil {
		return "", nil
	}
	v, err := m.Get(key)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return v, err
}
