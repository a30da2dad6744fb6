package secrets

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Environment variables read by the key and store lookups.
const (
	EnvPassphrase     = "AETERNUM_SECRETS_PASSPHRASE"
	EnvPassphraseFile = "AETERNUM_SECRETS_PASSPHRASE_FILE" // e.g. a mounted container secret
	EnvSecretsDir     = "AETERNUM_SECRETS_DIR"
)

// ErrNoKeySource is returned when no passphrase is configured and no
// machine-id can be read.
var ErrNoKeySource = errors.New("secrets: no key source")

const keySalt = "aeternum-secrets-v1"

// machineIDPaths are tried in order when no passphrase is configured.
var machineIDPaths = []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}

// Hooks for tests.
var (
	getenv        = os.Getenv
	readFile      = os.ReadFile
	userConfigDir = os.UserConfigDir
	mkdirAll      = os.MkdirAll
)

// DefaultKeySource derives the 32-byte file key from, in order: the
// AETERNUM_SECRETS_PASSPHRASE value, the file named by
// AETERNUM_SECRETS_PASSPHRASE_FILE, or the host machine-id.
func DefaultKeySource() ([]byte, error) {
	if s := getenv(EnvPassphrase); s != "" {
		return DeriveKeyFromPassphrase(s), nil
	}
	if p := getenv(EnvPassphraseFile); p != "" {
		b, err := readFile(p)
		if err != nil {
			return nil, fmt.Errorf("secrets: passphrase file: %w", err)
		}
		s := strings.TrimSpace(string(b))
		if s == "" {
			return nil, fmt.Errorf("secrets: passphrase file %s is empty", p)
		}
		return DeriveKeyFromPassphrase(s), nil
	}

	var errs []error
	for _, p := range machineIDPaths {
		b, err := readFile(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if id := firstLine(b); id != "" {
			return DeriveKeyFromPassphrase(id), nil
		}
		errs = append(errs, fmt.Errorf("%s is empty", p))
	}
	return nil, fmt.Errorf("%w: set %s (%v)", ErrNoKeySource, EnvPassphrase, errors.Join(errs...))
}

func firstLine(b []byte) string {
	if i := bytes.IndexAny(b, "\r\n"); i >= 0 {
		b = b[:i]
	}
	return string(bytes.TrimSpace(b))
}

// DeriveKeyFromPassphrase returns SHA-256 over a fixed salt and passphrase.
func DeriveKeyFromPassphrase(passphrase string) []byte {
	h := sha256.Sum256([]byte(keySalt + passphrase))
	return h[:]
}

// SecretsDir returns AETERNUM_SECRETS_DIR, or UserConfigDir/aeternum, and
// creates it with mode 0700.
func SecretsDir() (string, error) {
	dir := getenv(EnvSecretsDir)
	if dir == "" {
		base, err := userConfigDir()
		if err != nil {
			return "", fmt.Errorf("secrets dir: %w", err)
		}
		dir = filepath.Join(base, "aeternum")
	}
	if err := mkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("secrets dir: %w", err)
	}
	return dir, nil
}

// DefaultSecretsPath returns the encrypted store inside SecretsDir.
func DefaultSecretsPath() (string, error) {
	dir, err := SecretsDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ".secrets"), nil
}
