package secrets

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
)

// On disk: magic | nonce | AES-256-GCM(json). The magic doubles as
// additional data so a file from another format never opens.
var vaultMagic = []byte("AEV1")

const nonceLen = 12

// errUnreadable marks a vault that exists but cannot be opened.
var errUnreadable = errors.New("secrets file unreadable")

// Hooks for tests.
var (
	defaultKeySource           = DefaultKeySource
	vaultMarshal               = json.Marshal
	vaultNewGCM                = cipher.NewGCM
	vaultRand        io.Reader = rand.Reader
	vaultMkdirAll              = os.MkdirAll
	vaultRename                = os.Rename
)

type vaultDoc struct {
	Version int               `json:"v"`
	Secrets map[string]string `json:"secrets"`
}

// NewFileManager opens the vault at path with the key from DefaultKeySource.
func NewFileManager(path string) (SecretsManager, error) {
	key, err := defaultKeySource()
	if err != nil {
		return nil, err
	}
	return NewFileManagerWithKey(path, key)
}

// NewFileManagerWithKey opens the vault at path with an explicit 32-byte key.
func NewFileManagerWithKey(path string, key []byte) (SecretsManager, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("secrets: key must be 32 bytes, got %d", len(key))
	}
	return &vault{path: path, key: slices.Clone(key)}, nil
}

// vault is a whole-file store: every call decrypts, and every change
// re-encrypts and atomically replaces the file.
type vault struct {
	mu   sync.Mutex
	path string
	key  []byte
}

func (v *vault) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, err
	}
	return vaultNewGCM(block)
}

func (v *vault) read() (map[string]string, error) {
	data, err := os.ReadFile(v.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("secrets read: %w", err)
	}
	return v.open(data)
}

func (v *vault) open(data []byte) (map[string]string, error) {
	body, ok := bytes.CutPrefix(data, vaultMagic)
	if !ok {
		return nil, fmt.Errorf("%w: bad header", errUnreadable)
	}
	if len(body) < nonceLen {
		return nil, fmt.Errorf("%w: truncated", errUnreadable)
	}
	aead, err := v.aead()
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, body[:nonceLen], body[nonceLen:], vaultMagic)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt: %v", errUnreadable, err)
	}
	var doc vaultDoc
	if err := json.Unmarshal(plain, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse: %v", errUnreadable, err)
	}
	if doc.Secrets == nil {
		doc.Secrets = map[string]string{}
	}
	return doc.Secrets, nil
}

func (v *vault) write(m map[string]string) error {
	plain, err := vaultMarshal(vaultDoc{Version: 1, Secrets: m})
	if err != nil {
		return err
	}
	aead, err := v.aead()
	if err != nil {
		return err
	}
	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(vaultRand, nonce); err != nil {
		return fmt.Errorf("secrets nonce: %w", err)
	}
	out := append(slices.Clone(vaultMagic), nonce...)
	out = aead.Seal(out, nonce, plain, vaultMagic)

	dir := filepath.Dir(v.path)
	if err := vaultMkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("secrets mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".secrets-*")
	if err != nil {
		return fmt.Errorf("secrets write: %w", err)
	}
	_, werr := tmp.Write(out)
	cerr := tmp.Close()
	if err := errors.Join(werr, cerr); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("secrets write: %w", err)
	}
	if err := vaultRename(tmp.Name(), v.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("secrets write: %w", err)
	}
	return nil
}

// update applies fn to the current map and writes the result. A vault that
// cannot be opened (wrong key, damage) starts over from an empty map.
func (v *vault) update(fn func(m map[string]string)) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	m, err := v.read()
	if errors.Is(err, errUnreadable) {
		m = map[string]string{}
	} else if err != nil {
		return err
	}
	fn(m)
	return v.write(m)
}

func (v *vault) Get(key string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	m, err := v.read()
	if err != nil {
		return "", err
	}
	if s := m[key]; s != "" {
		return s, nil
	}
	return "", ErrNotFound
}

func (v *vault) Set(key, value string) error {
	return v.update(func(m map[string]string) { m[key] = value })
}

// Delete is a no-op when the vault file does not exist yet.
func (v *vault) Delete(key string) error {
	if _, err := os.Stat(v.path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return v.update(func(m map[string]string) { delete(m, key) })
}

func (v *vault) Keys() ([]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	m, err := v.read()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(m))
	for k, s := range m {
		if s != "" {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys, nil
}
