// Package config loads aeternum.json (or aeternum.yaml), validates it against
// the schema generated from domain.Config and applies environment overrides.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"aeternum/internal/domain"
)

// DefaultPath is used when neither --config nor AETERNUM_CONFIG is set.
const DefaultPath = "aeternum.json"

// Environment variables read by ApplyEnv and ResolvePath.
const (
	EnvConfig    = "AETERNUM_CONFIG"
	EnvWSURL     = "AETERNUM_WS_URL"
	EnvAPIBase   = "AETERNUM_API_BASE"
	EnvAuthToken = "AETERNUM_AUTH_TOKEN"
	EnvLogLevel  = "AETERNUM_LOG_LEVEL"
)

var (
	ErrInvalidWSURL   = errors.New("config: backend.wsUrl must be a ws:// or wss:// URL")
	ErrInvalidAPIBase = errors.New("config: backend.apiBase must be an http:// or https:// URL")
	ErrNilConfig      = errors.New("config: nil config")
)

// marshalIndent and writeFile are used by WriteDefault and Save; tests may replace to force errors.
var (
	marshalIndent = json.MarshalIndent
	writeFile     = os.WriteFile
)

// Default returns the built-in configuration.
func Default() *domain.Config {
	return &domain.Config{
		Backend: domain.BackendConfig{
			WSURL:     "ws://localhost:8765",
			APIBase:   "http://localhost:8000",
			TimeoutMs: 10000,
		},
		Session: domain.SessionConfig{
			PingIntervalMs:   10000,
			DialTimeoutMs:    10000,
			MaxMessages:      200,
			MaxNotifications: 30,
			MaxActionLog:     50,
		},
		Panels: []domain.PanelConfig{},
		Gateway: domain.GatewayConfig{
			Port: 8765,
		},
		Infra: domain.InfraConfig{LogFormat: "text", LogLevel: "info", LogFile: "aeternum.log"},
		Retry: domain.RetryConfig{
			MaxRetries:     3,
			InitialBackoff: 1000,
			MaxBackoff:     30000,
			Multiplier:     2,
		},
	}
}

// ResolvePath picks the config path: the flag value, then AETERNUM_CONFIG,
// then DefaultPath.
func ResolvePath(flag string) string {
	if flag != "" {
		return flag
	}
	if p := os.Getenv(EnvConfig); p != "" {
		return p
	}
	return DefaultPath
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config dotenv: %w", err)
	}
	return nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// normalize turns a YAML document into JSON so both formats share one
// validation and decoding path.
func normalize(path string, data []byte) ([]byte, error) {
	if !isYAML(path) {
		return data, nil
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(doc)
}

// Load reads path, validates it against the config schema and overlays it on
// Default. Returns an error if the file is missing, unparsable or invalid.
func Load(path string) (*domain.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}
	return Parse(path, data)
}

// Parse is Load for bytes already read; path only selects the format.
func Parse(path string, data []byte) (*domain.Config, error) {
	raw, err := normalize(path, bytes.TrimSpace(data))
	if err != nil {
		return nil, fmt.Errorf("config parse: %w", err)
	}
	if err := ValidateDocument(raw); err != nil {
		return nil, err
	}
	c := Default()
	if err := json.Unmarshal(raw, c); err != nil {
		return nil, fmt.Errorf("config parse: %w", err)
	}
	if c.Panels == nil {
		c.Panels = []domain.PanelConfig{}
	}
	CleanPaths(c)
	return c, nil
}

// LoadOrDefault is Load, except that a missing file yields Default and found=false.
func LoadOrDefault(path string) (cfg *domain.Config, found bool, err error) {
	cfg, err = Load(path)
	if err == nil {
		return cfg, true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return Default(), false, nil
	}
	return nil, false, err
}

// ApplyEnv overrides backend endpoints, the auth token and the log level
// from the environment. lookup is usually os.LookupEnv.
func ApplyEnv(cfg *domain.Config, lookup func(string) (string, bool)) {
	if cfg == nil || lookup == nil {
		return
	}
	if v, ok := lookup(EnvWSURL); ok && v != "" {
		cfg.Backend.WSURL = v
	}
	if v, ok := lookup(EnvAPIBase); ok && v != "" {
		cfg.Backend.APIBase = v
	}
	if v, ok := lookup(EnvAuthToken); ok && v != "" {
		cfg.Backend.AuthToken = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		cfg.Infra.LogLevel = strings.ToLower(v)
	}
}

// Check validates what the schema cannot: endpoint URL schemes.
func Check(cfg *domain.Config) error {
	if cfg == nil {
		return ErrNilConfig
	}
	var errs []error
	if !hasScheme(cfg.Backend.WSURL, "ws", "wss") {
		errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidWSURL, cfg.Backend.WSURL))
	}
	if !hasScheme(cfg.Backend.APIBase, "http", "https") {
		errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidAPIBase, cfg.Backend.APIBase))
	}
	return errors.Join(errs...)
}

func hasScheme(raw string, schemes ...string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) {
			return true
		}
	}
	return false
}

// CleanPaths applies filepath.Clean to all path fields in cfg to prevent path traversal.
func CleanPaths(cfg *domain.Config) {
	if cfg == nil {
		return
	}
	clean := func(p *string) {
		if *p != "" {
			*p = filepath.Clean(*p)
		}
	}
	clean(&cfg.Session.HistoryPath)
	clean(&cfg.Audio.SpoolDir)
	clean(&cfg.Infra.LogFile)
}

// WriteDefault writes Default to path, as YAML when the extension asks for it.
func WriteDefault(path string) error {
	return Save(path, Default())
}

// Save writes cfg to path, creating the parent directory.
func Save(path string, cfg *domain.Config) error {
	if cfg == nil {
		return fmt.Errorf("config save: %w", ErrNilConfig)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("config save mkdir: %w", err)
	}
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = marshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("config save marshal: %w", err)
	}
	if err := writeFile(path, data, 0644); err != nil {
		return fmt.Errorf("config save write: %w", err)
	}
	return nil
}
