package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"aeternum/internal/backend"
	"aeternum/internal/config"
	"aeternum/internal/domain"
	"aeternum/internal/retry"
	"aeternum/internal/secrets"
	"aeternum/internal/session"
	"aeternum/internal/transport"
)

// Swapped by tests.
var (
	newSecretsManager = secrets.DefaultManager
	lookupEnv         = os.LookupEnv
	dotEnvPath        = ".env"
)

// app is the loaded configuration plus the collaborators every command shares.
type app struct {
	cfgPath string
	cfg     *domain.Config
	found   bool
	secrets secrets.SecretsManager // nil when the store is unavailable
	logger  *slog.Logger
}

// loadApp resolves and loads the config named by --config, applies .env and
// environment overrides and opens the secrets store. Logs go to logOut.
func loadApp(cmd *cobra.Command, logOut io.Writer) (*app, error) {
	if err := config.LoadDotEnv(dotEnvPath); err != nil {
		return nil, err
	}
	flag, _ := cmd.Flags().GetString("config")
	path := config.ResolvePath(flag)
	cfg, found, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	config.ApplyEnv(cfg, lookupEnv)
	if err := config.Check(cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	a := &app{cfgPath: path, cfg: cfg, found: found, logger: config.NewLogger(logOut, cfg.Infra)}
	sm, err := newSecretsManager()
	if err != nil {
		a.logger.Debug("secrets store unavailable", "error", err)
	} else {
		a.secrets = sm
	}
	return a, nil
}

func (a *app) secret(key, explicit string) string {
	v, err := secrets.Resolve(a.secrets, key, explicit)
	if err != nil {
		a.logger.Warn("secret lookup failed", "key", key, "error", err)
	}
	return v
}

func (a *app) backendToken() string {
	return a.secret(secrets.KeyBackendToken, a.cfg.Backend.AuthToken)
}

func millis(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

// newBackendClient builds the REST client for cfg.Backend.APIBase.
func (a *app) newBackendClient() (*backend.Client, error) {
	return backend.New(a.cfg.Backend.APIBase,
		backend.WithAuthToken(a.backendToken()),
		backend.WithRetry(retry.FromDomain(a.cfg.Retry)),
		backend.WithTimeout(millis(a.cfg.Backend.TimeoutMs)),
		backend.WithLogger(a.logger),
	)
}

// sessionOptions returns the options shared by every command that opens a
// live session. Callers append recorders, sinks and seeds.
func (a *app) sessionOptions() []session.Option {
	sc := a.cfg.Session
	dialer := transport.NewDialer(
		transport.WithAuthToken(a.backendToken()),
		transport.WithHandshakeTimeout(millis(sc.DialTimeoutMs)),
	)
	opts := []session.Option{
		session.WithDialer(dialer),
		session.WithLogger(a.logger),
		session.WithBackoff(retry.FromDomain(a.cfg.Retry)),
		session.WithPingInterval(millis(sc.PingIntervalMs)),
		session.WithDialTimeout(millis(sc.DialTimeoutMs)),
		session.WithLimits(session.Limits{
			Messages:      sc.MaxMessages,
			Notifications: sc.MaxNotifications,
			Actions:       sc.MaxActionLog,
		}),
	}
	if sc.HistoryPath != "" {
		store := session.NewHistoryStore(sc.HistoryPath)
		if err := store.Compact(sc.MaxMessages); err != nil {
			a.logger.Warn("transcript compaction failed", "path", sc.HistoryPath, "error", err)
		}
		opts = append(opts, session.WithHistory(store, sc.MaxMessages))
	}
	return opts
}

// requireSecrets fails commands that cannot work without the secrets store.
func (a *app) requireSecrets() (secrets.SecretsManager, error) {
	if a.secrets != nil {
		return a.secrets, nil
	}
	return newSecretsManager()
}
