package session

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"aeternum/internal/domain"
	"aeternum/internal/retry"
	"aeternum/internal/sanitize"
)

const (
	defaultPingInterval = 10 * time.Second
	defaultDialTimeout  = 10 * time.Second
)

// Option is a functional option for configuring a Manager.
type Option func(*Manager)

// WithDialer sets how connections are opened. Required.
func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

// WithClock replaces the wall clock; tests use a fake.
func WithClock(c Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithLogger sets a structured logger for the Manager. If l is nil it is
// ignored and the default slog logger is used.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithBackoff sets the reconnect delay policy. Invalid configs are ignored.
func WithBackoff(cfg retry.Config) Option {
	return func(m *Manager) {
		if cfg.Validate() == nil {
			m.backoff = cfg
		}
	}
}

// WithPingInterval sets the liveness probe period.
func WithPingInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.pingInterval = d
		}
	}
}

// WithDialTimeout bounds each connection attempt.
func WithDialTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.dialTimeout = d
		}
	}
}

// WithLimits sets the retention bounds; zero fields keep their defaults.
func WithLimits(l Limits) Option {
	return func(m *Manager) { m.limits = l }
}

// WithSanitizer replaces the command sanitizer.
func WithSanitizer(fn func(string) string) Option {
	return func(m *Manager) {
		if fn != nil {
			m.sanitize = fn
		}
	}
}

// WithAudioSink receives inbound audio clips.
func WithAudioSink(s domain.AudioSink) Option {
	return func(m *Manager) { m.audio = s }
}

// WithRecorder adds a recorder for notifications and action results. May be
// given more than once.
func WithRecorder(r domain.Recorder) Option {
	return func(m *Manager) {
		if r != nil {
			m.recorders = append(m.recorders, r)
		}
	}
}

// WithHistory persists finished messages to store and restores the last n
// of them on Start.
func WithHistory(store domain.TranscriptStore, n int) Option {
	return func(m *Manager) {
		m.history = store
		m.historyN = n
	}
}

// WithSeed replaces the boot entries. A nil seed starts empty.
func WithSeed(seed *Seed) Option {
	return func(m *Manager) {
		m.seed = seed
		m.seedSet = true
	}
}

// WithIDFunc replaces the ID generator.
func WithIDFunc(fn func() string) Option {
	return func(m *Manager) {
		if fn != nil {
			m.newID = fn
		}
	}
}

// newUUID returns a time-ordered UUIDv7, falling back to a random one.
func newUUID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func defaultManager() *Manager {
	return &Manager{
		clock:        SystemClock(),
		backoff:      retry.DefaultConfig(),
		pingInterval: defaultPingInterval,
		dialTimeout:  defaultDialTimeout,
		limits:       DefaultLimits(),
		sanitize:     sanitize.Input,
		newID:        newUUID,
	}
}
