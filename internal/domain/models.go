package domain

import (
	"strings"
	"time"
)

// =============================================================================
// Core Configuration
// =============================================================================

// Config is the on-disk configuration (aeternum.json or aeternum.yaml).
type Config struct {
	Backend BackendConfig `json:"backend" yaml:"backend"`
	Session SessionConfig `json:"session" yaml:"session"`
	Panels  []PanelConfig `json:"panels" yaml:"panels"`
	Journal JournalConfig `json:"journal" yaml:"journal"`
	Audio   AudioConfig   `json:"audio" yaml:"audio"`
	Relay   RelayConfig   `json:"relay" yaml:"relay"`
	Gateway GatewayConfig `json:"gateway" yaml:"gateway"`
	Infra   InfraConfig   `json:"infra" yaml:"infra"`
	Retry   RetryConfig   `json:"retry" yaml:"retry"`
}

// BackendConfig points at the trading backend. AuthToken is optional; when
// empty the CLI looks it up in the secrets store under "backend_token".
type BackendConfig struct {
	WSURL     string `json:"wsUrl" yaml:"wsUrl"`
	APIBase   string `json:"apiBase" yaml:"apiBase"`
	AuthToken string `json:"authToken,omitempty" yaml:"authToken,omitempty"`
	TimeoutMs int    `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty" jsonschema:"minimum=0"`
}

// SessionConfig tunes the Session Manager.
type SessionConfig struct {
	PingIntervalMs   int    `json:"pingIntervalMs" yaml:"pingIntervalMs" jsonschema:"minimum=0"`
	DialTimeoutMs    int    `json:"dialTimeoutMs" yaml:"dialTimeoutMs" jsonschema:"minimum=0"`
	MaxMessages      int    `json:"maxMessages" yaml:"maxMessages" jsonschema:"minimum=0"`
	MaxNotifications int    `json:"maxNotifications" yaml:"maxNotifications" jsonschema:"minimum=0"`
	MaxActionLog     int    `json:"maxActionLog" yaml:"maxActionLog" jsonschema:"minimum=0"`
	HistoryPath      string `json:"historyPath,omitempty" yaml:"historyPath,omitempty"` // JSONL transcript; empty disables persistence
}

// RetryConfig controls reconnect backoff. All durations are in milliseconds.
// A Multiplier of 1 gives a fixed reconnect interval.
type RetryConfig struct {
	MaxRetries     int     `json:"maxRetries" yaml:"maxRetries" jsonschema:"minimum=0"`         // REST calls only; reconnects never give up
	InitialBackoff int     `json:"initialBackoff" yaml:"initialBackoff" jsonschema:"minimum=1"` // ms
	MaxBackoff     int     `json:"maxBackoff" yaml:"maxBackoff" jsonschema:"minimum=1"`         // ms
	Multiplier     float64 `json:"multiplier" yaml:"multiplier" jsonschema:"minimum=1"`
}

// PanelConfig is one REST endpoint polled on a fixed interval.
type PanelConfig struct {
	ID         string `json:"id" yaml:"id"`
	Name       string `json:"name,omitempty" yaml:"name,omitempty"`
	Path       string `json:"path" yaml:"path"`
	IntervalMs int    `json:"intervalMs" yaml:"intervalMs" jsonschema:"minimum=1000"`
}

// JournalConfig enables the SQLite/libSQL journal of notifications and action results.
type JournalConfig struct {
	URL string `json:"url,omitempty" yaml:"url,omitempty"` // e.g. "file:aeternum.db"; empty disables
}

// AudioConfig controls where forwarded audio clips are spooled.
type AudioConfig struct {
	SpoolDir string `json:"spoolDir,omitempty" yaml:"spoolDir,omitempty"` // empty disables the spool
}

// RelayConfig forwards notifications to a Telegram chat.
type RelayConfig struct {
	TelegramChatID int64  `json:"telegramChatId,omitempty" yaml:"telegramChatId,omitempty"`
	MinLevel       string `json:"minLevel,omitempty" yaml:"minLevel,omitempty" jsonschema:"enum=,enum=info,enum=success,enum=warning,enum=error"`
}

// GatewayConfig configures the mock backend served by "aeternum mock-backend".
type GatewayConfig struct {
	Port             int    `json:"port" yaml:"port" jsonschema:"minimum=0,maximum=65535"`
	AuthToken        string `json:"authToken,omitempty" yaml:"authToken,omitempty"` // When set, clients must send Authorization: Bearer <authToken>
	StatusIntervalMs int    `json:"statusIntervalMs,omitempty" yaml:"statusIntervalMs,omitempty" jsonschema:"minimum=0"`
}

type InfraConfig struct {
	LogFormat string `json:"logFormat" yaml:"logFormat" jsonschema:"enum=text,enum=json"`
	LogLevel  string `json:"logLevel" yaml:"logLevel" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`
	LogFile   string `json:"logFile,omitempty" yaml:"logFile,omitempty"` // dashboard mode only
}

// =============================================================================
// Session Domain
// =============================================================================

type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// ChatMessage is one transcript entry. Streaming is true only for the
// placeholder that is being filled by text chunks.
type ChatMessage struct {
	ID        string      `json:"id"`
	Role      MessageRole `json:"role"`
	Text      string      `json:"text"`
	CreatedAt time.Time   `json:"createdAt"`
	Streaming bool        `json:"streaming,omitempty"`
}

type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// ParseLevel maps a wire value to a Level. Unknown or empty values are info.
func ParseLevel(s string) Level {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case LevelSuccess:
		return LevelSuccess
	case LevelWarning:
		return LevelWarning
	case LevelError:
		return LevelError
	default:
		return LevelInfo
	}
}

// Rank orders levels for threshold checks: info < success < warning < error.
func (l Level) Rank() int {
	switch l {
	case LevelSuccess:
		return 1
	case LevelWarning:
		return 2
	case LevelError:
		return 3
	default:
		return 0
	}
}

type Notification struct {
	ID      string    `json:"id"`
	Message string    `json:"message"`
	Level   Level     `json:"level"`
	Time    time.Time `json:"time"`
}

type ActionLogEntry struct {
	ID      string    `json:"id"`
	Action  string    `json:"action"`
	Result  string    `json:"result"`
	Success bool      `json:"success"`
	Time    time.Time `json:"time"`
}

type AvatarState string

const (
	AvatarIdle      AvatarState = "idle"
	AvatarListening AvatarState = "listening"
	AvatarThinking  AvatarState = "thinking"
	AvatarSpeaking  AvatarState = "speaking"
)

// ParseAvatarState maps a wire value to an AvatarState, defaulting to idle.
func ParseAvatarState(s string) AvatarState {
	switch AvatarState(s) {
	case AvatarListening, AvatarThinking, AvatarSpeaking:
		return AvatarState(s)
	default:
		return AvatarIdle
	}
}

// SystemStatus maps a subsystem name (llm, stt, tts, memory, backend, rag, ...)
// to its reported value, usually a string or a bool.
type SystemStatus map[string]any

// Clone returns a shallow copy; values are scalars from JSON.
func (s SystemStatus) Clone() SystemStatus {
	if s == nil {
		return SystemStatus{}
	}
	out := make(SystemStatus, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// AudioClip is a base64 payload forwarded to the playback collaborator.
type AudioClip struct {
	Data   string `json:"data"`
	Format string `json:"format"`
}
