package backend

// AgentStatus is the reported state of one trading agent.
type AgentStatus string

const (
	AgentActive   AgentStatus = "active"
	AgentIdle     AgentStatus = "idle"
	AgentError    AgentStatus = "error"
	AgentDisabled AgentStatus = "disabled"
)

// AgentState is one entry of GET /api/aeternum/agents.
type AgentState struct {
	Name       string         `json:"name"`
	Status     AgentStatus    `json:"status"`
	LastSignal *string        `json:"lastSignal"`
	Confidence float64        `json:"confidence"`
	Timestamp  string         `json:"timestamp"`
	Details    map[string]any `json:"details,omitempty"`
}

// BlackboardEntry is the shared-memory value an agent published under a topic.
type BlackboardEntry struct {
	Topic     string `json:"topic"`
	Data      any    `json:"data"`
	UpdatedAt string `json:"updatedAt"`
}

// AnalysisResult is returned by POST /api/aeternum/agents/{name}/analyze.
type AnalysisResult struct {
	Agent     string         `json:"agent"`
	Result    map[string]any `json:"result"`
	Timestamp string         `json:"timestamp"`
}

// AIMode selects whether the backend may call external model providers.
type AIMode string

const (
	ModeLocalOnly     AIMode = "LOCAL_ONLY"
	ModeLocalExternal AIMode = "LOCAL_EXTERNAL"
)

// Valid reports whether m is one of the two known modes.
func (m AIMode) Valid() bool {
	return m == ModeLocalOnly || m == ModeLocalExternal
}

type Provider struct {
	Type    string `json:"type"`
	URL     string `json:"url"`
	Model   string `json:"model"`
	HasKey  bool   `json:"has_key,omitempty"`
	Enabled bool   `json:"enabled,omitempty"`
}

type AIModeStats struct {
	LocalCalls           int `json:"local_calls"`
	ExternalCalls        int `json:"external_calls"`
	LocalFailures        int `json:"local_failures"`
	ExternalBlocked      int `json:"external_blocked"`
	EstimatedTokensSaved int `json:"estimated_tokens_saved"`
}

// AIModeStatus is GET /api/aeternum/ai-mode.
type AIModeStatus struct {
	Mode             AIMode      `json:"mode"`
	ExternalAIActive bool        `json:"external_ai_active"`
	LocalProvider    Provider    `json:"local_provider"`
	ExternalProvider Provider    `json:"external_provider"`
	Stats            AIModeStats `json:"stats"`
}

// KeyStatus describes one configured third-party API key.
type KeyStatus struct {
	Service        string  `json:"service"`
	Label          string  `json:"label"`
	Category       string  `json:"category"`
	EnvVar         string  `json:"env_var"`
	IsConfigured   bool    `json:"is_configured"`
	IsConnected    bool    `json:"is_connected"`
	MaskedKey      string  `json:"masked_key"`
	ResponseTimeMs float64 `json:"response_time_ms"`
	Detail         string  `json:"detail"`
}

// TestAllResult is POST /api/aeternum/keys/test-all.
type TestAllResult struct {
	Services   []KeyStatus `json:"services"`
	Total      int         `json:"total"`
	Configured int         `json:"configured"`
	Connected  int         `json:"connected"`
}

// CheckStatus is the outcome of one preflight check.
type CheckStatus string

const (
	CheckPass    CheckStatus = "pass"
	CheckFail    CheckStatus = "fail"
	CheckSkip    CheckStatus = "skip"
	CheckWarn    CheckStatus = "warn"
	CheckTesting CheckStatus = "testing"
)

type PreflightCheck struct {
	Category       string      `json:"category"`
	Name           string      `json:"name"`
	Status         CheckStatus `json:"status"`
	Detail         string      `json:"detail"`
	Critical       bool        `json:"critical,omitempty"`
	ResponseTimeMs float64     `json:"response_time_ms,omitempty"`
}

type PreflightSummary struct {
	Total            int `json:"total"`
	Pass             int `json:"pass"`
	Fail             int `json:"fail"`
	Skip             int `json:"skip"`
	Warn             int `json:"warn"`
	CriticalFailures int `json:"critical_failures"`
}

// PreflightResult is the go/no-go report of GET /api/aeternum/preflight.
type PreflightResult struct {
	Go                bool             `json:"go"`
	Status            string           `json:"status"`
	Checks            []PreflightCheck `json:"checks"`
	Summary           PreflightSummary `json:"summary"`
	TradingMode       string           `json:"trading_mode"`
	APIKeysConfigured int              `json:"api_keys_configured"`
	APIKeysConnected  int              `json:"api_keys_connected"`
	APIKeysTotal      int              `json:"api_keys_total"`
}

// Blockers returns the critical checks that failed. A result with blockers
// is NO-GO regardless of what the backend put in Go.
func (p PreflightResult) Blockers() []PreflightCheck {
	var out []PreflightCheck
	for _, c := range p.Checks {
		if c.Critical && c.Status == CheckFail {
			out = append(out, c)
		}
	}
	return out
}

// Ready reports whether trading may start.
func (p PreflightResult) Ready() bool {
	return p.Go && len(p.Blockers()) == 0
}

// Warnings returns the checks with status warn.
func (p PreflightResult) Warnings() []PreflightCheck {
	var out []PreflightCheck
	for _, c := range p.Checks {
		if c.Status == CheckWarn {
			out = append(out, c)
		}
	}
	return out
}
