package gateway

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"aeternum/internal/backend"
)

// jsonMarshal is used for REST responses; tests may replace it to force
// Marshal errors. Access is protected by jsonMarshalMu for race-safe swaps.
var (
	jsonMarshalMu sync.RWMutex
	jsonMarshal   = json.Marshal
)

const maxRequestBody = 64 << 10

// keySpec describes one API key the mock backend knows about.
type keySpec struct {
	label    string
	category string
	envVar   string
	critical bool
}

var knownKeys = map[string]keySpec{
	"alpaca":     {label: "Alpaca", category: "broker", envVar: "ALPACA_API_KEY", critical: true},
	"polygon":    {label: "Polygon.io", category: "market_data", envVar: "POLYGON_API_KEY"},
	"newsapi":    {label: "NewsAPI", category: "news", envVar: "NEWSAPI_KEY"},
	"fred":       {label: "FRED", category: "macro", envVar: "FRED_API_KEY"},
	"openrouter": {label: "OpenRouter", category: "ai", envVar: "OPENROUTER_API_KEY"},
}

// mockState is the in-memory backend behind the REST endpoints.
type mockState struct {
	mu         sync.Mutex
	now        func() time.Time
	agents     []backend.AgentState
	blackboard map[string]backend.BlackboardEntry
	mode       backend.AIMode
	stats      backend.AIModeStats
	keys       map[string]string
}

func newMockState(now func() time.Time) *mockState {
	ts := now().UTC().Format(time.RFC3339)
	signal := func(s string) *string { return &s }
	return &mockState{
		now: now,
		agents: []backend.AgentState{
			{Name: "oracle", Status: backend.AgentActive, LastSignal: signal("HOLD"), Confidence: 0.64, Timestamp: ts},
			{Name: "risk", Status: backend.AgentActive, LastSignal: signal("WITHIN_LIMITS"), Confidence: 0.91, Timestamp: ts},
			{Name: "regime", Status: backend.AgentIdle, LastSignal: signal("RISK_ON"), Confidence: 0.72, Timestamp: ts},
			{Name: "crypto", Status: backend.AgentIdle, Timestamp: ts},
			{Name: "news", Status: backend.AgentDisabled, Timestamp: ts},
		},
		blackboard: map[string]backend.BlackboardEntry{
			"regime": {Topic: "regime", Data: "risk-on", UpdatedAt: ts},
		},
		mode: backend.ModeLocalOnly,
		keys: map[string]string{},
	}
}

func (m *mockState) routes(mux *http.ServeMux) {
	const p = backend.APIPrefix
	mux.HandleFunc("GET "+p+"/agents", m.handleAgents)
	mux.HandleFunc("POST "+p+"/agents/{name}/analyze", m.handleAnalyze)
	mux.HandleFunc("POST "+p+"/agents/blackboard/query", m.handleBlackboard)
	mux.HandleFunc("GET "+p+"/ai-mode", m.handleAIMode)
	mux.HandleFunc("POST "+p+"/ai-mode", m.handleSetAIMode)
	mux.HandleFunc("GET "+p+"/keys/status", m.handleKeysStatus)
	mux.HandleFunc("POST "+p+"/keys/set", m.handleSetKey)
	mux.HandleFunc("POST "+p+"/keys/delete", m.handleDeleteKey)
	mux.HandleFunc("POST "+p+"/keys/test/{service}", m.handleTestKey)
	mux.HandleFunc("POST "+p+"/keys/test-all", m.handleTestAll)
	mux.HandleFunc("GET "+p+"/preflight", m.handlePreflight)
}

func (m *mockState) handleAgents(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	out := append([]backend.AgentState(nil), m.agents...)
	m.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (m *mockState) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, a := range m.agents {
		if !strings.EqualFold(a.Name, name) {
			continue
		}
		if a.Status == backend.AgentDisabled {
			writeDetail(w, http.StatusConflict, "agent "+a.Name+" is disabled")
			return
		}
		ts := m.now().UTC().Format(time.RFC3339)
		m.agents[i].Timestamp = ts
		m.stats.LocalCalls++
		writeJSON(w, http.StatusOK, backend.AnalysisResult{
			Agent:     a.Name,
			Result:    map[string]any{"signal": a.LastSignal, "confidence": a.Confidence},
			Timestamp: ts,
		})
		return
	}
	writeDetail(w, http.StatusNotFound, "unknown agent "+name)
}

func (m *mockState) handleBlackboard(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Topic string `json:"topic"`
	}
	if !readJSON(w, r, &in) {
		return
	}
	m.mu.Lock()
	entry, ok := m.blackboard[in.Topic]
	m.mu.Unlock()
	if !ok {
		writeDetail(w, http.StatusNotFound, "no entry for topic "+in.Topic)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (m *mockState) aiModeLocked() backend.AIModeStatus {
	_, hasKey := m.keys["openrouter"]
	return backend.AIModeStatus{
		Mode:             m.mode,
		ExternalAIActive: m.mode == backend.ModeLocalExternal,
		LocalProvider:    backend.Provider{Type: "ollama", URL: "http://localhost:11434", Model: "llama3.1"},
		ExternalProvider: backend.Provider{
			Type:    "openrouter",
			URL:     "https://openrouter.ai/api/v1",
			Model:   "auto",
			HasKey:  hasKey,
			Enabled: m.mode == backend.ModeLocalExternal,
		},
		Stats: m.stats,
	}
}

func (m *mockState) handleAIMode(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	out := m.aiModeLocked()
	m.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (m *mockState) handleSetAIMode(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Mode backend.AIMode `json:"mode"`
	}
	if !readJSON(w, r, &in) {
		return
	}
	if !in.Mode.Valid() {
		writeDetail(w, http.StatusBadRequest, "mode must be LOCAL_ONLY or LOCAL_EXTERNAL")
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys["openrouter"]; in.Mode == backend.ModeLocalExternal && !ok {
		writeDetail(w, http.StatusBadRequest, "external provider has no API key")
		return
	}
	m.mode = in.Mode
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "mode": m.mode})
}

func (m *mockState) keyStatusLocked(service string, tested bool) backend.KeyStatus {
	spec := knownKeys[service]
	key, ok := m.keys[service]
	ks := backend.KeyStatus{
		Service:      service,
		Label:        spec.label,
		Category:     spec.category,
		EnvVar:       spec.envVar,
		IsConfigured: ok,
		MaskedKey:    maskKey(key),
		Detail:       "not configured",
	}
	if ok {
		ks.Detail = "configured"
	}
	if tested && ok {
		ks.IsConnected = true
		ks.ResponseTimeMs = 42
		ks.Detail = "connected"
	}
	return ks
}

func (m *mockState) keyStatusesLocked(tested bool) []backend.KeyStatus {
	services := make([]string, 0, len(knownKeys))
	for s := range knownKeys {
		services = append(services, s)
	}
	sort.Strings(services)
	out := make([]backend.KeyStatus, 0, len(services))
	for _, s := range services {
		out = append(out, m.keyStatusLocked(s, tested))
	}
	return out
}

func (m *mockState) handleKeysStatus(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	out := m.keyStatusesLocked(false)
	m.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (m *mockState) handleSetKey(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Service string `json:"service"`
		Key     string `json:"key"`
	}
	if !readJSON(w, r, &in) {
		return
	}
	if _, ok := knownKeys[in.Service]; !ok {
		writeDetail(w, http.StatusNotFound, "unknown service "+in.Service)
		return
	}
	if strings.TrimSpace(in.Key) == "" {
		writeDetail(w, http.StatusBadRequest, "key is empty")
		return
	}
	m.mu.Lock()
	m.keys[in.Service] = in.Key
	out := m.keyStatusLocked(in.Service, false)
	m.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (m *mockState) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Service string `json:"service"`
	}
	if !readJSON(w, r, &in) {
		return
	}
	m.mu.Lock()
	_, ok := m.keys[in.Service]
	delete(m.keys, in.Service)
	if in.Service == "openrouter" && m.mode == backend.ModeLocalExternal {
		m.mode = backend.ModeLocalOnly
	}
	m.mu.Unlock()
	if !ok {
		writeDetail(w, http.StatusNotFound, "no key stored for "+in.Service)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "service": in.Service})
}

func (m *mockState) handleTestKey(w http.ResponseWriter, r *http.Request) {
	service := r.PathValue("service")
	if _, ok := knownKeys[service]; !ok {
		writeDetail(w, http.StatusNotFound, "unknown service "+service)
		return
	}
	m.mu.Lock()
	out := m.keyStatusLocked(service, true)
	m.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (m *mockState) handleTestAll(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	services := m.keyStatusesLocked(true)
	m.mu.Unlock()
	res := backend.TestAllResult{Services: services, Total: len(services)}
	for _, s := range services {
		if s.IsConfigured {
			res.Configured++
		}
		if s.IsConnected {
			res.Connected++
		}
	}
	writeJSON(w, http.StatusOK, res)
}

// handlePreflight fails a check for every missing key; only critical keys block.
func (m *mockState) handlePreflight(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	services := m.keyStatusesLocked(true)
	mode := m.mode
	m.mu.Unlock()

	res := backend.PreflightResult{TradingMode: "paper", APIKeysTotal: len(services)}
	res.Checks = append(res.Checks, backend.PreflightCheck{
		Category: "system", Name: "ai_mode", Status: backend.CheckPass, Detail: string(mode),
	})
	for _, s := range services {
		spec := knownKeys[s.Service]
		c := backend.PreflightCheck{Category: s.Category, Name: s.Service, Critical: spec.critical, Detail: s.Detail}
		switch {
		case s.IsConnected:
			c.Status = backend.CheckPass
			c.ResponseTimeMs = s.ResponseTimeMs
			res.APIKeysConnected++
		case spec.critical:
			c.Status = backend.CheckFail
		default:
			c.Status = backend.CheckSkip
		}
		if s.IsConfigured {
			res.APIKeysConfigured++
		}
		res.Checks = append(res.Checks, c)
	}
	for _, c := range res.Checks {
		res.Summary.Total++
		switch c.Status {
		case backend.CheckPass:
			res.Summary.Pass++
		case backend.CheckFail:
			res.Summary.Fail++
			if c.Critical {
				res.Summary.CriticalFailures++
			}
		case backend.CheckSkip:
			res.Summary.Skip++
		case backend.CheckWarn:
			res.Summary.Warn++
		}
	}
	res.Go = res.Summary.CriticalFailures == 0
	res.Status = "NO-GO"
	if res.Go {
		res.Status = "GO"
	}
	writeJSON(w, http.StatusOK, res)
}

// maskKey keeps the first two and last two characters.
func maskKey(key string) string {
	r := []rune(key)
	if len(r) == 0 {
		return ""
	}
	if len(r) <= 6 {
		return strings.Repeat("*", len(r))
	}
	return string(r[:2]) + "..." + string(r[len(r)-2:])
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	jsonMarshalMu.RLock()
	marshal := jsonMarshal
	jsonMarshalMu.RUnlock()
	data, err := marshal(v)
	if err != nil {
		http.Error(w, `{"detail":"encode failed"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
