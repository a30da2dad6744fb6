// Package backend is the REST client for the AETERNUM backend's
// /api/aeternum endpoints: agents, AI mode, API keys and preflight.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"aeternum/internal/retry"
)

// APIPrefix is prepended to every endpoint path.
const APIPrefix = "/api/aeternum"

const (
	defaultTimeout = 10 * time.Second
	maxBodyBytes   = 4 << 20
	maxDetailLen   = 200
)

var (
	ErrInvalidBaseURL = errors.New("backend: base URL must be an absolute http(s) URL")
	ErrEmptyName      = errors.New("backend: agent name is empty")
	ErrEmptyTopic     = errors.New("backend: blackboard topic is empty")
	ErrEmptyService   = errors.New("backend: service is empty")
	ErrInvalidMode    = errors.New("backend: AI mode must be LOCAL_ONLY or LOCAL_EXTERNAL")
)

// APIError is a non-2xx response. Detail is the backend's "detail" field
// when present, otherwise a prefix of the body.
type APIError struct {
	Status int
	Detail string
}

// StatusCode lets retry.IsRetryable classify the failure.
func (e *APIError) StatusCode() int { return e.Status }

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("backend: HTTP %d", e.Status)
	}
	return fmt.Sprintf("backend: HTTP %d: %s", e.Status, e.Detail)
}

// jsonMarshal encodes request bodies; tests may replace it to force Marshal errors.
var jsonMarshal = json.Marshal

// Client talks to one backend. Safe for concurrent use.
type Client struct {
	base   string
	token  string
	http   *retryablehttp.Client
	logger *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithAuthToken sends Authorization: Bearer <token> on every request.
func WithAuthToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithRetry sets how transient failures (5xx, 429, refused connections) are
// retried. Waits follow cfg.Delay.
func WithRetry(cfg retry.Config) Option {
	return func(c *Client) {
		if cfg.Validate() != nil {
			return
		}
		c.http.RetryMax = cfg.MaxRetries
		c.http.RetryWaitMin = cfg.InitialBackoff
		c.http.RetryWaitMax = cfg.MaxBackoff
		c.http.Backoff = func(_, _ time.Duration, attempt int, _ *http.Response) time.Duration {
			return cfg.Delay(attempt)
		}
	}
}

// WithTimeout bounds each individual HTTP attempt.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.HTTPClient.Timeout = d
		}
	}
}

// WithHTTPClient replaces the underlying transport client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http.HTTPClient = hc
		}
	}
}

// WithLogger sets a structured logger. If l is nil it is ignored and the
// default slog logger is used.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New returns a client for the backend at baseURL (e.g. http://localhost:8000).
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, ErrInvalidBaseURL
	}
	hc := retryablehttp.NewClient()
	hc.HTTPClient.Timeout = defaultTimeout
	hc.CheckRetry = checkRetry
	hc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	c := &Client{
		base: strings.TrimRight(u.String(), "/"),
		http: hc,
	}
	WithRetry(retry.DefaultConfig())(c)
	for _, o := range opts {
		o(c)
	}
	c.http.Logger = c.log()
	return c, nil
}

func (c *Client) log() *slog.Logger {
	if c.logger != nil {
		return c.logger
	}
	return slog.Default()
}

// BaseURL returns the backend root without a trailing slash.
func (c *Client) BaseURL() string { return c.base }

// checkRetry never retries once the caller has given up, classifies
// transport errors with retry.IsRetryable, and defers to the library policy
// for status codes.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return retry.IsRetryable(err), nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, nil)
}

// =============================================================================
// Endpoints
// =============================================================================

// Agents lists every agent and its latest signal.
func (c *Client) Agents(ctx context.Context) ([]AgentState, error) {
	var out []AgentState
	if err := c.do(ctx, http.MethodGet, "/agents", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FindAgent looks an agent up by name, ignoring case.
func FindAgent(agents []AgentState, name string) (AgentState, bool) {
	for _, a := range agents {
		if strings.EqualFold(a.Name, name) {
			return a, true
		}
	}
	return AgentState{}, false
}

// AnalyzeAgent asks one agent to run its analysis now.
func (c *Client) AnalyzeAgent(ctx context.Context, name string) (AnalysisResult, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return AnalysisResult{}, ErrEmptyName
	}
	var out AnalysisResult
	err := c.do(ctx, http.MethodPost, "/agents/"+url.PathEscape(name)+"/analyze", nil, &out)
	return out, err
}

// QueryBlackboard reads the latest value published under topic.
func (c *Client) QueryBlackboard(ctx context.Context, topic string) (BlackboardEntry, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return BlackboardEntry{}, ErrEmptyTopic
	}
	var out BlackboardEntry
	err := c.do(ctx, http.MethodPost, "/agents/blackboard/query", map[string]string{"topic": topic}, &out)
	return out, err
}

// AIMode returns the current model routing mode and usage stats.
func (c *Client) AIMode(ctx context.Context) (AIModeStatus, error) {
	var out AIModeStatus
	err := c.do(ctx, http.MethodGet, "/ai-mode", nil, &out)
	return out, err
}

// SetAIMode switches the routing mode and returns the refreshed status.
func (c *Client) SetAIMode(ctx context.Context, mode AIMode) (AIModeStatus, error) {
	if !mode.Valid() {
		return AIModeStatus{}, ErrInvalidMode
	}
	if err := c.do(ctx, http.MethodPost, "/ai-mode", map[string]AIMode{"mode": mode}, nil); err != nil {
		return AIModeStatus{}, err
	}
	return c.AIMode(ctx)
}

// KeysStatus lists every known API key without testing it.
func (c *Client) KeysStatus(ctx context.Context) ([]KeyStatus, error) {
	var out []KeyStatus
	if err := c.do(ctx, http.MethodGet, "/keys/status", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SetKey stores key for service on the backend.
func (c *Client) SetKey(ctx context.Context, service, key string) error {
	if strings.TrimSpace(service) == "" {
		return ErrEmptyService
	}
	return c.do(ctx, http.MethodPost, "/keys/set", map[string]string{"service": service, "key": key}, nil)
}

// DeleteKey removes the stored key for service.
func (c *Client) DeleteKey(ctx context.Context, service string) error {
	if strings.TrimSpace(service) == "" {
		return ErrEmptyService
	}
	return c.do(ctx, http.MethodPost, "/keys/delete", map[string]string{"service": service}, nil)
}

// TestKey makes the backend call service with its stored key.
func (c *Client) TestKey(ctx context.Context, service string) (KeyStatus, error) {
	service = strings.TrimSpace(service)
	if service == "" {
		return KeyStatus{}, ErrEmptyService
	}
	var out KeyStatus
	err := c.do(ctx, http.MethodPost, "/keys/test/"+url.PathEscape(service), nil, &out)
	return out, err
}

// TestAllKeys tests every configured key.
func (c *Client) TestAllKeys(ctx context.Context) (TestAllResult, error) {
	var out TestAllResult
	err := c.do(ctx, http.MethodPost, "/keys/test-all", nil, &out)
	return out, err
}

// Preflight runs the go/no-go checklist.
func (c *Client) Preflight(ctx context.Context) (PreflightResult, error) {
	var out PreflightResult
	err := c.do(ctx, http.MethodGet, "/preflight", nil, &out)
	return out, err
}

// Get fetches any endpoint below APIPrefix and returns the raw JSON body.
// Used by the panel poller.
func (c *Client) Get(ctx context.Context, path string) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// =============================================================================
// Transport
// =============================================================================

func (c *Client) endpoint(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.base + APIPrefix + path
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body any
	if in != nil {
		raw, err := jsonMarshal(in)
		if err != nil {
			return fmt.Errorf("backend: encode %s: %w", path, err)
		}
		body = raw
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.endpoint(path), body)
	if err != nil {
		return fmt.Errorf("backend: request %s: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.log().Warn("backend request failed", "method", method, "path", path, "error", err)
		return fmt.Errorf("backend: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := decodeAPIError(resp)
		c.log().Warn("backend returned error", "method", method, "path", path, "status", apiErr.Status, "detail", apiErr.Detail)
		return apiErr
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(out); err != nil {
		return fmt.Errorf("backend: decode %s: %w", path, err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) *APIError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	e := &APIError{Status: resp.StatusCode}
	var env struct {
		Detail json.RawMessage `json:"detail"`
	}
	if json.Unmarshal(raw, &env) == nil && len(env.Detail) > 0 {
		var s string
		if json.Unmarshal(env.Detail, &s) == nil {
			e.Detail = s
		} else {
			e.Detail = string(env.Detail)
		}
	} else {
		e.Detail = strings.TrimSpace(string(raw))
	}
	if r := []rune(e.Detail); len(r) > maxDetailLen {
		e.Detail = string(r[:maxDetailLen]) + "..."
	}
	return e
}
