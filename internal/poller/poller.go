// Package poller refreshes the dashboard's REST panels (agents, AI mode,
// API keys, preflight) on fixed intervals and keeps the latest snapshot of
// each. Panels are independent: one failing never affects another.
package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"aeternum/internal/domain"
)

// MinInterval is the shortest accepted poll interval.
const MinInterval = time.Second

const defaultTimeout = 10 * time.Second

// Panel is one endpoint polled on a fixed interval. Path is relative to the
// backend's API prefix (e.g. "/agents").
type Panel struct {
	ID       string
	Name     string
	Path     string
	Interval time.Duration
}

func (p Panel) spec() string {
	return "@every " + p.Interval.String()
}

// DefaultPanels mirrors the dashboard's refresh cadence.
func DefaultPanels() []Panel {
	return []Panel{
		{ID: "agents", Name: "Agents", Path: "/agents", Interval: 15 * time.Second},
		{ID: "ai-mode", Name: "AI Mode", Path: "/ai-mode", Interval: 10 * time.Second},
		{ID: "keys", Name: "API Keys", Path: "/keys/status", Interval: 30 * time.Second},
		{ID: "preflight", Name: "Preflight", Path: "/preflight", Interval: 30 * time.Second},
	}
}

// FromConfig converts config entries; an empty list yields DefaultPanels.
func FromConfig(cfgs []domain.PanelConfig) []Panel {
	if len(cfgs) == 0 {
		return DefaultPanels()
	}
	out := make([]Panel, 0, len(cfgs))
	for _, c := range cfgs {
		name := c.Name
		if name == "" {
			name = c.ID
		}
		out = append(out, Panel{
			ID:       c.ID,
			Name:     name,
			Path:     c.Path,
			Interval: time.Duration(c.IntervalMs) * time.Millisecond,
		})
	}
	return out
}

// Result is the latest known state of one panel. Data survives failed polls
// so the dashboard can keep showing the last good snapshot next to the error.
type Result struct {
	Panel     Panel
	Data      json.RawMessage
	Err       error
	FetchedAt time.Time // last success
	CheckedAt time.Time // last attempt
}

// Age is how old Data is at now; zero when nothing was fetched yet.
func (r Result) Age(now time.Time) time.Duration {
	if r.FetchedAt.IsZero() {
		return 0
	}
	return now.Sub(r.FetchedAt)
}

// Stale reports whether the last attempt failed.
func (r Result) Stale() bool { return r.Err != nil }

// Fetcher reads one endpoint. backend.Client implements it.
type Fetcher interface {
	Get(ctx context.Context, path string) (json.RawMessage, error)
}

// CronEngine abstracts the cron scheduler for testability.
// The real implementation wraps robfig/cron/v3.
type CronEngine interface {
	AddFunc(spec string, cmd func()) (int, error)
	Remove(id int)
	Start()
	Stop()
}

// Option is a functional option for configuring a Poller.
type Option func(*Poller)

// WithLogger sets a structured logger for the Poller. If l is nil it is
// ignored and the default slog logger is used.
func WithLogger(l *slog.Logger) Option {
	return func(p *Poller) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithTimeout bounds each fetch.
func WithTimeout(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithNow replaces the clock used for result timestamps.
func WithNow(now func() time.Time) Option {
	return func(p *Poller) {
		if now != nil {
			p.now = now
		}
	}
}

// WithOnUpdate is called after every poll with the panel's new result.
func WithOnUpdate(fn func(Result)) Option {
	return func(p *Poller) { p.onUpdate = fn }
}

// Sentinel errors for validation.
var (
	ErrEmptyPanelID     = errors.New("poller: panel ID must not be empty")
	ErrEmptyPath        = errors.New("poller: panel path must not be empty")
	ErrIntervalTooShort = errors.New("poller: interval must be at least 1s")
	ErrDuplicatePanel   = errors.New("poller: panel with this ID already exists")
	ErrUnknownPanel     = errors.New("poller: panel not found")
)

// panelEntry tracks a registered panel and its cron entry ID.
type panelEntry struct {
	panel   Panel
	entryID int
}

// Poller runs one cron entry per panel.
type Poller struct {
	engine   CronEngine
	fetcher  Fetcher
	logger   *slog.Logger
	timeout  time.Duration
	now      func() time.Time
	onUpdate func(Result)

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	panels  map[string]panelEntry
	results map[string]Result
}

// NewPoller creates a Poller. Both engine and fetcher must not be nil.
func NewPoller(engine CronEngine, fetcher Fetcher, opts ...Option) *Poller {
	if engine == nil {
		panic("poller: engine must not be nil")
	}
	if fetcher == nil {
		panic("poller: fetcher must not be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Poller{
		engine:  engine,
		fetcher: fetcher,
		timeout: defaultTimeout,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		panels:  make(map[string]panelEntry),
		results: make(map[string]Result),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// log returns the Poller's logger, falling back to the default slog logger.
func (p *Poller) log() *slog.Logger {
	if p.logger != nil {
		return p.logger
	}
	return slog.Default()
}

func validate(panel Panel) error {
	if panel.ID == "" {
		return ErrEmptyPanelID
	}
	if panel.Path == "" {
		return ErrEmptyPath
	}
	if panel.Interval < MinInterval {
		return fmt.Errorf("%w: %s has %s", ErrIntervalTooShort, panel.ID, panel.Interval)
	}
	return nil
}

// AddPanel registers a panel. Returns an error if it fails validation or a
// panel with the same ID already exists.
func (p *Poller) AddPanel(panel Panel) error {
	if err := validate(panel); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.panels[panel.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicatePanel, panel.ID)
	}

	captured := panel
	entryID, err := p.engine.AddFunc(panel.spec(), func() {
		p.poll(p.ctx, captured)
	})
	if err != nil {
		return fmt.Errorf("poller: failed to register panel %q: %w", panel.ID, err)
	}

	p.panels[panel.ID] = panelEntry{panel: panel, entryID: entryID}
	if _, ok := p.results[panel.ID]; !ok {
		p.results[panel.ID] = Result{Panel: panel}
	}
	p.log().Info("panel registered", "panel", panel.ID, "path", panel.Path, "interval", panel.Interval)
	return nil
}

// RemovePanel unregisters a panel and forgets its result.
func (p *Poller) RemovePanel(id string) error {
	if id == "" {
		return ErrEmptyPanelID
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	entry, exists := p.panels[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownPanel, id)
	}
	p.engine.Remove(entry.entryID)
	delete(p.panels, id)
	delete(p.results, id)
	p.log().Info("panel removed", "panel", id)
	return nil
}

// Reconcile makes the registered panels equal to want: panels not in want
// are removed, changed panels are re-registered and new ones are added.
// Valid entries are applied even when others fail; the errors are joined.
func (p *Poller) Reconcile(want []Panel) error {
	wanted := make(map[string]Panel, len(want))
	var errs []error
	for _, w := range want {
		if err := validate(w); err != nil {
			errs = append(errs, err)
			continue
		}
		wanted[w.ID] = w
	}

	for _, cur := range p.Panels() {
		w, keep := wanted[cur.ID]
		if keep && w == cur {
			delete(wanted, cur.ID)
			continue
		}
		if err := p.RemovePanel(cur.ID); err != nil {
			errs = append(errs, err)
		}
	}

	ids := make([]string, 0, len(wanted))
	for id := range wanted {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := p.AddPanel(wanted[id]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Panels returns the registered panels sorted by ID.
func (p *Poller) Panels() []Panel {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Panel, 0, len(p.panels))
	for _, e := range p.panels {
		out = append(out, e.panel)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Results returns the latest result of every panel sorted by ID.
func (p *Poller) Results() []Result {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Result, 0, len(p.results))
	for _, r := range p.results {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Panel.ID < out[j].Panel.ID })
	return out
}

// Result returns the latest result of one panel.
func (p *Poller) Result(id string) (Result, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.results[id]
	return r, ok
}

// Refresh polls one panel now.
func (p *Poller) Refresh(ctx context.Context, id string) (Result, error) {
	p.mu.RLock()
	entry, ok := p.panels[id]
	p.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownPanel, id)
	}
	return p.poll(ctx, entry.panel), nil
}

// RefreshAll polls every panel now, concurrently, and waits for all of them.
func (p *Poller) RefreshAll(ctx context.Context) {
	var g errgroup.Group
	for _, panel := range p.Panels() {
		g.Go(func() error {
			p.poll(ctx, panel)
			return nil
		})
	}
	g.Wait()
}

// Start begins the cron scheduler.
func (p *Poller) Start() {
	p.engine.Start()
}

// Stop cancels in-flight fetches and halts the cron scheduler.
func (p *Poller) Stop() {
	p.cancel()
	p.engine.Stop()
}

func (p *Poller) poll(ctx context.Context, panel Panel) Result {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	data, err := p.fetcher.Get(ctx, panel.Path)
	now := p.now()

	p.mu.Lock()
	if _, registered := p.panels[panel.ID]; !registered {
		p.mu.Unlock()
		return Result{Panel: panel, Err: err, Data: data, CheckedAt: now}
	}
	res := p.results[panel.ID]
	res.Panel = panel
	res.CheckedAt = now
	res.Err = err
	if err == nil {
		res.Data = data
		res.FetchedAt = now
	}
	p.results[panel.ID] = res
	p.mu.Unlock()

	if err != nil {
		p.log().Warn("panel poll failed", "panel", panel.ID, "path", panel.Path, "error", err)
	} else {
		p.log().Debug("panel polled", "panel", panel.ID, "bytes", len(data))
	}
	if p.onUpdate != nil {
		p.onUpdate(res)
	}
	return res
}
