// Package session implements the Session Manager: it owns the single
// WebSocket connection to the backend, reconnects with backoff, folds
// inbound events into chat and status state, and sends operator commands.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"aeternum/internal/domain"
	"aeternum/internal/protocol"
	"aeternum/internal/retry"
)

// Sentinel errors.
var (
	ErrNotConnected   = errors.New("session: not connected")
	ErrEmptyCommand   = errors.New("session: command is empty after sanitizing")
	ErrStopped        = errors.New("session: stopped")
	ErrAlreadyStarted = errors.New("session: already started")
	ErrNoDialer       = errors.New("session: no dialer configured")
)

const inboxSize = 64

// Manager owns the connection lifecycle and the derived state. All state is
// mutated on one loop goroutine; reads go through Snapshot.
type Manager struct {
	url          string
	dialer       Dialer
	clock        Clock
	logger       *slog.Logger
	backoff      retry.Config
	pingInterval time.Duration
	dialTimeout  time.Duration
	limits       Limits
	sanitize     func(string) string
	newID        func() string
	audio        domain.AudioSink
	recorders    []domain.Recorder
	history      domain.TranscriptStore
	historyN     int
	seed         *Seed
	seedSet      bool

	inbox    chan func()
	done     chan struct{}
	loopDone chan struct{}

	lifeMu  sync.Mutex
	started bool
	stopped bool

	// Owned by the loop goroutine.
	state          *State
	ctx            context.Context
	cancel         context.CancelFunc
	gen            uint64
	conn           Conn
	dialCancel     context.CancelFunc
	reconnectTimer Timer
	pingTimer      Timer

	snapMu  sync.RWMutex
	snap    Snapshot
	updates chan struct{}
}

// New returns a Manager for the backend at url. Nothing happens until Start.
func New(url string, opts ...Option) *Manager {
	m := defaultManager()
	m.url = url
	for _, opt := range opts {
		opt(m)
	}
	m.state = NewState(m.limits, m.newID)
	m.inbox = make(chan func(), inboxSize)
	m.done = make(chan struct{})
	m.loopDone = make(chan struct{})
	m.updates = make(chan struct{}, 1)
	m.snap = m.state.Snapshot()
	m.snap.URL = url
	return m
}

// log returns the Manager's logger, falling back to the default slog logger.
func (m *Manager) log() *slog.Logger {
	if m.logger != nil {
		return m.logger
	}
	return slog.Default()
}

// URL returns the backend WebSocket URL.
func (m *Manager) URL() string { return m.url }

// Start seeds the state and begins connecting. The session stops when ctx
// is cancelled or Stop is called. Start may be called once.
func (m *Manager) Start(ctx context.Context) error {
	if m.dialer == nil {
		return ErrNoDialer
	}
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if m.stopped {
		return ErrStopped
	}
	if m.started {
		return ErrAlreadyStarted
	}
	m.started = true

	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.post(m.boot)
	go m.run()
	go func() {
		select {
		case <-ctx.Done():
			m.Stop()
		case <-m.done:
		}
	}()
	return nil
}

// Stop tears the session down: timers are cancelled, an in-flight dial is
// aborted and the connection is closed. No transition happens afterwards.
// Stop is idempotent and safe to call when Start was never called.
func (m *Manager) Stop() {
	m.lifeMu.Lock()
	if m.stopped {
		m.lifeMu.Unlock()
		<-m.loopDone
		return
	}
	m.stopped = true
	started := m.started
	close(m.done)
	m.lifeMu.Unlock()

	if started {
		<-m.loopDone
		return
	}
	close(m.loopDone)
}

// Done is closed once the session has fully stopped.
func (m *Manager) Done() <-chan struct{} { return m.loopDone }

// Snapshot returns a deep copy of the current state.
func (m *Manager) Snapshot() Snapshot {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	s := m.snap
	s.Messages = append([]domain.ChatMessage(nil), s.Messages...)
	s.Notifications = append([]domain.Notification(nil), s.Notifications...)
	s.Actions = append([]domain.ActionLogEntry(nil), s.Actions...)
	s.Status = s.Status.Clone()
	return s
}

// Updates receives a value after state changes. Notifications coalesce: a
// slow reader sees one pending value and should call Snapshot.
func (m *Manager) Updates() <-chan struct{} { return m.updates }

// SendCommand sanitizes text and sends it as a user message. While the
// connection is not open it returns ErrNotConnected and raises one
// "Not connected to server" notification.
func (m *Manager) SendCommand(text string) error {
	clean := m.sanitize(text)
	if clean == "" {
		return ErrEmptyCommand
	}
	if !m.running() {
		return ErrStopped
	}
	reply := make(chan error, 1)
	if !m.post(func() { reply <- m.send(clean) }) {
		return ErrStopped
	}
	select {
	case err := <-reply:
		return err
	case <-m.loopDone:
		return ErrStopped
	}
}

// QuickAction is a predefined dashboard command.
type QuickAction struct {
	Label   string
	Command string
	Danger  bool
}

// QuickActions is the dashboard's command palette, in display order.
var QuickActions = []QuickAction{
	{Label: "System Status", Command: "system status"},
	{Label: "Health Check", Command: "health check"},
	{Label: "Oracle Signals", Command: "oracle signals"},
	{Label: "Market Regime", Command: "market regime"},
	{Label: "Dashboard", Command: "open dashboard"},
	{Label: "Run Backtest", Command: "run backtest", Danger: true},
}

// SendQuickAction sends a predefined dashboard command.
func (m *Manager) SendQuickAction(command string) error {
	return m.SendCommand(command)
}

func (m *Manager) running() bool {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	return m.started && !m.stopped
}

// =============================================================================
// Loop
// =============================================================================

// post queues fn for the loop. Returns false once the session is stopped.
func (m *Manager) post(fn func()) bool {
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case m.inbox <- fn:
		return true
	case <-m.done:
		return false
	}
}

func (m *Manager) run() {
	defer close(m.loopDone)
	for {
		select {
		case <-m.done:
			m.teardown()
			return
		default:
		}
		select {
		case <-m.done:
			m.teardown()
			return
		case fn := <-m.inbox:
			fn()
		}
	}
}

func (m *Manager) boot() {
	m.state.Begin(m.clock.Now())
	if m.history != nil && m.historyN > 0 {
		msgs, err := m.history.LoadHistory(m.historyN)
		if err != nil {
			m.log().Warn("transcript restore failed", "error", err)
		}
		m.state.Restore(Seed{Messages: msgs})
	}
	switch {
	case m.seedSet && m.seed != nil:
		m.state.Restore(*m.seed)
	case !m.seedSet:
		m.state.Restore(DefaultSeed(m.clock.Now(), m.newID))
	}
	m.connect()
}

// connect starts a dial unless a connection is open or pending.
func (m *Manager) connect() {
	if m.conn != nil || m.dialCancel != nil {
		return
	}
	m.gen++
	gen := m.gen
	m.state.Connecting()
	m.publish()

	ctx, cancel := context.WithTimeout(m.ctx, m.dialTimeout)
	m.dialCancel = cancel
	m.log().Debug("dialing", "url", m.url, "gen", gen)

	go func() {
		conn, err := m.dialer.Dial(ctx, m.url)
		delivered := make(chan struct{})
		posted := m.post(func() {
			close(delivered)
			m.dialed(gen, conn, err)
		})
		if conn == nil {
			return
		}
		if !posted {
			_ = conn.Close()
			return
		}
		// The loop may stop before running the callback.
		select {
		case <-delivered:
		case <-m.loopDone:
			select {
			case <-delivered:
			default:
				_ = conn.Close()
			}
		}
	}()
}

func (m *Manager) dialed(gen uint64, conn Conn, err error) {
	if gen != m.gen || m.dialCancel == nil {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	m.dialCancel()
	m.dialCancel = nil

	if err != nil {
		m.log().Warn("connect failed", "url", m.url, "error", err)
		m.closed(gen, LabelError)
		return
	}

	m.conn = conn
	m.apply(m.state.Opened(m.clock.Now()))
	m.log().Info("connected", "url", m.url)
	m.armPing(gen)
	go m.readLoop(gen, conn)
	m.publish()
}

func (m *Manager) readLoop(gen uint64, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.post(func() {
				if gen == m.gen && m.conn != nil {
					m.log().Info("connection closed", "error", err)
				}
				m.closed(gen, LabelOffline)
			})
			return
		}
		if !m.post(func() { m.frame(gen, data) }) {
			return
		}
	}
}

func (m *Manager) frame(gen uint64, data []byte) {
	if gen != m.gen {
		return
	}
	ev, err := protocol.Decode(data)
	if err != nil {
		m.log().Warn("dropping malformed frame", "error", err)
		return
	}
	if u, ok := ev.(protocol.Unknown); ok {
		m.log().Debug("dropping unknown frame", "type", u.Type)
		return
	}
	m.apply(m.state.Apply(ev, m.clock.Now()))
	m.publish()
}

// closed handles the loss of connection gen and schedules the reconnect.
func (m *Manager) closed(gen uint64, label Label) {
	if gen != m.gen {
		return
	}
	m.gen++
	if m.pingTimer != nil {
		m.pingTimer.Stop()
		m.pingTimer = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}

	now := m.clock.Now()
	attempt, eff := m.state.Closed(label, now)
	m.apply(eff)

	delay := m.backoff.Delay(attempt)
	m.state.RetryAt(now.Add(delay))
	next := m.gen
	m.reconnectTimer = m.clock.AfterFunc(delay, func() {
		m.post(func() {
			if next != m.gen {
				return
			}
			m.reconnectTimer = nil
			m.connect()
		})
	})
	m.log().Info("reconnect scheduled", "attempt", attempt, "delay", delay)
	m.publish()
}

func (m *Manager) armPing(gen uint64) {
	m.pingTimer = m.clock.AfterFunc(m.pingInterval, func() {
		m.post(func() {
			if gen != m.gen || m.conn == nil {
				return
			}
			m.ping(gen)
		})
	})
}

func (m *Manager) ping(gen uint64) {
	frame, err := protocol.EncodeCommand(protocol.Ping())
	if err != nil {
		m.log().Error("encode ping", "error", err)
		return
	}
	m.state.PingSent(m.clock.Now())
	if err := m.conn.WriteMessage(frame); err != nil {
		m.log().Warn("ping failed", "error", err)
		m.closed(gen, LabelOffline)
		return
	}
	m.armPing(gen)
}

func (m *Manager) send(text string) error {
	now := m.clock.Now()
	if m.conn == nil || m.state.Phase() != PhaseOpen {
		m.apply(m.state.Notify(msgNotConnected, domain.LevelError, now))
		m.publish()
		return ErrNotConnected
	}
	frame, err := protocol.EncodeCommand(protocol.UserMessage(text))
	if err != nil {
		return fmt.Errorf("session: send: %w", err)
	}
	if err := m.conn.WriteMessage(frame); err != nil {
		m.log().Warn("send failed", "error", err)
		m.closed(m.gen, LabelOffline)
		return fmt.Errorf("session: send: %w", err)
	}
	m.apply(m.state.AppendUser(text, now))
	m.publish()
	return nil
}

func (m *Manager) teardown() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if m.pingTimer != nil {
		m.pingTimer.Stop()
		m.pingTimer = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.gen++
	m.apply(m.state.Stopped(m.clock.Now()))
	m.publish()
	m.log().Info("session stopped", "url", m.url)
}

// apply hands an Effect to the collaborators. Failures are logged only.
func (m *Manager) apply(eff Effect) {
	if m.history != nil {
		for _, msg := range eff.Finished {
			if err := m.history.Append(msg); err != nil {
				m.log().Warn("transcript append failed", "error", err)
			}
		}
	}
	for _, r := range m.recorders {
		for _, n := range eff.Notifications {
			if err := r.RecordNotification(n); err != nil {
				m.log().Warn("record notification failed", "error", err)
			}
		}
		for _, a := range eff.Actions {
			if err := r.RecordAction(a); err != nil {
				m.log().Warn("record action failed", "error", err)
			}
		}
	}
	if eff.Audio != nil {
		if m.audio != nil {
			m.audio.PlayAudio(*eff.Audio)
		} else {
			m.log().Debug("audio clip dropped, no sink", "format", eff.Audio.Format)
		}
	}
}

func (m *Manager) publish() {
	snap := m.state.Snapshot()
	snap.URL = m.url
	m.snapMu.Lock()
	m.snap = snap
	m.snapMu.Unlock()
	select {
	case m.updates <- struct{}{}:
	default:
	}
}
