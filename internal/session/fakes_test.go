package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"aeternum/internal/domain"
)

// =============================================================================
// Fake clock
// =============================================================================

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward and runs every timer that became due, in order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

// Pending returns the remaining delay of every armed timer.
func (c *fakeClock) Pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.at.Sub(c.now))
		}
	}
	return out
}

// =============================================================================
// Fake transport
// =============================================================================

var errConnClosed = errors.New("fake conn closed")

type fakeConn struct {
	in       chan []byte
	closed   chan struct{}
	once     sync.Once
	mu       sync.Mutex
	writes   []string
	writeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case <-c.closed:
		return nil, errConnClosed
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.writes = append(c.writes, string(data))
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) Writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.writes...)
}

func (c *fakeConn) setWriteErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

// push delivers a server frame.
func (c *fakeConn) push(frame string) { c.in <- []byte(frame) }

type dialResult struct {
	conn Conn
	err  error
}

// fakeDialer blocks each Dial until the test supplies a result.
type fakeDialer struct {
	results chan dialResult
	dials   atomic.Int32
	urls    chan string
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{results: make(chan dialResult, 8), urls: make(chan string, 32)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.dials.Add(1)
	d.urls <- url
	select {
	case r := <-d.results:
		return r.conn, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *fakeDialer) succeed(c *fakeConn) { d.results <- dialResult{conn: c} }

func (d *fakeDialer) fail(err error) { d.results <- dialResult{err: err} }

// =============================================================================
// Recorders
// =============================================================================

type memRecorder struct {
	mu            sync.Mutex
	notifications []domain.Notification
	actions       []domain.ActionLogEntry
}

func (r *memRecorder) RecordNotification(n domain.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications = append(r.notifications, n)
	return nil
}

func (r *memRecorder) RecordAction(e domain.ActionLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, e)
	return nil
}

func (r *memRecorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notifications), len(r.actions)
}

type memSink struct {
	mu    sync.Mutex
	clips []domain.AudioClip
}

func (s *memSink) PlayAudio(c domain.AudioClip) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clips = append(s.clips, c)
}

func (s *memSink) all() []domain.AudioClip {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.AudioClip(nil), s.clips...)
}

type memTranscript struct {
	mu   sync.Mutex
	msgs []domain.ChatMessage
	seed []domain.ChatMessage
}

func (t *memTranscript) Append(m domain.ChatMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.msgs = append(t.msgs, m)
	return nil
}

func (t *memTranscript) LoadHistory(n int) ([]domain.ChatMessage, error) {
	return t.seed, nil
}

func (t *memTranscript) all() []domain.ChatMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.ChatMessage(nil), t.msgs...)
}

// =============================================================================
// Helpers
// =============================================================================

// seqIDs returns a deterministic ID generator.
func seqIDs() func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("id-%d", n.Add(1)) }
}

// waitFor polls the snapshot until cond holds or the test times out.
func waitFor(t *testing.T, m *Manager, desc string, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		s := m.Snapshot()
		if cond(s) {
			return s
		}
		select {
		case <-m.Updates():
		case <-time.After(5 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for %s; phase=%s label=%s", desc, s.Phase, s.Label)
		}
	}
}

// waitUntil polls an arbitrary condition.
func waitUntil(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", desc)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// waitDial consumes the next dial notification.
func waitDial(t *testing.T, d *fakeDialer) {
	t.Helper()
	select {
	case <-d.urls:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a dial")
	}
}

// syncLoop runs an empty closure through the loop so earlier posts have applied.
func syncLoop(t *testing.T, m *Manager) {
	t.Helper()
	ch := make(chan struct{})
	if !m.post(func() { close(ch) }) {
		t.Fatal("session is stopped")
	}
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not respond")
	}
}
