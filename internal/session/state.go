package session

import (
	"time"

	"aeternum/internal/domain"
	"aeternum/internal/protocol"
	"aeternum/internal/ring"
)

// Phase is the lifecycle state of the session's connection.
type Phase string

const (
	PhaseIdle       Phase = "idle" // before Start
	PhaseConnecting Phase = "connecting"
	PhaseOpen       Phase = "open"
	PhaseClosed     Phase = "closed" // reconnect pending
	PhaseStopped    Phase = "stopped"
)

// Label is the connectivity indicator shown to the operator.
type Label string

const (
	LabelConnecting Label = "CONNECTING"
	LabelOnline     Label = "ONLINE"
	LabelOffline    Label = "OFFLINE"
	LabelError      Label = "ERROR"
)

const (
	msgConnected    = "Connected to AETERNUM MARK X"
	msgNotConnected = "Not connected to server"

	// actionResultLimit is the rune length after which action results are cut.
	actionResultLimit = 80
)

// Limits bounds the three retained collections.
type Limits struct {
	Messages      int
	Notifications int
	Actions       int
}

// DefaultLimits returns 200 messages, 30 notifications and 50 action entries.
func DefaultLimits() Limits {
	return Limits{Messages: 200, Notifications: 30, Actions: 50}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.Messages <= 0 {
		l.Messages = d.Messages
	}
	if l.Notifications <= 0 {
		l.Notifications = d.Notifications
	}
	if l.Actions <= 0 {
		l.Actions = d.Actions
	}
	return l
}

// Effect lists what a transition produced for collaborators outside the
// state: messages to persist, entries to record and audio to forward.
type Effect struct {
	Finished      []domain.ChatMessage
	Notifications []domain.Notification
	Actions       []domain.ActionLogEntry
	Audio         *domain.AudioClip
}

func (e *Effect) merge(o Effect) {
	e.Finished = append(e.Finished, o.Finished...)
	e.Notifications = append(e.Notifications, o.Notifications...)
	e.Actions = append(e.Actions, o.Actions...)
	if o.Audio != nil {
		e.Audio = o.Audio
	}
}

// stream is the single in-progress assistant reply.
type stream struct {
	messageID string
	text      string
}

// State is the application state derived from the event stream. It has no
// locking and no I/O; the Manager's loop is its only caller.
type State struct {
	limits        Limits
	newID         func() string
	messages      *ring.Buffer[domain.ChatMessage]
	notifications *ring.Buffer[domain.Notification]
	actions       *ring.Buffer[domain.ActionLogEntry]
	stream        *stream

	status  domain.SystemStatus
	avatar  domain.AvatarState
	clients int

	phase       Phase
	label       Label
	attempt     int
	startedAt   time.Time
	connectedAt time.Time
	retryAt     time.Time
	lastPingAt  time.Time
	latency     time.Duration
	hasLatency  bool
}

// NewState returns an empty state. newID must not be nil.
func NewState(limits Limits, newID func() string) *State {
	if newID == nil {
		panic("session: newID must not be nil")
	}
	limits = limits.withDefaults()
	return &State{
		limits:        limits,
		newID:         newID,
		messages:      ring.New[domain.ChatMessage](limits.Messages),
		notifications: ring.New[domain.Notification](limits.Notifications),
		actions:       ring.New[domain.ActionLogEntry](limits.Actions),
		status:        domain.SystemStatus{},
		avatar:        domain.AvatarIdle,
		phase:         PhaseIdle,
		label:         LabelConnecting,
	}
}

// =============================================================================
// Inbound events
// =============================================================================

// Apply folds one decoded frame into the state.
func (s *State) Apply(ev protocol.Event, now time.Time) Effect {
	var eff Effect
	switch e := ev.(type) {
	case protocol.SessionInit:
		s.avatar = domain.ParseAvatarState(e.AvatarState)
	case protocol.ChatMessage:
		switch domain.MessageRole(e.Role) {
		case domain.RoleAssistant:
			eff = s.finishAssistant(e.Text, now)
		case domain.RoleUser:
			// Already appended locally on send.
		default:
			eff.Finished = append(eff.Finished, s.appendMessage(domain.RoleSystem, e.Text, now))
		}
	case protocol.TextChunk:
		s.appendChunk(e.Chunk, now)
	case protocol.AudioClip:
		format := e.Format
		if format == "" {
			format = "wav"
		}
		eff.Audio = &domain.AudioClip{Data: e.Data, Format: format}
	case protocol.AvatarState:
		s.avatar = domain.ParseAvatarState(e.State)
	case protocol.ActionResult:
		eff.Actions = append(eff.Actions, s.logAction(e.Action, e.Result, e.Success, now))
	case protocol.SystemStatus:
		s.status = domain.SystemStatus(e.Status).Clone()
	case protocol.Notification:
		eff = s.Notify(e.Message, domain.ParseLevel(e.Level), now)
	case protocol.Pong:
		if !s.lastPingAt.IsZero() {
			s.latency = now.Sub(s.lastPingAt)
			s.hasLatency = true
		}
	case protocol.PeerCount:
		s.clients = max(e.Clients, 0)
	}
	return eff
}

func (s *State) appendMessage(role domain.MessageRole, text string, now time.Time) domain.ChatMessage {
	msg := domain.ChatMessage{ID: s.newID(), Role: role, Text: text, CreatedAt: now}
	s.messages.PushBack(msg)
	return msg
}

// appendChunk starts a stream with a placeholder message or extends the
// active one. Chunks never start a second stream.
func (s *State) appendChunk(chunk string, now time.Time) {
	if s.stream == nil {
		msg := domain.ChatMessage{ID: s.newID(), Role: domain.RoleAssistant, Text: chunk, CreatedAt: now, Streaming: true}
		s.messages.PushBack(msg)
		s.stream = &stream{messageID: msg.ID, text: chunk}
		return
	}
	s.stream.text += chunk
	text := s.stream.text
	s.messages.Update(s.isStreamMessage, func(m *domain.ChatMessage) { m.Text = text })
}

func (s *State) isStreamMessage(m domain.ChatMessage) bool {
	return s.stream != nil && m.ID == s.stream.messageID
}

// finishAssistant replaces the placeholder with one immutable assistant
// message. An empty server text keeps what was streamed.
func (s *State) finishAssistant(text string, now time.Time) Effect {
	if s.stream != nil {
		if text == "" {
			text = s.stream.text
		}
		s.messages.RemoveFunc(s.isStreamMessage)
		s.stream = nil
	}
	return Effect{Finished: []domain.ChatMessage{s.appendMessage(domain.RoleAssistant, text, now)}}
}

// finishStream freezes a partial reply as a finished message.
func (s *State) finishStream(now time.Time) Effect {
	if s.stream == nil {
		return Effect{}
	}
	var finished domain.ChatMessage
	found := s.messages.Update(s.isStreamMessage, func(m *domain.ChatMessage) {
		m.Streaming = false
		finished = *m
	})
	text := s.stream.text
	s.stream = nil
	if !found {
		finished = s.appendMessage(domain.RoleAssistant, text, now)
	}
	return Effect{Finished: []domain.ChatMessage{finished}}
}

func (s *State) logAction(action, result string, success bool, now time.Time) domain.ActionLogEntry {
	entry := domain.ActionLogEntry{
		ID:      s.newID(),
		Action:  action,
		Result:  truncate(result, actionResultLimit),
		Success: success,
		Time:    now,
	}
	s.actions.PushFront(entry)
	return entry
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// Notify prepends a notification.
func (s *State) Notify(message string, level domain.Level, now time.Time) Effect {
	n := domain.Notification{ID: s.newID(), Message: message, Level: level, Time: now}
	s.notifications.PushFront(n)
	return Effect{Notifications: []domain.Notification{n}}
}

// AppendUser records a command the operator sent.
func (s *State) AppendUser(text string, now time.Time) Effect {
	return Effect{Finished: []domain.ChatMessage{s.appendMessage(domain.RoleUser, text, now)}}
}

// =============================================================================
// Lifecycle transitions
// =============================================================================

// Begin records when the session started; uptime counts from here across
// reconnects.
func (s *State) Begin(now time.Time) {
	if s.startedAt.IsZero() {
		s.startedAt = now
	}
}

func (s *State) Connecting() {
	s.phase = PhaseConnecting
	s.label = LabelConnecting
	s.retryAt = time.Time{}
}

// Opened marks the connection live and resets the reconnect attempt counter.
func (s *State) Opened(now time.Time) Effect {
	s.phase = PhaseOpen
	s.label = LabelOnline
	s.attempt = 0
	s.connectedAt = now
	return s.Notify(msgConnected, domain.LevelSuccess, now)
}

// Closed marks the connection lost, finalizes any partial reply and returns
// the attempt number the next reconnect delay is computed from.
func (s *State) Closed(label Label, now time.Time) (int, Effect) {
	s.phase = PhaseClosed
	s.label = label
	s.connectedAt = time.Time{}
	eff := s.finishStream(now)
	attempt := s.attempt
	s.attempt++
	return attempt, eff
}

// RetryAt records when the pending reconnect fires.
func (s *State) RetryAt(t time.Time) { s.retryAt = t }

// Stopped is terminal.
func (s *State) Stopped(now time.Time) Effect {
	s.phase = PhaseStopped
	s.label = LabelOffline
	s.connectedAt = time.Time{}
	s.retryAt = time.Time{}
	return s.finishStream(now)
}

// PingSent records the send time the next pong is measured against.
func (s *State) PingSent(now time.Time) { s.lastPingAt = now }

func (s *State) Phase() Phase { return s.phase }

// Streaming reports whether a reply is being streamed.
func (s *State) Streaming() bool { return s.stream != nil }

// =============================================================================
// Seeding
// =============================================================================

// Seed is the content a session starts with before any frame arrives.
// Messages are oldest first; Notifications and Actions are newest first.
type Seed struct {
	Messages      []domain.ChatMessage
	Notifications []domain.Notification
	Actions       []domain.ActionLogEntry
}

// DefaultSeed returns the boot entries shown before the first connection.
func DefaultSeed(now time.Time, newID func() string) Seed {
	return Seed{
		Messages: []domain.ChatMessage{{
			ID: newID(), Role: domain.RoleSystem, Text: "AETERNUM MARK X online. All systems nominal.", CreatedAt: now,
		}},
		Notifications: []domain.Notification{{
			ID: newID(), Message: "Awaiting connection...", Level: domain.LevelInfo, Time: now,
		}},
		Actions: []domain.ActionLogEntry{{
			ID: newID(), Action: "init", Result: "System initialized...", Success: true, Time: now,
		}},
	}
}

// Restore loads seed content, respecting the bounds.
func (s *State) Restore(seed Seed) {
	for _, m := range seed.Messages {
		m.Streaming = false
		s.messages.PushBack(m)
	}
	for i := len(seed.Notifications) - 1; i >= 0; i-- {
		s.notifications.PushFront(seed.Notifications[i])
	}
	for i := len(seed.Actions) - 1; i >= 0; i-- {
		s.actions.PushFront(seed.Actions[i])
	}
}

// =============================================================================
// Snapshot
// =============================================================================

// Snapshot is a deep copy of the state for readers outside the loop.
type Snapshot struct {
	URL         string
	Phase       Phase
	Label       Label
	Connected   bool
	Attempt     int
	StartedAt   time.Time
	ConnectedAt time.Time
	RetryAt     time.Time

	Messages      []domain.ChatMessage
	Notifications []domain.Notification
	Actions       []domain.ActionLogEntry
	Streaming     bool
	Status        domain.SystemStatus
	Avatar        domain.AvatarState
	Clients       int
	Latency       time.Duration
	HasLatency    bool
}

func (s *State) Snapshot() Snapshot {
	return Snapshot{
		Phase:         s.phase,
		Label:         s.label,
		Connected:     s.phase == PhaseOpen,
		Attempt:       s.attempt,
		StartedAt:     s.startedAt,
		ConnectedAt:   s.connectedAt,
		RetryAt:       s.retryAt,
		Messages:      s.messages.Items(),
		Notifications: s.notifications.Items(),
		Actions:       s.actions.Items(),
		Streaming:     s.stream != nil,
		Status:        s.status.Clone(),
		Avatar:        s.avatar,
		Clients:       s.clients,
		Latency:       s.latency,
		HasLatency:    s.hasLatency,
	}
}

// Uptime is the time since the session started. It keeps counting through
// reconnects and is zero before Begin or after Stopped.
func (s Snapshot) Uptime(now time.Time) time.Duration {
	if s.StartedAt.IsZero() || s.Phase == PhaseStopped {
		return 0
	}
	return now.Sub(s.StartedAt)
}
