// Package relay forwards session notifications and action results to a
// Telegram chat, and optionally accepts commands typed in that chat.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"aeternum/internal/domain"
)

// ErrQueueFull is returned when the outbound queue cannot take another message.
var ErrQueueFull = errors.New("relay: queue full, message dropped")

const defaultQueueSize = 64

// BotAPI abstracts the Telegram Bot API for testing. *tgbotapi.BotAPI satisfies it.
type BotAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// CommandSender receives commands typed in the relay chat. session.Manager implements it.
type CommandSender interface {
	SendCommand(text string) error
}

// Relay implements domain.Recorder. Record calls only enqueue; Start does
// the network sends so the session loop never waits on Telegram.
type Relay struct {
	bot      BotAPI
	chatID   int64
	minLevel domain.Level
	sender   CommandSender
	logger   *slog.Logger
	queue    chan string

	mu     sync.Mutex
	cancel context.CancelFunc
}

// Option configures a Relay.
type Option func(*Relay)

// WithMinLevel drops notifications ranked below l.
func WithMinLevel(l domain.Level) Option {
	return func(r *Relay) { r.minLevel = l }
}

// WithCommandSender enables inbound commands from the relay chat.
func WithCommandSender(s CommandSender) Option {
	return func(r *Relay) { r.sender = s }
}

// WithLogger sets a structured logger. If l is nil it is ignored and the
// default slog logger is used.
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithQueueSize bounds the outbound queue.
func WithQueueSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.queue = make(chan string, n)
		}
	}
}

// New creates a relay to chatID. bot must not be nil.
func New(bot BotAPI, chatID int64, opts ...Option) *Relay {
	if bot == nil {
		panic("relay: bot must not be nil")
	}
	r := &Relay{
		bot:      bot,
		chatID:   chatID,
		minLevel: domain.LevelInfo,
		queue:    make(chan string, defaultQueueSize),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Relay) log() *slog.Logger {
	if r.logger != nil {
		return r.logger
	}
	return slog.Default()
}

var levelIcons = map[domain.Level]string{
	domain.LevelInfo:    "ℹ️",
	domain.LevelSuccess: "✅",
	domain.LevelWarning: "⚠️",
	domain.LevelError:   "❌",
}

// FormatNotification renders n as one chat line.
func FormatNotification(n domain.Notification) string {
	return fmt.Sprintf("%s %s", levelIcons[domain.ParseLevel(string(n.Level))], n.Message)
}

// FormatAction renders e as one chat line.
func FormatAction(e domain.ActionLogEntry) string {
	icon := levelIcons[domain.LevelSuccess]
	if !e.Success {
		icon = levelIcons[domain.LevelError]
	}
	if e.Result == "" {
		return fmt.Sprintf("%s %s", icon, e.Action)
	}
	return fmt.Sprintf("%s %s: %s", icon, e.Action, e.Result)
}

// RecordNotification queues n when its level reaches the threshold.
func (r *Relay) RecordNotification(n domain.Notification) error {
	if n.Level.Rank() < r.minLevel.Rank() {
		return nil
	}
	return r.enqueue(FormatNotification(n))
}

// RecordAction queues e; a successful action counts as success level, a
// failed one as error level.
func (r *Relay) RecordAction(e domain.ActionLogEntry) error {
	level := domain.LevelSuccess
	if !e.Success {
		level = domain.LevelError
	}
	if level.Rank() < r.minLevel.Rank() {
		return nil
	}
	return r.enqueue(FormatAction(e))
}

func (r *Relay) enqueue(text string) error {
	select {
	case r.queue <- text:
		return nil
	default:
		r.log().Warn("relay: queue full, dropping message")
		return ErrQueueFull
	}
}

func (r *Relay) send(text string) {
	if _, err := r.bot.Send(tgbotapi.NewMessage(r.chatID, text)); err != nil {
		r.log().Warn("relay: send failed", "chat", r.chatID, "error", err)
	}
}

// commandText turns a chat message into a session command. Bot-style
// commands lose their slash and use spaces: "/system_status" → "system status".
func commandText(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "/") {
		text = strings.TrimPrefix(text, "/")
		if i := strings.IndexByte(text, '@'); i >= 0 {
			text = text[:i]
		}
		text = strings.ReplaceAll(text, "_", " ")
	}
	return strings.TrimSpace(text)
}

// HandleUpdate forwards a text message from the relay chat to the command
// sender and replies with the outcome. Other chats and empty texts are ignored.
func (r *Relay) HandleUpdate(update tgbotapi.Update) {
	if update.Message == nil || r.sender == nil {
		return
	}
	if update.Message.Chat == nil || update.Message.Chat.ID != r.chatID {
		r.log().Debug("relay: ignoring message from foreign chat")
		return
	}
	cmd := commandText(update.Message.Text)
	if cmd == "" {
		return
	}

	reply := "Sent: " + cmd
	if err := r.sender.SendCommand(cmd); err != nil {
		reply = "Error: " + err.Error()
	}
	msg := tgbotapi.NewMessage(r.chatID, reply)
	msg.ReplyToMessageID = update.Message.MessageID
	if _, err := r.bot.Send(msg); err != nil {
		r.log().Warn("relay: reply failed", "error", err)
	}
}

// Start sends queued messages and, with a command sender, polls for
// updates. Blocks until ctx is canceled; queued messages are flushed first.
func (r *Relay) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	var updates tgbotapi.UpdatesChannel
	if r.sender != nil {
		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates = r.bot.GetUpdatesChan(u)
	}

	for {
		select {
		case <-ctx.Done():
			if r.sender != nil {
				r.bot.StopReceivingUpdates()
			}
			r.flush()
			return
		case text := <-r.queue:
			r.send(text)
		case update, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			r.HandleUpdate(update)
		}
	}
}

func (r *Relay) flush() {
	for {
		select {
		case text := <-r.queue:
			r.send(text)
		default:
			return
		}
	}
}

// Stop cancels a running Start.
func (r *Relay) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

var _ domain.Recorder = (*Relay)(nil)
