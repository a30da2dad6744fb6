package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"aeternum/internal/domain"
	"aeternum/internal/session"
)

// ErrNoReply is returned by SendAndWait when ctx ends before the assistant answers.
var ErrNoReply = errors.New("cli: no reply before deadline")

// Feed is the read side of session.Manager.
type Feed interface {
	Snapshot() session.Snapshot
	Updates() <-chan struct{}
}

// Commander is a Feed that also accepts commands.
type Commander interface {
	Feed
	SendCommand(text string) error
}

// Printer writes new transcript entries, notifications, action results and
// connection changes as plain lines. Streaming placeholders are held back
// until they are finished.
type Printer struct {
	w     io.Writer
	seen  map[string]bool
	label session.Label
}

func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w, seen: map[string]bool{}}
}

// Print writes what s has that earlier snapshots did not. Returns the number
// of lines written.
func (p *Printer) Print(s session.Snapshot) int {
	n := 0
	if s.Label != "" && s.Label != p.label {
		p.label = s.Label
		fmt.Fprintf(p.w, "-- %s %s\n", s.Label, s.URL)
		n++
	}

	current := make(map[string]bool, len(s.Messages)+len(s.Notifications)+len(s.Actions))
	for _, m := range s.Messages {
		if m.Streaming {
			continue
		}
		current[m.ID] = true
		if !p.seen[m.ID] {
			fmt.Fprintf(p.w, "[%s] %s: %s\n", m.CreatedAt.Format("15:04:05"), speaker(m.Role), m.Text)
			n++
		}
	}
	// Notifications and actions are newest first; print oldest first.
	for i := len(s.Notifications) - 1; i >= 0; i-- {
		nt := s.Notifications[i]
		current[nt.ID] = true
		if !p.seen[nt.ID] {
			fmt.Fprintf(p.w, "[%s] ! %s: %s\n", nt.Time.Format("15:04:05"), domain.ParseLevel(string(nt.Level)), nt.Message)
			n++
		}
	}
	for i := len(s.Actions) - 1; i >= 0; i-- {
		a := s.Actions[i]
		current[a.ID] = true
		if !p.seen[a.ID] {
			mark := "ok"
			if !a.Success {
				mark = "failed"
			}
			fmt.Fprintf(p.w, "[%s] > %s %s: %s\n", a.Time.Format("15:04:05"), a.Action, mark, a.Result)
			n++
		}
	}
	p.seen = current
	return n
}

func speaker(r domain.MessageRole) string {
	switch r {
	case domain.RoleUser:
		return "you"
	case domain.RoleAssistant:
		return "aeternum"
	default:
		return "system"
	}
}

// Follow prints f's state now and after every update until ctx is done.
func Follow(ctx context.Context, f Feed, p *Printer) error {
	p.Print(f.Snapshot())
	updates := f.Updates()
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-updates:
			if !ok {
				return nil
			}
			p.Print(f.Snapshot())
		}
	}
}

// waitFor blocks until ok accepts a snapshot of f or ctx is done.
func waitFor(ctx context.Context, f Feed, ok func(session.Snapshot) bool) (session.Snapshot, error) {
	updates := f.Updates()
	for {
		if s := f.Snapshot(); ok(s) {
			return s, nil
		}
		select {
		case <-ctx.Done():
			return session.Snapshot{}, ctx.Err()
		case _, open := <-updates:
			if !open {
				return session.Snapshot{}, session.ErrStopped
			}
		}
	}
}

// SendAndWait waits for the connection, sends text and returns the first
// finished assistant message that arrives afterwards.
func SendAndWait(ctx context.Context, c Commander, text string) (domain.ChatMessage, error) {
	s, err := waitFor(ctx, c, func(s session.Snapshot) bool { return s.Connected })
	if err != nil {
		return domain.ChatMessage{}, fmt.Errorf("cli: not connected: %w", err)
	}
	before := map[string]bool{}
	for _, m := range s.Messages {
		before[m.ID] = true
	}
	if err := c.SendCommand(text); err != nil {
		return domain.ChatMessage{}, err
	}

	var reply domain.ChatMessage
	_, err = waitFor(ctx, c, func(s session.Snapshot) bool {
		for _, m := range s.Messages {
			if m.Role == domain.RoleAssistant && !m.Streaming && !before[m.ID] {
				reply = m
				return true
			}
		}
		return false
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return domain.ChatMessage{}, ErrNoReply
		}
		return domain.ChatMessage{}, err
	}
	return reply, nil
}
