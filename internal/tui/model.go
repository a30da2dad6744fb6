// Package tui is the terminal dashboard: connection bar, chat transcript,
// system status, notifications, action log, REST panels and a command line
// with F-key quick actions.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"aeternum/internal/poller"
	"aeternum/internal/session"
)

const (
	tickInterval = time.Second
	inputLimit   = 5000
)

// Session is the part of session.Manager the dashboard drives.
type Session interface {
	Snapshot() session.Snapshot
	Updates() <-chan struct{}
	SendCommand(text string) error
}

// PanelSource supplies the latest REST panel results. *poller.Poller implements it.
type PanelSource interface {
	Results() []poller.Result
}

type (
	updateMsg struct{}
	tickMsg   time.Time
	sentMsg   struct {
		text string
		err  error
	}
)

// Option configures a Model.
type Option func(*Model)

// WithPanels shows poller results in the sidebar.
func WithPanels(p PanelSource) Option {
	return func(m *Model) { m.panels = p }
}

// WithNow replaces the clock used for uptime and panel ages.
func WithNow(now func() time.Time) Option {
	return func(m *Model) {
		if now != nil {
			m.now = now
		}
	}
}

// WithTitle replaces the brand shown in the top bar.
func WithTitle(title string) Option {
	return func(m *Model) {
		if title != "" {
			m.title = title
		}
	}
}

// Model is the bubbletea model for the dashboard.
type Model struct {
	session Session
	panels  PanelSource
	now     func() time.Time
	title   string

	snap    session.Snapshot
	results []poller.Result
	at      time.Time

	statusLine string
	statusErr  bool
	confirm    *session.QuickAction

	width  int
	height int

	input   textinput.Model
	chat    viewport.Model
	sidebar viewport.Model
	spinner spinner.Model

	theme theme
}

// New returns a dashboard bound to s. s must not be nil.
func New(s Session, opts ...Option) Model {
	if s == nil {
		panic("tui: session must not be nil")
	}
	input := textinput.New()
	input.Prompt = "❯ "
	input.CharLimit = inputLimit
	input.Placeholder = "Type a command for AETERNUM and press Enter"
	input.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#01cdfe"))

	chat := viewport.New(0, 0)
	chat.MouseWheelEnabled = true
	chat.MouseWheelDelta = 3
	sidebar := viewport.New(0, 0)

	m := Model{
		session:    s,
		now:        time.Now,
		title:      "AETERNUM MARK X",
		statusLine: "ready",
		input:      input,
		chat:       chat,
		sidebar:    sidebar,
		spinner:    sp,
		theme:      newTheme(),
	}
	for _, o := range opts {
		o(&m)
	}
	m.refresh()
	return m
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		m.spinner.Tick,
		waitForUpdate(m.session.Updates()),
		tick(),
	)
}

func waitForUpdate(ch <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		if _, ok := <-ch; !ok {
			return nil
		}
		return updateMsg{}
	}
}

func tick() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) send(text string) tea.Cmd {
	s := m.session
	return func() tea.Msg {
		return sentMsg{text: text, err: s.SendCommand(text)}
	}
}

// refresh pulls a fresh snapshot and panel results.
func (m *Model) refresh() {
	m.snap = m.session.Snapshot()
	if m.panels != nil {
		m.results = m.panels.Results()
	}
	m.at = m.now()
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	switch msg := msg.(type) {
	case updateMsg:
		follow := m.chat.AtBottom()
		m.refresh()
		m.renderPanes(follow)
		cmds = append(cmds, waitForUpdate(m.session.Updates()))
	case tickMsg:
		m.refresh()
		m.renderPanes(false)
		cmds = append(cmds, tick())
	case sentMsg:
		if msg.err != nil {
			m.statusLine = "send failed: " + msg.err.Error()
			m.statusErr = true
		} else {
			m.statusLine = "sent: " + msg.text
			m.statusErr = false
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		m.renderPanes(true)
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		if m.snap.Streaming {
			m.renderPanes(m.chat.AtBottom())
		}
		cmds = append(cmds, cmd)
	case tea.MouseMsg:
		var cmd tea.Cmd
		m.chat, cmd = m.chat.Update(msg)
		cmds = append(cmds, cmd)
	case tea.KeyMsg:
		return m.handleKey(msg)
	default:
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)
	}
	return m, tea.Batch(cmds...)
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()
	if key == "ctrl+c" {
		return m, tea.Quit
	}
	if m.confirm != nil {
		action := *m.confirm
		m.confirm = nil
		if key == "y" || key == "Y" || key == "enter" {
			m.statusLine = "sending: " + action.Command
			m.statusErr = false
			return m, m.send(action.Command)
		}
		m.statusLine = action.Label + " canceled"
		m.statusErr = false
		return m, nil
	}

	if i, ok := quickActionIndex(key); ok {
		action := session.QuickActions[i]
		if action.Danger {
			m.confirm = &action
			m.statusLine = fmt.Sprintf("%s: press y to confirm, any other key cancels", action.Label)
			return m, nil
		}
		m.statusLine = "sending: " + action.Command
		m.statusErr = false
		return m, m.send(action.Command)
	}

	switch key {
	case "esc":
		if m.input.Value() != "" {
			m.input.Reset()
			return m, nil
		}
		return m, tea.Quit
	case "enter":
		text := strings.TrimSpace(m.input.Value())
		if text == "" {
			return m, nil
		}
		m.input.Reset()
		m.renderPanes(true)
		return m, m.send(text)
	case "pgup", "pgdown", "ctrl+u", "ctrl+d":
		var cmd tea.Cmd
		m.chat, cmd = m.chat.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// quickActionIndex maps f1..fN to an index into session.QuickActions.
func quickActionIndex(key string) (int, bool) {
	if !strings.HasPrefix(key, "f") {
		return 0, false
	}
	n, err := strconv.Atoi(key[1:])
	if err != nil || n < 1 || n > len(session.QuickActions) {
		return 0, false
	}
	return n - 1, true
}

const (
	headerHeight = 3
	inputHeight  = 3
	footerHeight = 2
	minSidebar   = 32
)

func (m *Model) resize() {
	sideW := max(minSidebar, m.width/3)
	chatW := max(20, m.width-sideW)
	bodyH := max(5, m.height-headerHeight-inputHeight-footerHeight)

	// Borders and padding take two rows and four columns.
	m.chat.Width = max(10, chatW-4)
	m.chat.Height = max(3, bodyH-2)
	m.sidebar.Width = max(10, sideW-4)
	m.sidebar.Height = max(3, bodyH-2)
	m.input.Width = max(10, m.width-8)
}

func (m *Model) renderPanes(follow bool) {
	if m.width == 0 {
		return
	}
	m.chat.SetContent(m.renderChat(m.chat.Width))
	if follow {
		m.chat.GotoBottom()
	}
	m.sidebar.SetContent(m.renderSidebar(m.sidebar.Width))
}

// Run shows m full-screen until the operator quits or ctx is canceled.
func Run(ctx context.Context, m Model, opts ...tea.ProgramOption) error {
	opts = append([]tea.ProgramOption{
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
		tea.WithContext(ctx),
	}, opts...)
	_, err := tea.NewProgram(m, opts...).Run()
	if err != nil && errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
