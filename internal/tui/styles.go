package tui

import (
	"github.com/charmbracelet/lipgloss"

	"aeternum/internal/domain"
	"aeternum/internal/session"
)

type theme struct {
	root        lipgloss.Style
	header      lipgloss.Style
	brand       lipgloss.Style
	panel       lipgloss.Style
	panelTitle  lipgloss.Style
	inputPanel  lipgloss.Style
	footer      lipgloss.Style
	muted       lipgloss.Style
	statusOK    lipgloss.Style
	statusError lipgloss.Style
	danger      lipgloss.Style
	roles       map[domain.MessageRole]lipgloss.Style
	labels      map[session.Label]lipgloss.Style
	levels      map[domain.Level]lipgloss.Style
}

func newTheme() theme {
	cyan := lipgloss.Color("#01cdfe")
	mint := lipgloss.Color("#05ffa1")
	amber := lipgloss.Color("#ffd166")
	red := lipgloss.Color("#ff4d6d")
	panelBg := lipgloss.Color("#0d1424")
	text := lipgloss.Color("#e6f1ff")
	muted := lipgloss.Color("#8892b0")

	return theme{
		root: lipgloss.NewStyle().Foreground(text),
		header: lipgloss.NewStyle().
			Background(panelBg).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(cyan).
			Padding(0, 1),
		brand: lipgloss.NewStyle().Foreground(cyan).Bold(true),
		panel: lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(cyan).
			Padding(0, 1),
		panelTitle: lipgloss.NewStyle().Foreground(mint).Bold(true),
		inputPanel: lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(mint).
			Padding(0, 1),
		footer:      lipgloss.NewStyle().Foreground(muted).Padding(0, 1),
		muted:       lipgloss.NewStyle().Foreground(muted),
		statusOK:    lipgloss.NewStyle().Foreground(mint),
		statusError: lipgloss.NewStyle().Foreground(red).Bold(true),
		danger:      lipgloss.NewStyle().Foreground(red).Bold(true),
		roles: map[domain.MessageRole]lipgloss.Style{
			domain.RoleUser:      lipgloss.NewStyle().Foreground(mint).Bold(true),
			domain.RoleAssistant: lipgloss.NewStyle().Foreground(cyan).Bold(true),
			domain.RoleSystem:    lipgloss.NewStyle().Foreground(muted).Bold(true),
		},
		labels: map[session.Label]lipgloss.Style{
			session.LabelConnecting: lipgloss.NewStyle().Foreground(amber).Bold(true),
			session.LabelOnline:     lipgloss.NewStyle().Foreground(mint).Bold(true),
			session.LabelOffline:    lipgloss.NewStyle().Foreground(muted).Bold(true),
			session.LabelError:      lipgloss.NewStyle().Foreground(red).Bold(true),
		},
		levels: map[domain.Level]lipgloss.Style{
			domain.LevelInfo:    lipgloss.NewStyle().Foreground(cyan),
			domain.LevelSuccess: lipgloss.NewStyle().Foreground(mint),
			domain.LevelWarning: lipgloss.NewStyle().Foreground(amber),
			domain.LevelError:   lipgloss.NewStyle().Foreground(red),
		},
	}
}

func (t theme) role(r domain.MessageRole) lipgloss.Style {
	if s, ok := t.roles[r]; ok {
		return s
	}
	return t.roles[domain.RoleSystem]
}

func (t theme) label(l session.Label) lipgloss.Style {
	if s, ok := t.labels[l]; ok {
		return s
	}
	return t.labels[session.LabelOffline]
}

func (t theme) level(l domain.Level) lipgloss.Style {
	return t.levels[domain.ParseLevel(string(l))]
}
