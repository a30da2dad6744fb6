package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"aeternum/internal/domain"
	"aeternum/internal/poller"
	"aeternum/internal/session"
)

const (
	maxSideNotifications = 8
	maxSideActions       = 8
	panelPreview         = 120
)

func (m Model) View() string {
	if m.width == 0 {
		return m.title + " starting...\n"
	}
	body := lipgloss.JoinHorizontal(lipgloss.Top,
		m.theme.panel.Render(m.chat.View()),
		m.theme.panel.Render(m.sidebar.View()),
	)
	out := lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(),
		body,
		m.theme.inputPanel.Width(max(10, m.width-4)).Render(m.input.View()),
		m.renderFooter(),
	)
	return m.theme.root.Render(out)
}

func (m Model) renderHeader() string {
	s := m.snap
	parts := []string{
		m.theme.brand.Render(m.title),
		m.theme.label(s.Label).Render("● " + string(s.Label)),
		m.theme.muted.Render(s.URL),
	}
	if up := s.Uptime(m.at); up > 0 {
		parts = append(parts, "up "+session.FormatUptime(up))
	}
	if s.Phase == session.PhaseClosed && !s.RetryAt.IsZero() {
		parts = append(parts, fmt.Sprintf("retry #%d %s", s.Attempt, humanize.RelTime(s.RetryAt, m.at, "ago", "in")))
	}
	if s.HasLatency {
		parts = append(parts, fmt.Sprintf("%dms", s.Latency.Milliseconds()))
	}
	parts = append(parts,
		fmt.Sprintf("clients %d", s.Clients),
		"avatar "+string(s.Avatar),
	)
	return m.theme.header.Width(max(10, m.width-2)).Render(strings.Join(parts, "  "))
}

func (m Model) renderFooter() string {
	keys := make([]string, 0, len(session.QuickActions))
	for i, a := range session.QuickActions {
		label := fmt.Sprintf("F%d %s", i+1, a.Label)
		if a.Danger {
			label = m.theme.danger.Render(label)
		}
		keys = append(keys, label)
	}
	status := m.theme.statusOK.Render(m.statusLine)
	if m.statusErr {
		status = m.theme.statusError.Render(m.statusLine)
	}
	return m.theme.footer.Render(strings.Join(keys, " · ") + "  Esc quit\n" + status)
}

// renderChat lays out the transcript oldest first.
func (m Model) renderChat(width int) string {
	if len(m.snap.Messages) == 0 {
		return m.theme.muted.Render("No messages yet.")
	}
	wrap := lipgloss.NewStyle().Width(width)
	var b strings.Builder
	for i, msg := range m.snap.Messages {
		if i > 0 {
			b.WriteString("\n")
		}
		head := m.theme.role(msg.Role).Render(roleName(msg.Role)) + " " +
			m.theme.muted.Render(msg.CreatedAt.Format("15:04:05"))
		if msg.Streaming {
			head += " " + m.spinner.View()
		}
		b.WriteString(head + "\n")
		b.WriteString(wrap.Render(msg.Text))
		b.WriteString("\n")
	}
	return b.String()
}

func roleName(r domain.MessageRole) string {
	switch r {
	case domain.RoleUser:
		return "YOU"
	case domain.RoleAssistant:
		return "AETERNUM"
	default:
		return "SYSTEM"
	}
}

func (m Model) renderSidebar(width int) string {
	sections := []string{
		m.renderStatus(),
		m.renderNotifications(width),
		m.renderActions(width),
	}
	if m.panels != nil {
		sections = append(sections, m.renderPanels(width))
	}
	return strings.Join(sections, "\n\n")
}

func (m Model) renderStatus() string {
	var b strings.Builder
	b.WriteString(m.theme.panelTitle.Render("System Status"))
	if len(m.snap.Status) == 0 {
		b.WriteString("\n" + m.theme.muted.Render("no report yet"))
		return b.String()
	}
	keys := make([]string, 0, len(m.snap.Status))
	for k := range m.snap.Status {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(fmt.Sprintf("\n%-8s %s", strings.ToUpper(k), m.statusValue(m.snap.Status[k])))
	}
	return b.String()
}

func (m Model) statusValue(v any) string {
	switch v := v.(type) {
	case bool:
		if v {
			return m.theme.statusOK.Render("ok")
		}
		return m.theme.statusError.Render("down")
	case nil:
		return m.theme.muted.Render("-")
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func (m Model) renderNotifications(width int) string {
	var b strings.Builder
	b.WriteString(m.theme.panelTitle.Render("Notifications"))
	if len(m.snap.Notifications) == 0 {
		b.WriteString("\n" + m.theme.muted.Render("none"))
		return b.String()
	}
	for i, n := range m.snap.Notifications {
		if i == maxSideNotifications {
			break
		}
		line := fmt.Sprintf("%s %s", n.Time.Format("15:04:05"), n.Message)
		b.WriteString("\n" + m.theme.level(n.Level).Render(clip(line, width)))
	}
	return b.String()
}

func (m Model) renderActions(width int) string {
	var b strings.Builder
	b.WriteString(m.theme.panelTitle.Render("Action Log"))
	if len(m.snap.Actions) == 0 {
		b.WriteString("\n" + m.theme.muted.Render("none"))
		return b.String()
	}
	for i, a := range m.snap.Actions {
		if i == maxSideActions {
			break
		}
		style, mark := m.theme.statusOK, "✓"
		if !a.Success {
			style, mark = m.theme.statusError, "✗"
		}
		line := mark + " " + a.Action
		if a.Result != "" {
			line += ": " + a.Result
		}
		b.WriteString("\n" + style.Render(clip(line, width)))
	}
	return b.String()
}

func (m Model) renderPanels(width int) string {
	var b strings.Builder
	b.WriteString(m.theme.panelTitle.Render("Panels"))
	if len(m.results) == 0 {
		b.WriteString("\n" + m.theme.muted.Render("no panels"))
		return b.String()
	}
	for _, r := range m.results {
		b.WriteString("\n" + m.panelLine(r, width))
	}
	return b.String()
}

func (m Model) panelLine(r poller.Result, width int) string {
	age := "never"
	if !r.FetchedAt.IsZero() {
		age = humanize.RelTime(r.FetchedAt, m.at, "ago", "from now")
	}
	head := fmt.Sprintf("%s (%s)", r.Panel.Name, age)
	if r.Stale() {
		head = m.theme.statusError.Render(head+" stale") + "\n  " + m.theme.muted.Render(clip(r.Err.Error(), width-2))
	} else {
		head = m.theme.statusOK.Render(head)
	}
	if preview := compactJSON(r.Data); preview != "" {
		head += "\n  " + clip(preview, min(width-2, panelPreview))
	}
	return head
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// clip cuts s to n runes, marking the cut with an ellipsis.
func clip(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if n <= 1 || len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
