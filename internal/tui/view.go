package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/weftlabs/weft/domain"
	"github.com/weftlabs/weft/internal/conflict"
)

type styles struct {
	header   lipgloss.Style
	title    lipgloss.Style
	userTag  lipgloss.Style
	botTag   lipgloss.Style
	toolLine lipgloss.Style
	dim      lipgloss.Style
	errLine  lipgloss.Style
	warnLine lipgloss.Style
	toast    lipgloss.Style
	feedOn   lipgloss.Style
	feedOff  lipgloss.Style
	selRow   lipgloss.Style
	spinner  lipgloss.Style
}

func defaultStyles() styles {
	return styles{
		header:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63")),
		title:    lipgloss.NewStyle().Bold(true),
		userTag:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		botTag:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")),
		toolLine: lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
		dim:      lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		errLine:  lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		warnLine: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		toast:    lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("248")),
		feedOn:   lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		feedOff:  lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		selRow:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63")),
		spinner:  lipgloss.NewStyle().Foreground(lipgloss.Color("63")),
	}
}

func (m Model) View() string {
	if !m.ready {
		return "starting..."
	}
	return m.headerView() + "\n" +
		m.viewport.View() + "\n" +
		m.statusView() + "\n" +
		m.input.View()
}

func (m Model) headerView() string {
	title := "no session"
	if sess, ok := m.eng.Registry().Current(); ok {
		title = sess.Title
		if title == "" {
			title = sess.SessionID
		}
	}
	left := m.styles.header.Render("weft") + "  " + m.styles.title.Render(title)

	feed := m.styles.feedOff.Render("o offline")
	if m.feedLive {
		feed = m.styles.feedOn.Render("* live")
	}
	right := m.styles.dim.Render(fmt.Sprintf("%d sessions", len(m.sessions))) + "  " + feed

	gap := m.width - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 1 {
		gap = 1
	}
	return left + strings.Repeat(" ", gap) + right
}

// statusView fills the single line between transcript and input, most
// urgent first: the error slot, then a live toast, then turn progress.
func (m Model) statusView() string {
	if m.errText != "" {
		return m.styles.errLine.Render("error: " + m.errText)
	}
	if m.notice != "" {
		if m.noticeKind == domain.NoticeTimeout {
			return m.styles.warnLine.Render(m.notice)
		}
		return m.styles.toast.Render(m.notice)
	}
	if st, attempts := m.eng.RetryState(m.currentID()); st != conflict.StateIdle {
		return m.spin.View() + " " + m.styles.warnLine.Render(fmt.Sprintf("retrying (attempt %d)", attempts))
	}
	switch m.status {
	case domain.TurnSubmitted:
		return m.spin.View() + " " + m.styles.dim.Render("sending")
	case domain.TurnStreaming:
		return m.spin.View() + " " + m.styles.dim.Render("streaming")
	}
	if m.picking {
		return m.styles.dim.Render("enter switch · n new · d delete · esc back")
	}
	return m.styles.dim.Render("enter send · ctrl+k sessions · ctrl+n new · ctrl+c quit")
}

func (m Model) renderTranscript(msgs []domain.Message) string {
	if len(msgs) == 0 {
		return m.styles.dim.Render("No messages yet.")
	}
	var b strings.Builder
	for i, msg := range msgs {
		if i > 0 {
			b.WriteString("\n")
		}
		switch msg.Role {
		case domain.RoleUser:
			b.WriteString(m.styles.userTag.Render("you") + "\n")
			b.WriteString(m.wrap(msg.Content.PlainText()) + "\n")
		case domain.RoleAssistant:
			b.WriteString(m.styles.botTag.Render("assistant") + "\n")
			b.WriteString(m.renderAssistant(msg))
		}
	}
	return b.String()
}

func (m Model) renderAssistant(msg domain.Message) string {
	var b strings.Builder
	switch {
	case msg.Content.IsParts():
		for _, p := range msg.Content.Parts {
			switch p.Type {
			case domain.PartText:
				b.WriteString(m.renderMarkdown(p.Text))
			case domain.PartToolCall:
				b.WriteString(m.styles.toolLine.Render("⚙ "+toolLabel(p)) + "\n")
			case domain.PartToolResult:
				b.WriteString(m.renderToolResult(p) + "\n")
			}
		}
	case msg.Content.Text == "":
		// Placeholder waiting for the first delta.
		b.WriteString(m.styles.dim.Render("...") + "\n")
	default:
		b.WriteString(m.renderMarkdown(msg.Content.Text))
	}
	if msg.Metrics != nil {
		b.WriteString(m.styles.dim.Render(formatMetrics(msg.Metrics)) + "\n")
	}
	return b.String()
}

func (m Model) renderToolResult(p domain.Part) string {
	label := toolLabel(p)
	if p.Err != "" {
		return m.styles.errLine.Render("✗ " + label + ": " + p.Err)
	}
	if p.Display == domain.DisplayRequireAck && !m.acked[p.ToolCallID] {
		return m.styles.toolLine.Render("⚙ " + label + " · output held, ctrl+r to show")
	}
	return m.styles.toolLine.Render("✓ " + label + " → " + flattenJSON(p.Output, 120))
}

func (m Model) renderMarkdown(text string) string {
	if m.renderer == nil || strings.TrimSpace(text) == "" {
		return text + "\n"
	}
	out, err := m.renderer.Render(text)
	if err != nil {
		return text + "\n"
	}
	return strings.Trim(out, "\n") + "\n"
}

func (m Model) renderSessionList() string {
	var b strings.Builder
	b.WriteString(m.styles.title.Render("Sessions") + "\n\n")
	if len(m.sessions) == 0 {
		b.WriteString(m.styles.dim.Render("none"))
		return b.String()
	}
	currentID := m.currentID()
	for i, s := range m.sessions {
		title := s.Title
		if title == "" {
			title = s.SessionID
		}
		line := fmt.Sprintf("%s  ·  %d messages", title, s.MessageCount)
		if !s.LastMessageAt.IsZero() {
			line += "  ·  " + s.LastMessageAt.Local().Format("Jan 2 15:04")
		}
		if s.Optimistic {
			line += "  (local)"
		}
		marker := "  "
		if s.SessionID == currentID {
			marker = "* "
		}
		if i == m.cursor {
			b.WriteString(m.styles.selRow.Render("> " + marker + line))
		} else {
			b.WriteString("  " + marker + line)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) wrap(text string) string {
	width := m.width - 2
	if width < 10 {
		return text
	}
	return lipgloss.NewStyle().Width(width).Render(text)
}

func toolLabel(p domain.Part) string {
	if p.ToolName != "" {
		return p.ToolName
	}
	return p.ToolCallID
}

func formatMetrics(metrics *domain.TurnMetrics) string {
	parts := make([]string, 0, 3)
	if metrics.Model != "" {
		parts = append(parts, metrics.Model)
	}
	if metrics.ElapsedMs > 0 {
		parts = append(parts, fmt.Sprintf("%.1fs", float64(metrics.ElapsedMs)/1000))
	}
	if metrics.DeltaCount > 0 {
		parts = append(parts, fmt.Sprintf("%d deltas", metrics.DeltaCount))
	}
	return strings.Join(parts, " · ")
}

// flattenJSON renders raw JSON as a single capped line.
func flattenJSON(raw []byte, limit int) string {
	s := strings.Join(strings.Fields(string(raw)), " ")
	runes := []rune(s)
	if len(runes) > limit {
		s = string(runes[:limit]) + "…"
	}
	return s
}
