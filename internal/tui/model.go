// Package tui renders the interactive chat surface: the transcript of
// the current session, a session picker, and a status line fed by the
// engine's notices.
package tui

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"

	"github.com/weftlabs/weft/domain"
	"github.com/weftlabs/weft/internal/conflict"
	"github.com/weftlabs/weft/internal/engine"
)

const (
	busyToastTTL    = 4 * time.Second
	timeoutToastTTL = 8 * time.Second

	// chromeHeight is the header plus the status and input lines.
	chromeHeight = 3
)

// Model is the bubbletea model for the chat surface.
type Model struct {
	ctx   context.Context
	eng   *engine.Engine
	relay *Relay

	input    textinput.Model
	viewport viewport.Model
	spin     spinner.Model
	renderer *glamour.TermRenderer
	styles   styles

	width  int
	height int
	ready  bool

	sessions []domain.Session
	picking  bool
	cursor   int

	status     domain.TurnStatus
	notice     string
	noticeKind domain.NoticeKind
	noticeSeq  int
	errText    string
	feedLive   bool

	// acked holds tool call ids whose held output the user revealed.
	acked map[string]bool
}

// New builds the chat model around a running engine. The relay must be
// the one wired into the engine's hooks.
func New(ctx context.Context, eng *engine.Engine, relay *Relay) Model {
	ti := textinput.New()
	ti.Placeholder = "Message"
	ti.Prompt = "> "
	ti.Focus()

	st := defaultStyles()
	sp := spinner.New()
	sp.Spinner = spinner.MiniDot
	sp.Style = st.spinner

	return Model{
		ctx:      ctx,
		eng:      eng,
		relay:    relay,
		input:    ti,
		spin:     sp,
		styles:   st,
		sessions: eng.Registry().List(),
		status:   domain.TurnReady,
		acked:    make(map[string]bool),
	}
}

// Run drives the chat surface until the user quits.
func Run(ctx context.Context, eng *engine.Engine, relay *Relay) error {
	p := tea.NewProgram(New(ctx, eng, relay), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spin.Tick, waitRelayMsg(m.relay.ch))
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			return m, tea.Quit
		case tea.KeyEsc:
			if m.picking {
				m.picking = false
				m.refreshTranscript()
				return m, nil
			}
			return m, tea.Quit
		case tea.KeyCtrlN:
			m.eng.NewSession(m.ctx, "")
			m.leavePicker()
			return m, nil
		case tea.KeyCtrlK:
			m.picking = !m.picking
			if m.picking {
				m.cursor = m.currentIndex()
				m.repaintPicker()
			} else {
				m.refreshTranscript()
			}
			return m, nil
		case tea.KeyCtrlR:
			if !m.picking {
				m.ackHeldResults()
				m.refreshTranscript()
			}
			return m, nil
		case tea.KeyEnter:
			if m.picking {
				m.selectAtCursor()
				return m, nil
			}
			return m.handleSubmit()
		}
		if m.picking {
			m.handlePickerKey(msg)
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.resize(msg)
		return m, nil

	case instanceChangedMsg:
		if msg.sessionID == m.currentID() {
			wasBusy := m.busy()
			m.status = m.eng.Store().Status(msg.sessionID)
			if !m.picking {
				m.refreshTranscript()
			}
			if m.busy() && !wasBusy {
				cmds = append(cmds, m.spin.Tick)
			}
		}
		cmds = append(cmds, waitRelayMsg(m.relay.ch))
		return m, tea.Batch(cmds...)

	case registryChangedMsg:
		m.sessions = m.eng.Registry().List()
		if m.picking {
			m.clampCursor()
			m.repaintPicker()
		} else {
			m.refreshTranscript()
		}
		cmds = append(cmds, waitRelayMsg(m.relay.ch))
		return m, tea.Batch(cmds...)

	case noticeMsg:
		cmds = append(cmds, m.applyNotice(msg.notice), waitRelayMsg(m.relay.ch))
		return m, tea.Batch(cmds...)

	case feedStateMsg:
		m.feedLive = msg.connected
		cmds = append(cmds, waitRelayMsg(m.relay.ch))
		return m, tea.Batch(cmds...)

	case toastExpiredMsg:
		if msg.seq == m.noticeSeq {
			m.notice = ""
		}
		return m, nil

	case spinner.TickMsg:
		if m.busy() || m.retrying() {
			var cmd tea.Cmd
			m.spin, cmd = m.spin.Update(msg)
			return m, cmd
		}
		return m, nil
	}

	var inputCmd, vpCmd tea.Cmd
	m.input, inputCmd = m.input.Update(msg)
	m.viewport, vpCmd = m.viewport.Update(msg)
	cmds = append(cmds, inputCmd, vpCmd)
	return m, tea.Batch(cmds...)
}

// handleSubmit hands the draft to the engine. The optimistic phase runs
// before Send returns, so the transcript repaint below already shows
// the user message and the placeholder.
func (m Model) handleSubmit() (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(m.input.Value())
	id := m.currentID()
	if text == "" || id == "" || m.busy() {
		return m, nil
	}
	m.errText = ""
	m.notice = ""
	m.eng.Send(m.ctx, id, text)
	m.input.Reset()
	m.status = m.eng.Store().Status(id)
	m.refreshTranscript()
	return m, m.spin.Tick
}

// applyNotice routes a notice to the toast or the error slot. Conflict
// and lock chatter the retry machinery already handles never lands in
// the error slot, even when a stray path reports it as fatal.
func (m *Model) applyNotice(n domain.Notice) tea.Cmd {
	if n.Kind == domain.NoticeError && !conflict.IsTransientText(n.Text) {
		m.errText = n.Text
		m.notice = ""
		return nil
	}
	m.notice = n.Text
	m.noticeKind = n.Kind
	m.noticeSeq++
	seq := m.noticeSeq
	ttl := busyToastTTL
	if n.Kind == domain.NoticeTimeout {
		ttl = timeoutToastTTL
	}
	return tea.Tick(ttl, func(time.Time) tea.Msg { return toastExpiredMsg{seq: seq} })
}

func (m *Model) resize(msg tea.WindowSizeMsg) {
	m.width = msg.Width
	m.height = msg.Height

	vpHeight := msg.Height - chromeHeight
	if vpHeight < 1 {
		vpHeight = 1
	}
	if !m.ready {
		m.viewport = viewport.New(msg.Width, vpHeight)
		m.ready = true
	} else {
		m.viewport.Width = msg.Width
		m.viewport.Height = vpHeight
	}
	m.input.Width = msg.Width - 4

	if r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(max(msg.Width-4, 20)),
	); err == nil {
		m.renderer = r
	}

	if m.picking {
		m.repaintPicker()
	} else {
		m.refreshTranscript()
	}
}

func (m *Model) handlePickerKey(msg tea.KeyMsg) {
	switch msg.String() {
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.sessions)-1 {
			m.cursor++
		}
	case "n":
		m.eng.NewSession(m.ctx, "")
		m.leavePicker()
		return
	case "d":
		if m.cursor >= 0 && m.cursor < len(m.sessions) {
			m.eng.DeleteSession(m.ctx, m.sessions[m.cursor].SessionID)
			m.sessions = m.eng.Registry().List()
			m.clampCursor()
		}
	}
	m.repaintPicker()
}

func (m *Model) selectAtCursor() {
	if m.cursor >= 0 && m.cursor < len(m.sessions) {
		m.eng.SelectSession(m.sessions[m.cursor].SessionID)
	}
	m.leavePicker()
}

// leavePicker returns to the transcript of whatever session is now
// current, with a clean error slot.
func (m *Model) leavePicker() {
	m.picking = false
	m.errText = ""
	m.notice = ""
	m.sessions = m.eng.Registry().List()
	m.status = m.eng.Store().Status(m.currentID())
	m.refreshTranscript()
}

// ackHeldResults reveals tool output held behind the ack gate in the
// current transcript.
func (m *Model) ackHeldResults() {
	for _, msg := range m.eng.Store().Messages(m.currentID()) {
		for _, p := range msg.Content.Parts {
			if p.Type == domain.PartToolResult && p.Display == domain.DisplayRequireAck {
				m.acked[p.ToolCallID] = true
			}
		}
	}
}

func (m *Model) refreshTranscript() {
	if !m.ready {
		return
	}
	id := m.currentID()
	inst := m.eng.Store().Snapshot(id)
	m.status = inst.Status
	m.viewport.SetContent(m.renderTranscript(inst.Messages))
	m.viewport.GotoBottom()
}

func (m *Model) repaintPicker() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(m.renderSessionList())
}

func (m Model) busy() bool {
	return m.status == domain.TurnSubmitted || m.status == domain.TurnStreaming
}

func (m Model) retrying() bool {
	st, _ := m.eng.RetryState(m.currentID())
	return st != conflict.StateIdle
}

func (m Model) currentID() string {
	return m.eng.Registry().CurrentID()
}

func (m Model) currentIndex() int {
	id := m.currentID()
	for i, s := range m.sessions {
		if s.SessionID == id {
			return i
		}
	}
	return 0
}

func (m *Model) clampCursor() {
	if m.cursor >= len(m.sessions) {
		m.cursor = len(m.sessions) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}
