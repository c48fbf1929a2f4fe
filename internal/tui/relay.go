package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/weftlabs/weft/domain"
)

// Messages relayed from the engine into the program.
type (
	instanceChangedMsg struct{ sessionID string }
	registryChangedMsg struct{}
	noticeMsg          struct{ notice domain.Notice }
	feedStateMsg       struct{ connected bool }
	toastExpiredMsg    struct{ seq int }
)

// Relay forwards engine callbacks into the running program. Callbacks
// arrive on engine goroutines and must never wait on the UI, so sends
// are non-blocking; a dropped frame is repainted by the next one.
type Relay struct {
	ch chan tea.Msg
}

// NewRelay creates a relay with room for a burst of updates.
func NewRelay() *Relay {
	return &Relay{ch: make(chan tea.Msg, 256)}
}

// InstanceChanged is wired as the engine's OnInstanceChange hook.
func (r *Relay) InstanceChanged(sessionID string) {
	r.emit(instanceChangedMsg{sessionID: sessionID})
}

// RegistryChanged is wired as the engine's OnRegistryChange hook.
func (r *Relay) RegistryChanged() {
	r.emit(registryChangedMsg{})
}

// Notify implements domain.Notifier.
func (r *Relay) Notify(n domain.Notice) {
	r.emit(noticeMsg{notice: n})
}

// FeedState reports feed connectivity transitions.
func (r *Relay) FeedState(connected bool) {
	r.emit(feedStateMsg{connected: connected})
}

func (r *Relay) emit(msg tea.Msg) {
	select {
	case r.ch <- msg:
	default:
	}
}

// waitRelayMsg returns a command that delivers the next relayed engine
// event. A nil channel yields no command.
func waitRelayMsg(ch <-chan tea.Msg) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return nil
		}
		return msg
	}
}
