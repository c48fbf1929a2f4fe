// Package state holds the client-side mutable state: per-session chat
// instances and the session registry.
package state

import (
	"bytes"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weftlabs/weft/domain"
)

// Instance is the UI state of one session.
type Instance struct {
	Input    string
	Messages []domain.Message
	Status   domain.TurnStatus
}

// AssistantPatch updates the trailing assistant message. Nil fields are
// left untouched.
type AssistantPatch struct {
	Content *string
	Parts   []domain.Part
	Metrics *domain.TurnMetrics
}

// InstanceStore is a mutex-guarded container of chat instances. Missing
// instances are created on first touch with empty input and status ready.
type InstanceStore struct {
	mu        sync.RWMutex
	instances map[string]*Instance

	onChange func(sessionID string)
	now      func() time.Time
	newID    func() string
}

// NewInstanceStore creates an empty store. onChange, when non-nil, is
// invoked outside the lock after every mutation that changed state.
func NewInstanceStore(onChange func(sessionID string)) *InstanceStore {
	return &InstanceStore{
		instances: make(map[string]*Instance),
		onChange:  onChange,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

func (s *InstanceStore) notify(sessionID string) {
	if s.onChange != nil {
		s.onChange(sessionID)
	}
}

// get creates the instance on first touch. Callers hold the lock.
func (s *InstanceStore) get(sessionID string) *Instance {
	inst, ok := s.instances[sessionID]
	if !ok {
		inst = &Instance{Status: domain.TurnReady}
		s.instances[sessionID] = inst
	}
	return inst
}

// SetInput replaces the draft input of a session.
func (s *InstanceStore) SetInput(sessionID, input string) {
	s.mu.Lock()
	inst := s.get(sessionID)
	changed := inst.Input != input
	inst.Input = input
	s.mu.Unlock()
	if changed {
		s.notify(sessionID)
	}
}

// Input returns the current draft input of a session.
func (s *InstanceStore) Input(sessionID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if inst, ok := s.instances[sessionID]; ok {
		return inst.Input
	}
	return ""
}

// SetStatus transitions the session's turn status. Setting the current
// status again is a no-op and emits no notification.
func (s *InstanceStore) SetStatus(sessionID string, status domain.TurnStatus) {
	s.mu.Lock()
	inst := s.get(sessionID)
	changed := inst.Status != status
	inst.Status = status
	s.mu.Unlock()
	if changed {
		s.notify(sessionID)
	}
}

// Status returns the session's turn status. Unknown sessions are ready.
func (s *InstanceStore) Status(sessionID string) domain.TurnStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if inst, ok := s.instances[sessionID]; ok {
		return inst.Status
	}
	return domain.TurnReady
}

// AppendUser appends an optimistic user message and returns its id.
func (s *InstanceStore) AppendUser(sessionID string, content domain.Content) string {
	s.mu.Lock()
	inst := s.get(sessionID)
	msg := domain.Message{
		MessageID: s.newID(),
		Role:      domain.RoleUser,
		Content:   content,
		CreatedAt: s.now(),
	}
	inst.Messages = append(inst.Messages, msg)
	s.mu.Unlock()
	s.notify(sessionID)
	return msg.MessageID
}

// EnsurePlaceholder guarantees the transcript ends with an assistant
// message and returns that message's id. When the last message is
// already an assistant message nothing is appended, so repeated calls
// are idempotent.
func (s *InstanceStore) EnsurePlaceholder(sessionID string) string {
	s.mu.Lock()
	inst := s.get(sessionID)
	if n := len(inst.Messages); n > 0 && inst.Messages[n-1].Role == domain.RoleAssistant {
		id := inst.Messages[n-1].MessageID
		s.mu.Unlock()
		return id
	}
	msg := domain.Message{
		MessageID: s.newID(),
		Role:      domain.RoleAssistant,
		CreatedAt: s.now(),
	}
	inst.Messages = append(inst.Messages, msg)
	s.mu.Unlock()
	s.notify(sessionID)
	return msg.MessageID
}

// PatchAssistant updates the trailing assistant message in place. A
// patch whose fields all equal the current values changes nothing and
// emits no notification. Patching a transcript that does not end with an
// assistant message is a no-op.
func (s *InstanceStore) PatchAssistant(sessionID string, patch AssistantPatch) {
	s.mu.Lock()
	inst := s.get(sessionID)
	n := len(inst.Messages)
	if n == 0 || inst.Messages[n-1].Role != domain.RoleAssistant {
		s.mu.Unlock()
		return
	}
	msg := &inst.Messages[n-1]
	changed := false
	if patch.Content != nil && msg.Content.Text != *patch.Content {
		msg.Content.Text = *patch.Content
		changed = true
	}
	if patch.Parts != nil && !partsEqual(msg.Content.Parts, patch.Parts) {
		msg.Content.Parts = patch.Parts
		changed = true
	}
	if patch.Metrics != nil && (msg.Metrics == nil || *msg.Metrics != *patch.Metrics) {
		msg.Metrics = patch.Metrics
		changed = true
	}
	s.mu.Unlock()
	if changed {
		s.notify(sessionID)
	}
}

// ReplaceTranscript swaps the session's messages wholesale. Only the
// hydration reconciler calls this.
func (s *InstanceStore) ReplaceTranscript(sessionID string, msgs []domain.Message) {
	s.mu.Lock()
	inst := s.get(sessionID)
	inst.Messages = append([]domain.Message(nil), msgs...)
	s.mu.Unlock()
	s.notify(sessionID)
}

// Messages returns a copy of the session's transcript.
func (s *InstanceStore) Messages(sessionID string) []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[sessionID]
	if !ok {
		return nil
	}
	return append([]domain.Message(nil), inst.Messages...)
}

// Snapshot returns a copy of the full instance.
func (s *InstanceStore) Snapshot(sessionID string) Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[sessionID]
	if !ok {
		return Instance{Status: domain.TurnReady}
	}
	return Instance{
		Input:    inst.Input,
		Messages: append([]domain.Message(nil), inst.Messages...),
		Status:   inst.Status,
	}
}

// Clear drops the session's instance entirely.
func (s *InstanceStore) Clear(sessionID string) {
	s.mu.Lock()
	_, existed := s.instances[sessionID]
	delete(s.instances, sessionID)
	s.mu.Unlock()
	if existed {
		s.notify(sessionID)
	}
}

// ResetAll forces every non-ready instance back to ready. Used at
// startup so a previous crash cannot leave sessions wedged in a
// streaming state.
func (s *InstanceStore) ResetAll() {
	s.mu.Lock()
	var reset []string
	for id, inst := range s.instances {
		if inst.Status != domain.TurnReady {
			inst.Status = domain.TurnReady
			reset = append(reset, id)
		}
	}
	s.mu.Unlock()
	for _, id := range reset {
		s.notify(id)
	}
}

func partsEqual(a, b []domain.Part) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Type != b[i].Type ||
			a[i].Text != b[i].Text ||
			a[i].ToolCallID != b[i].ToolCallID ||
			a[i].ToolName != b[i].ToolName ||
			a[i].Err != b[i].Err ||
			a[i].Display != b[i].Display ||
			!bytes.Equal(a[i].Input, b[i].Input) ||
			!bytes.Equal(a[i].Output, b[i].Output) {
			return false
		}
	}
	return true
}
