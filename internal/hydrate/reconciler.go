// Package hydrate reconciles authoritative transcripts into local
// session state. It is the single terminal synchronization point: once
// the authoritative record shows a completed turn, the session settles
// no matter how the streaming transport concluded.
package hydrate

import (
	"log/slog"
	"sync"

	"github.com/weftlabs/weft/domain"
)

// TranscriptStore is the slice of the instance store the reconciler
// drives.
type TranscriptStore interface {
	Messages(sessionID string) []domain.Message
	ReplaceTranscript(sessionID string, msgs []domain.Message)
	SetStatus(sessionID string, status domain.TurnStatus)
}

// RetryResetter clears a session's pending retry state.
type RetryResetter interface {
	ClearPending(sessionID string)
}

// Reconciler applies authoritative transcripts and tracks each
// session's authoritative message count, which doubles as the history
// version for outgoing turn requests.
type Reconciler struct {
	mu     sync.Mutex
	counts map[string]int

	store   TranscriptStore
	retries RetryResetter
	logger  *slog.Logger
}

// NewReconciler wires the reconciler to the instance store and the
// retry coordinator.
func NewReconciler(store TranscriptStore, retries RetryResetter, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		counts:  make(map[string]int),
		store:   store,
		retries: retries,
		logger:  logger,
	}
}

// SeedCounts primes history versions, typically from the local mirror
// at startup.
func (r *Reconciler) SeedCounts(counts map[string]int) {
	r.mu.Lock()
	for id, n := range counts {
		r.counts[id] = n
	}
	r.mu.Unlock()
}

// Apply reconciles one authoritative transcript. Structurally equal
// transcripts are left alone so an optimistic local copy that already
// matches produces no replacement churn. A trailing non-empty assistant
// message marks the turn completed: the session is forced ready and any
// pending retry state is cleared.
func (r *Reconciler) Apply(sessionID string, authoritative []domain.Message) {
	r.mu.Lock()
	r.counts[sessionID] = len(authoritative)
	r.mu.Unlock()

	local := r.store.Messages(sessionID)
	if !structurallyEqual(local, authoritative) {
		r.logger.Debug("replacing local transcript",
			"session_id", sessionID, "local", len(local), "authoritative", len(authoritative))
		r.store.ReplaceTranscript(sessionID, authoritative)
	}

	if n := len(authoritative); n > 0 {
		last := authoritative[n-1]
		if last.Role == domain.RoleAssistant && last.Content.PlainText() != "" {
			r.store.SetStatus(sessionID, domain.TurnReady)
			if r.retries != nil {
				r.retries.ClearPending(sessionID)
			}
		}
	}
}

// HistoryVersion reports the session's authoritative message count.
func (r *Reconciler) HistoryVersion(sessionID string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.counts[sessionID]
	return n, ok
}

// Forget drops a deleted session's count.
func (r *Reconciler) Forget(sessionID string) {
	r.mu.Lock()
	delete(r.counts, sessionID)
	r.mu.Unlock()
}

// structurallyEqual compares transcripts by role and canonical text.
// Message ids differ between optimistic and authoritative copies, so
// identity never participates in the comparison.
func structurallyEqual(a, b []domain.Message) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Role != b[i].Role {
			return false
		}
		if a[i].Content.PlainText() != b[i].Content.PlainText() {
			return false
		}
	}
	return true
}
