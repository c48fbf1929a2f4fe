package domain

// NoticeKind classifies a user-facing notice.
type NoticeKind string

const (
	NoticeBusy    NoticeKind = "busy"    // transient toast, self-clearing
	NoticeTimeout NoticeKind = "timeout" // watchdog fired, visually distinct
	NoticeError   NoticeKind = "error"   // fatal, fills the error slot
)

// Notice is a user-facing notification about a session.
type Notice struct {
	Kind      NoticeKind
	SessionID string
	Text      string
}

// Notifier receives notices. The TUI implements it; tests record.
type Notifier interface {
	Notify(Notice)
}
