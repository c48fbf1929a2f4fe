// Package stream folds ordered wire events into the state of an
// assistant turn. The fold is pure: the same multiset of events yields
// the same result no matter the arrival order.
package stream

import (
	"log/slog"
	"sort"
	"unicode/utf8"

	"github.com/weftlabs/weft/domain"
)

// Status of a reconstructed stream.
type Status string

const (
	StatusStreaming Status = "streaming"
	StatusComplete  Status = "complete"
	StatusError     Status = "error"
)

// TruncationMarker is appended once when folded content exceeds the
// configured maximum length.
const TruncationMarker = "\n[truncated]"

// DefaultMaxContentLen caps folded content at 1 MiB.
const DefaultMaxContentLen = 1 << 20

// Accumulator merges one text delta into the content folded so far.
type Accumulator func(current, delta string) string

// Reconstruction is the folded state of one assistant turn.
type Reconstruction struct {
	StreamID    string
	UserMessage string
	Model       string
	Content     string
	Parts       []domain.Part
	Tools       map[string]*domain.ToolState
	Status      Status
	Failure     *domain.ErrorPayload
	Usage       *domain.UsageData
	DeltaCount  int
	StartedAt   int64
	EndedAt     int64
	Truncated   bool
}

type options struct {
	accumulate    Accumulator
	maxContentLen int
	logger        *slog.Logger
}

// Option configures a fold.
type Option func(*options)

// WithAccumulator replaces the default concatenating accumulator for
// the flat content. Typed parts always concatenate.
func WithAccumulator(fn Accumulator) Option {
	return func(o *options) { o.accumulate = fn }
}

// WithMaxContentLen caps the folded content length in bytes.
func WithMaxContentLen(n int) Option {
	return func(o *options) { o.maxContentLen = n }
}

// WithLogger sets the logger for skipped or anomalous events.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// Reconstruct folds stream events into a Reconstruction. The input
// slice is not mutated; events are stably sorted by Order before
// folding, so any permutation of the same events reconstructs
// identically. The lowest-ordered event must be stream-start.
func Reconstruct(events []domain.StreamEvent, opts ...Option) (*Reconstruction, error) {
	o := options{
		accumulate:    func(current, delta string) string { return current + delta },
		maxContentLen: DefaultMaxContentLen,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	if len(events) == 0 {
		return nil, &domain.ReconstructionError{Reason: "empty stream"}
	}

	sorted := append([]domain.StreamEvent(nil), events...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	if sorted[0].Type != domain.EventStreamStart {
		return nil, &domain.ReconstructionError{
			StreamID: sorted[0].StreamID,
			Reason:   "missing stream-start",
		}
	}

	rec := &Reconstruction{
		StreamID:  sorted[0].StreamID,
		Tools:     make(map[string]*domain.ToolState),
		Status:    StatusStreaming,
		StartedAt: sorted[0].Ts,
	}
	if start, err := domain.ParseStartPayload(sorted[0]); err == nil {
		rec.UserMessage = start.UserMessage
		rec.Model = start.Model
	} else {
		o.logger.Debug("undecodable stream-start payload", "stream_id", rec.StreamID, "error", err)
	}

	f := &folder{rec: rec, opts: &o}
	for _, ev := range sorted[1:] {
		f.apply(ev)
	}
	f.flushText()
	return rec, nil
}

// folder carries the mutable fold state. Text deltas build both the
// flat content and, when tools interleave, a pending text run that
// becomes a typed part.
type folder struct {
	rec      *Reconstruction
	opts     *options
	pending  string
	sawTools bool
}

func (f *folder) apply(ev domain.StreamEvent) {
	terminal := f.rec.Status != StatusStreaming
	switch ev.Type {
	case domain.EventStreamStart:
		f.opts.logger.Debug("duplicate stream-start ignored", "stream_id", ev.StreamID)

	case domain.EventTextDelta:
		f.rec.DeltaCount++
		if terminal {
			return
		}
		p, err := domain.ParseDeltaPayload(ev)
		if err != nil {
			f.opts.logger.Debug("undecodable delta payload", "stream_id", ev.StreamID, "error", err)
			return
		}
		f.appendText(p.Text)

	case domain.EventToolCall:
		if terminal {
			return
		}
		p, err := domain.ParseToolCallPayload(ev)
		if err != nil {
			f.opts.logger.Debug("undecodable tool call payload", "stream_id", ev.StreamID, "error", err)
			return
		}
		if _, exists := f.rec.Tools[p.ToolCallID]; exists {
			f.opts.logger.Debug("duplicate tool call ignored", "tool_call_id", p.ToolCallID)
			return
		}
		if !f.sawTools && f.rec.Content != "" {
			f.rec.Parts = append(f.rec.Parts, domain.Part{Type: domain.PartText, Text: f.rec.Content})
		}
		f.flushText()
		f.sawTools = true
		f.rec.Tools[p.ToolCallID] = &domain.ToolState{
			ToolCallID:  p.ToolCallID,
			ToolName:    p.ToolName,
			Title:       p.Title,
			Description: p.Description,
			Status:      domain.ToolRunning,
			Input:       p.Input,
			StartedAt:   ev.Ts,
		}
		f.rec.Parts = append(f.rec.Parts, domain.Part{
			Type:       domain.PartToolCall,
			ToolCallID: p.ToolCallID,
			ToolName:   p.ToolName,
			Input:      p.Input,
		})

	case domain.EventToolResult:
		if terminal {
			return
		}
		p, err := domain.ParseToolResultPayload(ev)
		if err != nil {
			f.opts.logger.Debug("undecodable tool result payload", "stream_id", ev.StreamID, "error", err)
			return
		}
		tool, ok := f.rec.Tools[p.ToolCallID]
		if !ok || tool.Status != domain.ToolRunning {
			f.opts.logger.Debug("tool result without open call ignored", "tool_call_id", p.ToolCallID)
			return
		}
		tool.Output = p.Output
		tool.EndedAt = ev.Ts
		if tool.StartedAt > 0 && ev.Ts >= tool.StartedAt {
			tool.DurationMs = ev.Ts - tool.StartedAt
		}
		if p.OK {
			tool.Status = domain.ToolCompleted
		} else {
			tool.Status = domain.ToolError
			tool.Err = p.Error
		}
		f.flushText()
		f.rec.Parts = append(f.rec.Parts, domain.Part{
			Type:       domain.PartToolResult,
			ToolCallID: p.ToolCallID,
			ToolName:   tool.ToolName,
			Output:     p.Output,
			Err:        p.Error,
		})

	case domain.EventStreamFinish:
		if terminal {
			return
		}
		f.rec.Status = StatusComplete
		f.rec.EndedAt = ev.Ts
		if p, err := domain.ParseFinishPayload(ev); err == nil {
			f.rec.Usage = p.Usage
			if p.FinalContent != "" && p.FinalContent != f.rec.Content+f.pending {
				f.opts.logger.Debug("final content differs from folded content",
					"stream_id", ev.StreamID, "final_len", len(p.FinalContent))
			}
		}
		f.closeTools(ev.Ts, domain.ToolCompleted, "")

	case domain.EventStreamError:
		if terminal {
			return
		}
		f.rec.Status = StatusError
		f.rec.EndedAt = ev.Ts
		if p, err := domain.ParseErrorPayload(ev); err == nil {
			f.rec.Failure = p
			f.closeTools(ev.Ts, domain.ToolError, p.Message)
		} else {
			f.closeTools(ev.Ts, domain.ToolError, "stream failed")
		}

	default:
		f.opts.logger.Debug("unknown event type ignored", "type", string(ev.Type))
	}
}

// appendText grows both the flat content and the pending text run,
// honoring the content cap exactly once.
func (f *folder) appendText(delta string) {
	if f.rec.Truncated {
		return
	}
	next := f.opts.accumulate(f.rec.Content+f.pending, delta)
	if len(next) > f.opts.maxContentLen {
		next = truncateValid(next, f.opts.maxContentLen) + TruncationMarker
		f.rec.Truncated = true
	}
	if f.sawTools && len(next) >= len(f.rec.Content) {
		f.pending = next[len(f.rec.Content):]
	} else {
		f.rec.Content = next
		f.pending = ""
	}
	if f.rec.Truncated && f.sawTools {
		f.flushText()
	}
}

// flushText turns the pending text run into a typed part and folds it
// into the flat content.
func (f *folder) flushText() {
	if f.pending == "" {
		return
	}
	f.rec.Parts = append(f.rec.Parts, domain.Part{Type: domain.PartText, Text: f.pending})
	f.rec.Content += f.pending
	f.pending = ""
}

// closeTools forces every still-running tool into a terminal status.
func (f *folder) closeTools(ts int64, status domain.ToolStatus, errMsg string) {
	for _, tool := range f.rec.Tools {
		if tool.Status != domain.ToolRunning && tool.Status != domain.ToolPending {
			continue
		}
		tool.Status = status
		tool.EndedAt = ts
		if tool.StartedAt > 0 && ts >= tool.StartedAt {
			tool.DurationMs = ts - tool.StartedAt
		}
		if errMsg != "" {
			tool.Err = errMsg
		}
	}
}

// truncateValid cuts s to at most n bytes without splitting a rune.
func truncateValid(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
