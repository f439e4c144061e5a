package call

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/dialtone/internal/observe"
	"github.com/MrWong99/dialtone/pkg/audio"
)

// FrameWriter is the outbound half of a [Transport].
type FrameWriter interface {
	// WriteFrame sends one encoded frame to the caller.
	WriteFrame(ctx context.Context, f audio.AudioFrame) error

	// Mark asks the far end to acknowledge when playback reaches this point.
	Mark(ctx context.Context, name string) error
}

// Streamer paces encoded frames onto a [FrameWriter] in real time.
type Streamer struct {
	// SendMarks enables a "turn-<seq>" mark after the last frame of a turn.
	SendMarks bool

	metrics *observe.Metrics
}

// NewStreamer returns a streamer recording into m. A nil m uses
// [observe.DefaultMetrics].
func NewStreamer(m *observe.Metrics, sendMarks bool) *Streamer {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Streamer{SendMarks: sendMarks, metrics: m}
}

// Stream writes frames for the turn tagged seq, one per frame duration,
// starting immediately. Before every write the turn is re-checked against the
// session; a superseded turn stops with [ErrStaleTurn] without writing
// further frames. On completion the turn is ended on the session. It returns
// the number of frames written.
func (s *Streamer) Stream(ctx context.Context, sess *Session, seq uint64, frames []audio.AudioFrame, w FrameWriter) (int, error) {
	if len(frames) == 0 {
		sess.EndTurn(seq)
		return 0, nil
	}
	if !sess.MarkSpeaking(seq) {
		return 0, ErrStaleTurn
	}

	period := frames[0].Duration
	if period <= 0 {
		period = audio.DefaultFrameDuration
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	written := 0
	for i, f := range frames {
		if i > 0 {
			select {
			case <-ctx.Done():
				return written, ctx.Err()
			case <-ticker.C:
			}
		}
		if !sess.IsCurrent(seq) {
			return written, ErrStaleTurn
		}
		if err := w.WriteFrame(ctx, f); err != nil {
			return written, fmt.Errorf("call: stream frame %d: %w", f.Seq, err)
		}
		written++
		s.metrics.FramesSent.Add(ctx, 1)
	}

	if s.SendMarks && sess.IsCurrent(seq) {
		if err := w.Mark(ctx, fmt.Sprintf("turn-%d", seq)); err != nil {
			slog.Debug("call: mark failed", "call_id", sess.CallID, "seq", seq, "err", err)
		}
	}
	sess.EndTurn(seq)
	return written, nil
}
