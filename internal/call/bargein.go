package call

import "time"

// DefaultConfirmWindow is how long caller speech must persist over agent
// output before it counts as an interruption.
const DefaultConfirmWindow = 400 * time.Millisecond

// BargeIn watches the per-frame voiced flag while a turn is active and
// interrupts the turn once caller speech persists for the confirm window.
// It is owned by a single call's inbound loop and is not safe for concurrent
// use.
type BargeIn struct {
	window time.Duration
	run    time.Duration
}

// NewBargeIn returns a controller with the given confirm window. A
// non-positive window uses [DefaultConfirmWindow].
func NewBargeIn(window time.Duration) *BargeIn {
	if window <= 0 {
		window = DefaultConfirmWindow
	}
	return &BargeIn{window: window}
}

// Observe accounts one processed frame of duration d. It returns the
// interrupted turn's sequence number and true when this frame confirmed a
// barge-in and the session's active turn was cancelled.
func (b *BargeIn) Observe(sess *Session, voiced bool, d time.Duration) (uint64, bool) {
	if !voiced || !sess.HasActiveTurn() {
		b.run = 0
		return 0, false
	}
	b.run += d
	if b.run < b.window {
		return 0, false
	}
	b.run = 0
	return sess.Interrupt()
}

// Reset clears the accumulated voiced run.
func (b *BargeIn) Reset() { b.run = 0 }
