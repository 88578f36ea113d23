package rooms

import "time"

// ThrottleDecision is the outcome of offering one cursor position to a
// CursorThrottle.
type ThrottleDecision struct {
	// Emit is set when Position should be broadcast immediately.
	Emit     bool
	Position Cursor
	// Coalesced is set when an earlier pending position was overwritten.
	Coalesced bool
	// Schedule is set when the caller must arrange a Flush call with Gen
	// after Delay.
	Schedule bool
	Delay    time.Duration
	Gen      uint64
}

// CursorThrottle rate-limits cursor broadcasts for one sender to one per
// window while never losing the final position. It is not safe for
// concurrent use; the registry loop owns every instance.
type CursorThrottle struct {
	window         time.Duration
	nextAllowed    time.Time
	pending        *Cursor
	flushScheduled bool
	gen            uint64
}

// NewCursorThrottle returns a throttle that emits at most once per window
func NewCursorThrottle(window time.Duration) *CursorThrottle {
	return &CursorThrottle{window: window}
}

// Offer records a new cursor position observed at now
func (t *CursorThrottle) Offer(now time.Time, pos Cursor) ThrottleDecision {
	if !now.Before(t.nextAllowed) {
		t.nextAllowed = now.Add(t.window)
		t.pending = nil
		t.flushScheduled = false
		// invalidates any flush already in flight
		t.gen++
		return ThrottleDecision{Emit: true, Position: pos}
	}

	d := ThrottleDecision{Coalesced: t.pending != nil}
	p := pos
	t.pending = &p
	if !t.flushScheduled {
		t.flushScheduled = true
		d.Schedule = true
		d.Delay = t.nextAllowed.Sub(now)
		d.Gen = t.gen
	}
	return d
}

// Flush emits the pending position for a flush scheduled with gen. Flushes
// from an older generation are ignored.
func (t *CursorThrottle) Flush(now time.Time, gen uint64) (Cursor, bool) {
	if gen != t.gen || !t.flushScheduled {
		return Cursor{}, false
	}
	t.flushScheduled = false
	if t.pending == nil {
		return Cursor{}, false
	}
	pos := *t.pending
	t.pending = nil
	t.nextAllowed = now.Add(t.window)
	t.gen++
	return pos, true
}

// Pending reports whether a position is waiting for a flush
func (t *CursorThrottle) Pending() bool {
	return t.pending != nil
}
