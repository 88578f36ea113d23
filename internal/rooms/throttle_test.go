package rooms

import (
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type emission struct {
	at  time.Duration
	pos Cursor
}

// runThrottle replays offers at the given offsets, firing scheduled flushes
// in time order, and returns every emitted position.
func runThrottle(t *testing.T, window time.Duration, offsets []time.Duration) []emission {
	t.Helper()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	th := NewCursorThrottle(window)

	var out []emission
	var flushAt time.Duration
	var flushGen uint64
	flushPending := false

	fire := func(until time.Duration) {
		if flushPending && flushAt <= until {
			flushPending = false
			if pos, ok := th.Flush(base.Add(flushAt), flushGen); ok {
				out = append(out, emission{at: flushAt, pos: pos})
			}
		}
	}

	for i, off := range offsets {
		fire(off)
		pos := Cursor{X: float64(i), Y: float64(i) * 2}
		d := th.Offer(base.Add(off), pos)
		if d.Emit {
			flushPending = false
			out = append(out, emission{at: off, pos: d.Position})
		}
		if d.Schedule {
			require.False(t, flushPending, "a second flush was scheduled while one was pending")
			flushPending = true
			flushAt = off + d.Delay
			flushGen = d.Gen
		}
	}
	fire(time.Duration(math.MaxInt64))
	return out
}

func evenOffsets(n int, spacing time.Duration) []time.Duration {
	out := make([]time.Duration, n)
	for i := range out {
		out[i] = time.Duration(i) * spacing
	}
	return out
}

func TestCursorThrottleBounds(t *testing.T) {
	const window = 100 * time.Millisecond
	rng := rand.New(rand.NewPCG(7, 11))
	jittered := make([]time.Duration, 300)
	var at time.Duration
	for i := range jittered {
		at += time.Duration(rng.IntN(40)) * time.Millisecond
		jittered[i] = at
	}
	// a span that is an exact multiple of the window allows one extra flush
	if (jittered[len(jittered)-1]-jittered[0])%window == 0 {
		jittered[len(jittered)-1] += time.Millisecond
	}

	tests := []struct {
		name    string
		offsets []time.Duration
	}{
		{"single update", evenOffsets(1, 0)},
		{"50 moves at 20ms", evenOffsets(50, 20*time.Millisecond)},
		{"200 moves at 5ms", evenOffsets(200, 5*time.Millisecond)},
		{"slower than window", evenOffsets(10, 150*time.Millisecond)},
		{"exactly the window", evenOffsets(10, window)},
		{"jittered", jittered},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := runThrottle(t, window, tt.offsets)
			require.NotEmpty(t, out)

			span := tt.offsets[len(tt.offsets)-1] - tt.offsets[0]
			bound := int(math.Ceil(span.Seconds()/window.Seconds())) + 1
			assert.LessOrEqual(t, len(out), bound, "emitted %d for span %s", len(out), span)

			last := len(tt.offsets) - 1
			assert.Equal(t, Cursor{X: float64(last), Y: float64(last) * 2}, out[len(out)-1].pos,
				"final position must be emitted")

			for i := 1; i < len(out); i++ {
				assert.GreaterOrEqual(t, out[i].at-out[i-1].at, window, "emissions %d and %d too close", i-1, i)
			}
			assert.LessOrEqual(t, out[len(out)-1].at-tt.offsets[last], window, "final position stale")
		})
	}
}

func TestCursorThrottleFiftyMovesAtTwentyMs(t *testing.T) {
	out := runThrottle(t, 100*time.Millisecond, evenOffsets(50, 20*time.Millisecond))
	assert.GreaterOrEqual(t, len(out), 5)
	assert.LessOrEqual(t, len(out), 50)
	assert.Equal(t, Cursor{X: 49, Y: 98}, out[len(out)-1].pos)
}

func TestCursorThrottleBurst(t *testing.T) {
	out := runThrottle(t, 100*time.Millisecond, evenOffsets(30, 0))
	require.Len(t, out, 2, "first position immediately, last one at the window edge")
	assert.Equal(t, Cursor{X: 0, Y: 0}, out[0].pos)
	assert.Equal(t, Cursor{X: 29, Y: 58}, out[1].pos)
	assert.Equal(t, 100*time.Millisecond, out[1].at)
}

func TestCursorThrottleCoalescing(t *testing.T) {
	base := time.Now()
	th := NewCursorThrottle(100 * time.Millisecond)

	d := th.Offer(base, Cursor{X: 1})
	assert.True(t, d.Emit)

	d = th.Offer(base.Add(10*time.Millisecond), Cursor{X: 2})
	assert.False(t, d.Emit)
	assert.False(t, d.Coalesced)
	require.True(t, d.Schedule)
	assert.Equal(t, 90*time.Millisecond, d.Delay)
	gen := d.Gen

	d = th.Offer(base.Add(20*time.Millisecond), Cursor{X: 3})
	assert.False(t, d.Emit)
	assert.True(t, d.Coalesced)
	assert.False(t, d.Schedule, "flush already scheduled")
	assert.True(t, th.Pending())

	pos, ok := th.Flush(base.Add(100*time.Millisecond), gen)
	require.True(t, ok)
	assert.Equal(t, Cursor{X: 3}, pos)
	assert.False(t, th.Pending())
}

func TestCursorThrottleStaleFlushIgnored(t *testing.T) {
	base := time.Now()
	th := NewCursorThrottle(100 * time.Millisecond)

	th.Offer(base, Cursor{X: 1})
	d := th.Offer(base.Add(50*time.Millisecond), Cursor{X: 2})
	require.True(t, d.Schedule)

	// a late-running loop lets a fresh offer through before the timer fires
	d2 := th.Offer(base.Add(120*time.Millisecond), Cursor{X: 3})
	require.True(t, d2.Emit)

	_, ok := th.Flush(base.Add(125*time.Millisecond), d.Gen)
	assert.False(t, ok)
}
