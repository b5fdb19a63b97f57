// Package clock converts host time into scheduler ticks.
//
// A Tick is the host's discrete scheduling step. Delays and intervals can be
// expressed either directly in ticks or as wall-clock durations; a Converter
// turns both into ticks. Nothing in this package keeps mutable state except the
// Manual fake clock used by tests.
package clock

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"
)

// DefaultTickDuration is one server tick at 20 ticks per second.
const DefaultTickDuration = 50 * time.Millisecond

// Tick is the scheduler's internal time unit.
type Tick int64

// ErrOverflow is returned when a duration does not fit into a Tick.
var ErrOverflow = errors.New("clock: tick overflow")

// Add returns t+d, or ErrOverflow when the sum leaves the Tick range.
func (t Tick) Add(d Tick) (Tick, error) {
	if (d > 0 && t > math.MaxInt64-d) || (d < 0 && t < math.MinInt64-d) {
		return 0, fmt.Errorf("%w: %d + %d", ErrOverflow, t, d)
	}
	return t + d, nil
}

// Source reports the host's current tick.
type Source interface {
	CurrentTick() Tick
}

// SourceFunc adapts a function to Source.
type SourceFunc func() Tick

func (f SourceFunc) CurrentTick() Tick { return f() }

// Span is a delay or interval as supplied by a caller: either a tick count or
// a wall-clock duration. The zero value is zero ticks.
type Span struct {
	ticks int64
	dur   time.Duration
	wall  bool
}

// Ticks returns a span of n ticks.
func Ticks(n int64) Span { return Span{ticks: n} }

// Duration returns a span measured in wall-clock time.
func Duration(d time.Duration) Span { return Span{dur: d, wall: true} }

// IsWall reports whether the span was given as a duration.
func (s Span) IsWall() bool { return s.wall }

// Negative reports whether the span is below zero in its own unit.
func (s Span) Negative() bool {
	if s.wall {
		return s.dur < 0
	}
	return s.ticks < 0
}

func (s Span) String() string {
	if s.wall {
		return s.dur.String()
	}
	return fmt.Sprintf("%dt", s.ticks)
}

// Converter turns spans into ticks using a fixed tick duration.
type Converter struct {
	TickDuration time.Duration
}

// NewConverter returns a Converter; non-positive durations fall back to
// DefaultTickDuration.
func NewConverter(tick time.Duration) Converter {
	if tick <= 0 {
		tick = DefaultTickDuration
	}
	return Converter{TickDuration: tick}
}

func (c Converter) tick() time.Duration {
	if c.TickDuration <= 0 {
		return DefaultTickDuration
	}
	return c.TickDuration
}

// ToTicks converts s into ticks. Durations are floor-divided by the tick
// duration, so 149ms at 50ms/tick is 2 ticks.
func (c Converter) ToTicks(s Span) (Tick, error) {
	if !s.wall {
		return Tick(s.ticks), nil
	}
	return Tick(s.dur / c.tick()), nil
}

// ToDuration converts ticks back into wall-clock time.
func (c Converter) ToDuration(t Tick) (time.Duration, error) {
	td := c.tick()
	if t != 0 && (int64(t) > math.MaxInt64/int64(td) || int64(t) < math.MinInt64/int64(td)) {
		return 0, fmt.Errorf("%w: %d ticks", ErrOverflow, t)
	}
	return time.Duration(t) * td, nil
}

// DurationToTicks converts d into 50ms server ticks. It fails when the result
// does not fit into an int32, matching what hosts accept as a tick argument.
func DurationToTicks(d time.Duration) (int32, error) {
	n := d.Milliseconds() / DefaultTickDuration.Milliseconds()
	if n > math.MaxInt32 || n < math.MinInt32 {
		return 0, fmt.Errorf("%w: %s", ErrOverflow, d)
	}
	return int32(n), nil
}

// Manual is a deterministic Source for tests. The zero value starts at tick 0.
type Manual struct {
	now atomic.Int64
}

// NewManual returns a manual clock positioned at start.
func NewManual(start Tick) *Manual {
	m := &Manual{}
	m.now.Store(int64(start))
	return m
}

func (m *Manual) CurrentTick() Tick { return Tick(m.now.Load()) }

// Advance moves the clock forward by n ticks and returns the new tick.
func (m *Manual) Advance(n Tick) Tick { return Tick(m.now.Add(int64(n))) }

// Set positions the clock at t.
func (m *Manual) Set(t Tick) { m.now.Store(int64(t)) }

// Wall derives ticks from elapsed wall time since its creation.
type Wall struct {
	start time.Time
	conv  Converter
	now   func() time.Time
}

// NewWall starts a wall-clock tick source.
func NewWall(tick time.Duration) *Wall {
	return &Wall{start: time.Now(), conv: NewConverter(tick), now: time.Now}
}

func (w *Wall) CurrentTick() Tick {
	t, _ := w.conv.ToTicks(Duration(w.now().Sub(w.start)))
	return t
}
