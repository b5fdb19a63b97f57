package scheduler

import (
	"fmt"

	"github.com/EternalCodeTeam/EternalCodeCommons/internal/clock"
)

// Timing says when a task first fires and whether it repeats.
// Spans may be given in ticks or wall-clock durations; durations are
// floor-converted to ticks at submit time.
type Timing struct {
	delay     clock.Span
	interval  clock.Span
	repeating bool
}

// Now fires on the next tick of the target partition.
func Now() Timing { return Timing{} }

// Once fires a single time after delay.
func Once(delay clock.Span) Timing { return Timing{delay: delay} }

// Every repeats at a fixed rate, first firing one interval from now.
func Every(interval clock.Span) Timing {
	return Timing{delay: interval, interval: interval, repeating: true}
}

// FixedRate repeats every interval after an initial delay.
func FixedRate(delay, interval clock.Span) Timing {
	return Timing{delay: delay, interval: interval, repeating: true}
}

func (t Timing) Delay() clock.Span    { return t.delay }
func (t Timing) Interval() clock.Span { return t.interval }
func (t Timing) Repeating() bool      { return t.repeating }

func (t Timing) String() string {
	if t.repeating {
		return fmt.Sprintf("every %s after %s", t.interval, t.delay)
	}
	return fmt.Sprintf("once after %s", t.delay)
}

// ticks converts t into (delay, interval) ticks. Interval is zero for
// one-shot tasks.
func (t Timing) ticks(conv clock.Converter) (delay, interval clock.Tick, err error) {
	if t.delay.Negative() {
		return 0, 0, fmt.Errorf("%w: negative initial delay %s", ErrInvalidTiming, t.delay)
	}
	delay, err = conv.ToTicks(t.delay)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: delay %s: %v", ErrInvalidTiming, t.delay, err)
	}
	if !t.repeating {
		return delay, 0, nil
	}
	if t.interval.Negative() {
		return 0, 0, fmt.Errorf("%w: negative interval %s", ErrInvalidTiming, t.interval)
	}
	interval, err = conv.ToTicks(t.interval)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: interval %s: %v", ErrInvalidTiming, t.interval, err)
	}
	if interval <= 0 {
		return 0, 0, fmt.Errorf("%w: interval %s is shorter than one tick", ErrInvalidTiming, t.interval)
	}
	return delay, interval, nil
}
