// Package host holds what the classic and regionized runtimes share: the
// tick loop and the tick counter it advances.
package host

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/EternalCodeTeam/EternalCodeCommons/internal/clock"
	"github.com/EternalCodeTeam/EternalCodeCommons/internal/region"
	logx "github.com/EternalCodeTeam/EternalCodeCommons/pkg/logx"
)

// ThreadMain is the ThreadRef of the goroutine that owns the global
// partition in both runtime models.
const ThreadMain region.ThreadRef = 1

// Clock is the tick counter a host advances once per cycle.
type Clock struct {
	m       *clock.Manual
	overrun atomic.Uint64
}

func NewClock() *Clock { return &Clock{m: clock.NewManual(0)} }

func (c *Clock) CurrentTick() clock.Tick { return c.m.CurrentTick() }

// Advance moves to the next tick and returns it.
func (c *Clock) Advance() clock.Tick { return c.m.Advance(1) }

// Overruns counts cycles that took longer than one tick period.
func (c *Clock) Overruns() uint64 { return c.overrun.Load() }

// RunTicker calls cycle once per period until ctx ends. A cycle that
// overruns its period is counted and the ticker drops the missed beats
// instead of bursting to catch up.
func (c *Clock) RunTicker(ctx context.Context, period time.Duration, log logx.Logger, cycle func(ctx context.Context, now clock.Tick)) error {
	if period <= 0 {
		period = clock.DefaultTickDuration
	}
	tk := time.NewTicker(period)
	defer tk.Stop()
	warn := logx.NewThrottle(log, 10*time.Second, 1)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tk.C:
		}
		start := time.Now()
		cycle(ctx, c.Advance())
		if took := time.Since(start); took > period {
			c.overrun.Add(1)
			warn.Warn("overrun", "tick overran its period", logx.Duration("took", took), logx.Duration("period", period))
		}
	}
}
