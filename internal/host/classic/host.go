// Package classic is the single-main-thread runtime: one goroutine owns the
// global partition and every target resolves to it.
package classic

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/EternalCodeTeam/EternalCodeCommons/internal/clock"
	"github.com/EternalCodeTeam/EternalCodeCommons/internal/host"
	"github.com/EternalCodeTeam/EternalCodeCommons/internal/region"
	rtsup "github.com/EternalCodeTeam/EternalCodeCommons/internal/runtime/supervisor"
	"github.com/EternalCodeTeam/EternalCodeCommons/internal/task/scheduler"
	logx "github.com/EternalCodeTeam/EternalCodeCommons/pkg/logx"
)

var ErrNotBound = errors.New("classic: no scheduler bound")

type Config struct {
	Tick time.Duration
}

// Host implements scheduler.Runtime for the classical model.
type Host struct {
	cfg   Config
	log   logx.Logger
	clk   *host.Clock
	table *region.Table
	ents  *region.Entities

	mu    sync.Mutex
	sched *scheduler.Scheduler
	sup   *rtsup.Supervisor
}

func New(cfg Config, ents *region.Entities, log logx.Logger) *Host {
	if cfg.Tick <= 0 {
		cfg.Tick = clock.DefaultTickDuration
	}
	if ents == nil {
		ents = region.NewEntities()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &Host{
		cfg:   cfg,
		log:   log.With(logx.String("comp", "host.classic")),
		clk:   host.NewClock(),
		table: region.NewTable(),
		ents:  ents,
	}
	h.table.Assign(region.GlobalPartition, h.MainThread())
	return h
}

func (h *Host) MainThread() region.ThreadRef { return host.ThreadMain }

// Resolver maps every target to the global partition.
func (h *Host) Resolver() region.Resolver {
	return region.Single{Table: h.table, Entities: h.ents}
}

func (h *Host) Entities() *region.Entities { return h.ents }
func (h *Host) Table() *region.Table       { return h.table }

// Bind attaches the scheduler this host drives.
func (h *Host) Bind(s *scheduler.Scheduler) {
	h.mu.Lock()
	h.sched = s
	h.mu.Unlock()
}

func (h *Host) scheduler() *scheduler.Scheduler {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sched
}

func (h *Host) CurrentTick() clock.Tick { return h.clk.CurrentTick() }

func (h *Host) OwnerOf(pid region.PartitionID) (region.Partition, bool) {
	if pid != region.GlobalPartition {
		return region.Partition{}, false
	}
	return h.table.Lookup(pid)
}

// DriveTick runs the due tasks of pid as the main thread. Only the main
// loop, or a test standing in for it, may call it.
func (h *Host) DriveTick(ctx context.Context, pid region.PartitionID) (scheduler.TickReport, error) {
	s := h.scheduler()
	if s == nil {
		return scheduler.TickReport{}, ErrNotBound
	}
	return s.Tick(ctx, pid, h.MainThread(), h.clk.CurrentTick())
}

// Step advances one tick and drives it synchronously.
func (h *Host) Step(ctx context.Context) (scheduler.TickReport, error) {
	h.clk.Advance()
	return h.DriveTick(ctx, region.GlobalPartition)
}

// Start runs the main loop under a supervisor until Stop.
func (h *Host) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sup != nil {
		return
	}
	h.sup = rtsup.New(ctx, rtsup.WithLogger(h.log))
	h.sup.GoRestart("classic.main", h.run)
	h.log.Info("classic runtime started", logx.Duration("tick", h.cfg.Tick))
}

func (h *Host) run(ctx context.Context) error {
	return h.clk.RunTicker(ctx, h.cfg.Tick, h.log, func(ctx context.Context, now clock.Tick) {
		_, err := h.DriveTick(ctx, region.GlobalPartition)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, scheduler.ErrShutdown) {
			h.log.Warn("main tick failed", logx.Int64("tick", int64(now)), logx.Err(err))
		}
	})
}

func (h *Host) Stop(ctx context.Context) error {
	h.mu.Lock()
	sup := h.sup
	h.sup = nil
	h.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

// Overruns counts main-loop cycles that exceeded the tick period.
func (h *Host) Overruns() uint64 { return h.clk.Overruns() }
