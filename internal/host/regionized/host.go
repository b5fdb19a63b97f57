// Package regionized is the multi-threaded runtime: the world is cut into
// square regions of chunks, each region is a partition owned by one worker
// goroutine, and ownership moves between workers through Migrate and
// Rebalance.
package regionized

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/EternalCodeTeam/EternalCodeCommons/internal/clock"
	"github.com/EternalCodeTeam/EternalCodeCommons/internal/eventbus"
	"github.com/EternalCodeTeam/EternalCodeCommons/internal/host"
	"github.com/EternalCodeTeam/EternalCodeCommons/internal/region"
	rtsup "github.com/EternalCodeTeam/EternalCodeCommons/internal/runtime/supervisor"
	"github.com/EternalCodeTeam/EternalCodeCommons/internal/task/scheduler"
	logx "github.com/EternalCodeTeam/EternalCodeCommons/pkg/logx"
)

var (
	ErrNotBound      = errors.New("regionized: no scheduler bound")
	ErrUnknownThread = errors.New("regionized: unknown worker thread")
	ErrUnknownRegion = errors.New("regionized: unknown partition")
	// ErrPartitionBusy is returned by a tick of a partition that another
	// goroutine is already ticking.
	ErrPartitionBusy = errors.New("regionized: partition is being ticked")
)

type Config struct {
	Tick    time.Duration
	Workers int
	// RegionShift groups 2^RegionShift chunks per region side.
	RegionShift uint
	// RebalanceEvery runs Rebalance periodically while started; 0 disables it.
	RebalanceEvery time.Duration
}

// MigrationEvent is the payload of host.partition_migrated events.
type MigrationEvent struct {
	Partition  region.PartitionID
	From, To   region.ThreadRef
	Generation uint64
}

// Host implements scheduler.Runtime for the regionized model. The global
// partition always belongs to host.ThreadMain; regions belong to workers.
type Host struct {
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	clk     *host.Clock
	table   *region.Table
	ents    *region.Entities
	grid    *region.Grid
	workers []region.ThreadRef

	mu    sync.Mutex
	sched *scheduler.Scheduler
	sup   *rtsup.Supervisor
	wake  map[region.ThreadRef]chan clock.Tick

	partsMu sync.Mutex
	parts   map[region.PartitionID]*partLock
}

// partLock is held for a whole tick pass of one partition. Ownership of the
// partition only changes while it is held, so at most one goroutine runs the
// partition's actions. A migration requested during a pass is parked in
// pending and applied when the pass ends.
type partLock struct {
	mu sync.Mutex

	pmu     sync.Mutex
	pending region.ThreadRef
}

func New(cfg Config, ents *region.Entities, log logx.Logger, bus eventbus.Bus) *Host {
	if cfg.Tick <= 0 {
		cfg.Tick = clock.DefaultTickDuration
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if ents == nil {
		ents = region.NewEntities()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	h := &Host{
		cfg:   cfg,
		log:   log.With(logx.String("comp", "host.regionized")),
		bus:   bus,
		clk:   host.NewClock(),
		table: region.NewTable(),
		ents:  ents,
		parts: make(map[region.PartitionID]*partLock),
	}
	for i := 0; i < cfg.Workers; i++ {
		h.workers = append(h.workers, host.ThreadMain+1+region.ThreadRef(i))
	}
	h.table.Assign(region.GlobalPartition, host.ThreadMain)
	h.grid = &region.Grid{Table: h.table, Entities: ents, Shift: cfg.RegionShift, Pick: h.pick}
	return h
}

func (h *Host) Resolver() region.Resolver  { return h.grid }
func (h *Host) Grid() *region.Grid         { return h.grid }
func (h *Host) Entities() *region.Entities { return h.ents }
func (h *Host) Table() *region.Table       { return h.table }

// Workers lists the region worker threads.
func (h *Host) Workers() []region.ThreadRef {
	return append([]region.ThreadRef(nil), h.workers...)
}

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
	return h.table.Lookup(pid)
}

// pick chooses the least-loaded worker for a newly seen region. Ties go to
// the lowest thread.
func (h *Host) pick() region.ThreadRef {
	load := h.table.Load()
	best := h.workers[0]
	for _, w := range h.workers[1:] {
		if load[w] < load[best] {
			best = w
		}
	}
	return best
}

func (h *Host) isWorker(t region.ThreadRef) bool {
	for _, w := range h.workers {
		if w == t {
			return true
		}
	}
	return false
}

func (h *Host) lockFor(pid region.PartitionID) *partLock {
	h.partsMu.Lock()
	defer h.partsMu.Unlock()
	pl, ok := h.parts[pid]
	if !ok {
		pl = &partLock{}
		h.parts[pid] = pl
	}
	return pl
}

// Migrate hands pid to worker to. Tasks queued on pid stay queued; the next
// tick of pid must come from the new owner. When pid is being ticked the
// move is deferred until that pass ends; a later Migrate of the same
// partition replaces a deferred one.
func (h *Host) Migrate(pid region.PartitionID, to region.ThreadRef) error {
	_, err := h.migrate(pid, to, true)
	return err
}

// migrate reports whether the move was applied now. With park false a busy
// partition is left alone.
func (h *Host) migrate(pid region.PartitionID, to region.ThreadRef, park bool) (bool, error) {
	if pid == region.GlobalPartition {
		return false, fmt.Errorf("%w: the global partition is pinned to the main thread", ErrUnknownRegion)
	}
	if !h.isWorker(to) {
		return false, fmt.Errorf("%w: %s", ErrUnknownThread, to)
	}
	if _, ok := h.table.Lookup(pid); !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownRegion, pid)
	}
	pl := h.lockFor(pid)
	if !pl.mu.TryLock() {
		if !park {
			return false, nil
		}
		pl.pmu.Lock()
		pl.pending = to
		pl.pmu.Unlock()
		h.log.Debug("partition busy; migration deferred", logx.String("partition", string(pid)), logx.Stringer("to", to))
		return false, nil
	}
	defer pl.mu.Unlock()
	pl.pmu.Lock()
	pl.pending = region.NoThread
	pl.pmu.Unlock()
	h.assign(pid, to)
	return true, nil
}

// assign moves pid to worker to. The caller holds the partition's lock.
func (h *Host) assign(pid region.PartitionID, to region.ThreadRef) {
	cur, ok := h.table.Lookup(pid)
	if !ok || cur.Owner == to {
		return
	}
	p := h.table.Assign(pid, to)
	h.bus.Publish(eventbus.Event{Type: eventbus.PartitionMigrated, Data: MigrationEvent{Partition: pid, From: cur.Owner, To: to, Generation: p.Generation}})
	h.log.Debug("partition migrated",
		logx.String("partition", string(pid)), logx.Stringer("from", cur.Owner), logx.Stringer("to", to), logx.Uint64("generation", p.Generation))
}

// applyPending runs a deferred migration. The caller holds pl.mu.
func (h *Host) applyPending(pid region.PartitionID, pl *partLock) {
	pl.pmu.Lock()
	to := pl.pending
	pl.pending = region.NoThread
	pl.pmu.Unlock()
	if to != region.NoThread {
		h.assign(pid, to)
	}
}

// Rebalance moves regions from the busiest worker to the idlest until their
// region counts differ by at most one. Regions in the middle of a tick are
// not moved. It returns the number of moves.
func (h *Host) Rebalance() int {
	moves := 0
	for {
		load := h.table.Load()
		busiest, idlest := h.workers[0], h.workers[0]
		for _, w := range h.workers {
			if load[w] > load[busiest] {
				busiest = w
			}
			if load[w] < load[idlest] {
				idlest = w
			}
		}
		if load[busiest]-load[idlest] <= 1 {
			return moves
		}
		owned := h.table.OwnedBy(busiest)
		moved := false
		for i := len(owned) - 1; i >= 0 && !moved; i-- {
			ok, err := h.migrate(owned[i], idlest, false)
			if err != nil {
				h.log.Warn("rebalance move failed", logx.Err(err))
				return moves
			}
			moved = ok
		}
		if !moved {
			return moves
		}
		moves++
	}
}

// DriveTick runs the due tasks of pid as its current owner.
func (h *Host) DriveTick(ctx context.Context, pid region.PartitionID) (scheduler.TickReport, error) {
	p, ok := h.table.Lookup(pid)
	if !ok {
		return scheduler.TickReport{}, fmt.Errorf("%w: %s", ErrUnknownRegion, pid)
	}
	return h.tickAs(ctx, pid, p.Owner)
}

func (h *Host) tickAs(ctx context.Context, pid region.PartitionID, thread region.ThreadRef) (scheduler.TickReport, error) {
	s := h.scheduler()
	if s == nil {
		return scheduler.TickReport{}, ErrNotBound
	}
	now := h.clk.CurrentTick()
	pl := h.lockFor(pid)
	if !pl.mu.TryLock() {
		return scheduler.TickReport{Partition: pid, Tick: now}, fmt.Errorf("%w: %s", ErrPartitionBusy, pid)
	}
	defer pl.mu.Unlock()
	h.applyPending(pid, pl)
	rep, err := s.Tick(ctx, pid, thread, now)
	h.applyPending(pid, pl)
	return rep, err
}

// Step advances one tick and drives every thread in turn from the calling
// goroutine: the main thread first, then each worker over the regions it
// owns. Tasks handed to a region that was already driven this step run on
// the next one.
func (h *Host) Step(ctx context.Context) ([]scheduler.TickReport, error) {
	h.clk.Advance()
	var reps []scheduler.TickReport
	for _, thread := range append([]region.ThreadRef{host.ThreadMain}, h.workers...) {
		for _, pid := range h.table.OwnedBy(thread) {
			rep, err := h.tickAs(ctx, pid, thread)
			if err != nil {
				return reps, err
			}
			reps = append(reps, rep)
		}
	}
	return reps, nil
}

// Start launches the main loop and one goroutine per worker.
func (h *Host) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sup != nil {
		return
	}
	h.sup = rtsup.New(ctx, rtsup.WithLogger(h.log))
	h.wake = make(map[region.ThreadRef]chan clock.Tick, len(h.workers))
	for _, w := range h.workers {
		ch := make(chan clock.Tick, 1)
		h.wake[w] = ch
		thread := w
		h.sup.GoRestart(fmt.Sprintf("region.worker.%d", uint32(thread)), func(ctx context.Context) error {
			return h.worker(ctx, thread, ch)
		})
	}
	wake := h.wake
	h.sup.GoRestart("region.main", func(ctx context.Context) error {
		return h.clk.RunTicker(ctx, h.cfg.Tick, h.log, func(ctx context.Context, now clock.Tick) {
			h.driveThread(ctx, host.ThreadMain)
			for _, ch := range wake {
				// A worker still busy with the previous tick skips this one.
				select {
				case ch <- now:
				default:
				}
			}
		})
	})
	if h.cfg.RebalanceEvery > 0 {
		h.sup.GoRestart("region.rebalance", h.rebalanceLoop)
	}
	h.log.Info("regionized runtime started", logx.Int("workers", len(h.workers)), logx.Duration("tick", h.cfg.Tick))
}

func (h *Host) worker(ctx context.Context, thread region.ThreadRef, wake <-chan clock.Tick) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-wake:
			h.driveThread(ctx, thread)
		}
	}
}

// driveThread ticks every partition thread owns. Partitions that migrate
// away between the listing and the tick are skipped; their new owner picks
// them up.
func (h *Host) driveThread(ctx context.Context, thread region.ThreadRef) {
	for _, pid := range h.table.OwnedBy(thread) {
		_, err := h.tickAs(ctx, pid, thread)
		switch {
		case err == nil, errors.Is(err, context.Canceled), errors.Is(err, scheduler.ErrShutdown):
		case errors.Is(err, scheduler.ErrNotOwner), errors.Is(err, ErrPartitionBusy):
			h.log.Debug("partition moved or busy before tick", logx.String("partition", string(pid)), logx.Stringer("thread", thread))
		default:
			h.log.Warn("region tick failed", logx.String("partition", string(pid)), logx.Err(err))
		}
	}
}

func (h *Host) rebalanceLoop(ctx context.Context) error {
	tk := time.NewTicker(h.cfg.RebalanceEvery)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tk.C:
			if n := h.Rebalance(); n > 0 {
				h.log.Info("regions rebalanced", logx.Int("moves", n))
			}
		}
	}
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

// Assignment is one row of the ownership table for status output.
type Assignment struct {
	Partition  region.PartitionID `json:"partition"`
	Owner      region.ThreadRef   `json:"owner"`
	Generation uint64             `json:"generation"`
}

// Assignments lists the current ownership table, sorted by partition.
func (h *Host) Assignments() []Assignment {
	parts := h.table.Partitions()
	out := make([]Assignment, 0, len(parts))
	for _, p := range parts {
		out = append(out, Assignment{Partition: p.ID, Owner: p.Owner, Generation: p.Generation})
	}
	return out
}

func (h *Host) Overruns() uint64 { return h.clk.Overruns() }
