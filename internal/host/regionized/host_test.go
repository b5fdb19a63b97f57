package regionized

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/EternalCodeTeam/EternalCodeCommons/internal/clock"
	"github.com/EternalCodeTeam/EternalCodeCommons/internal/eventbus"
	"github.com/EternalCodeTeam/EternalCodeCommons/internal/host"
	"github.com/EternalCodeTeam/EternalCodeCommons/internal/region"
	"github.com/EternalCodeTeam/EternalCodeCommons/internal/task/scheduler"
	logx "github.com/EternalCodeTeam/EternalCodeCommons/pkg/logx"
)

func newBound(t *testing.T, cfg Config, bus eventbus.Bus) (*Host, *scheduler.Scheduler) {
	t.Helper()
	h := New(cfg, nil, logx.Nop(), bus)
	s := scheduler.New(scheduler.Config{}, h, h.Resolver(), logx.Nop(), bus)
	h.Bind(s)
	return h, s
}

func step(t *testing.T, h *Host, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := h.Step(context.Background()); err != nil {
			t.Fatalf("Step: %v", err)
		}
	}
}

type threadLog struct {
	mu  sync.Mutex
	ran []region.ThreadRef
}

func (l *threadLog) action(ctx context.Context) error {
	info, _ := scheduler.ExecInfoFrom(ctx)
	l.mu.Lock()
	l.ran = append(l.ran, info.Thread)
	l.mu.Unlock()
	return nil
}

func (l *threadLog) last() region.ThreadRef {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.ran) == 0 {
		return region.NoThread
	}
	return l.ran[len(l.ran)-1]
}

func (l *threadLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ran)
}

func TestPickSpreadsNewRegions(t *testing.T) {
	t.Parallel()
	h, _ := newBound(t, Config{Workers: 2}, nil)
	a, _ := h.Resolver().Resolve(region.Chunk("w", 0, 0))
	b, _ := h.Resolver().Resolve(region.Chunk("w", 5, 5))
	if a.Owner == b.Owner {
		t.Fatalf("both regions on %s", a.Owner)
	}
	g, _ := h.Resolver().Resolve(region.Global())
	if g.Owner != host.ThreadMain {
		t.Fatalf("global owner = %s", g.Owner)
	}
}

func TestMigrationMovesExecution(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	h, s := newBound(t, Config{Workers: 2}, bus)

	var log threadLog
	target := region.Chunk("w", 0, 0)
	if _, err := s.Submit(log.action, scheduler.Every(clock.Ticks(1)), target); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	step(t, h, 1)
	first := log.last()
	if first == region.NoThread || first == host.ThreadMain {
		t.Fatalf("first run on %s", first)
	}

	pid := h.Grid().PartitionOf(region.Location{World: "w"})
	other := h.Workers()[0]
	if other == first {
		other = h.Workers()[1]
	}
	if err := h.Migrate(pid, other); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	step(t, h, 1)
	if log.last() != other || log.count() != 2 {
		t.Fatalf("after migration ran on %s (%d runs), want %s", log.last(), log.count(), other)
	}

	// Task events share the bus; skip to the migration.
	for {
		select {
		case e := <-events:
			if e.Type != eventbus.PartitionMigrated {
				continue
			}
			ev, ok := e.Data.(MigrationEvent)
			if !ok || ev.Partition != pid || ev.From != first || ev.To != other || ev.Generation != 1 {
				t.Fatalf("event = %+v", e.Data)
			}
			return
		default:
			t.Fatal("no migration event")
		}
	}
}

func TestEntityTaskFollowsEntityAcrossRegions(t *testing.T) {
	t.Parallel()
	h, s := newBound(t, Config{Workers: 2}, nil)
	h.Entities().Spawn(1, region.Location{World: "w", X: 0, Z: 0})

	var log threadLog
	if _, err := s.Submit(log.action, scheduler.Once(clock.Ticks(3)), region.Entity(1)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	origin, _ := h.Resolver().Resolve(region.Entity(1))

	// Walk far enough to land in a region owned by the other worker.
	if err := h.Entities().Move(1, region.Location{World: "w", X: 16 * 40, Z: 0}); err != nil {
		t.Fatalf("Move: %v", err)
	}
	dest, _ := h.Resolver().Resolve(region.Entity(1))
	if dest.Owner == origin.Owner {
		other := h.Workers()[0]
		if other == origin.Owner {
			other = h.Workers()[1]
		}
		if err := h.Migrate(dest.ID, other); err != nil {
			t.Fatalf("Migrate: %v", err)
		}
		dest, _ = h.Table().Lookup(dest.ID)
	}

	step(t, h, 4)
	if log.count() != 1 || log.last() != dest.Owner || log.last() == origin.Owner {
		t.Fatalf("ran on %v, origin %s, dest %s", log.ran, origin.Owner, dest.Owner)
	}
}

func TestRebalanceEvensLoad(t *testing.T) {
	t.Parallel()
	h, _ := newBound(t, Config{Workers: 2}, nil)
	for i := int32(0); i < 6; i++ {
		p, _ := h.Resolver().Resolve(region.Chunk("w", i*10, 0))
		if err := h.Migrate(p.ID, h.Workers()[0]); err != nil {
			t.Fatalf("Migrate: %v", err)
		}
	}
	if moves := h.Rebalance(); moves != 3 {
		t.Fatalf("moves = %d, want 3", moves)
	}
	load := h.Table().Load()
	if load[h.Workers()[0]] != 3 || load[h.Workers()[1]] != 3 {
		t.Fatalf("load = %v", load)
	}
	if h.Rebalance() != 0 {
		t.Fatal("balanced table should not move")
	}
}

func TestMigrateValidation(t *testing.T) {
	t.Parallel()
	h, _ := newBound(t, Config{Workers: 2}, nil)
	if err := h.Migrate(region.GlobalPartition, h.Workers()[0]); !errors.Is(err, ErrUnknownRegion) {
		t.Fatalf("global: %v", err)
	}
	if err := h.Migrate("w/9,9", h.Workers()[0]); !errors.Is(err, ErrUnknownRegion) {
		t.Fatalf("unknown region: %v", err)
	}
	p, _ := h.Resolver().Resolve(region.Chunk("w", 0, 0))
	if err := h.Migrate(p.ID, 99); !errors.Is(err, ErrUnknownThread) {
		t.Fatalf("unknown thread: %v", err)
	}
}

func TestStartRunsWorkers(t *testing.T) {
	t.Parallel()
	h, s := newBound(t, Config{Workers: 3, Tick: time.Millisecond, RebalanceEvery: 5 * time.Millisecond}, nil)

	var mu sync.Mutex
	seen := map[region.ThreadRef]bool{}
	record := func(ctx context.Context) error {
		info, _ := scheduler.ExecInfoFrom(ctx)
		mu.Lock()
		seen[info.Thread] = true
		mu.Unlock()
		return nil
	}
	var handles []*scheduler.Handle
	for _, tg := range []region.Target{region.Global(), region.Chunk("w", 0, 0), region.Chunk("w", 100, 100), region.Chunk("w", -100, 40)} {
		hd, err := s.Submit(record, scheduler.Once(clock.Ticks(2)), tg)
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		handles = append(handles, hd)
	}

	h.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, hd := range handles {
		if err := hd.Wait(ctx); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := h.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if !seen[host.ThreadMain] || len(seen) != 4 {
		t.Fatalf("threads seen = %v", seen)
	}
}

// otherWorker returns a worker that is not cur.
func otherWorker(h *Host, cur region.ThreadRef) region.ThreadRef {
	for _, w := range h.Workers() {
		if w != cur {
			return w
		}
	}
	return cur
}

func TestMigrationDuringPassIsDeferred(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		// fromAction makes the running action migrate its own partition.
		fromAction bool
	}{
		{name: "migrate from another goroutine"},
		{name: "action migrates its own partition", fromAction: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h, s := newBound(t, Config{Workers: 2}, nil)
			target := region.Chunk("w", 0, 0)
			p, err := h.Resolver().Resolve(target)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			origin := p.Owner
			dest := otherWorker(h, origin)

			var (
				log      threadLog
				inFlight atomic.Int32
				peak     atomic.Int32
				blocked  atomic.Bool
			)
			started := make(chan struct{})
			release := make(chan struct{})
			action := func(ctx context.Context) error {
				n := inFlight.Add(1)
				defer inFlight.Add(-1)
				for old := peak.Load(); n > old && !peak.CompareAndSwap(old, n); old = peak.Load() {
				}
				_ = log.action(ctx)
				if blocked.CompareAndSwap(false, true) {
					if tt.fromAction {
						if err := h.Migrate(p.ID, dest); err != nil {
							t.Errorf("Migrate from action: %v", err)
						}
						return nil
					}
					close(started)
					<-release
				}
				return nil
			}
			if _, err := s.Submit(action, scheduler.Every(clock.Ticks(1)), target); err != nil {
				t.Fatalf("Submit: %v", err)
			}

			h.clk.Advance()
			done := make(chan error, 1)
			go func() {
				_, err := h.DriveTick(context.Background(), p.ID)
				done <- err
			}()

			if !tt.fromAction {
				<-started
				if err := h.Migrate(p.ID, dest); err != nil {
					t.Fatalf("Migrate: %v", err)
				}
				if cur, _ := h.OwnerOf(p.ID); cur.Owner != origin {
					t.Fatalf("owner changed mid-pass to %s", cur.Owner)
				}
				if _, err := h.tickAs(context.Background(), p.ID, dest); !errors.Is(err, ErrPartitionBusy) {
					t.Fatalf("tick from new owner mid-pass: %v", err)
				}
				if _, err := h.DriveTick(context.Background(), p.ID); !errors.Is(err, ErrPartitionBusy) {
					t.Fatalf("DriveTick mid-pass: %v", err)
				}
				close(release)
			}
			if err := <-done; err != nil {
				t.Fatalf("DriveTick: %v", err)
			}
			if cur, _ := h.OwnerOf(p.ID); cur.Owner != dest || cur.Generation != 1 {
				t.Fatalf("after pass owner = %s gen %d, want %s gen 1", cur.Owner, cur.Generation, dest)
			}

			h.clk.Advance()
			if _, err := h.DriveTick(context.Background(), p.ID); err != nil {
				t.Fatalf("DriveTick after migration: %v", err)
			}
			if log.count() != 2 || log.last() != dest {
				t.Fatalf("runs = %v, want second run on %s", log.ran, dest)
			}
			if got := peak.Load(); got != 1 {
				t.Fatalf("peak concurrent actions = %d, want 1", got)
			}
		})
	}
}

func TestRebalanceSkipsBusyPartition(t *testing.T) {
	t.Parallel()
	h, _ := newBound(t, Config{Workers: 2}, nil)
	var pids []region.PartitionID
	for i := int32(0); i < 4; i++ {
		p, _ := h.Resolver().Resolve(region.Chunk("w", i*10, 0))
		if err := h.Migrate(p.ID, h.Workers()[0]); err != nil {
			t.Fatalf("Migrate: %v", err)
		}
		pids = append(pids, p.ID)
	}
	// Hold every region but the first as if it were mid-tick.
	for _, pid := range pids[1:] {
		pl := h.lockFor(pid)
		pl.mu.Lock()
		defer pl.mu.Unlock()
	}
	if moves := h.Rebalance(); moves != 1 {
		t.Fatalf("moves = %d, want 1", moves)
	}
	if cur, _ := h.OwnerOf(pids[0]); cur.Owner != h.Workers()[1] {
		t.Fatalf("free region owner = %s", cur.Owner)
	}
	for _, pid := range pids[1:] {
		if cur, _ := h.OwnerOf(pid); cur.Owner != h.Workers()[0] {
			t.Fatalf("busy region %s moved to %s", pid, cur.Owner)
		}
	}
}

func TestStartRebalanceKeepsPartitionsSerial(t *testing.T) {
	t.Parallel()
	h, s := newBound(t, Config{Workers: 3, Tick: time.Millisecond, RebalanceEvery: time.Millisecond}, nil)

	type tracked struct {
		pid      region.PartitionID
		inFlight atomic.Int32
		runs     atomic.Int32
	}
	var overlaps atomic.Int32
	var regions []*tracked
	for i := int32(0); i < 6; i++ {
		target := region.Chunk("w", i*10, 0)
		p, _ := h.Resolver().Resolve(target)
		if err := h.Migrate(p.ID, h.Workers()[0]); err != nil {
			t.Fatalf("Migrate: %v", err)
		}
		tr := &tracked{pid: p.ID}
		regions = append(regions, tr)
		action := func(ctx context.Context) error {
			if tr.inFlight.Add(1) > 1 {
				overlaps.Add(1)
			}
			defer tr.inFlight.Add(-1)
			tr.runs.Add(1)
			time.Sleep(200 * time.Microsecond)
			return nil
		}
		if _, err := s.Submit(action, scheduler.Every(clock.Ticks(1)), target); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	h.Start(context.Background())
	quit := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-quit:
				return
			default:
			}
			tr := regions[i%len(regions)]
			if err := h.Migrate(tr.pid, h.Workers()[i%len(h.Workers())]); err != nil {
				t.Errorf("Migrate: %v", err)
				return
			}
			time.Sleep(100 * time.Microsecond)
		}
	}()
	time.Sleep(150 * time.Millisecond)
	close(quit)
	wg.Wait()

	stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := s.Shutdown(stopCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := h.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if n := overlaps.Load(); n != 0 {
		t.Fatalf("%d overlapping runs within one partition", n)
	}
	for _, tr := range regions {
		if tr.runs.Load() == 0 {
			t.Fatalf("region %s never ran", tr.pid)
		}
	}
}
