package scheduler

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/EternalCodeTeam/EternalCodeCommons/internal/clock"
	"github.com/EternalCodeTeam/EternalCodeCommons/internal/eventbus"
	"github.com/EternalCodeTeam/EternalCodeCommons/internal/region"
	logx "github.com/EternalCodeTeam/EternalCodeCommons/pkg/logx"
)

const mainThread region.ThreadRef = 1

type fakeRuntime struct {
	clk *clock.Manual
	tab *region.Table
}

func (f fakeRuntime) CurrentTick() clock.Tick { return f.clk.CurrentTick() }
func (f fakeRuntime) OwnerOf(pid region.PartitionID) (region.Partition, bool) {
	return f.tab.Lookup(pid)
}

type harness struct {
	clk   *clock.Manual
	tab   *region.Table
	ents  *region.Entities
	sched *Scheduler
	bus   eventbus.Bus
}

// newClassic builds a scheduler where everything resolves to the global
// partition owned by mainThread.
func newClassic(t *testing.T) *harness {
	t.Helper()
	h := &harness{clk: clock.NewManual(0), tab: region.NewTable(), ents: region.NewEntities(), bus: eventbus.New()}
	h.tab.Assign(region.GlobalPartition, mainThread)
	h.sched = New(Config{}, fakeRuntime{h.clk, h.tab}, region.Single{Table: h.tab, Entities: h.ents}, logx.Nop(), h.bus)
	return h
}

// newRegionized uses a grid with one chunk per region; pick decides owners
// of partitions the first time they are seen.
func newRegionized(t *testing.T, pick func() region.ThreadRef) *harness {
	t.Helper()
	h := &harness{clk: clock.NewManual(0), tab: region.NewTable(), ents: region.NewEntities(), bus: eventbus.New()}
	h.tab.Assign(region.GlobalPartition, mainThread)
	grid := &region.Grid{Table: h.tab, Entities: h.ents, Shift: 0, Pick: pick}
	h.sched = New(Config{}, fakeRuntime{h.clk, h.tab}, grid, logx.Nop(), h.bus)
	return h
}

// advanceTo steps the clock one tick at a time up to tick, ticking every
// partition from its owner.
func (h *harness) advanceTo(t *testing.T, tick clock.Tick) {
	t.Helper()
	for now := h.clk.CurrentTick() + 1; now <= tick; now++ {
		h.clk.Set(now)
		h.tickAll(t)
	}
}

func (h *harness) tickAll(t *testing.T) {
	t.Helper()
	for _, p := range h.tab.Partitions() {
		if _, err := h.sched.Tick(context.Background(), p.ID, p.Owner, h.clk.CurrentTick()); err != nil {
			t.Fatalf("Tick(%s): %v", p.ID, err)
		}
	}
}

func TestSubmitReturnsUndoneHandle(t *testing.T) {
	t.Parallel()
	h := newClassic(t)
	h.ents.Spawn(9, region.Location{World: "w"})

	timings := []Timing{Now(), Once(clock.Ticks(3)), Every(clock.Ticks(1)), FixedRate(clock.Ticks(0), clock.Duration(time.Second))}
	targets := []region.Target{region.Global(), region.At(region.Location{World: "w", X: 10}), region.Chunk("w", 2, 2), region.Entity(9)}
	for _, tm := range timings {
		for _, tg := range targets {
			var ran atomic.Bool
			hd, err := h.sched.Submit(func(ctx context.Context) error { ran.Store(true); return nil }, tm, tg)
			if err != nil {
				t.Fatalf("Submit(%s, %s): %v", tm, tg, err)
			}
			if hd.IsDone() || hd.IsCancelled() || ran.Load() || hd.State() != StatePending {
				t.Fatalf("fresh handle for %s/%s: done=%v state=%v ran=%v", tm, tg, hd.IsDone(), hd.State(), ran.Load())
			}
		}
	}
}

func TestOneShotFiresAtDelay(t *testing.T) {
	t.Parallel()
	h := newClassic(t)
	var runs atomic.Int32
	hd, err := h.sched.Submit(func(ctx context.Context) error { runs.Add(1); return nil }, Once(clock.Ticks(5)), region.Global())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	h.advanceTo(t, 4)
	if runs.Load() != 0 || hd.IsDone() {
		t.Fatalf("tick 4: runs=%d done=%v", runs.Load(), hd.IsDone())
	}
	h.advanceTo(t, 5)
	if runs.Load() != 1 || !hd.IsDone() || hd.State() != StateCompleted {
		t.Fatalf("tick 5: runs=%d state=%v", runs.Load(), hd.State())
	}
	h.advanceTo(t, 20)
	if runs.Load() != 1 {
		t.Fatalf("one-shot ran %d times", runs.Load())
	}
	select {
	case <-hd.Done():
	default:
		t.Fatal("Done channel should be closed")
	}
	if hd.Err() != nil || hd.Runs() != 1 {
		t.Fatalf("Err=%v Runs=%d", hd.Err(), hd.Runs())
	}
}

func TestFixedRateRunsAtIntervals(t *testing.T) {
	t.Parallel()
	h := newClassic(t)
	var mu sync.Mutex
	var at []clock.Tick
	_, err := h.sched.Submit(func(ctx context.Context) error {
		info, _ := ExecInfoFrom(ctx)
		mu.Lock()
		at = append(at, info.Tick)
		mu.Unlock()
		return nil
	}, Every(clock.Ticks(10)), region.Global())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	h.advanceTo(t, 35)
	mu.Lock()
	defer mu.Unlock()
	if len(at) != 3 || at[0] != 10 || at[1] != 20 || at[2] != 30 {
		t.Fatalf("fired at %v, want [10 20 30]", at)
	}
}

func TestFixedRateSkipsMissedFirings(t *testing.T) {
	t.Parallel()
	h := newClassic(t)
	var runs atomic.Int32
	_, _ = h.sched.Submit(func(ctx context.Context) error { runs.Add(1); return nil }, Every(clock.Ticks(10)), region.Global())

	h.clk.Set(45)
	rep, err := h.sched.Tick(context.Background(), region.GlobalPartition, mainThread, 45)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if runs.Load() != 1 || rep.Skipped != 3 {
		t.Fatalf("runs=%d skipped=%d, want 1 and 3", runs.Load(), rep.Skipped)
	}
	if next, ok := h.sched.NextFire(region.GlobalPartition); !ok || next != 50 {
		t.Fatalf("next fire = %d,%v want 50", next, ok)
	}
}

func TestOrderWithinPartition(t *testing.T) {
	t.Parallel()
	h := newClassic(t)
	var mu sync.Mutex
	var order []string
	rec := func(name string) Action {
		return func(ctx context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}
	_, _ = h.sched.Submit(rec("a"), Once(clock.Ticks(3)), region.Global())
	_, _ = h.sched.Submit(rec("b"), Once(clock.Ticks(2)), region.Global())
	_, _ = h.sched.Submit(rec("c"), Once(clock.Ticks(2)), region.Global())

	h.clk.Set(5)
	if _, err := h.sched.Tick(context.Background(), region.GlobalPartition, mainThread, 5); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(order) != 3 || order[0] != "b" || order[1] != "c" || order[2] != "a" {
		t.Fatalf("order = %v, want [b c a]", order)
	}
}

func TestCancelQueuedNeverRuns(t *testing.T) {
	t.Parallel()
	h := newClassic(t)
	var ran atomic.Bool
	hd, _ := h.sched.Submit(func(ctx context.Context) error { ran.Store(true); return nil }, Once(clock.Ticks(2)), region.Global())

	hd.Cancel()
	hd.Cancel()
	if !hd.IsDone() || !hd.IsCancelled() || hd.Reason() != ReasonRequested {
		t.Fatalf("after cancel: state=%v reason=%q", hd.State(), hd.Reason())
	}
	h.advanceTo(t, 10)
	if ran.Load() {
		t.Fatal("cancelled task ran")
	}
	if n := h.sched.Snapshot().Queues[0].Pending; n != 0 {
		t.Fatalf("queue still holds %d tasks", n)
	}
}

func TestCancelAfterKthFiring(t *testing.T) {
	t.Parallel()
	for _, k := range []int32{1, 2, 5} {
		h := newClassic(t)
		var runs atomic.Int32
		hd, _ := h.sched.Submit(func(ctx context.Context) error { runs.Add(1); return nil }, Every(clock.Ticks(3)), region.Global())
		for runs.Load() < k {
			h.advanceTo(t, h.clk.CurrentTick()+1)
		}
		hd.Cancel()
		h.advanceTo(t, h.clk.CurrentTick()+50)
		if runs.Load() > k {
			t.Fatalf("k=%d: ran %d times", k, runs.Load())
		}
		if hd.State() != StateCancelled {
			t.Fatalf("k=%d: state=%v", k, hd.State())
		}
	}
}

func TestSelfCancelFromAction(t *testing.T) {
	t.Parallel()
	h := newClassic(t)
	var runs atomic.Int32
	var hd *Handle
	ready := make(chan struct{})
	hd, _ = h.sched.Submit(func(ctx context.Context) error {
		<-ready
		if runs.Add(1) == 2 {
			hd.Cancel()
			if !hd.IsCancelled() || hd.IsDone() {
				t.Errorf("inside action: cancelled=%v done=%v", hd.IsCancelled(), hd.IsDone())
			}
		}
		return nil
	}, Every(clock.Ticks(1)), region.Global())
	close(ready)

	h.advanceTo(t, 10)
	if runs.Load() != 2 {
		t.Fatalf("runs = %d, want 2", runs.Load())
	}
	if hd.State() != StateCancelled || hd.Reason() != ReasonRequested {
		t.Fatalf("state=%v reason=%q", hd.State(), hd.Reason())
	}
}

func TestCancelWhileExecutingFromOtherGoroutine(t *testing.T) {
	t.Parallel()
	h := newClassic(t)
	started := make(chan struct{})
	release := make(chan struct{})
	var runs atomic.Int32
	hd, _ := h.sched.Submit(func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			close(started)
			<-release
		}
		return nil
	}, Every(clock.Ticks(1)), region.Global())

	h.clk.Set(1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.sched.Tick(context.Background(), region.GlobalPartition, mainThread, 1)
	}()
	<-started
	hd.Cancel()
	if hd.IsDone() {
		t.Fatal("terminal state recorded before the run returned")
	}
	close(release)
	<-done

	if !hd.IsDone() || hd.State() != StateCancelled {
		t.Fatalf("state = %v", hd.State())
	}
	h.advanceTo(t, 10)
	if runs.Load() != 1 {
		t.Fatalf("runs = %d", runs.Load())
	}
}

func TestTaskIDsAreDistinct(t *testing.T) {
	t.Parallel()
	h := newClassic(t)
	const n = 64
	var wg sync.WaitGroup
	ids := make(chan TaskID, n*4)
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < n; i++ {
				hd, err := h.sched.Submit(func(context.Context) error { return nil }, Now(), region.Global())
				if err != nil {
					t.Errorf("Submit: %v", err)
					return
				}
				ids <- hd.ID()
			}
		}()
	}
	wg.Wait()
	close(ids)
	seen := map[TaskID]bool{}
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %d", id)
		}
		seen[id] = true
	}
	if len(seen) != n*4 {
		t.Fatalf("got %d ids", len(seen))
	}
}

func TestInvalidTiming(t *testing.T) {
	t.Parallel()
	h := newClassic(t)
	tests := []struct {
		name string
		tm   Timing
	}{
		{"negative delay", Once(clock.Ticks(-1))},
		{"negative wall delay", Once(clock.Duration(-time.Millisecond))},
		{"zero interval", Every(clock.Ticks(0))},
		{"negative interval", FixedRate(clock.Ticks(1), clock.Ticks(-5))},
		{"sub-tick interval", FixedRate(clock.Ticks(0), clock.Duration(10*time.Millisecond))},
		{"delay past tick range", Once(clock.Ticks(math.MaxInt64))},
		{"interval past tick range", FixedRate(clock.Ticks(1), clock.Ticks(math.MaxInt64))},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.sched.Submit(func(context.Context) error { return nil }, tt.tm, region.Global())
			if !errors.Is(err, ErrInvalidTiming) {
				t.Fatalf("err = %v, want ErrInvalidTiming", err)
			}
		})
	}
	if _, err := h.sched.Submit(nil, Now(), region.Global()); !errors.Is(err, ErrNilAction) {
		t.Fatalf("nil action: %v", err)
	}
}

func TestTimingNearEndOfTickRange(t *testing.T) {
	t.Parallel()
	const end = clock.Tick(math.MaxInt64)
	tests := []struct {
		name      string
		tm        Timing
		submitErr bool
		runs      uint64
	}{
		{name: "delay runs past end", tm: Once(clock.Ticks(5)), submitErr: true},
		{name: "first repeat past end", tm: FixedRate(clock.Ticks(0), clock.Ticks(10)), submitErr: true},
		{name: "repeat stops at end", tm: FixedRate(clock.Ticks(0), clock.Ticks(2)), runs: 2},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newClassic(t)
			h.clk.Set(end - 3)
			hd, err := h.sched.Submit(func(context.Context) error { return nil }, tt.tm, region.Global())
			if tt.submitErr {
				if !errors.Is(err, ErrInvalidTiming) {
					t.Fatalf("Submit err = %v, want ErrInvalidTiming", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Submit: %v", err)
			}
			h.advanceTo(t, end-1)
			if hd.Runs() != tt.runs || hd.State() != StateCompleted {
				t.Fatalf("runs = %d state = %s, want %d completed", hd.Runs(), hd.State(), tt.runs)
			}
			if !errors.Is(hd.Err(), clock.ErrOverflow) {
				t.Fatalf("Err = %v, want overflow", hd.Err())
			}
		})
	}
}

func TestWallClockDelayConvertsToTicks(t *testing.T) {
	t.Parallel()
	h := newClassic(t)
	var runs atomic.Int32
	// 149ms floors to 2 ticks of 50ms.
	_, _ = h.sched.Submit(func(ctx context.Context) error { runs.Add(1); return nil }, Once(clock.Duration(149*time.Millisecond)), region.Global())
	h.advanceTo(t, 1)
	if runs.Load() != 0 {
		t.Fatal("ran early")
	}
	h.advanceTo(t, 2)
	if runs.Load() != 1 {
		t.Fatalf("runs = %d", runs.Load())
	}
}

func TestUnresolvedAtSubmitIsRejected(t *testing.T) {
	t.Parallel()
	h := newClassic(t)
	_, err := h.sched.Submit(func(context.Context) error { return nil }, Now(), region.Entity(404))
	if !errors.Is(err, region.ErrUnresolvedTarget) {
		t.Fatalf("err = %v, want ErrUnresolvedTarget", err)
	}
	if h.sched.Snapshot().Submitted != 0 {
		t.Fatal("rejected submit must not be counted")
	}
}

func TestRemovedEntityCancelsTask(t *testing.T) {
	t.Parallel()
	h := newRegionized(t, func() region.ThreadRef { return 2 })
	h.ents.Spawn(7, region.Location{World: "w", X: 1, Z: 1})
	var ran atomic.Bool
	hd, err := h.sched.Submit(func(context.Context) error { ran.Store(true); return nil }, Once(clock.Ticks(5)), region.Entity(7))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h.ents.Remove(7)

	h.advanceTo(t, 5)
	if ran.Load() {
		t.Fatal("action ran for a removed entity")
	}
	if hd.State() != StateCancelled || hd.Reason() != ReasonUnresolved {
		t.Fatalf("state=%v reason=%q", hd.State(), hd.Reason())
	}
	if !errors.Is(hd.Err(), region.ErrUnresolvedTarget) {
		t.Fatalf("Err = %v", hd.Err())
	}
}

func TestEntityTaskFollowsMigration(t *testing.T) {
	t.Parallel()
	var next atomic.Uint32
	next.Store(10)
	h := newRegionized(t, func() region.ThreadRef { return region.ThreadRef(next.Add(1)) })

	h.ents.Spawn(1, region.Location{World: "w", X: 0, Z: 0})
	var (
		mu     sync.Mutex
		ranOn  []region.ThreadRef
		owners []region.ThreadRef
	)
	hd, err := h.sched.Submit(func(ctx context.Context) error {
		info, ok := ExecInfoFrom(ctx)
		if !ok {
			t.Error("missing exec info")
		}
		cur, _ := h.tab.Lookup(info.Partition)
		mu.Lock()
		ranOn = append(ranOn, info.Thread)
		owners = append(owners, cur.Owner)
		mu.Unlock()
		return nil
	}, Once(clock.Ticks(5)), region.Entity(1))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	origin, _ := h.tab.Lookup(region.RegionPartition("w", 0, 0))

	// The entity walks into another region before the task fires.
	if err := h.ents.Move(1, region.Location{World: "w", X: 100, Z: 0}); err != nil {
		t.Fatalf("Move: %v", err)
	}
	h.advanceTo(t, 5)
	// A moved task lands on a queue that may already have ticked this round.
	h.tickAll(t)

	if !hd.IsDone() || len(ranOn) != 1 {
		t.Fatalf("done=%v runs=%v", hd.IsDone(), ranOn)
	}
	dest, _ := h.tab.Lookup(region.RegionPartition("w", 6, 0))
	if ranOn[0] == origin.Owner || ranOn[0] != dest.Owner || owners[0] != ranOn[0] {
		t.Fatalf("ran on %s, origin %s, destination %s", ranOn[0], origin.Owner, dest.Owner)
	}
	if h.sched.Snapshot().Moved != 1 {
		t.Fatalf("moved = %d", h.sched.Snapshot().Moved)
	}
}

func TestPartitionOwnerChangeRejectsStaleThread(t *testing.T) {
	t.Parallel()
	h := newClassic(t)
	var on atomic.Uint32
	hd, _ := h.sched.Submit(func(ctx context.Context) error {
		info, _ := ExecInfoFrom(ctx)
		on.Store(uint32(info.Thread))
		return nil
	}, Once(clock.Ticks(1)), region.Global())

	h.tab.Assign(region.GlobalPartition, 2)
	h.clk.Set(1)
	if _, err := h.sched.Tick(context.Background(), region.GlobalPartition, mainThread, 1); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("stale owner Tick: %v", err)
	}
	if hd.IsDone() {
		t.Fatal("task ran on a stale thread")
	}
	if _, err := h.sched.Tick(context.Background(), region.GlobalPartition, 2, 1); err != nil {
		t.Fatalf("new owner Tick: %v", err)
	}
	if !hd.IsDone() || on.Load() != 2 {
		t.Fatalf("done=%v thread=%d", hd.IsDone(), on.Load())
	}
}

func TestMigrationMidPassStopsPass(t *testing.T) {
	t.Parallel()
	h := newClassic(t)
	var second atomic.Uint32
	_, _ = h.sched.Submit(func(ctx context.Context) error {
		h.tab.Assign(region.GlobalPartition, 2)
		return nil
	}, Once(clock.Ticks(1)), region.Global())
	hd, _ := h.sched.Submit(func(ctx context.Context) error {
		info, _ := ExecInfoFrom(ctx)
		second.Store(uint32(info.Thread))
		return nil
	}, Once(clock.Ticks(1)), region.Global())

	h.clk.Set(1)
	rep, err := h.sched.Tick(context.Background(), region.GlobalPartition, mainThread, 1)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if !rep.Migrated || rep.Executed != 1 || rep.Deferred != 1 || hd.IsDone() {
		t.Fatalf("report = %+v, second done=%v", rep, hd.IsDone())
	}
	if _, err := h.sched.Tick(context.Background(), region.GlobalPartition, 2, 1); err != nil {
		t.Fatalf("Tick new owner: %v", err)
	}
	if second.Load() != 2 {
		t.Fatalf("second task ran on %d", second.Load())
	}
}

func TestActionFaultIsolation(t *testing.T) {
	t.Parallel()
	h := newClassic(t)
	boom := errors.New("boom")

	failing, _ := h.sched.Submit(func(context.Context) error { return boom }, Once(clock.Ticks(1)), region.Global())
	panicking, _ := h.sched.Submit(func(context.Context) error { panic("kaboom") }, Once(clock.Ticks(1)), region.Global())
	var repRuns atomic.Int32
	repeating, _ := h.sched.Submit(func(context.Context) error {
		repRuns.Add(1)
		return boom
	}, Every(clock.Ticks(1)), region.Global())
	var okRan atomic.Bool
	healthy, _ := h.sched.Submit(func(context.Context) error { okRan.Store(true); return nil }, Once(clock.Ticks(1)), region.Global())

	h.advanceTo(t, 3)

	var fault *ActionFault
	if failing.State() != StateCompleted || !errors.As(failing.Err(), &fault) || !errors.Is(failing.Err(), boom) {
		t.Fatalf("failing: state=%v err=%v", failing.State(), failing.Err())
	}
	if panicking.State() != StateCompleted || !errors.As(panicking.Err(), &fault) || fault.Panic == nil {
		t.Fatalf("panicking: state=%v err=%v", panicking.State(), panicking.Err())
	}
	if repRuns.Load() != 3 || repeating.IsDone() {
		t.Fatalf("repeating runs=%d done=%v", repRuns.Load(), repeating.IsDone())
	}
	if !okRan.Load() || healthy.Err() != nil {
		t.Fatal("healthy task was affected by faults")
	}
	if got := h.sched.Snapshot().Faults; got != 5 {
		t.Fatalf("faults = %d, want 5", got)
	}
}

func TestTaskSubmittedDuringPassWaits(t *testing.T) {
	t.Parallel()
	h := newClassic(t)
	var inner *Handle
	_, _ = h.sched.Submit(func(ctx context.Context) error {
		var err error
		inner, err = h.sched.Submit(func(context.Context) error { return nil }, Now(), region.Global())
		return err
	}, Once(clock.Ticks(1)), region.Global())

	h.advanceTo(t, 1)
	if inner == nil || inner.IsDone() {
		t.Fatal("task submitted during a pass must wait for the next one")
	}
	h.advanceTo(t, 2)
	if !inner.IsDone() {
		t.Fatal("inner task should run on the next pass")
	}
}

func TestIsOwnedByAndExecInfo(t *testing.T) {
	t.Parallel()
	h := newClassic(t)
	if !h.sched.IsOwnedBy(region.Global(), mainThread) || h.sched.IsOwnedBy(region.Global(), 5) {
		t.Fatal("IsOwnedBy mismatch")
	}
	if h.sched.IsOwnedBy(region.Entity(3), mainThread) {
		t.Fatal("unknown entity is owned by nobody")
	}
	var onMain atomic.Bool
	_, _ = h.sched.Submit(func(ctx context.Context) error {
		onMain.Store(OnThread(ctx, mainThread))
		return nil
	}, Now(), region.Global())
	h.advanceTo(t, 1)
	if !onMain.Load() {
		t.Fatal("action should observe the main thread")
	}
	if OnThread(context.Background(), mainThread) {
		t.Fatal("plain context is not on any thread")
	}
}

func TestShutdownCancelsEverything(t *testing.T) {
	t.Parallel()
	h := newClassic(t)
	started := make(chan struct{})
	release := make(chan struct{})
	running, _ := h.sched.Submit(func(context.Context) error {
		close(started)
		<-release
		return nil
	}, Every(clock.Ticks(1)), region.Global())
	pending, _ := h.sched.Submit(func(context.Context) error { return nil }, Once(clock.Ticks(100)), region.Global())

	h.clk.Set(1)
	go func() { _, _ = h.sched.Tick(context.Background(), region.GlobalPartition, mainThread, 1) }()
	<-started

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errCh <- h.sched.Shutdown(ctx)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pending.Wait(ctx); err != nil {
		t.Fatalf("pending Wait: %v", err)
	}
	if pending.Reason() != ReasonShutdown {
		t.Fatalf("pending reason = %q", pending.Reason())
	}
	close(release)
	if err := <-errCh; err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if running.State() != StateCancelled || running.Reason() != ReasonShutdown {
		t.Fatalf("running: state=%v reason=%q", running.State(), running.Reason())
	}

	if _, err := h.sched.Submit(func(context.Context) error { return nil }, Now(), region.Global()); !errors.Is(err, ErrShutdown) {
		t.Fatalf("Submit after shutdown: %v", err)
	}
	if _, err := h.sched.Tick(context.Background(), region.GlobalPartition, mainThread, 2); !errors.Is(err, ErrShutdown) {
		t.Fatalf("Tick after shutdown: %v", err)
	}
	if snap := h.sched.Snapshot(); snap.Live != 0 || !snap.Closed {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestShutdownTimesOutOnHungAction(t *testing.T) {
	t.Parallel()
	h := newClassic(t)
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	_, _ = h.sched.Submit(func(context.Context) error {
		close(started)
		<-release
		return nil
	}, Once(clock.Ticks(1)), region.Global())

	h.clk.Set(1)
	go func() { _, _ = h.sched.Tick(context.Background(), region.GlobalPartition, mainThread, 1) }()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := h.sched.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Shutdown = %v", err)
	}
}

func TestLifecycleEventsAndHistory(t *testing.T) {
	t.Parallel()
	h := newClassic(t)
	ch, unsub := h.bus.Subscribe(16)
	defer unsub()

	hd, _ := h.sched.Submit(func(context.Context) error { return nil }, Once(clock.Ticks(1)), region.Global())
	h.advanceTo(t, 1)

	want := []string{eventbus.TaskSubmitted, eventbus.TaskStarted, eventbus.TaskFinished}
	for _, typ := range want {
		select {
		case e := <-ch:
			ev, ok := e.Data.(TaskEvent)
			if e.Type != typ || !ok || ev.ID != hd.ID() {
				t.Fatalf("event = %s %+v, want %s", e.Type, e.Data, typ)
			}
		default:
			t.Fatalf("missing %s event", typ)
		}
	}

	snap := h.sched.Snapshot()
	if len(snap.History) != 1 || snap.History[0].ID != hd.ID() || snap.History[0].State != StateCompleted || snap.History[0].Runs != 1 {
		t.Fatalf("history = %+v", snap.History)
	}
	if snap.Submitted != 1 || snap.Completed != 1 || snap.Executions != 1 {
		t.Fatalf("counters = %+v", snap)
	}
}
