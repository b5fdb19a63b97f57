package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/EternalCodeTeam/EternalCodeCommons/internal/clock"
	"github.com/EternalCodeTeam/EternalCodeCommons/internal/eventbus"
	"github.com/EternalCodeTeam/EternalCodeCommons/internal/region"
	logx "github.com/EternalCodeTeam/EternalCodeCommons/pkg/logx"
)

// Runtime is the host strategy the scheduler consults: the current tick and
// the authoritative owner of each partition.
type Runtime interface {
	CurrentTick() clock.Tick
	OwnerOf(pid region.PartitionID) (region.Partition, bool)
}

// Config controls a Scheduler.
type Config struct {
	// TickDuration converts wall-clock spans into ticks (default 50ms).
	TickDuration time.Duration
	// HistorySize bounds the ring of recent outcomes kept for Snapshot.
	HistorySize int
	// WarnEvery throttles warnings emitted from Tick (per reason).
	WarnEvery time.Duration
}

// TickReport summarizes one Tick pass.
type TickReport struct {
	Partition  region.PartitionID
	Tick       clock.Tick
	Executed   int
	Faults     int
	Moved      int
	Unresolved int
	Skipped    int64 // missed fixed-rate firings dropped
	Deferred   int   // re-enqueued because the partition migrated mid-pass
	Migrated   bool
}

// TaskEvent is the payload of task.* events.
type TaskEvent struct {
	ID        TaskID
	Partition region.PartitionID
	Target    string
	Tick      clock.Tick
	State     State
	Reason    CancelReason
	Err       string
}

type Scheduler struct {
	cfg      Config
	conv     clock.Converter
	rt       Runtime
	resolver region.Resolver
	log      logx.Logger
	warn     *logx.Throttle
	bus      eventbus.Bus

	ids atomic.Uint64
	seq atomic.Uint64

	mu     sync.Mutex
	tasks  map[TaskID]*task
	closed bool

	qmu    sync.RWMutex
	queues map[region.PartitionID]*pendingQueue

	stats   counters
	history *history
}

type counters struct {
	submitted  atomic.Uint64
	executions atomic.Uint64
	completed  atomic.Uint64
	cancelled  atomic.Uint64
	faults     atomic.Uint64
	moved      atomic.Uint64
	unresolved atomic.Uint64
	skipped    atomic.Uint64
}

// New creates a Scheduler bound to a runtime and resolver. bus may be nil.
func New(cfg Config, rt Runtime, resolver region.Resolver, log logx.Logger, bus eventbus.Bus) *Scheduler {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 128
	}
	if cfg.WarnEvery <= 0 {
		cfg.WarnEvery = 5 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	log = log.With(logx.String("comp", "scheduler"))
	return &Scheduler{
		cfg:      cfg,
		conv:     clock.NewConverter(cfg.TickDuration),
		rt:       rt,
		resolver: resolver,
		log:      log,
		warn:     logx.NewThrottle(log, cfg.WarnEvery, 3),
		bus:      bus,
		tasks:    map[TaskID]*task{},
		queues:   map[region.PartitionID]*pendingQueue{},
		history:  newHistory(cfg.HistorySize),
	}
}

// Converter returns the span converter used by Submit.
func (s *Scheduler) Converter() clock.Converter { return s.conv }

func (s *Scheduler) queue(pid region.PartitionID, create bool) *pendingQueue {
	s.qmu.RLock()
	q := s.queues[pid]
	s.qmu.RUnlock()
	if q != nil || !create {
		return q
	}
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if q = s.queues[pid]; q == nil {
		q = &pendingQueue{}
		s.queues[pid] = q
	}
	return q
}

// Submit schedules action for target. The target is resolved immediately; a
// target that does not resolve is rejected with an error wrapping
// region.ErrUnresolvedTarget.
func (s *Scheduler) Submit(action Action, timing Timing, target region.Target) (*Handle, error) {
	if action == nil {
		return nil, ErrNilAction
	}
	delay, interval, err := timing.ticks(s.conv)
	if err != nil {
		return nil, err
	}
	p, err := s.resolver.Resolve(target)
	if err != nil {
		return nil, fmt.Errorf("scheduler: submit %s: %w", target, err)
	}

	t := &task{
		id:       TaskID(s.ids.Add(1)),
		action:   action,
		target:   target,
		interval: interval,
		status:   newStatus(),
		pid:      p.ID,
		index:    -1,
	}
	fireAt, err := s.rt.CurrentTick().Add(delay)
	if err == nil {
		_, err = fireAt.Add(interval)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTiming, timing, err)
	}

	t.mu.Lock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		t.mu.Unlock()
		return nil, ErrShutdown
	}
	s.tasks[t.id] = t
	s.mu.Unlock()
	s.queue(p.ID, true).push(t, fireAt, s.seq.Add(1))
	t.mu.Unlock()

	s.stats.submitted.Add(1)
	s.publish(eventbus.TaskSubmitted, t, p.ID, fireAt, nil)
	s.log.Trace("task submitted",
		logx.Uint64("task", uint64(t.id)),
		logx.Stringer("target", target),
		logx.String("partition", string(p.ID)),
		logx.Int64("fire_at", int64(fireAt)),
		logx.Stringer("timing", timing),
	)
	return &Handle{id: t.id, sched: s, st: t.status}, nil
}

// Cancel cancels task id. A queued task is removed and never runs; an
// executing one finishes its current run and is not re-enqueued. Unknown or
// finished ids are ignored.
func (s *Scheduler) Cancel(id TaskID) {
	s.cancel(id, ReasonRequested)
}

func (s *Scheduler) cancel(id TaskID, reason CancelReason) {
	s.mu.Lock()
	t := s.tasks[id]
	s.mu.Unlock()
	if t == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case StatePending:
		if q := s.queue(t.pid, false); q != nil {
			q.remove(t)
		}
		s.finishLocked(t, StateCancelled, reason, nil, s.rt.CurrentTick())
	case StateExecuting:
		if !t.cancelRequested {
			t.cancelRequested = true
			t.cancelReason = reason
			t.status.cancelReq.Store(true)
		}
	}
}

// Tick runs the due tasks of partition pid. caller must be the goroutine
// that currently owns pid; otherwise ErrNotOwner is returned and nothing
// runs. Each due task is re-resolved first: tasks whose target moved are
// handed to the new partition, tasks whose target vanished are cancelled,
// and if pid changes owner mid-pass the pass stops and the rest wait for
// the new owner.
func (s *Scheduler) Tick(ctx context.Context, pid region.PartitionID, caller region.ThreadRef, now clock.Tick) (TickReport, error) {
	rep := TickReport{Partition: pid, Tick: now}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return rep, ErrShutdown
	}

	owner, ok := s.rt.OwnerOf(pid)
	if !ok || owner.Owner != caller {
		return rep, fmt.Errorf("%w: %s is owned by %s, called from %s", ErrNotOwner, pid, owner.Owner, caller)
	}
	q := s.queue(pid, false)
	if q == nil {
		return rep, nil
	}

	// Tasks enqueued after this point wait for the next pass.
	boundary := s.seq.Load()
	var later []*task
	for ctx.Err() == nil {
		t := q.popDue(now)
		if t == nil {
			break
		}
		if t.seq > boundary {
			later = append(later, t)
			continue
		}
		if stop := s.dispatch(ctx, t, q, owner, now, &rep); stop {
			rep.Migrated = true
			break
		}
	}
	for _, t := range later {
		t.mu.Lock()
		if t.state == StatePending {
			q.push(t, t.fireAt, t.seq)
		}
		t.mu.Unlock()
	}
	return rep, ctx.Err()
}

// dispatch runs or re-routes one popped task. It reports true when the pass
// must stop because the partition changed hands.
func (s *Scheduler) dispatch(ctx context.Context, t *task, q *pendingQueue, owner region.Partition, now clock.Tick, rep *TickReport) bool {
	t.mu.Lock()
	if t.state != StatePending {
		// Cancelled after it was popped.
		t.mu.Unlock()
		return false
	}

	p, err := s.resolver.Resolve(t.target)
	if err != nil {
		rep.Unresolved++
		s.stats.unresolved.Add(1)
		s.finishLocked(t, StateCancelled, ReasonUnresolved, err, now)
		t.mu.Unlock()
		s.warn.Warn("unresolved", "task target no longer resolves; cancelled",
			logx.Uint64("task", uint64(t.id)), logx.Stringer("target", t.target), logx.Err(err))
		return false
	}

	if p.ID != owner.ID {
		from := t.pid
		t.pid = p.ID
		s.publish(eventbus.TaskMoved, t, p.ID, now, nil)
		s.queue(p.ID, true).push(t, t.fireAt, s.seq.Add(1))
		t.mu.Unlock()
		rep.Moved++
		s.stats.moved.Add(1)
		s.log.Debug("task moved",
			logx.Uint64("task", uint64(t.id)), logx.String("from", string(from)), logx.String("to", string(p.ID)))
		return false
	}

	cur, ok := s.rt.OwnerOf(owner.ID)
	if !ok || cur.Owner != owner.Owner || cur.Generation != owner.Generation {
		q.push(t, t.fireAt, s.seq.Add(1))
		t.mu.Unlock()
		rep.Deferred++
		s.warn.Info("migrated", "partition changed owner during tick; deferring to new owner",
			logx.String("partition", string(owner.ID)),
			logx.Stringer("from", owner.Owner), logx.Stringer("to", cur.Owner))
		return true
	}

	t.state = StateExecuting
	t.status.setState(StateExecuting)
	t.runs++
	run := t.runs
	s.publish(eventbus.TaskStarted, t, owner.ID, now, nil)
	t.mu.Unlock()

	fault := s.execute(ctx, t, ExecInfo{TaskID: t.id, Partition: owner.ID, Thread: owner.Owner, Tick: now, Run: run})
	rep.Executed++
	s.stats.executions.Add(1)
	t.status.runs.Add(1)
	if fault != nil {
		rep.Faults++
		s.stats.faults.Add(1)
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskFailed, Data: TaskEvent{
			ID: t.id, Partition: owner.ID, Target: t.target.String(), Tick: now, State: StateExecuting, Err: errString(fault),
		}})
		s.warn.Warn("fault", "task action failed", logx.Uint64("task", uint64(t.id)), logx.Err(fault), logx.Stack(fault.Stack))
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.cancelRequested:
		s.finishLocked(t, StateCancelled, t.cancelReason, nil, now)
	case !t.repeating():
		var err error
		if fault != nil {
			err = fault
		}
		s.finishLocked(t, StateCompleted, ReasonNone, err, now)
	default:
		if _, err := now.Add(t.interval); err != nil {
			s.finishLocked(t, StateCompleted, ReasonNone, err, now)
			s.log.Warn("fixed-rate task reached the end of the tick range", logx.Uint64("task", uint64(t.id)), logx.Err(err))
			return false
		}
		// fireAt <= now, so neither sum below can overflow.
		next := t.fireAt + t.interval
		if next <= now {
			missed := int64((now-next)/t.interval) + 1
			next += clock.Tick(missed) * t.interval
			rep.Skipped += missed
			s.stats.skipped.Add(uint64(missed))
		}
		t.state = StatePending
		t.status.setState(StatePending)
		s.queue(t.pid, true).push(t, next, s.seq.Add(1))
	}
	return false
}

// execute runs the action, converting a returned error or panic into an
// ActionFault.
func (s *Scheduler) execute(ctx context.Context, t *task, info ExecInfo) (fault *ActionFault) {
	defer func() {
		if r := recover(); r != nil {
			fault = &ActionFault{TaskID: t.id, Panic: r, Err: fmt.Errorf("panic: %v", r), Stack: string(debug.Stack())}
		}
	}()
	if err := t.action(withExecInfo(ctx, info)); err != nil {
		return &ActionFault{TaskID: t.id, Err: err}
	}
	return nil
}

// finishLocked records a terminal state. t.mu must be held.
func (s *Scheduler) finishLocked(t *task, st State, reason CancelReason, err error, now clock.Tick) {
	t.state = st
	t.status.finish(st, reason, err)

	s.mu.Lock()
	delete(s.tasks, t.id)
	s.mu.Unlock()

	typ := eventbus.TaskFinished
	if st == StateCancelled {
		typ = eventbus.TaskCancelled
		s.stats.cancelled.Add(1)
	} else {
		s.stats.completed.Add(1)
	}
	s.history.add(Outcome{ID: t.id, Target: t.target.String(), Partition: t.pid, State: st, Reason: reason, Runs: t.runs, Tick: now, Err: errString(err)})
	s.bus.Publish(eventbus.Event{Type: typ, Data: TaskEvent{
		ID: t.id, Partition: t.pid, Target: t.target.String(), Tick: now, State: st, Reason: reason, Err: errString(err),
	}})
}

// publish emits a non-terminal lifecycle event for t. pid is passed in
// because t.pid may only be read under t.mu.
func (s *Scheduler) publish(typ string, t *task, pid region.PartitionID, tick clock.Tick, err error) {
	s.bus.Publish(eventbus.Event{Type: typ, Data: TaskEvent{
		ID: t.id, Partition: pid, Target: t.target.String(), Tick: tick, State: State(t.status.state.Load()), Err: errString(err),
	}})
}

// IsOwnedBy reports whether thread currently owns the partition target
// resolves to.
func (s *Scheduler) IsOwnedBy(target region.Target, thread region.ThreadRef) bool {
	p, err := s.resolver.Resolve(target)
	if err != nil {
		return false
	}
	cur, ok := s.rt.OwnerOf(p.ID)
	return ok && cur.Owner == thread
}

// Shutdown stops accepting work and cancels every live task. Pending tasks
// are cancelled immediately; Shutdown then waits for executing ones to
// finish, or for ctx to end.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	ids := make([]TaskID, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	waits := make([]<-chan struct{}, 0, len(ids))
	for _, id := range ids {
		s.mu.Lock()
		t := s.tasks[id]
		s.mu.Unlock()
		if t == nil {
			continue
		}
		s.cancel(id, ReasonShutdown)
		waits = append(waits, t.status.done)
	}
	s.log.Info("scheduler shutting down", logx.Int("tasks", len(ids)))

	for _, done := range waits {
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("scheduler: shutdown: %w", ctx.Err())
		}
	}
	return nil
}

// Closed reports whether Shutdown was called.
func (s *Scheduler) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// NextFire returns the earliest pending fire tick of pid.
func (s *Scheduler) NextFire(pid region.PartitionID) (clock.Tick, bool) {
	q := s.queue(pid, false)
	if q == nil {
		return 0, false
	}
	return q.next()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	var f *ActionFault
	if errors.As(err, &f) && f.Panic != nil {
		return fmt.Sprintf("panic: %v", f.Panic)
	}
	return err.Error()
}
