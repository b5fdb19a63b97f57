package loom

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/EternalCodeTeam/EternalCodeCommons/internal/clock"
	"github.com/EternalCodeTeam/EternalCodeCommons/internal/region"
	"github.com/EternalCodeTeam/EternalCodeCommons/internal/task/async"
	"github.com/EternalCodeTeam/EternalCodeCommons/internal/task/scheduler"
	logx "github.com/EternalCodeTeam/EternalCodeCommons/pkg/logx"
)

// Task is what both scheduler handles and futures offer for control.
type Task interface {
	Cancel()
	IsCancelled() bool
	IsDone() bool
}

var (
	_ Task = (*scheduler.Handle)(nil)
	_ Task = (*Future[struct{}])(nil)
)

// Loom is a view over a scheduler and an async executor bound to one
// target. Sync work runs on the thread that owns the target; async work runs
// on the executor pool.
type Loom struct {
	sched  *scheduler.Scheduler
	exec   *async.Executor
	log    logx.Logger
	target region.Target
}

// New returns a Loom bound to the global partition.
func New(sched *scheduler.Scheduler, exec *async.Executor, log logx.Logger) *Loom {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Loom{sched: sched, exec: exec, log: log.With(logx.String("comp", "loom")), target: region.Global()}
}

func (l *Loom) with(t region.Target) *Loom {
	cp := *l
	cp.target = t
	return &cp
}

func (l *Loom) ForGlobal() *Loom { return l.with(region.Global()) }

func (l *Loom) ForEntity(id region.EntityID) *Loom { return l.with(region.Entity(id)) }

func (l *Loom) ForLocation(loc region.Location) *Loom { return l.with(region.At(loc)) }

func (l *Loom) ForChunk(world string, cx, cz int32) *Loom {
	return l.with(region.Chunk(world, cx, cz))
}

func (l *Loom) Target() region.Target           { return l.target }
func (l *Loom) Scheduler() *scheduler.Scheduler { return l.sched }
func (l *Loom) Executor() *async.Executor       { return l.exec }

// IsOwner reports whether ctx belongs to a task running on the thread that
// owns this view's target.
func (l *Loom) IsOwner(ctx context.Context) bool {
	info, ok := scheduler.ExecInfoFrom(ctx)
	return ok && l.sched.IsOwnedBy(l.target, info.Thread)
}

func (l *Loom) RunSync(fn scheduler.Action) (*scheduler.Handle, error) {
	return l.sched.Submit(fn, scheduler.Now(), l.target)
}

func (l *Loom) RunSyncLater(fn scheduler.Action, delay clock.Span) (*scheduler.Handle, error) {
	return l.sched.Submit(fn, scheduler.Once(delay), l.target)
}

func (l *Loom) RunSyncTimer(fn scheduler.Action, delay, period clock.Span) (*scheduler.Handle, error) {
	return l.sched.Submit(fn, scheduler.FixedRate(delay, period), l.target)
}

// RunAsync hands fn to the executor right away.
func (l *Loom) RunAsync(fn func(ctx context.Context) error) (*async.Result, error) {
	return l.exec.Submit(async.Job{Name: "loom.async", Run: fn})
}

// RunAsyncLater hands fn to the executor after delay. The delay is counted
// in global ticks, so no goroutine waits for it.
func (l *Loom) RunAsyncLater(fn func(ctx context.Context) error, delay clock.Span) (*scheduler.Handle, error) {
	return l.sched.Submit(l.handoff(fn), scheduler.Once(delay), region.Global())
}

// RunAsyncTimer hands fn to the executor at a fixed rate. Firings that find
// the executor queue full are dropped and logged.
func (l *Loom) RunAsyncTimer(fn func(ctx context.Context) error, delay, period clock.Span) (*scheduler.Handle, error) {
	return l.sched.Submit(l.handoff(fn), scheduler.FixedRate(delay, period), region.Global())
}

func (l *Loom) handoff(fn func(ctx context.Context) error) scheduler.Action {
	return func(ctx context.Context) error {
		if _, err := l.exec.Submit(async.Job{Name: "loom.async", Run: fn}); err != nil {
			l.log.Warn("async handoff dropped", logx.Err(err))
		}
		return nil
	}
}

// Delay returns a future that completes after d, counted in global ticks.
func (l *Loom) Delay(d time.Duration) *Future[struct{}] {
	f := newFuture[struct{}](l)
	h, err := l.sched.Submit(func(context.Context) error {
		f.complete(struct{}{}, nil)
		return nil
	}, scheduler.Once(clock.Duration(d)), region.Global())
	if err != nil {
		f.complete(struct{}{}, err)
		return f
	}
	f.setCancel(h.Cancel)
	watchHandle(f, h)
	return f
}

// Shutdown stops the scheduler first, so no task hands new work to the
// executor, then drains the executor.
func (l *Loom) Shutdown(ctx context.Context) error {
	return errors.Join(l.sched.Shutdown(ctx), l.exec.Stop(ctx))
}

// SupplySync runs fn on the thread owning l's target and completes the
// future with its result.
func SupplySync[T any](l *Loom, fn func(ctx context.Context) (T, error)) *Future[T] {
	return supplySync(l, l.target, fn)
}

func supplySync[T any](l *Loom, target region.Target, fn func(ctx context.Context) (T, error)) *Future[T] {
	f := newFuture[T](l)
	h, err := l.sched.Submit(func(ctx context.Context) (err error) {
		if f.IsDone() {
			return nil
		}
		defer func() {
			if r := recover(); r != nil {
				var zero T
				f.complete(zero, fmt.Errorf("loom: panic: %v", r))
				panic(r)
			}
		}()
		ctx, cancel := f.bind(ctx)
		defer cancel()
		v, err := fn(ctx)
		f.complete(v, err)
		return err
	}, scheduler.Now(), target)
	if err != nil {
		var zero T
		f.complete(zero, err)
		return f
	}
	f.setCancel(h.Cancel)
	watchHandle(f, h)
	return f
}

// SupplyAsync runs fn on the executor and completes the future with its
// result.
func SupplyAsync[T any](l *Loom, fn func(ctx context.Context) (T, error)) *Future[T] {
	f := newFuture[T](l)
	res, err := l.exec.Submit(async.Job{Name: "loom.supply", Run: func(ctx context.Context) error {
		if f.IsDone() {
			return nil
		}
		ctx, cancel := f.bind(ctx)
		defer cancel()
		v, err := fn(ctx)
		f.complete(v, err)
		return err
	}})
	if err != nil {
		var zero T
		f.complete(zero, err)
		return f
	}
	go func() {
		<-res.Done()
		var zero T
		if err := res.Err(); err != nil {
			f.complete(zero, err)
			return
		}
		f.complete(zero, ErrCancelled)
	}()
	return f
}

// ThenSync runs fn with f's value on the thread owning target once f
// succeeds. A failed f fails the returned future with the same error.
func ThenSync[T, R any](f *Future[T], target region.Target, fn func(ctx context.Context, v T) (R, error)) *Future[R] {
	next := newFuture[R](f.l)
	f.onComplete(func() {
		if f.err != nil {
			var zero R
			next.complete(zero, f.err)
			return
		}
		v := f.val
		step := supplySync(f.l, target, func(ctx context.Context) (R, error) { return fn(ctx, v) })
		next.setCancel(step.Cancel)
		step.onComplete(func() { next.complete(step.val, step.err) })
	})
	return next
}

// ThenAsync runs fn with f's value on the executor once f succeeds.
func ThenAsync[T, R any](f *Future[T], fn func(ctx context.Context, v T) (R, error)) *Future[R] {
	next := newFuture[R](f.l)
	f.onComplete(func() {
		if f.err != nil {
			var zero R
			next.complete(zero, f.err)
			return
		}
		v := f.val
		step := SupplyAsync(f.l, func(ctx context.Context) (R, error) { return fn(ctx, v) })
		next.setCancel(step.Cancel)
		step.onComplete(func() { next.complete(step.val, step.err) })
	})
	return next
}

// RunAsyncThenSync fetches a value on the executor and consumes it on the
// thread owning l's target.
func RunAsyncThenSync[T any](l *Loom, fetch func(ctx context.Context) (T, error), apply func(ctx context.Context, v T) error) *Future[struct{}] {
	return ThenSync(SupplyAsync(l, fetch), l.target, func(ctx context.Context, v T) (struct{}, error) {
		return struct{}{}, apply(ctx, v)
	})
}

// watchHandle fails f if its task ends without completing it, which happens
// when the task is cancelled before running or its action panics.
func watchHandle[T any](f *Future[T], h *scheduler.Handle) {
	go func() {
		<-h.Done()
		var zero T
		if err := h.Err(); err != nil {
			f.complete(zero, err)
			return
		}
		f.complete(zero, fmt.Errorf("%w: %s", ErrCancelled, h.Reason()))
	}()
}
