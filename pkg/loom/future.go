package loom

import (
	"context"
	"errors"
	"sync"
)

var ErrCancelled = errors.New("loom: cancelled")

// Future is the eventual result of work submitted through a Loom. It
// completes exactly once, with a value or an error.
type Future[T any] struct {
	l *Loom

	ctx  context.Context
	stop context.CancelFunc
	done chan struct{}
	once sync.Once
	val  T
	err  error

	mu     sync.Mutex
	then   []func()
	cancel func()
}

func newFuture[T any](l *Loom) *Future[T] {
	ctx, stop := context.WithCancel(context.Background())
	return &Future[T]{l: l, ctx: ctx, stop: stop, done: make(chan struct{})}
}

// Completed returns a future that is already done with v.
func Completed[T any](l *Loom, v T) *Future[T] {
	f := newFuture[T](l)
	f.complete(v, nil)
	return f
}

// Failed returns a future that is already done with err.
func Failed[T any](l *Loom, err error) *Future[T] {
	f := newFuture[T](l)
	var zero T
	f.complete(zero, err)
	return f
}

func (f *Future[T]) complete(v T, err error) bool {
	won := false
	f.once.Do(func() {
		won = true
		f.val, f.err = v, err
		close(f.done)
		f.stop()
		f.mu.Lock()
		then := f.then
		f.then = nil
		f.mu.Unlock()
		for _, fn := range then {
			fn()
		}
	})
	return won
}

// onComplete runs fn once f is done, immediately if it already is.
func (f *Future[T]) onComplete(fn func()) {
	f.mu.Lock()
	select {
	case <-f.done:
		f.mu.Unlock()
		fn()
		return
	default:
	}
	f.then = append(f.then, fn)
	f.mu.Unlock()
}

func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Get waits for the result or for ctx to end.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Value returns the value of a successfully completed future.
func (f *Future[T]) Value() (T, bool) {
	var zero T
	select {
	case <-f.done:
		if f.err != nil {
			return zero, false
		}
		return f.val, true
	default:
		return zero, false
	}
}

// Err is nil while f is running or after it succeeded.
func (f *Future[T]) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Cancel completes f with ErrCancelled and stops the underlying task if it
// has not started. Work already running sees its context cancelled.
func (f *Future[T]) Cancel() {
	var zero T
	if !f.complete(zero, ErrCancelled) {
		return
	}
	f.mu.Lock()
	cancel := f.cancel
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (f *Future[T]) setCancel(fn func()) {
	f.mu.Lock()
	f.cancel = fn
	f.mu.Unlock()
	if errors.Is(f.Err(), ErrCancelled) {
		fn()
	}
}

func (f *Future[T]) IsCancelled() bool { return errors.Is(f.Err(), ErrCancelled) }

func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// bind ties the work context to f: it ends when either parent ends or f is
// cancelled.
func (f *Future[T]) bind(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(f.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
