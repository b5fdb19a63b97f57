package scheduler

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/EternalCodeTeam/EternalCodeCommons/internal/clock"
	"github.com/EternalCodeTeam/EternalCodeCommons/internal/region"
)

// TaskID identifies a task for the lifetime of the process. Ids are never
// reused.
type TaskID uint64

// Action is the work a task runs. It executes on the goroutine that owns
// the task's partition; ExecInfoFrom(ctx) tells it where it is running.
type Action func(ctx context.Context) error

type State int32

const (
	StatePending State = iota
	StateExecuting
	StateCompleted
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateExecuting:
		return "executing"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == StateCompleted || s == StateCancelled }

// CancelReason says why a task ended up Cancelled.
type CancelReason string

const (
	ReasonNone       CancelReason = ""
	ReasonRequested  CancelReason = "requested"
	ReasonUnresolved CancelReason = "unresolved_target"
	ReasonShutdown   CancelReason = "shutdown"
)

// task is owned by the Scheduler. mu guards the lifecycle fields; the heap
// fields belong to whichever pendingQueue holds the task.
type task struct {
	id       TaskID
	action   Action
	target   region.Target
	interval clock.Tick // 0 for one-shot
	status   *status

	mu              sync.Mutex
	state           State
	pid             region.PartitionID
	cancelRequested bool
	cancelReason    CancelReason
	runs            uint64

	// pendingQueue fields
	fireAt clock.Tick
	seq    uint64
	index  int
}

func (t *task) repeating() bool { return t.interval > 0 }

// status is the read-only record a Handle observes. It outlives the task
// entry in the scheduler table.
type status struct {
	state     atomic.Int32
	runs      atomic.Uint64
	cancelReq atomic.Bool
	done      chan struct{}

	mu     sync.Mutex
	err    error
	reason CancelReason
}

func newStatus() *status {
	return &status{done: make(chan struct{})}
}

func (s *status) setState(st State) { s.state.Store(int32(st)) }

// finish records the terminal state. Callers hold the task mutex, so it runs
// at most once per task.
func (s *status) finish(st State, reason CancelReason, err error) {
	s.mu.Lock()
	s.err = err
	s.reason = reason
	s.mu.Unlock()
	s.setState(st)
	close(s.done)
}
