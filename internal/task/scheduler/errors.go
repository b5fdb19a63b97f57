package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTiming rejects a negative initial delay or a repeat interval
	// shorter than one tick.
	ErrInvalidTiming = errors.New("scheduler: invalid timing")

	// ErrNotOwner is returned by Tick when the caller does not own the partition.
	ErrNotOwner = errors.New("scheduler: caller does not own partition")

	ErrShutdown  = errors.New("scheduler: shut down")
	ErrNilAction = errors.New("scheduler: nil action")
)

// ActionFault is a failure raised by a task's action: a returned error or a
// recovered panic. It only affects the task that raised it.
type ActionFault struct {
	TaskID TaskID
	Err    error
	Panic  any
	Stack  string
}

func (f *ActionFault) Error() string {
	if f.Panic != nil {
		return fmt.Sprintf("task %d: action panicked: %v", f.TaskID, f.Panic)
	}
	return fmt.Sprintf("task %d: action failed: %v", f.TaskID, f.Err)
}

func (f *ActionFault) Unwrap() error { return f.Err }
