package scheduler

import (
	"context"
)

// Handle is the caller's view of a submitted task. It never holds the action;
// cancellation is routed through the Scheduler by id.
type Handle struct {
	id    TaskID
	sched *Scheduler
	st    *status
}

func (h *Handle) ID() TaskID { return h.id }

// Cancel asks the scheduler to cancel the task. It is safe from any
// goroutine, including from inside the task's own action, and idempotent.
func (h *Handle) Cancel() { h.sched.Cancel(h.id) }

// IsCancelled reports whether cancellation was requested or recorded.
// A task cancelled while executing reports true before IsDone does.
func (h *Handle) IsCancelled() bool {
	return h.st.cancelReq.Load() || State(h.st.state.Load()) == StateCancelled
}

// IsDone reports whether a terminal state has been recorded.
func (h *Handle) IsDone() bool { return State(h.st.state.Load()).Terminal() }

func (h *Handle) State() State { return State(h.st.state.Load()) }

// Runs counts completed executions of the action.
func (h *Handle) Runs() uint64 { return h.st.runs.Load() }

// Done is closed once the task reaches a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.st.done }

// Err returns the ActionFault of the final run of a one-shot task, or the
// cause of an implicit cancellation. It is nil until the task is done.
func (h *Handle) Err() error {
	h.st.mu.Lock()
	defer h.st.mu.Unlock()
	return h.st.err
}

// Reason says why the task was cancelled; empty otherwise.
func (h *Handle) Reason() CancelReason {
	h.st.mu.Lock()
	defer h.st.mu.Unlock()
	return h.st.reason
}

// Wait blocks until the task is done or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.st.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
