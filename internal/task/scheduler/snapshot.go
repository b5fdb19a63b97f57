package scheduler

import (
	"sort"
	"sync"

	"github.com/EternalCodeTeam/EternalCodeCommons/internal/clock"
	"github.com/EternalCodeTeam/EternalCodeCommons/internal/region"
)

// Outcome is the terminal record of one task.
type Outcome struct {
	ID        TaskID             `json:"id"`
	Target    string             `json:"target"`
	Partition region.PartitionID `json:"partition"`
	State     State              `json:"state"`
	Reason    CancelReason       `json:"reason,omitempty"`
	Runs      uint64             `json:"runs"`
	Tick      clock.Tick         `json:"tick"`
	Err       string             `json:"err,omitempty"`
}

// history keeps the most recent outcomes for status output.
type history struct {
	mu    sync.Mutex
	items []Outcome
	max   int
}

func newHistory(max int) *history { return &history{max: max} }

func (h *history) add(o Outcome) {
	h.mu.Lock()
	h.items = append(h.items, o)
	if len(h.items) > h.max {
		h.items = h.items[len(h.items)-h.max:]
	}
	h.mu.Unlock()
}

func (h *history) list() []Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Outcome, len(h.items))
	copy(out, h.items)
	return out
}

// QueueInfo describes one partition's pending queue.
type QueueInfo struct {
	Partition region.PartitionID `json:"partition"`
	Pending   int                `json:"pending"`
	NextFire  clock.Tick         `json:"next_fire"`
	HasNext   bool               `json:"has_next"`
}

type Snapshot struct {
	Tick       clock.Tick  `json:"tick"`
	Live       int         `json:"live"`
	Closed     bool        `json:"closed"`
	Submitted  uint64      `json:"submitted"`
	Executions uint64      `json:"executions"`
	Completed  uint64      `json:"completed"`
	Cancelled  uint64      `json:"cancelled"`
	Faults     uint64      `json:"faults"`
	Moved      uint64      `json:"moved"`
	Unresolved uint64      `json:"unresolved"`
	Skipped    uint64      `json:"skipped"`
	Queues     []QueueInfo `json:"queues"`
	History    []Outcome   `json:"history"`
}

// Snapshot is a point-in-time view for status output; it is not a
// synchronization primitive.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	live := len(s.tasks)
	closed := s.closed
	s.mu.Unlock()

	s.qmu.RLock()
	qs := make(map[region.PartitionID]*pendingQueue, len(s.queues))
	for pid, q := range s.queues {
		qs[pid] = q
	}
	s.qmu.RUnlock()

	infos := make([]QueueInfo, 0, len(qs))
	for pid, q := range qs {
		next, ok := q.next()
		infos = append(infos, QueueInfo{Partition: pid, Pending: q.len(), NextFire: next, HasNext: ok})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Partition < infos[j].Partition })

	return Snapshot{
		Tick:       s.rt.CurrentTick(),
		Live:       live,
		Closed:     closed,
		Submitted:  s.stats.submitted.Load(),
		Executions: s.stats.executions.Load(),
		Completed:  s.stats.completed.Load(),
		Cancelled:  s.stats.cancelled.Load(),
		Faults:     s.stats.faults.Load(),
		Moved:      s.stats.moved.Load(),
		Unresolved: s.stats.unresolved.Load(),
		Skipped:    s.stats.skipped.Load(),
		Queues:     infos,
		History:    s.history.list(),
	}
}
