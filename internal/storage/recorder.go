package storage

import (
	"context"
	"time"

	"github.com/EternalCodeTeam/EternalCodeCommons/internal/eventbus"
	"github.com/EternalCodeTeam/EternalCodeCommons/internal/task/async"
	"github.com/EternalCodeTeam/EternalCodeCommons/internal/task/scheduler"
	logx "github.com/EternalCodeTeam/EternalCodeCommons/pkg/logx"
)

// Recorder copies terminal task and job events from the bus into a Store.
type Recorder struct {
	store Store
	bus   eventbus.Bus
	log   logx.Logger
	warn  *logx.Throttle

	ch    <-chan eventbus.Event
	unsub func()
}

// NewRecorder subscribes immediately, so events published before Run starts
// are buffered rather than lost.
func NewRecorder(store Store, bus eventbus.Bus, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage.recorder"))
	ch, unsub := bus.Subscribe(512)
	return &Recorder{store: store, bus: bus, log: log, warn: logx.NewThrottle(log, 30*time.Second, 1), ch: ch, unsub: unsub}
}

// Run records events until ctx ends.
func (r *Recorder) Run(ctx context.Context) error {
	defer r.unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-r.ch:
			if !ok {
				return nil
			}
			rec, keep := ToRecord(ev)
			if !keep {
				continue
			}
			actx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := r.store.Append(actx, rec)
			cancel()
			if err != nil {
				r.warn.Warn("append", "history append failed", logx.Err(err))
			}
		}
	}
}

// ToRecord converts a terminal event into a record. Other events report
// false.
func ToRecord(ev eventbus.Event) (Record, bool) {
	at := ev.Time
	if at.IsZero() {
		at = time.Now()
	}
	switch ev.Type {
	case eventbus.TaskFinished, eventbus.TaskCancelled:
		te, ok := ev.Data.(scheduler.TaskEvent)
		if !ok {
			return Record{}, false
		}
		return Record{
			At:        at,
			Kind:      KindTask,
			RefID:     uint64(te.ID),
			Name:      te.Target,
			Partition: string(te.Partition),
			State:     te.State.String(),
			Reason:    string(te.Reason),
			Tick:      int64(te.Tick),
			Error:     te.Err,
		}, true
	case eventbus.AsyncFinished, eventbus.AsyncFailed:
		je, ok := ev.Data.(async.JobEvent)
		if !ok {
			return Record{}, false
		}
		state := "completed"
		if ev.Type == eventbus.AsyncFailed {
			state = "failed"
		}
		return Record{
			At:     at,
			Kind:   KindAsync,
			RefID:  je.ID,
			Name:   je.Name,
			State:  state,
			TookMS: je.Duration.Milliseconds(),
			Error:  je.Error,
		}, true
	}
	return Record{}, false
}
