package async

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/EternalCodeTeam/EternalCodeCommons/internal/eventbus"
	rtsup "github.com/EternalCodeTeam/EternalCodeCommons/internal/runtime/supervisor"
	logx "github.com/EternalCodeTeam/EternalCodeCommons/pkg/logx"
)

// Executor runs jobs on a bounded pool of supervised worker goroutines,
// outside any partition. Panics become errors, failures are retried with
// jittered backoff, and every outcome lands in a bounded history.
type Executor struct {
	mu      sync.RWMutex
	cfg     Config
	log     logx.Logger
	warn    *logx.Throttle
	bus     eventbus.Bus
	q       chan queuedJob
	sup     *rtsup.Supervisor
	running bool

	idSeq     atomic.Uint64
	inFlight  atomic.Int32
	completed atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

type queuedJob struct {
	job        Job
	res        *Result
	enqueuedAt time.Time
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	log = log.With(logx.String("comp", "async"))
	return &Executor{
		cfg:  cfg.withDefaults(),
		log:  log,
		warn: logx.NewThrottle(log, 5*time.Second, 1),
		bus:  bus,
	}
}

// Start launches the workers. Calling Start on a running executor is a no-op.
func (e *Executor) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	cfg := e.cfg
	e.q = make(chan queuedJob, cfg.QueueSize)
	e.sup = rtsup.New(ctx, rtsup.WithLogger(e.log))
	for i := 0; i < cfg.Workers; i++ {
		idx := i
		q := e.q
		e.sup.GoRestart(fmt.Sprintf("async.worker.%d", idx), func(ctx context.Context) error {
			return e.worker(ctx, q, idx)
		})
	}
	e.running = true
	e.log.Info("async executor started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop stops the workers and fails every queued job with ErrStopped.
// In-flight jobs see their context cancelled.
func (e *Executor) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	sup, q := e.sup, e.q
	e.mu.Unlock()

	err := sup.Stop(ctx)
	for {
		select {
		case qj := <-q:
			qj.res.finish(ErrStopped)
		default:
			e.log.Info("async executor stopped")
			return err
		}
	}
}

// Apply swaps the configuration. Worker or queue size changes restart the
// pool; queued jobs of the old pool are failed with ErrStopped.
func (e *Executor) Apply(ctx context.Context, cfg Config) error {
	cfg = cfg.withDefaults()
	e.mu.Lock()
	prev := e.cfg
	e.cfg = cfg
	running := e.running
	e.mu.Unlock()

	if !running || (prev.Workers == cfg.Workers && prev.QueueSize == cfg.QueueSize) {
		return nil
	}
	if err := e.Stop(ctx); err != nil {
		return err
	}
	e.Start(context.WithoutCancel(ctx))
	return nil
}

// Submit queues job without blocking.
func (e *Executor) Submit(job Job) (*Result, error) {
	if job.Run == nil {
		return nil, ErrNilJob
	}
	res := newResult(e.idSeq.Add(1), job.Name)

	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.running {
		e.rejected.Add(1)
		return nil, ErrStopped
	}
	select {
	case e.q <- queuedJob{job: job, res: res, enqueuedAt: time.Now()}:
	default:
		e.rejected.Add(1)
		e.warn.Warn("queue_full", "async queue full; job rejected", logx.String("job", job.Name), logx.Int("cap", cap(e.q)))
		return nil, fmt.Errorf("%w: %s", ErrQueueFull, job.Name)
	}
	e.bus.Publish(eventbus.Event{Type: eventbus.AsyncQueued, Data: JobEvent{ID: res.ID, Name: job.Name}})
	return res, nil
}

// Go is Submit for a bare function.
func (e *Executor) Go(name string, fn func(ctx context.Context) error) (*Result, error) {
	return e.Submit(Job{Name: name, Run: fn, Retries: 0})
}

func (e *Executor) config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

func (e *Executor) Snapshot() Snapshot {
	e.mu.RLock()
	snap := Snapshot{Running: e.running, Workers: e.cfg.Workers}
	if e.q != nil {
		snap.QueueLen = len(e.q)
		snap.QueueCap = cap(e.q)
	}
	e.mu.RUnlock()

	snap.InFlight = e.inFlight.Load()
	snap.Completed = e.completed.Load()
	snap.Failed = e.failed.Load()
	snap.Rejected = e.rejected.Load()

	e.hmu.Lock()
	snap.History = append([]HistoryItem(nil), e.history...)
	e.hmu.Unlock()
	return snap
}

func (e *Executor) record(item HistoryItem, max int) {
	e.hmu.Lock()
	e.history = append(e.history, item)
	if len(e.history) > max {
		e.history = e.history[len(e.history)-max:]
	}
	e.hmu.Unlock()
}
