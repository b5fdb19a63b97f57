package async

import (
	"context"
	"sync"
	"time"
)

// Config controls the executor.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout applies when Job.Timeout is 0. 0 means no timeout.
	DefaultTimeout time.Duration

	// RetryMax is the default number of retries after a failed attempt.
	RetryMax  int
	RetryBase time.Duration
	RetryCap  time.Duration

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 250 * time.Millisecond
	}
	if c.RetryCap <= 0 {
		c.RetryCap = 10 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 128
	}
	return c
}

// Job is one unit of off-partition work. Jobs must not touch partition-owned
// state; hand results back through the scheduler instead.
type Job struct {
	Name    string
	Timeout time.Duration
	// Retries overrides Config.RetryMax when >= 0. Use -1 for the default.
	Retries int
	Run     func(ctx context.Context) error
}

// Result tracks one submitted job.
type Result struct {
	ID   uint64
	Name string

	done chan struct{}
	once sync.Once
	mu   sync.Mutex
	err  error
}

func newResult(id uint64, name string) *Result {
	return &Result{ID: id, Name: name, done: make(chan struct{})}
}

func (r *Result) finish(err error) {
	r.once.Do(func() {
		r.mu.Lock()
		r.err = err
		r.mu.Unlock()
		close(r.done)
	})
}

func (r *Result) Done() <-chan struct{} { return r.done }

func (r *Result) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Wait blocks until the job finishes or ctx ends.
func (r *Result) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

type HistoryItem struct {
	ID         uint64        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// JobEvent is the payload of async.* events.
type JobEvent struct {
	ID         uint64        `json:"id"`
	Name       string        `json:"name"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

type Snapshot struct {
	Running   bool          `json:"running"`
	Workers   int           `json:"workers"`
	QueueLen  int           `json:"queue_len"`
	QueueCap  int           `json:"queue_cap"`
	InFlight  int32         `json:"in_flight"`
	Completed uint64        `json:"completed"`
	Failed    uint64        `json:"failed"`
	Rejected  uint64        `json:"rejected"`
	History   []HistoryItem `json:"history"`
}
