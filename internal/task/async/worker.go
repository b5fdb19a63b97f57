package async

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"github.com/EternalCodeTeam/EternalCodeCommons/internal/eventbus"
	logx "github.com/EternalCodeTeam/EternalCodeCommons/pkg/logx"
)

func (e *Executor) worker(ctx context.Context, q <-chan queuedJob, idx int) error {
	// Per-worker RNG keeps jitter off the global rand lock.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))
	for {
		select {
		case <-ctx.Done():
			return nil
		case qj := <-q:
			e.inFlight.Add(1)
			e.execOne(ctx, qj, rng)
			e.inFlight.Add(-1)
		}
	}
}

func (e *Executor) execOne(ctx context.Context, qj queuedJob, rng *rand.Rand) {
	cfg := e.config()
	start := time.Now()
	queueDelay := start.Sub(qj.enqueuedAt)

	retries := cfg.RetryMax
	if qj.job.Retries >= 0 {
		retries = qj.job.Retries
	}
	timeout := qj.job.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}

	var err error
	attempts := 0
	for attempt := 1; attempt <= retries+1; attempt++ {
		attempts = attempt
		err = e.attempt(ctx, qj.job, timeout)
		if err == nil || IsNoRetry(err) || attempt > retries || ctx.Err() != nil {
			break
		}
		delay := backoff(cfg, attempt, err, rng)
		e.log.Debug("job retry scheduled", logx.String("job", qj.job.Name), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			err = fmt.Errorf("%w: %v", ErrStopped, err)
		case <-t.C:
			continue
		}
		break
	}
	var nr noRetryError
	if errors.As(err, &nr) {
		err = nr.err
	}

	dur := time.Since(start)
	item := HistoryItem{ID: qj.res.ID, Name: qj.job.Name, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	ev := JobEvent{ID: qj.res.ID, Name: qj.job.Name, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	if err != nil {
		item.Error = err.Error()
		ev.Error = item.Error
		e.failed.Add(1)
		e.log.Warn("job failed", logx.String("job", qj.job.Name), logx.Err(err), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		e.bus.Publish(eventbus.Event{Type: eventbus.AsyncFailed, Data: ev})
	} else {
		e.completed.Add(1)
		e.log.Debug("job completed", logx.String("job", qj.job.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		e.bus.Publish(eventbus.Event{Type: eventbus.AsyncFinished, Data: ev})
	}
	e.record(item, cfg.HistorySize)
	qj.res.finish(err)
}

// attempt runs one try of job, turning a panic into an error.
func (e *Executor) attempt(ctx context.Context, job Job, timeout time.Duration) (err error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			e.log.Error("job panicked", logx.String("job", job.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return job.Run(runCtx)
}

// backoff returns the delay before retry n (1-based), honoring RetryAfter
// hints and applying 20% jitter.
func backoff(cfg Config, n int, err error, rng *rand.Rand) time.Duration {
	d := cfg.RetryBase
	var ra RetryAfterError
	if errors.As(err, &ra) {
		d = ra.RetryAfter()
	} else {
		for i := 1; i < n && d < cfg.RetryCap; i++ {
			d *= 2
		}
	}
	if d > cfg.RetryCap {
		d = cfg.RetryCap
	}
	if rng != nil && d > 0 {
		d = time.Duration(float64(d) * (1 + (rng.Float64()*2-1)*0.2))
	}
	if d > cfg.RetryCap {
		d = cfg.RetryCap
	}
	if d < 0 {
		d = 0
	}
	return d
}
