package updater

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/EternalCodeTeam/EternalCodeCommons/internal/clock"
	"github.com/EternalCodeTeam/EternalCodeCommons/internal/eventbus"
	"github.com/EternalCodeTeam/EternalCodeCommons/internal/region"
	"github.com/EternalCodeTeam/EternalCodeCommons/internal/task/async"
	"github.com/EternalCodeTeam/EternalCodeCommons/internal/task/scheduler"
	logx "github.com/EternalCodeTeam/EternalCodeCommons/pkg/logx"
)

type PollerConfig struct {
	Current  Version
	Schedule Schedule
	// Timeout bounds one check. 0 uses the executor default.
	Timeout time.Duration
	// Now overrides the wall clock used to compute poll times.
	Now func() time.Time
}

// Poller checks for updates on a schedule. Each poll is a Global one-shot
// task whose only job is to hand the check to the async executor; the next
// poll is armed when the check finishes.
type Poller struct {
	cfg     PollerConfig
	checker Checker
	sched   *scheduler.Scheduler
	exec    *async.Executor
	log     logx.Logger
	bus     eventbus.Bus

	checks atomic.Uint64

	mu      sync.Mutex
	handle  *scheduler.Handle
	stopped bool
	last    Result
	lastErr error
	lastAt  time.Time
}

func NewPoller(cfg PollerConfig, checker Checker, sched *scheduler.Scheduler, exec *async.Executor, log logx.Logger, bus eventbus.Bus) *Poller {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Poller{
		cfg:     cfg,
		checker: checker,
		sched:   sched,
		exec:    exec,
		log:     log.With(logx.String("comp", "updater")),
		bus:     bus,
	}
}

// Start arms the first poll.
func (p *Poller) Start() error {
	p.mu.Lock()
	p.stopped = false
	p.mu.Unlock()
	return p.arm()
}

// Stop cancels the pending poll. A check already running finishes but does
// not re-arm.
func (p *Poller) Stop() {
	p.mu.Lock()
	p.stopped = true
	h := p.handle
	p.handle = nil
	p.mu.Unlock()
	if h != nil {
		h.Cancel()
	}
}

func (p *Poller) arm() error {
	now := p.cfg.Now()
	delay := p.cfg.Schedule.Next(now).Sub(now)
	if delay < 0 {
		delay = 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil
	}
	h, err := p.sched.Submit(p.fire, scheduler.Once(clock.Duration(delay)), region.Global())
	if err != nil {
		return err
	}
	p.handle = h
	p.log.Debug("update poll armed", logx.Duration("in", delay), logx.Uint64("task", uint64(h.ID())))
	return nil
}

// fire runs on the main thread and must not block.
func (p *Poller) fire(ctx context.Context) error {
	_, err := p.exec.Submit(async.Job{
		Name:    "updater.check",
		Timeout: p.cfg.Timeout,
		Run:     p.poll,
	})
	if err != nil {
		p.log.Warn("update check not queued", logx.Err(err))
		p.rearm()
	}
	return nil
}

func (p *Poller) poll(ctx context.Context) error {
	res, err := p.CheckNow(ctx)
	p.rearm()
	if err != nil {
		p.log.Warn("update check failed", logx.Err(err))
		return err
	}
	if res.IsUpdateAvailable() {
		p.log.Info("update available",
			logx.Stringer("current", res.Current), logx.Stringer("latest", res.Latest), logx.String("download", res.DownloadURL))
		p.bus.Publish(eventbus.Event{Type: eventbus.UpdateAvailable, Data: res})
	}
	return nil
}

func (p *Poller) rearm() {
	if err := p.arm(); err != nil {
		if errors.Is(err, scheduler.ErrShutdown) {
			p.log.Debug("update poller stopped with scheduler")
			return
		}
		p.log.Error("update poll not armed", logx.Err(err))
	}
}

// CheckNow runs one check on the calling goroutine and records the outcome.
func (p *Poller) CheckNow(ctx context.Context) (Result, error) {
	p.checks.Add(1)
	res, err := p.checker.Check(ctx, p.cfg.Current)
	p.mu.Lock()
	p.lastAt = p.cfg.Now()
	p.lastErr = err
	if err == nil {
		p.last = res
	}
	p.mu.Unlock()
	return res, err
}

// Last reports the most recent successful result, when the latest check ran
// and its error.
func (p *Poller) Last() (Result, time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last, p.lastAt, p.lastErr
}

func (p *Poller) Checks() uint64 { return p.checks.Load() }
