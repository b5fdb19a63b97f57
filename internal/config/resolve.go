package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultTick            = 50 * time.Millisecond
	DefaultShutdownTimeout = 10 * time.Second
)

// Default is the configuration used when no file exists yet.
func Default() *Config {
	return &Config{
		Runtime:   RuntimeConfig{Mode: ModeClassic, Tick: "50ms"},
		Scheduler: SchedulerConfig{HistorySize: 256, ShutdownTimeout: "10s"},
		Async:     AsyncConfig{Workers: 2, QueueSize: 256},
		Logging:   LoggingConfig{Level: "info", Console: true, File: LoggingFile{Path: "./loomd.log"}},
		Heartbeat: "30s",
	}
}

// RuntimeSettings is RuntimeConfig with defaults applied and durations
// parsed.
type RuntimeSettings struct {
	Mode           string
	Tick           time.Duration
	Workers        int
	RegionShift    uint
	RebalanceEvery time.Duration
}

func (c RuntimeConfig) Resolve() (RuntimeSettings, error) {
	out := RuntimeSettings{
		Mode:        strings.ToLower(strings.TrimSpace(c.Mode)),
		Workers:     c.Workers,
		RegionShift: c.RegionShift,
	}
	switch out.Mode {
	case "":
		out.Mode = ModeClassic
	case ModeClassic, ModeRegionized:
	default:
		return RuntimeSettings{}, fmt.Errorf("runtime.mode: unknown mode %q (want %s or %s)", c.Mode, ModeClassic, ModeRegionized)
	}
	var err error
	if out.Tick, err = ParseDurationAtLeast("runtime.tick", c.Tick, DefaultTick, time.Millisecond); err != nil {
		return RuntimeSettings{}, err
	}
	if out.RebalanceEvery, err = ParseDurationField("runtime.rebalance_every", c.RebalanceEvery); err != nil {
		return RuntimeSettings{}, err
	}
	if out.Workers < 0 {
		return RuntimeSettings{}, fmt.Errorf("runtime.workers: must be >= 0")
	}
	if out.Workers == 0 {
		out.Workers = 2
	}
	if c.RegionShift > 16 {
		return RuntimeSettings{}, fmt.Errorf("runtime.region_shift: must be <= 16")
	}
	if out.RegionShift == 0 {
		out.RegionShift = 3
	}
	return out, nil
}

type AsyncSettings struct {
	Workers        int
	QueueSize      int
	DefaultTimeout time.Duration
	RetryMax       int
	RetryBase      time.Duration
	RetryCap       time.Duration
	HistorySize    int
}

// Resolve parses durations. Zero counts are left for the executor to
// default.
func (c AsyncConfig) Resolve() (AsyncSettings, error) {
	if c.Workers < 0 || c.QueueSize < 0 || c.RetryMax < 0 || c.HistorySize < 0 {
		return AsyncSettings{}, fmt.Errorf("async: counts must be >= 0")
	}
	out := AsyncSettings{Workers: c.Workers, QueueSize: c.QueueSize, RetryMax: c.RetryMax, HistorySize: c.HistorySize}
	var err error
	if out.DefaultTimeout, err = ParseDurationField("async.default_timeout", c.DefaultTimeout); err != nil {
		return AsyncSettings{}, err
	}
	if out.RetryBase, err = ParseDurationField("async.retry_base", c.RetryBase); err != nil {
		return AsyncSettings{}, err
	}
	if out.RetryCap, err = ParseDurationField("async.retry_cap", c.RetryCap); err != nil {
		return AsyncSettings{}, err
	}
	return out, nil
}

func (c SchedulerConfig) ShutdownTimeoutValue() (time.Duration, error) {
	return ParseDurationOrDefault("scheduler.shutdown_timeout", c.ShutdownTimeout, DefaultShutdownTimeout)
}

func (c *Config) HeartbeatEvery() (time.Duration, error) {
	return ParseDurationField("heartbeat", c.Heartbeat)
}

// Validate checks every section and reports all problems at once.
func Validate(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if _, err := c.Runtime.Resolve(); err != nil {
		errs = append(errs, err)
	}
	if c.Scheduler.HistorySize < 0 {
		errs = append(errs, fmt.Errorf("scheduler.history_size: must be >= 0"))
	}
	if _, err := c.Scheduler.ShutdownTimeoutValue(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Async.Resolve(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.HeartbeatEvery(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	if s := c.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
		if s.Keep < 0 {
			errs = append(errs, fmt.Errorf("storage.keep: must be >= 0"))
		}
	}
	if u := c.Updater; u != nil && u.Enabled {
		if strings.TrimSpace(u.Current) == "" {
			errs = append(errs, fmt.Errorf("updater.current: required when enabled"))
		}
		if strings.TrimSpace(u.SourceFile) == "" {
			errs = append(errs, fmt.Errorf("updater.source_file: required when enabled"))
		}
		if strings.TrimSpace(u.Schedule) == "" {
			errs = append(errs, fmt.Errorf("updater.schedule: required when enabled"))
		}
		if _, err := ParseDurationField("updater.timeout", u.Timeout); err != nil {
			errs = append(errs, err)
		}
	}
	if d := c.Debug; d != nil {
		if _, err := ParseDurationField("debug.read_timeout", d.ReadTimeout); err != nil {
			errs = append(errs, err)
		}
		if _, err := ParseDurationField("debug.write_timeout", d.WriteTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
