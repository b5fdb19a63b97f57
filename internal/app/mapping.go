package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/EternalCodeTeam/EternalCodeCommons/internal/config"
	"github.com/EternalCodeTeam/EternalCodeCommons/internal/host/classic"
	"github.com/EternalCodeTeam/EternalCodeCommons/internal/host/regionized"
	"github.com/EternalCodeTeam/EternalCodeCommons/internal/observability/debugsrv"
	"github.com/EternalCodeTeam/EternalCodeCommons/internal/storage"
	"github.com/EternalCodeTeam/EternalCodeCommons/internal/task/async"
	"github.com/EternalCodeTeam/EternalCodeCommons/internal/task/scheduler"
	"github.com/EternalCodeTeam/EternalCodeCommons/internal/updater"
	logx "github.com/EternalCodeTeam/EternalCodeCommons/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapAsyncConfig(cfg *config.Config) (async.Config, error) {
	s, err := cfg.Async.Resolve()
	if err != nil {
		return async.Config{}, err
	}
	return async.Config{
		Workers:        s.Workers,
		QueueSize:      s.QueueSize,
		DefaultTimeout: s.DefaultTimeout,
		RetryMax:       s.RetryMax,
		RetryBase:      s.RetryBase,
		RetryCap:       s.RetryCap,
		HistorySize:    s.HistorySize,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config, rt config.RuntimeSettings) scheduler.Config {
	return scheduler.Config{
		TickDuration: rt.Tick,
		HistorySize:  cfg.Scheduler.HistorySize,
		WarnEvery:    30 * time.Second,
	}
}

func mapClassicConfig(rt config.RuntimeSettings) classic.Config {
	return classic.Config{Tick: rt.Tick}
}

func mapRegionizedConfig(rt config.RuntimeSettings) regionized.Config {
	return regionized.Config{
		Tick:           rt.Tick,
		Workers:        rt.Workers,
		RegionShift:    rt.RegionShift,
		RebalanceEvery: rt.RebalanceEvery,
	}
}

// mapStorageConfig reports false when history is disabled.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path, Keep: sc.Keep}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy, Keep: sc.Keep}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

type updaterSettings struct {
	poller  updater.PollerConfig
	checker updater.Checker
}

// mapUpdaterConfig reports false when polling is disabled.
func mapUpdaterConfig(cfg *config.Config) (updaterSettings, bool, error) {
	if cfg == nil || cfg.Updater == nil || !cfg.Updater.Enabled {
		return updaterSettings{}, false, nil
	}
	uc := cfg.Updater
	cur, err := updater.ParseVersion(uc.Current)
	if err != nil {
		return updaterSettings{}, false, fmt.Errorf("updater.current: %w", err)
	}
	sched, err := updater.ParseSchedule(uc.Schedule)
	if err != nil {
		return updaterSettings{}, false, fmt.Errorf("updater.schedule: %w", err)
	}
	timeout, err := config.ParseDurationField("updater.timeout", uc.Timeout)
	if err != nil {
		return updaterSettings{}, false, err
	}
	return updaterSettings{
		poller:  updater.PollerConfig{Current: cur, Schedule: sched, Timeout: timeout},
		checker: updater.FileChecker{Path: strings.TrimSpace(uc.SourceFile)},
	}, true, nil
}

func mapDebugConfig(cfg *config.Config) (debugsrv.Config, error) {
	if cfg == nil || cfg.Debug == nil {
		return debugsrv.Config{}, nil
	}
	dc := cfg.Debug
	rt, err := config.ParseDurationOrDefault("debug.read_timeout", dc.ReadTimeout, 5*time.Second)
	if err != nil {
		return debugsrv.Config{}, err
	}
	// profile and trace stream for up to 30s by default
	wt, err := config.ParseDurationOrDefault("debug.write_timeout", dc.WriteTimeout, 60*time.Second)
	if err != nil {
		return debugsrv.Config{}, err
	}
	return debugsrv.Config{
		Enabled:       dc.Enabled,
		Addr:          strings.TrimSpace(dc.Addr),
		Token:         strings.TrimSpace(dc.Token),
		AllowInsecure: dc.AllowInsecure,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
	}, nil
}
