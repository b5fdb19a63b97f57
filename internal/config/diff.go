package config

import (
	"reflect"
	"sort"
	"strings"

	logx "github.com/EternalCodeTeam/EternalCodeCommons/pkg/logx"
)

// Change summarizes a reload for logging.
type Change struct {
	// Sections lists changed top-level keys, sorted.
	Sections []string
	// NeedsRestart lists changed sections that are only read at startup.
	NeedsRestart []string
	Fields       []logx.Field
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// Has reports whether section changed.
func (c Change) Has(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

// Summarize compares two configs section by section.
func Summarize(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change

	if oldCfg.Runtime != newCfg.Runtime {
		ch.Sections = append(ch.Sections, "runtime")
		ch.NeedsRestart = append(ch.NeedsRestart, "runtime")
		ch.Fields = append(ch.Fields,
			logx.String("runtime.mode", newCfg.Runtime.Mode),
			logx.String("runtime.tick", newCfg.Runtime.Tick),
			logx.Int("runtime.workers", newCfg.Runtime.Workers),
		)
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		ch.Sections = append(ch.Sections, "scheduler")
		ch.NeedsRestart = append(ch.NeedsRestart, "scheduler")
		ch.Fields = append(ch.Fields, logx.Int("scheduler.history_size", newCfg.Scheduler.HistorySize))
	}
	if oldCfg.Async != newCfg.Async {
		ch.Sections = append(ch.Sections, "async")
		ch.Fields = append(ch.Fields,
			logx.Int("async.workers", newCfg.Async.Workers),
			logx.Int("async.queue_size", newCfg.Async.QueueSize),
			logx.String("async.default_timeout", strings.TrimSpace(newCfg.Async.DefaultTimeout)),
			logx.Int("async.retry_max", newCfg.Async.RetryMax),
		)
	}
	if oldCfg.Logging != newCfg.Logging {
		ch.Sections = append(ch.Sections, "logging")
		ch.Fields = append(ch.Fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		ch.Sections = append(ch.Sections, "storage")
		ch.NeedsRestart = append(ch.NeedsRestart, "storage")
		driver := ""
		if newCfg.Storage != nil {
			driver = newCfg.Storage.Driver
		}
		ch.Fields = append(ch.Fields, logx.String("storage.driver", driver))
	}
	if !reflect.DeepEqual(oldCfg.Updater, newCfg.Updater) {
		ch.Sections = append(ch.Sections, "updater")
		enabled := newCfg.Updater != nil && newCfg.Updater.Enabled
		ch.Fields = append(ch.Fields, logx.Bool("updater.enabled", enabled))
		if enabled {
			ch.Fields = append(ch.Fields, logx.String("updater.schedule", newCfg.Updater.Schedule))
		}
	}
	if !reflect.DeepEqual(oldCfg.Debug, newCfg.Debug) {
		ch.Sections = append(ch.Sections, "debug")
		enabled := newCfg.Debug != nil && newCfg.Debug.Enabled
		ch.Fields = append(ch.Fields, logx.Bool("debug.enabled", enabled))
		if enabled {
			ch.Fields = append(ch.Fields, logx.String("debug.addr", newCfg.Debug.Addr))
		}
	}
	if strings.TrimSpace(oldCfg.Heartbeat) != strings.TrimSpace(newCfg.Heartbeat) {
		ch.Sections = append(ch.Sections, "heartbeat")
		ch.Fields = append(ch.Fields, logx.String("heartbeat", strings.TrimSpace(newCfg.Heartbeat)))
	}

	sort.Strings(ch.Sections)
	sort.Strings(ch.NeedsRestart)
	return ch
}
