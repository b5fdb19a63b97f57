package config

// Config is the on-disk configuration of loomd. It is read as JSON or YAML
// and decoded strictly: unknown keys are errors.
//
// All durations are Go duration strings ("50ms", "30s", "1h").
type Config struct {
	Runtime   RuntimeConfig   `json:"runtime"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Async     AsyncConfig     `json:"async"`
	Logging   LoggingConfig   `json:"logging"`

	// Storage is optional; nil disables the task history sink.
	Storage *StorageConfig `json:"storage,omitempty"`
	// Updater is optional; nil disables update polling.
	Updater *UpdaterConfig `json:"updater,omitempty"`
	// Debug is optional; nil disables the operator HTTP endpoints.
	Debug *DebugConfig `json:"debug,omitempty"`

	// Heartbeat is how often the host logs a status line. Empty or "0s"
	// disables it.
	Heartbeat string `json:"heartbeat,omitempty"`
}

const (
	ModeClassic    = "classic"
	ModeRegionized = "regionized"
)

// RuntimeConfig selects the runtime model. It is read once at startup;
// changes need a restart.
//
// Defaults: mode classic, tick 50ms, workers 2, region_shift 3.
type RuntimeConfig struct {
	Mode           string `json:"mode"`
	Tick           string `json:"tick,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	RegionShift    uint   `json:"region_shift,omitempty"`
	RebalanceEvery string `json:"rebalance_every,omitempty"`
}

type SchedulerConfig struct {
	HistorySize int `json:"history_size,omitempty"`
	// ShutdownTimeout bounds how long shutdown waits for running tasks.
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

// AsyncConfig controls the async executor. It is hot-applied on reload.
//
// Defaults: workers 2, queue_size 256, no timeout, no retries.
type AsyncConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
	RetryBase      string `json:"retry_base,omitempty"`
	RetryCap       string `json:"retry_cap,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the task history backend.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./loomd_store/history" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	// Keep bounds how many outcomes are retained; 0 keeps everything.
	Keep int `json:"keep,omitempty"`
}

// UpdaterConfig configures the release poller. SourceFile names a file with
// the latest version on its first line.
type UpdaterConfig struct {
	Enabled    bool   `json:"enabled"`
	Current    string `json:"current"`
	SourceFile string `json:"source_file"`
	Schedule   string `json:"schedule"`
	Timeout    string `json:"timeout,omitempty"`
}

// DebugConfig enables /healthz, /status, /history and /debug/pprof.
// A non-loopback addr needs a token unless allow_insecure is set.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
}
