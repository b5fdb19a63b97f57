package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage: closed")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file, compacted to the newest Keep records
//   - "sqlite": SQLite database (needs the sqlite build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// Keep bounds retained records; 0 keeps everything.
	Keep int
}

const (
	KindTask  = "task"
	KindAsync = "async"
)

// Record is one finished task or job. Keep it compact and schema-stable.
type Record struct {
	At        time.Time `json:"at"`
	Kind      string    `json:"kind"`
	RefID     uint64    `json:"ref_id"`
	Name      string    `json:"name,omitempty"`
	Partition string    `json:"partition,omitempty"`
	State     string    `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	Tick      int64     `json:"tick,omitempty"`
	TookMS    int64     `json:"took_ms,omitempty"`
	Error     string    `json:"error,omitempty"`
}
