// Package storage persists the terminal outcomes of scheduler tasks and
// async jobs so operators can inspect them after a restart. The scheduler
// never reads them back.
package storage
