// Package logx is the structured logging layer used across the scheduler
// and its hosts.
//
// It wraps zerolog (logx.Logger) and keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Hot-swappable level and sinks through Service.Apply
//   - Throttle, a rate-limited view for warnings emitted from tick loops
package logx
