// Package scheduler is the region-aware task scheduler.
//
// Tasks are submitted with a Timing and a region.Target and wait on the
// pending queue of the partition their target resolves to. A host runtime
// drives each partition by calling Tick from the goroutine that owns it; Tick
// re-resolves every due task before running it, so a task never runs on a
// goroutine that lost ownership of its partition, and a task whose target
// moved follows it to the new partition instead of being lost.
//
// The same Scheduler serves both runtime models:
//   - classical: one main goroutine owns the global partition and everything
//     resolves to it
//   - regionized: partitions are spread over worker goroutines and may
//     migrate between them
package scheduler
