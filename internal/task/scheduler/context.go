package scheduler

import (
	"context"

	"github.com/EternalCodeTeam/EternalCodeCommons/internal/clock"
	"github.com/EternalCodeTeam/EternalCodeCommons/internal/region"
)

// ExecInfo describes the execution an action is part of.
type ExecInfo struct {
	TaskID    TaskID
	Partition region.PartitionID
	Thread    region.ThreadRef
	Tick      clock.Tick
	Run       uint64 // 1 for the first firing
}

type execKey struct{}

func withExecInfo(ctx context.Context, info ExecInfo) context.Context {
	return context.WithValue(ctx, execKey{}, info)
}

// ExecInfoFrom returns the ExecInfo attached by Tick, if ctx belongs to a
// running action.
func ExecInfoFrom(ctx context.Context) (ExecInfo, bool) {
	info, ok := ctx.Value(execKey{}).(ExecInfo)
	return info, ok
}

// OnThread reports whether ctx belongs to an action running on thread.
func OnThread(ctx context.Context, thread region.ThreadRef) bool {
	info, ok := ExecInfoFrom(ctx)
	return ok && info.Thread == thread
}
