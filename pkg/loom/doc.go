// Package loom is the public face of the scheduler. A Loom is bound to a
// target (global, a location, a chunk or an entity) and offers sync work on
// the thread that owns that target, async work on the executor pool, and
// futures that hop between the two.
//
//	l := loom.New(sched, exec, log)
//	loom.RunAsyncThenSync(l.ForEntity(id),
//		func(ctx context.Context) (Profile, error) { return db.Load(ctx, id) },
//		func(ctx context.Context, p Profile) error { return apply(p) })
package loom
