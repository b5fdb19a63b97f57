package region

import (
	"sort"
	"sync"
)

// Table is the partition ownership table. Each row records the goroutine that
// currently drives a partition and a generation that increments on every
// change of owner.
type Table struct {
	mu    sync.RWMutex
	parts map[PartitionID]Partition
}

func NewTable() *Table {
	return &Table{parts: map[PartitionID]Partition{}}
}

// Assign sets the owner of pid. The generation bumps only when an existing
// partition changes thread.
func (t *Table) Assign(pid PartitionID, owner ThreadRef) Partition {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.parts[pid]
	if !ok {
		p = Partition{ID: pid, Owner: owner}
		t.parts[pid] = p
		return p
	}
	if p.Owner != owner {
		p.Owner = owner
		p.Generation++
		t.parts[pid] = p
	}
	return p
}

// Ensure returns the row for pid, assigning it to pick() when absent. It
// reports false and stores nothing when pid is absent and pick is nil or
// returns NoThread. Rows are never removed, so a queued task's partition
// always has an owner.
func (t *Table) Ensure(pid PartitionID, pick func() ThreadRef) (Partition, bool) {
	t.mu.RLock()
	p, ok := t.parts[pid]
	t.mu.RUnlock()
	if ok {
		return p, true
	}
	if pick == nil {
		return Partition{}, false
	}
	owner := pick()
	if owner == NoThread {
		return Partition{}, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	// Another caller may have won the race.
	if p, ok := t.parts[pid]; ok {
		return p, true
	}
	p = Partition{ID: pid, Owner: owner}
	t.parts[pid] = p
	return p, true
}

func (t *Table) Lookup(pid PartitionID) (Partition, bool) {
	t.mu.RLock()
	p, ok := t.parts[pid]
	t.mu.RUnlock()
	return p, ok
}

// OwnedBy lists the partitions currently driven by owner, sorted by id.
func (t *Table) OwnedBy(owner ThreadRef) []PartitionID {
	t.mu.RLock()
	out := make([]PartitionID, 0, 8)
	for id, p := range t.parts {
		if p.Owner == owner {
			out = append(out, id)
		}
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Partitions returns every row sorted by id.
func (t *Table) Partitions() []Partition {
	t.mu.RLock()
	out := make([]Partition, 0, len(t.parts))
	for _, p := range t.parts {
		out = append(out, p)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Load counts partitions per owner.
func (t *Table) Load() map[ThreadRef]int {
	t.mu.RLock()
	out := make(map[ThreadRef]int, 8)
	for _, p := range t.parts {
		out[p.Owner]++
	}
	t.mu.RUnlock()
	return out
}
