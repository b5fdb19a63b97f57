package region

import (
	"fmt"
	"sync"
)

// Entities is the host's entity directory: where each live entity is.
type Entities struct {
	mu sync.RWMutex
	m  map[EntityID]Location
}

func NewEntities() *Entities {
	return &Entities{m: map[EntityID]Location{}}
}

// Spawn registers id at loc (or moves it if already present).
func (e *Entities) Spawn(id EntityID, loc Location) {
	e.mu.Lock()
	e.m[id] = loc
	e.mu.Unlock()
}

// Move relocates a live entity.
func (e *Entities) Move(id EntityID, loc Location) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.m[id]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownEntity, uint64(id))
	}
	e.m[id] = loc
	return nil
}

// Remove retires id. Tasks bound to it stop resolving.
func (e *Entities) Remove(id EntityID) bool {
	e.mu.Lock()
	_, ok := e.m[id]
	delete(e.m, id)
	e.mu.Unlock()
	return ok
}

func (e *Entities) Locate(id EntityID) (Location, bool) {
	e.mu.RLock()
	loc, ok := e.m[id]
	e.mu.RUnlock()
	return loc, ok
}

func (e *Entities) Len() int {
	e.mu.RLock()
	n := len(e.m)
	e.mu.RUnlock()
	return n
}

// Single is the classical resolver: every target belongs to the global
// partition. Entity targets still fail once the entity is gone, so tasks
// behave the same under both runtime models.
type Single struct {
	Table    *Table
	Entities *Entities // optional
}

func (s Single) Resolve(t Target) (Partition, error) {
	if t.kind == KindEntity && s.Entities != nil {
		if _, ok := s.Entities.Locate(t.entity); !ok {
			return Partition{}, fmt.Errorf("%w: %s", ErrUnresolvedTarget, t)
		}
	}
	p, ok := s.Table.Lookup(GlobalPartition)
	if !ok {
		return Partition{}, fmt.Errorf("%w: global partition not assigned", ErrUnresolvedTarget)
	}
	return p, nil
}

// Grid is the regionized resolver. Chunks are grouped into square regions of
// 2^Shift chunks per side; each region is one partition. Partitions that have
// never been seen are assigned through Pick; without Pick only regions
// already in Table resolve.
type Grid struct {
	Table    *Table
	Entities *Entities
	Shift    uint
	Pick     func() ThreadRef
}

func (g *Grid) ensure(pid PartitionID) (Partition, error) {
	p, ok := g.Table.Ensure(pid, g.Pick)
	if !ok {
		return Partition{}, fmt.Errorf("%w: no owner for region %s", ErrUnresolvedTarget, pid)
	}
	return p, nil
}

// PartitionOf returns the partition id owning loc.
func (g *Grid) PartitionOf(loc Location) PartitionID {
	return RegionPartition(loc.World, loc.ChunkX()>>g.Shift, loc.ChunkZ()>>g.Shift)
}

func (g *Grid) Resolve(t Target) (Partition, error) {
	switch t.kind {
	case KindGlobal:
		p, ok := g.Table.Lookup(GlobalPartition)
		if !ok {
			return Partition{}, fmt.Errorf("%w: global partition not assigned", ErrUnresolvedTarget)
		}
		return p, nil
	case KindLocation, KindChunk:
		return g.ensure(g.PartitionOf(t.loc))
	case KindEntity:
		if g.Entities == nil {
			return Partition{}, fmt.Errorf("%w: %s", ErrUnresolvedTarget, t)
		}
		loc, ok := g.Entities.Locate(t.entity)
		if !ok {
			return Partition{}, fmt.Errorf("%w: %s", ErrUnresolvedTarget, t)
		}
		return g.ensure(g.PartitionOf(loc))
	default:
		return Partition{}, fmt.Errorf("%w: %s", ErrUnresolvedTarget, t)
	}
}
