package region

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrUnresolvedTarget means the target no longer maps to any partition,
	// typically because its entity was removed.
	ErrUnresolvedTarget = errors.New("region: unresolved target")
	ErrUnknownEntity    = errors.New("region: unknown entity")
)

// PartitionID names a unit of spatial/entity ownership.
type PartitionID string

// GlobalPartition is the single well-known partition for Global targets.
const GlobalPartition PartitionID = "global"

// RegionPartition returns the id of region (rx, rz) in world.
func RegionPartition(world string, rx, rz int32) PartitionID {
	return PartitionID(fmt.Sprintf("%s/%d,%d", world, rx, rz))
}

// ThreadRef identifies a long-lived goroutine that drives partition ticks.
// Hosts allocate them; NoThread means "unowned".
type ThreadRef uint32

const NoThread ThreadRef = 0

func (t ThreadRef) String() string {
	if t == NoThread {
		return "thread-none"
	}
	return fmt.Sprintf("thread-%d", uint32(t))
}

// Partition is a snapshot of one ownership table row.
type Partition struct {
	ID         PartitionID
	Owner      ThreadRef
	Generation uint64
}

// EntityID identifies an entity tracked by the host world.
type EntityID uint64

// Location is a point in a world, in block coordinates.
type Location struct {
	World   string
	X, Y, Z float64
}

// BlockX is the integer block column containing the location.
func (l Location) BlockX() int32 { return int32(math.Floor(l.X)) }
func (l Location) BlockZ() int32 { return int32(math.Floor(l.Z)) }

// ChunkX is the 16x16 chunk column containing the location.
func (l Location) ChunkX() int32 { return l.BlockX() >> 4 }
func (l Location) ChunkZ() int32 { return l.BlockZ() >> 4 }

// TargetKind says what a Target points at.
type TargetKind int

const (
	KindGlobal TargetKind = iota
	KindLocation
	KindChunk
	KindEntity
)

func (k TargetKind) String() string {
	switch k {
	case KindGlobal:
		return "global"
	case KindLocation:
		return "location"
	case KindChunk:
		return "chunk"
	case KindEntity:
		return "entity"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Target is what a task is bound to: the global region, a location, a chunk,
// or an entity that may move between partitions.
type Target struct {
	kind   TargetKind
	loc    Location
	entity EntityID
}

// Global targets the global region.
func Global() Target { return Target{kind: KindGlobal} }

// At targets whichever partition owns loc.
func At(loc Location) Target { return Target{kind: KindLocation, loc: loc} }

// Chunk targets the partition owning chunk (cx, cz) of world.
func Chunk(world string, cx, cz int32) Target {
	return Target{kind: KindChunk, loc: Location{World: world, X: float64(cx) * 16, Z: float64(cz) * 16}}
}

// Entity targets whichever partition currently owns entity id.
func Entity(id EntityID) Target { return Target{kind: KindEntity, entity: id} }

func (t Target) Kind() TargetKind   { return t.kind }
func (t Target) Location() Location { return t.loc }
func (t Target) EntityID() EntityID { return t.entity }
func (t Target) IsGlobal() bool     { return t.kind == KindGlobal }

func (t Target) String() string {
	switch t.kind {
	case KindLocation:
		return fmt.Sprintf("location(%s %.1f,%.1f,%.1f)", t.loc.World, t.loc.X, t.loc.Y, t.loc.Z)
	case KindChunk:
		return fmt.Sprintf("chunk(%s %d,%d)", t.loc.World, t.loc.ChunkX(), t.loc.ChunkZ())
	case KindEntity:
		return fmt.Sprintf("entity(%d)", uint64(t.entity))
	default:
		return "global"
	}
}

// Resolver maps a target to the partition currently responsible for it.
// Two calls may return different partitions when the host migrates
// ownership or the entity moves.
type Resolver interface {
	Resolve(t Target) (Partition, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(t Target) (Partition, error)

func (f ResolverFunc) Resolve(t Target) (Partition, error) { return f(t) }
