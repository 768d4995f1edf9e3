package procsentry

import (
	"sync/atomic"
	"time"
)

// Metrics tracks counters for the allocator, launcher, and binding
// manager, grounded on the teacher's PoolMetrics: a flat struct of
// atomic counters plus one snapshot method, no external metrics
// library, since the corpus's own instrumentation is itself
// hand-rolled on sync/atomic.
type Metrics struct {
	SpawnsAttempted atomic.Uint64
	SpawnsSucceeded atomic.Uint64
	SpawnsFailed    atomic.Uint64
	SpawnsRetried   atomic.Uint64
	SpawnsQueued    atomic.Uint64
	SpawnsFromSpare atomic.Uint64

	WorkersStopped        atomic.Uint64
	WorkersDiedUnexpected atomic.Uint64

	BindingLevelChanges atomic.Uint64
	OomDisplacements    atomic.Uint64

	ModerateEvictions atomic.Uint64
	ModerateDropAlls  atomic.Uint64
}

// NewMetrics returns a zeroed metrics set.
func NewMetrics() *Metrics { return &Metrics{} }

// MetricsSnapshot is a point-in-time copy of Metrics, safe to log or
// serve from the admin status surface without holding any reference
// into the live counters.
type MetricsSnapshot struct {
	SpawnsAttempted uint64
	SpawnsSucceeded uint64
	SpawnsFailed    uint64
	SpawnsRetried   uint64
	SpawnsQueued    uint64
	SpawnsFromSpare uint64

	WorkersStopped        uint64
	WorkersDiedUnexpected uint64

	BindingLevelChanges uint64
	OomDisplacements    uint64

	ModerateEvictions uint64
	ModerateDropAlls  uint64

	AllocatedSlots map[WorkerClass]int
	FreeSlots      map[WorkerClass]int
	QueueDepths    map[WorkerClass]int
	ModeratePool   int

	Timestamp time.Time
}

// Snapshot copies the atomic counters into a plain struct.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		SpawnsAttempted:       m.SpawnsAttempted.Load(),
		SpawnsSucceeded:       m.SpawnsSucceeded.Load(),
		SpawnsFailed:          m.SpawnsFailed.Load(),
		SpawnsRetried:         m.SpawnsRetried.Load(),
		SpawnsQueued:          m.SpawnsQueued.Load(),
		SpawnsFromSpare:       m.SpawnsFromSpare.Load(),
		WorkersStopped:        m.WorkersStopped.Load(),
		WorkersDiedUnexpected: m.WorkersDiedUnexpected.Load(),
		BindingLevelChanges:   m.BindingLevelChanges.Load(),
		OomDisplacements:      m.OomDisplacements.Load(),
		ModerateEvictions:     m.ModerateEvictions.Load(),
		ModerateDropAlls:      m.ModerateDropAlls.Load(),
	}
}

// WithAllocatorState fills the per-class allocator gauges into an
// existing snapshot, reading each allocator's counts at call time.
func WithAllocatorState(snap MetricsSnapshot, allocators map[WorkerClass]*Allocator, moderate *BindingManager) MetricsSnapshot {
	snap.AllocatedSlots = make(map[WorkerClass]int, len(allocators))
	snap.FreeSlots = make(map[WorkerClass]int, len(allocators))
	snap.QueueDepths = make(map[WorkerClass]int, len(allocators))
	for class, alloc := range allocators {
		snap.AllocatedSlots[class] = alloc.GetNumberOfServices() - alloc.FreeSlotCount()
		snap.FreeSlots[class] = alloc.FreeSlotCount()
		snap.QueueDepths[class] = alloc.QueueDepth()
	}
	if moderate != nil {
		snap.ModeratePool = len(moderate.ModeratePoolSnapshot())
	}
	return snap
}
