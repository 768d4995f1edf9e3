package procsentry

import "testing"

// Seed scenario 1: pool fill and drain (spec §8).
func TestAllocator_PoolFillAndDrain(t *testing.T) {
	e, a, _ := newTestAllocator(t, ClassSandboxed, 3)

	var conns []*Connection
	for i := 0; i < 3; i++ {
		conn, queued := spawnSync(t, e, a, SpawnData{Class: ClassSandboxed}, DeathCallbackFunc(func(*Connection) {}))
		if queued || conn == nil {
			t.Fatalf("spawn %d: expected an immediate slot, got conn=%v queued=%v", i, conn, queued)
		}
		conns = append(conns, conn)
	}

	runOn(e, func() {
		if a.IsFreeConnectionAvailable() {
			t.Fatalf("pool of size 3 should be full after 3 spawns")
		}
	})

	// Spawn D: queued, not dispatched.
	runOn(e, func() {
		conn, queued := a.Allocate(SpawnData{Class: ClassSandboxed}, DeathCallbackFunc(func(*Connection) {}), true, testLogger())
		if conn != nil || !queued {
			t.Fatalf("expected D to queue behind a full pool, got conn=%v queued=%v", conn, queued)
		}
		if got := a.QueueDepth(); got != 1 {
			t.Fatalf("queue depth = %d, want 1", got)
		}
	})

	// Stop A; Free should hand back D's spawn data for redispatch.
	var freed SpawnData
	var redispatch bool
	runOn(e, func() {
		conns[0].Stop()
		freed, redispatch = a.Free(conns[0])
	})
	if !redispatch {
		t.Fatalf("expected D's spawn data to come back from Free once A's slot freed")
	}
	if freed.Class != ClassSandboxed {
		t.Fatalf("unexpected redispatched spawn: %+v", freed)
	}
	runOn(e, func() {
		if got := a.QueueDepth(); got != 0 {
			t.Fatalf("queue should be drained after redispatch, got depth %d", got)
		}
		if !a.IsFreeConnectionAvailable() {
			t.Fatalf("A's slot should be free until the caller reallocates it")
		}
	})
}

// Allocator FIFO: R1 < R2 < R3 queued while full dispatch in that order.
func TestAllocator_FIFOOrdering(t *testing.T) {
	e, a, _ := newTestAllocator(t, ClassNonSandboxed, 1)

	conn, queued := spawnSync(t, e, a, SpawnData{Class: ClassNonSandboxed}, DeathCallbackFunc(func(*Connection) {}))
	if queued || conn == nil {
		t.Fatalf("expected the only slot to be taken immediately")
	}

	labels := []string{"r1", "r2", "r3"}
	for _, label := range labels {
		label := label
		runOn(e, func() {
			_, q := a.Allocate(SpawnData{
				Class:      ClassNonSandboxed,
				Parameters: CreationParams{PackageNameForSandboxed: label},
			}, DeathCallbackFunc(func(*Connection) {}), true, testLogger())
			if !q {
				t.Fatalf("%s should have queued behind the single occupied slot", label)
			}
		})
	}

	for _, want := range labels {
		var spawn SpawnData
		var ok bool
		runOn(e, func() {
			spawn, ok = a.Free(conn)
		})
		if !ok {
			t.Fatalf("expected %s to be dequeued", want)
		}
		if spawn.Parameters.PackageNameForSandboxed != want {
			t.Fatalf("FIFO violated: want %s, got %s", want, spawn.Parameters.PackageNameForSandboxed)
		}
		// Re-occupy the slot so the next Free observes the next entrant.
		runOn(e, func() {
			conn, _ = a.Allocate(spawn, DeathCallbackFunc(func(*Connection) {}), true, testLogger())
		})
	}
}

// Slot conservation: |freeSlots| + |occupiedSlots| = N at every
// quiescent point, and Allocate always picks the lowest free index.
func TestAllocator_SlotConservationAndLowestIndex(t *testing.T) {
	e, a, _ := newTestAllocator(t, ClassSandboxed, 4)

	var conns [4]*Connection
	for i := 0; i < 4; i++ {
		conn, queued := spawnSync(t, e, a, SpawnData{Class: ClassSandboxed}, DeathCallbackFunc(func(*Connection) {}))
		if queued || conn == nil {
			t.Fatalf("spawn %d failed", i)
		}
		conns[i] = conn
		if conn.Name().Slot != i {
			t.Fatalf("expected lowest-free-index allocation: spawn %d landed in slot %d", i, conn.Name().Slot)
		}
	}

	runOn(e, func() {
		if a.FreeSlotCount() != 0 {
			t.Fatalf("all 4 slots should be occupied, %d free", a.FreeSlotCount())
		}
		if occupied := a.GetNumberOfServices() - a.FreeSlotCount(); occupied != 4 {
			t.Fatalf("slot conservation violated: %d occupied, want 4", occupied)
		}
	})

	// Free slot 1, then reallocate: the new connection must land back in
	// slot 1, the lowest free index, not slot 4 (which doesn't exist) or
	// some other arbitrary choice.
	runOn(e, func() {
		conns[1].Stop()
		if _, _ = a.Free(conns[1]); a.FreeSlotCount() != 1 {
			t.Fatalf("expected exactly one free slot after freeing slot 1")
		}
	})
	conn, queued := spawnSync(t, e, a, SpawnData{Class: ClassSandboxed}, DeathCallbackFunc(func(*Connection) {}))
	if queued || conn == nil {
		t.Fatalf("expected the freed slot to be reused immediately")
	}
	if conn.Name().Slot != 1 {
		t.Fatalf("expected reallocation into the lowest free index (1), got %d", conn.Name().Slot)
	}
}

func TestAllocator_AllocateWithoutQueueingReturnsNilOnExhaustion(t *testing.T) {
	e, a, _ := newTestAllocator(t, ClassSandboxed, 1)

	if conn, queued := spawnSync(t, e, a, SpawnData{Class: ClassSandboxed}, DeathCallbackFunc(func(*Connection) {})); queued || conn == nil {
		t.Fatalf("expected the single slot to be taken")
	}

	runOn(e, func() {
		conn, queued := a.Allocate(SpawnData{Class: ClassSandboxed}, DeathCallbackFunc(func(*Connection) {}), false, testLogger())
		if conn != nil || queued {
			t.Fatalf("queueIfFull=false on an exhausted pool must return (nil, false), got conn=%v queued=%v", conn, queued)
		}
		if got := a.QueueDepth(); got != 0 {
			t.Fatalf("a declined request must not be queued, depth=%d", got)
		}
	})
}
