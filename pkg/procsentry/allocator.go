package procsentry

import "container/list"

// slot is one fixed array element of an Allocator: either empty or
// holding the connection currently occupying it.
type slot struct {
	conn *Connection
}

// Allocator is a fixed-size pool of connection slots for one worker
// class, with a FIFO queue of spawn requests that arrived while every
// slot was occupied. Grounded on the teacher's free-list/pending-queue
// worker pool, generalized from a channel-semaphore into an explicit
// slot array so slot selection is deterministic (lowest free index) and
// the pending queue is directly observable, both required by the
// allocator's testable properties.
type Allocator struct {
	class    WorkerClass
	executor *Executor
	newProc  func(ServiceName) (*workerProcess, Binder)

	slots   []slot
	free    []int // ascending free slot indices
	pending list.List
}

// NewAllocator constructs a fixed-capacity allocator for one worker
// class. newProc builds the process+binder pair backing a freshly
// allocated slot; it is a constructor function rather than a shared
// instance so every slot gets its own *workerProcess.
func NewAllocator(class WorkerClass, size int, executor *Executor, newProc func(ServiceName) (*workerProcess, Binder)) *Allocator {
	a := &Allocator{
		class:    class,
		executor: executor,
		newProc:  newProc,
		slots:    make([]slot, size),
		free:     make([]int, size),
	}
	for i := range a.free {
		a.free[i] = i
	}
	return a
}

// Allocate reserves the lowest-free-index slot and constructs a
// Connection bound to it. If no slot is free and queueIfFull is true,
// spawnData is appended to the FIFO pending queue and (nil, true) is
// returned, signaling "queued, not dispatched". If queueIfFull is false,
// (nil, false) is returned without queueing.
func (a *Allocator) Allocate(spawn SpawnData, death DeathCallback, queueIfFull bool, logger *Logger) (conn *Connection, queued bool) {
	a.executor.assertOnExecutor()

	if len(a.free) == 0 {
		if queueIfFull {
			a.pending.PushBack(spawn)
			return nil, true
		}
		return nil, false
	}

	idx := a.free[0]
	a.free = a.free[1:]

	name := ServiceName{Class: a.class, Slot: idx}
	proc, binder := a.newProc(name)
	conn = newConnection(name, proc, binder, a.executor, death, logger)
	a.slots[idx].conn = conn
	return conn, false
}

// Free releases conn's slot. If a spawn request was queued, it is
// dequeued and returned for the caller to dispatch — Free never
// re-enters Allocate itself, preserving the launcher thread's FIFO
// ordering across the two calls.
func (a *Allocator) Free(conn *Connection) (SpawnData, bool) {
	a.executor.assertOnExecutor()

	idx := -1
	for i := range a.slots {
		if a.slots[i].conn == conn {
			idx = i
			break
		}
	}
	if idx < 0 {
		return SpawnData{}, false
	}

	a.slots[idx].conn = nil
	a.free = insertSorted(a.free, idx)

	if a.pending.Len() == 0 {
		return SpawnData{}, false
	}
	front := a.pending.Front()
	a.pending.Remove(front)
	return front.Value.(SpawnData), true
}

func insertSorted(free []int, idx int) []int {
	pos := len(free)
	for i, v := range free {
		if v > idx {
			pos = i
			break
		}
	}
	free = append(free, 0)
	copy(free[pos+1:], free[pos:])
	free[pos] = idx
	return free
}

// IsFreeConnectionAvailable reports whether any slot is currently empty.
func (a *Allocator) IsFreeConnectionAvailable() bool { return len(a.free) > 0 }

// AnyConnectionAllocated reports whether at least one slot is occupied.
func (a *Allocator) AnyConnectionAllocated() bool { return len(a.free) < len(a.slots) }

// GetNumberOfServices returns the allocator's fixed slot count.
func (a *Allocator) GetNumberOfServices() int { return len(a.slots) }

// QueueDepth returns the number of pending spawn requests waiting for a
// slot to free.
func (a *Allocator) QueueDepth() int { return a.pending.Len() }

// FreeSlotCount returns the number of currently empty slots.
func (a *Allocator) FreeSlotCount() int { return len(a.free) }
