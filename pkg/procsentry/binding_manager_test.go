package procsentry

import (
	"context"
	"testing"
	"time"
)

func newTestWorker(t *testing.T, executor *Executor, binder Binder, slot int) *Connection {
	t.Helper()
	name := ServiceName{Class: ClassSandboxed, Slot: slot}
	proc := newWorkerProcess(ProcessConfig{Name: name, Simulated: true}, nil)
	conn := newConnection(name, proc, binder, executor, nil, testLogger())
	runOn(executor, func() {
		if err := conn.Start(context.Background(), false, nil); err != nil {
			t.Fatalf("start: %v", err)
		}
		conn.SetupConnection(context.Background(), nil, false, ConnectionCallbackFunc(func(*Connection) {}))
	})
	return conn
}

// Seed scenario 2: low-memory displacement.
func TestBindingManager_LowMemoryDisplacement(t *testing.T) {
	executor := NewExecutor(testLogger(), false)
	t.Cleanup(executor.Stop)
	binder := NewRecordingBinder()

	m := NewBindingManager(executor, true, time.Second, 10*time.Second, testLogger())
	a := newTestWorker(t, executor, binder, 0)
	b := newTestWorker(t, executor, binder, 1)

	runOn(executor, func() {
		m.AddNewConnection(a.PID(), a)
		m.AddNewConnection(b.PID(), b)
		m.SetPriority(a.PID(), true, false)
	})
	if !a.HasStrongBinding() {
		t.Fatalf("A should hold a strong binding after becoming foreground")
	}

	runOn(executor, func() {
		m.SetPriority(b.PID(), true, false)
	})

	if a.HasStrongBinding() || a.HasModerateBinding() || a.initialBound {
		t.Fatalf("A's initial/strong/moderate must all be unbound once displaced")
	}
	if !a.waivedBound {
		t.Fatalf("A's waived binding must remain after displacement")
	}
	if !b.HasStrongBinding() {
		t.Fatalf("B should hold the strong binding after becoming foreground")
	}

	last, ok := m.LastForeground()
	if !ok || last != b.PID() {
		t.Fatalf("lastForeground should now be B")
	}
}

// Single-OOM-protected invariant: on a low-memory host, at most one live
// connection ever holds initial, strong, or moderate at once, across a
// sequence of foreground handoffs.
func TestBindingManager_SingleOomProtectedInvariant(t *testing.T) {
	executor := NewExecutor(testLogger(), false)
	t.Cleanup(executor.Stop)
	binder := NewRecordingBinder()
	m := NewBindingManager(executor, true, time.Second, 10*time.Second, testLogger())

	workers := make([]*Connection, 4)
	for i := range workers {
		workers[i] = newTestWorker(t, executor, binder, i)
		w := workers[i]
		runOn(executor, func() { m.AddNewConnection(w.PID(), w) })
	}

	for _, w := range workers {
		w := w
		runOn(executor, func() { m.SetPriority(w.PID(), true, false) })

		protected := 0
		for _, other := range workers {
			if other.HasStrongBinding() || other.HasModerateBinding() || other.initialBound {
				protected++
			}
		}
		if protected > 1 {
			t.Fatalf("more than one worker is OOM-protected on a low-memory host: %d", protected)
		}
	}
}

// Seed scenario 3: background pin and restore.
func TestBindingManager_BackgroundPin(t *testing.T) {
	executor := NewExecutor(testLogger(), false)
	t.Cleanup(executor.Stop)
	binder := NewRecordingBinder()
	m := NewBindingManager(executor, false, time.Second, 10*time.Second, testLogger())

	a := newTestWorker(t, executor, binder, 0)
	b := newTestWorker(t, executor, binder, 1)
	runOn(executor, func() {
		m.AddNewConnection(a.PID(), a)
		m.AddNewConnection(b.PID(), b)
		m.SetPriority(a.PID(), true, false)
	})

	strongBefore := a.strongCount
	bBefore := b.strongCount

	m.OnSentToBackground()
	eventually(t, time.Second, func() bool {
		var got int
		runOn(executor, func() { got = a.strongCount })
		return got == strongBefore+1
	})
	runOn(executor, func() {
		if b.strongCount != bBefore {
			t.Fatalf("B must be unaffected by A's background pin")
		}
	})

	m.OnBroughtToForeground()
	eventually(t, time.Second, func() bool {
		var got int
		runOn(executor, func() { got = a.strongCount })
		return got == strongBefore
	})
}

// OnSentToBackground/OnBroughtToForeground called out of strict
// alternation must be logged, not silently corrupt state.
func TestBindingManager_BackgroundForegroundMustAlternate(t *testing.T) {
	executor := NewExecutor(testLogger(), false)
	t.Cleanup(executor.Stop)
	m := NewBindingManager(executor, false, time.Second, 10*time.Second, testLogger())

	m.OnSentToBackground()
	m.OnSentToBackground() // already backgrounded: logged, not fatal
	eventually(t, time.Second, func() bool {
		var fg bool
		runOn(executor, func() { fg = m.HostForeground() })
		return !fg
	})
}

// Seed scenario 4 (adapted): inserting A, B, C in order into a pool
// bounded to size 2 evicts the least-recently-touched entry (A), per the
// MRU-front/evict-tail rule in §4.6; see DESIGN.md for why this differs
// from the literal example text in spec §8.
func TestBindingManager_ModerateLRUEviction(t *testing.T) {
	executor := NewExecutor(testLogger(), false)
	t.Cleanup(executor.Stop)
	binder := NewRecordingBinder()
	m := NewBindingManager(executor, false, time.Millisecond, 10*time.Second, testLogger())
	m.StartModerateBindingManagement(2)

	a := newTestWorker(t, executor, binder, 0)
	b := newTestWorker(t, executor, binder, 1)
	c := newTestWorker(t, executor, binder, 2)
	for _, w := range []*Connection{a, b, c} {
		w := w
		runOn(executor, func() {
			m.AddNewConnection(w.PID(), w)
			m.insertModerate(w.PID(), w)
		})
	}

	if a.HasModerateBinding() {
		t.Fatalf("A should have been evicted once the pool exceeded size 2")
	}
	if !b.HasModerateBinding() || !c.HasModerateBinding() {
		t.Fatalf("B and C should still hold their moderate binding")
	}

	runOn(executor, func() {
		snap := m.ModeratePoolSnapshot()
		if len(snap) != 2 || snap[0] != c.PID() || snap[1] != b.PID() {
			t.Fatalf("expected MRU-first [C, B], got %v", snap)
		}
	})
}

// Moderate pool bound: |moderatePool| <= maxSize at all times.
func TestBindingManager_ModeratePoolBounded(t *testing.T) {
	executor := NewExecutor(testLogger(), false)
	t.Cleanup(executor.Stop)
	binder := NewRecordingBinder()
	m := NewBindingManager(executor, false, time.Millisecond, 10*time.Second, testLogger())
	m.StartModerateBindingManagement(2)

	for i := 0; i < 6; i++ {
		w := newTestWorker(t, executor, binder, i)
		runOn(executor, func() {
			m.AddNewConnection(w.PID(), w)
			m.insertModerate(w.PID(), w)
			if len(m.ModeratePoolSnapshot()) > 2 {
				t.Fatalf("moderate pool exceeded maxSize=2 after inserting worker %d", i)
			}
		})
	}
}

// Seed scenario 5: trim at RUNNING_LOW drops ~50% from the tail.
func TestBindingManager_TrimAtRunningLow(t *testing.T) {
	executor := NewExecutor(testLogger(), false)
	t.Cleanup(executor.Stop)
	binder := NewRecordingBinder()
	m := NewBindingManager(executor, false, time.Millisecond, 10*time.Second, testLogger())
	m.StartModerateBindingManagement(4)

	conns := make([]*Connection, 4)
	for i := range conns {
		conns[i] = newTestWorker(t, executor, binder, i)
		w := conns[i]
		runOn(executor, func() {
			m.AddNewConnection(w.PID(), w)
			m.insertModerate(w.PID(), w)
		})
	}
	// Pool is now MRU-first [D, C, B, A].
	runOn(executor, func() { m.OnTrimMemory(PressureRunningLow) })
	// OnTrimMemory re-posts to the executor; flush before asserting.
	runOn(executor, func() {})

	if conns[0].HasModerateBinding() || conns[1].HasModerateBinding() {
		t.Fatalf("the two oldest entries (A, B) should have been dropped")
	}
	if !conns[2].HasModerateBinding() || !conns[3].HasModerateBinding() {
		t.Fatalf("the two most recent entries (C, D) should survive a RUNNING_LOW trim")
	}
}

func TestBindingManager_CompletePressureDropsAll(t *testing.T) {
	executor := NewExecutor(testLogger(), false)
	t.Cleanup(executor.Stop)
	binder := NewRecordingBinder()
	m := NewBindingManager(executor, false, time.Millisecond, 10*time.Second, testLogger())
	m.StartModerateBindingManagement(4)

	w := newTestWorker(t, executor, binder, 0)
	runOn(executor, func() {
		m.AddNewConnection(w.PID(), w)
		m.insertModerate(w.PID(), w)
	})

	runOn(executor, func() { m.OnTrimMemory(PressureComplete) })
	runOn(executor, func() {})

	if w.HasModerateBinding() {
		t.Fatalf("COMPLETE pressure must drop every moderate binding")
	}
	runOn(executor, func() {
		if len(m.ModeratePoolSnapshot()) != 0 {
			t.Fatalf("pool must be empty after a COMPLETE trim")
		}
	})
}

func TestBindingManager_InvalidPidIsLoggedNotFatal(t *testing.T) {
	executor := NewExecutor(testLogger(), false)
	t.Cleanup(executor.Stop)
	m := NewBindingManager(executor, false, time.Second, 10*time.Second, testLogger())

	runOn(executor, func() {
		m.SetPriority(PID(99999), true, false) // must log and return, not panic
		m.RemoveConnection(PID(99999))
	})
}
