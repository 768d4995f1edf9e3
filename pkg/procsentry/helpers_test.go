package procsentry

import (
	"context"
	"testing"
	"time"
)

// testLogger returns a quiet logger so test output isn't drowned out by
// the package's own info/warn logging.
func testLogger() *Logger {
	return NewLogger(LoggingConfig{Level: "error", Format: "text"})
}

// runOn posts fn to e and blocks until it has fully run, including every
// synchronous call it makes. Every test in this package that touches
// allocator/connection/binding-manager state goes through this instead of
// calling methods from the test goroutine directly, matching the
// launcher-thread confinement the rest of the package relies on.
func runOn(e *Executor, fn func()) {
	done := make(chan struct{})
	e.Post(func() {
		fn()
		close(done)
	})
	<-done
}

// newTestAllocator builds an Allocator of simulated (no real exec)
// connections backed by a RecordingBinder, plus the executor it runs on.
func newTestAllocator(t *testing.T, class WorkerClass, size int) (*Executor, *Allocator, *RecordingBinder) {
	t.Helper()
	executor := NewExecutor(testLogger(), false)
	t.Cleanup(executor.Stop)
	binder := NewRecordingBinder()
	allocator := NewAllocator(class, size, executor, NewSimulatedProcessFactory(class, binder))
	return executor, allocator, binder
}

// spawnSync runs the allocate-then-start-then-setup sequence (no spare)
// for one spawn entirely on the executor, synchronously, returning the
// live connection (or nil on any failure/rejection) and whether the
// request was queued instead of dispatched.
func spawnSync(t *testing.T, e *Executor, a *Allocator, spawn SpawnData, death DeathCallback) (conn *Connection, queued bool) {
	t.Helper()
	runOn(e, func() {
		conn, queued = a.Allocate(spawn, death, true, testLogger())
		if queued || conn == nil {
			return
		}
		if err := conn.Start(context.Background(), spawn.Foreground, nil); err != nil {
			conn = nil
			return
		}
		conn.SetupConnection(context.Background(), nil, spawn.Parameters.BindToCallerCheck, ConnectionCallbackFunc(func(result *Connection) {
			conn = result
		}))
	})
	return conn, queued
}

// eventually polls cond every 5ms until it reports true or timeout
// elapses, for assertions on state that changes via a delayed task
// (hysteresis removal, background drain) rather than synchronously.
func eventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
