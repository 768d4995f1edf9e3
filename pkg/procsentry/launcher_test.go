package procsentry

import (
	"context"
	"sync"
	"testing"
	"time"
)

func newTestLauncher(t *testing.T, class WorkerClass, size int) (*Executor, *Launcher, *Allocator) {
	t.Helper()
	executor := NewExecutor(testLogger(), false)
	t.Cleanup(executor.Stop)
	binder := NewRecordingBinder()
	allocator := NewAllocator(class, size, executor, NewSimulatedProcessFactory(class, binder))
	spare := NewSpareConnectionHolder(executor, allocator, testLogger())
	binding := NewBindingManager(executor, false, time.Second, 10*time.Second, testLogger())
	launcher := NewLauncher(executor, map[WorkerClass]*Allocator{class: allocator}, spare, binding, LauncherOptions{SpawnRetries: 1}, testLogger())
	return executor, launcher, allocator
}

// Seed scenario 6: a peer-binding rejection on the first attempt is
// retried exactly once, landing on a fresh connection that accepts.
func TestLauncher_PeerBindingRejectionRetriesOnce(t *testing.T) {
	executor, launcher, allocator := newTestLauncher(t, ClassSandboxed, 2)

	launcher.PeerCheckerFactory = func(name ServiceName) func(ctx context.Context) (bool, error) {
		return func(ctx context.Context) (bool, error) {
			// The first slot the allocator hands out is rejected by the
			// peer; the retry lands in a different slot and is accepted.
			return name.Slot != 0, nil
		}
	}

	var mu sync.Mutex
	var result *Connection
	var calls int
	spawn := SpawnData{
		Class:      ClassSandboxed,
		Parameters: CreationParams{BindToCallerCheck: true},
		LaunchCallback: LaunchCallbackFunc(func(conn *Connection) {
			mu.Lock()
			result = conn
			calls++
			mu.Unlock()
		}),
	}

	runOn(executor, func() { launcher.Start(context.Background(), spawn) })

	eventually(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if result == nil {
		t.Fatalf("expected the retried spawn to succeed, got nil connection")
	}
	if result.Name().Slot != 1 {
		t.Fatalf("expected the retry to land in slot 1, got slot %d", result.Name().Slot)
	}
	if got := launcher.GetMetrics().SpawnsRetried; got != 1 {
		t.Fatalf("SpawnsRetried = %d, want 1", got)
	}
	runOn(executor, func() {
		if got := allocator.FreeSlotCount(); got != 0 {
			t.Fatalf("expected both slots occupied (the rejected one is never freed), got %d free", got)
		}
	})
}

// A rejection that never clears within the retry budget resolves to nil,
// not an infinite retry loop.
func TestLauncher_PeerBindingRejectionBoundedByRetries(t *testing.T) {
	executor, launcher, _ := newTestLauncher(t, ClassSandboxed, 3)
	launcher.PeerCheckerFactory = func(ServiceName) func(ctx context.Context) (bool, error) {
		return func(ctx context.Context) (bool, error) { return false, nil }
	}

	var mu sync.Mutex
	var calls int
	var sawNil bool
	spawn := SpawnData{
		Class:      ClassSandboxed,
		Parameters: CreationParams{BindToCallerCheck: true},
		LaunchCallback: LaunchCallbackFunc(func(conn *Connection) {
			mu.Lock()
			calls++
			sawNil = conn == nil
			mu.Unlock()
		}),
	}

	runOn(executor, func() { launcher.Start(context.Background(), spawn) })

	eventually(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if !sawNil {
		t.Fatalf("expected the spawn to resolve to nil once the retry budget is exhausted")
	}
	if got := launcher.GetMetrics().SpawnsRetried; got != 1 {
		t.Fatalf("SpawnsRetried = %d, want exactly 1 (bounded by SpawnRetries=1)", got)
	}
}

// Seed scenario 7: a spawn matching a warmed spare's parameters is
// served without consuming a new slot; a mismatched spawn falls through
// to ordinary allocation.
func TestLauncher_SpareHitVsMiss(t *testing.T) {
	executor, launcher, allocator := newTestLauncher(t, ClassSandboxed, 2)
	params := CreationParams{PackageNameForSandboxed: "warm.pkg"}

	runOn(executor, func() {
		launcher.WarmUp(context.Background(), ClassSandboxed, false, params)
	})
	runOn(executor, func() {
		if got := allocator.FreeSlotCount(); got != 1 {
			t.Fatalf("warm-up should occupy exactly one slot, %d free", got)
		}
	})

	var hit, miss *Connection
	hitSpawn := SpawnData{
		Class:      ClassSandboxed,
		Parameters: params,
		LaunchCallback: LaunchCallbackFunc(func(conn *Connection) { hit = conn }),
	}
	missSpawn := SpawnData{
		Class:      ClassSandboxed,
		Parameters: CreationParams{PackageNameForSandboxed: "cold.pkg"},
		LaunchCallback: LaunchCallbackFunc(func(conn *Connection) { miss = conn }),
	}

	runOn(executor, func() {
		launcher.Start(context.Background(), hitSpawn)
		launcher.Start(context.Background(), missSpawn)
	})
	// finishSetup re-posts each launch callback to the executor; flush it.
	runOn(executor, func() {})

	if hit == nil {
		t.Fatalf("expected the matching spawn to hit the warm spare")
	}
	if miss == nil {
		t.Fatalf("expected the mismatched spawn to fall through to a fresh allocation")
	}
	if hit == miss {
		t.Fatalf("spare hit and allocator miss must not resolve to the same connection")
	}

	runOn(executor, func() {
		if got := allocator.FreeSlotCount(); got != 0 {
			t.Fatalf("expected both slots occupied (one from warm-up, one from the miss), got %d free", got)
		}
	})
	if got := launcher.GetMetrics().SpawnsFromSpare; got != 1 {
		t.Fatalf("SpawnsFromSpare = %d, want 1", got)
	}
}

// A spawn that supplies no pre-encoded SetupPayload gets one marshaled
// from its configured Codec, and the bytes that reach the connection
// decode back to the fields the spawn was described with.
func TestLauncher_EncodesSetupPayloadWithCodec(t *testing.T) {
	executor, launcher, _ := newTestLauncher(t, ClassSandboxed, 1)
	launcher.Codec = &JSONCodec{}

	var conn *Connection
	spawn := SpawnData{
		Class:      ClassSandboxed,
		Sandboxed:  true,
		Parameters: CreationParams{PackageNameForSandboxed: "codec.pkg"},
		LaunchCallback: LaunchCallbackFunc(func(c *Connection) { conn = c }),
	}
	runOn(executor, func() { launcher.Start(context.Background(), spawn) })
	runOn(executor, func() {}) // flush the re-posted launch callback
	if conn == nil {
		t.Fatalf("expected the spawn to succeed")
	}

	var envelope SetupEnvelope
	runOn(executor, func() {
		if err := launcher.Codec.Unmarshal(conn.payload, &envelope); err != nil {
			t.Fatalf("decode setup payload: %v", err)
		}
	})
	if envelope.Package != "codec.pkg" || !envelope.Sandboxed {
		t.Fatalf("unexpected decoded envelope: %+v", envelope)
	}
}

// Stop removes a connection from the binding manager and eventually
// frees its slot for redispatch.
func TestLauncher_StopFreesSlotAfterDelay(t *testing.T) {
	executor, launcher, allocator := newTestLauncher(t, ClassSandboxed, 1)

	var conn *Connection
	spawn := SpawnData{
		Class:     ClassSandboxed,
		Sandboxed: true,
		LaunchCallback: LaunchCallbackFunc(func(c *Connection) { conn = c }),
	}
	runOn(executor, func() { launcher.Start(context.Background(), spawn) })
	runOn(executor, func() {}) // flush the re-posted launch callback
	if conn == nil {
		t.Fatalf("expected the spawn to succeed")
	}

	runOn(executor, func() { launcher.Stop(conn.PID()) })
	eventually(t, time.Second, func() bool {
		var free int
		runOn(executor, func() { free = allocator.FreeSlotCount() })
		return free == 1
	})
}
