package procsentry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Launcher is the public facade: it selects a class's allocator by spawn
// parameters, orchestrates the spare/new-allocation decision, retries a
// transient start failure up to SpawnRetries times (once by default), and
// defers the free-after-stop.
// Grounded on the teacher's top-level Pool orchestration and on
// HackStrix-steel-infra-assessment's retry-with-a-new-worker loop,
// generalized to the spare-then-allocate-then-start-then-setup pipeline
// with a bounded automatic retry per spawn, guarded per worker
// class by a circuit breaker so a permanently broken class stops
// consuming slots instead of retrying forever.
type Launcher struct {
	executor *Executor
	logger   *Logger
	metrics  *Metrics

	allocators map[WorkerClass]*Allocator
	spare      *SpareConnectionHolder
	binding    *BindingManager

	freeAfterStop time.Duration
	maxRetries    int

	breakersMu sync.Mutex
	breakers   map[WorkerClass]*gobreaker.CircuitBreaker

	registryMu sync.Mutex
	byPID      map[PID]*Connection

	// PeerCheckerFactory builds the PeerChecker a connection uses to honor
	// CreationParams.BindToCallerCheck. Nil means no connection ever
	// performs a peer check even if requested.
	PeerCheckerFactory func(ServiceName) func(ctx context.Context) (bool, error)

	// Codec marshals a SetupEnvelope for spawns that don't supply their
	// own pre-encoded SpawnData.SetupPayload. Nil leaves such spawns with
	// a nil payload, as before.
	Codec Codec
}

// LauncherOptions configures a Launcher.
type LauncherOptions struct {
	FreeAfterStop time.Duration
	SpawnRetries  int
}

// NewLauncher wires an executor, the per-class allocators, a spare
// holder, and a binding manager into one facade.
func NewLauncher(executor *Executor, allocators map[WorkerClass]*Allocator, spare *SpareConnectionHolder, binding *BindingManager, opts LauncherOptions, logger *Logger) *Launcher {
	if opts.FreeAfterStop <= 0 {
		opts.FreeAfterStop = time.Millisecond
	}
	if opts.SpawnRetries <= 0 {
		opts.SpawnRetries = 1
	}
	l := &Launcher{
		executor:      executor,
		logger:        logger,
		metrics:       NewMetrics(),
		allocators:    allocators,
		spare:         spare,
		binding:       binding,
		freeAfterStop: opts.FreeAfterStop,
		maxRetries:    opts.SpawnRetries,
		breakers:      make(map[WorkerClass]*gobreaker.CircuitBreaker),
		byPID:         make(map[PID]*Connection),
	}
	if binding != nil {
		binding.SetMetrics(l.metrics)
	}
	return l
}

// Start dispatches a spawn request per the facade's selection order:
// consume a matching spare, else allocate (queueing if the pool is
// full), start the connection, and on success set up its channel and
// register it with the binding manager.
func (l *Launcher) Start(ctx context.Context, spawn SpawnData) {
	l.executor.assertOnExecutor()
	l.startAttempt(ctx, spawn, 0)
}

func (l *Launcher) startAttempt(ctx context.Context, spawn SpawnData, attempt int) {
	breaker := l.breakerFor(spawn.Class)
	if breaker.State() == gobreaker.StateOpen {
		l.logger.Warn("spawn short-circuited by open breaker", "class", spawn.Class)
		l.notify(spawn, nil)
		return
	}

	if conn := l.spare.GetConnection(spawn.Class, spawn.Parameters, nil); conn != nil {
		l.metrics.SpawnsFromSpare.Add(1)
		l.finishSetup(ctx, spawn, conn, attempt)
		return
	}

	allocator := l.allocators[spawn.Class]
	if allocator == nil {
		l.logger.Error("no allocator for class", "class", spawn.Class)
		l.notify(spawn, nil)
		return
	}

	conn, queued := allocator.Allocate(spawn, DeathCallbackFunc(l.onDeath), true, l.logger)
	if queued {
		l.metrics.SpawnsQueued.Add(1)
		return // a request was queued; no immediate dispatch
	}
	if conn == nil {
		l.notify(spawn, nil)
		return
	}

	l.metrics.SpawnsAttempted.Add(1)
	_, err := breaker.Execute(func() (interface{}, error) {
		return nil, conn.Start(ctx, spawn.Foreground, nil)
	})
	if err != nil {
		l.metrics.SpawnsFailed.Add(1)
		// The failed slot is not manually freed here: it is released
		// through the normal death/free path that Connection.Start
		// already triggered via its death callback.
		if attempt < l.maxRetries {
			l.metrics.SpawnsRetried.Add(1)
			l.startAttempt(ctx, spawn, attempt+1)
			return
		}
		l.notify(spawn, nil)
		return
	}
	l.metrics.SpawnsSucceeded.Add(1)

	l.finishSetup(ctx, spawn, conn, attempt)
}

// finishSetup runs setup on a started connection. A peer-binding
// rejection is retriable — the facade re-enters start as a distinct
// spawn, bounded by the same attempt counter as a transient start
// failure — while a channel loss or an early Stop during setup resolve
// straight to nil, per the error taxonomy.
func (l *Launcher) finishSetup(ctx context.Context, spawn SpawnData, conn *Connection, attempt int) {
	if l.PeerCheckerFactory != nil {
		conn.PeerChecker = l.PeerCheckerFactory(conn.Name())
	}
	payload := spawn.SetupPayload
	if payload == nil && l.Codec != nil {
		encoded, err := l.Codec.Marshal(SetupEnvelope{
			Service:   conn.Name().String(),
			Package:   spawn.Parameters.PackageNameForSandboxed,
			Sandboxed: spawn.Sandboxed,
		})
		if err != nil {
			l.logger.Error("failed to encode setup envelope", "error", err)
		} else {
			payload = encoded
		}
	}
	conn.SetupConnection(ctx, payload, spawn.Parameters.BindToCallerCheck, ConnectionCallbackFunc(func(result *Connection) {
		l.executor.Post(func() {
			if result == nil {
				if errors.Is(conn.SetupFailureReason(), ErrPeerBindingRejected) && attempt < l.maxRetries {
					l.metrics.SpawnsRetried.Add(1)
					l.startAttempt(ctx, spawn, attempt+1)
					return
				}
				l.notify(spawn, nil)
				return
			}
			l.registryMu.Lock()
			l.byPID[result.PID()] = result
			l.registryMu.Unlock()

			if spawn.Sandboxed {
				l.binding.AddNewConnection(result.PID(), result)
			}
			l.notify(spawn, result)
		})
	}))
}

func (l *Launcher) notify(spawn SpawnData, conn *Connection) {
	if spawn.LaunchCallback != nil {
		spawn.LaunchCallback.OnStarted(conn)
	}
}

// Stop removes the worker from the binding manager, stops the
// connection, and schedules a Free on its allocator after FreeAfterStop
// — long enough to let the host OS finish tearing the worker down before
// its slot can be reused.
func (l *Launcher) Stop(pid PID) {
	l.executor.assertOnExecutor()
	l.binding.RemoveConnection(pid)

	l.registryMu.Lock()
	conn, ok := l.byPID[pid]
	l.registryMu.Unlock()
	if !ok {
		l.logger.Warn("stop called for unknown pid", "pid", int32(pid))
		return
	}

	conn.Stop()
	l.metrics.WorkersStopped.Add(1)
	l.executor.PostDelayed(func() { l.freeAndRedispatch(conn) }, l.freeAfterStop)
}

// onDeath is the death callback threaded through Allocator.Allocate; it
// fires at most once per connection, when the process fails to start or
// dies on its own. A caller-initiated Stop does not fire it; Stop frees
// the slot through its own delayed task instead.
func (l *Launcher) onDeath(conn *Connection) {
	l.executor.Post(func() {
		l.metrics.WorkersDiedUnexpected.Add(1)
		l.freeAndRedispatch(conn)
	})
}

func (l *Launcher) freeAndRedispatch(conn *Connection) {
	l.registryMu.Lock()
	delete(l.byPID, conn.PID())
	l.registryMu.Unlock()

	allocator := l.allocators[conn.Name().Class]
	if allocator == nil {
		return
	}
	spawn, queued := allocator.Free(conn)
	if queued {
		l.startAttempt(context.Background(), spawn, 0)
	}
}

func (l *Launcher) breakerFor(class WorkerClass) *gobreaker.CircuitBreaker {
	l.breakersMu.Lock()
	defer l.breakersMu.Unlock()
	b, ok := l.breakers[class]
	if ok {
		return b
	}
	b = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(class),
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	l.breakers[class] = b
	return b
}

// WarmUp pre-warms a spare connection for the given parameters.
func (l *Launcher) WarmUp(ctx context.Context, class WorkerClass, useStrong bool, params CreationParams) {
	l.executor.assertOnExecutor()
	l.spare.WarmUp(ctx, class, useStrong, params)
}

// GetBindingManager returns the launcher's binding manager.
func (l *Launcher) GetBindingManager() *BindingManager { return l.binding }

// SetInForeground forwards the visibility signal to the binding manager.
func (l *Launcher) SetInForeground(pid PID, foreground, boost bool) {
	l.binding.SetPriority(pid, foreground, boost)
}

// IsOomProtected reports whether pid currently holds any binding level
// other than waived.
func (l *Launcher) IsOomProtected(pid PID) bool {
	l.registryMu.Lock()
	conn, ok := l.byPID[pid]
	l.registryMu.Unlock()
	if !ok {
		return false
	}
	return !conn.WaivedOnlyOrWhenDied()
}

// GetNumberOfSandboxedServices returns the fixed slot count for the
// sandboxed worker class.
func (l *Launcher) GetNumberOfSandboxedServices() int {
	allocator := l.allocators[ClassSandboxed]
	if allocator == nil {
		return 0
	}
	return allocator.GetNumberOfServices()
}

// GetMetrics returns a snapshot of spawn/stop/death counters plus the
// current per-class allocator and moderate-pool gauges.
func (l *Launcher) GetMetrics() MetricsSnapshot {
	snap := l.metrics.Snapshot()
	snap.Timestamp = time.Now()
	return WithAllocatorState(snap, l.allocators, l.binding)
}
