package procsentry

import (
	"context"
	"sync/atomic"
)

// Connection represents one worker process and the four binding levels
// that determine its OS importance. It generalizes the teacher's single
// WorkerState enum into the four independent levels the binding manager
// needs, plus one transport handle (the underlying workerProcess) shared
// by all of them.
type Connection struct {
	name     ServiceName
	executor *Executor
	process  *workerProcess
	binder   Binder
	logger   *Logger

	// PeerChecker, if set, is invoked once setup would otherwise commit
	// when creationParams.bindToCallerCheck is requested; a false result or
	// an error resolves setup with nil and records ErrPeerBindingRejected
	// as the setup failure reason.
	PeerChecker func(ctx context.Context) (bool, error)

	death DeathCallback

	started        bool
	channelUp      bool
	payloadSet     bool
	setupComplete  bool
	disconnected   bool
	unbound        bool
	payload        []byte
	requirePeerOK  bool

	initialBound       bool
	initialEverRemoved bool
	strongCount        int
	moderateBound      bool
	waivedBound        bool

	startCallback         StartCallback
	startCallbackFired    bool
	connectedCallback     ConnectionCallback
	connectedCallbackFired bool
	deathCallbackFired    bool

	// setupFailureReason records why setup resolved with nil, so a caller
	// like Launcher can tell a retriable peer-binding rejection apart from
	// a channel loss or an early Stop, which per the error taxonomy are not
	// retried.
	setupFailureReason error

	waivedOnlySnapshot atomic.Bool
}

// newConnection constructs a Connection bound to a freshly allocated slot.
// It is unexported: connections come into being only through Allocator.Allocate.
func newConnection(name ServiceName, process *workerProcess, binder Binder, executor *Executor, death DeathCallback, logger *Logger) *Connection {
	return &Connection{
		name:     name,
		executor: executor,
		process:  process,
		binder:   binder,
		death:    death,
		logger:   logger.WithConnection(name),
	}
}

// Name returns the connection's service name.
func (c *Connection) Name() ServiceName { return c.name }

// PID returns the worker's process id, or 0 if setup has not completed.
func (c *Connection) PID() PID {
	if !c.setupComplete {
		return 0
	}
	return c.process.PID()
}

// IsConnected reports whether the channel is up and neither disconnected
// nor stopped; strong-binding changes are only honored while this holds.
func (c *Connection) IsConnected() bool {
	return c.channelUp && !c.disconnected && !c.unbound
}

// WaivedOnlyOrWhenDied is readable from any goroutine without
// synchronization: it returns the live snapshot, or the snapshot frozen
// at disconnect time if the connection has already died. Staleness is
// acceptable by design; see the design notes on the racy cross-thread
// snapshot.
func (c *Connection) WaivedOnlyOrWhenDied() bool {
	return c.waivedOnlySnapshot.Load()
}

// Start binds either the initial or the strong level, plus the waived
// level that is held for the connection's entire live lifetime, then
// spawns the worker process. onStart fires exactly once: Started() once
// the channel is confirmed up, or Failed() if the process failed to
// start. Start must only be called once; the caller must not retry this
// same Connection on failure (the launcher facade re-enters with a fresh
// allocation instead).
func (c *Connection) Start(ctx context.Context, useStrong bool, onStart StartCallback) error {
	c.executor.assertOnExecutor()
	if c.started {
		return ErrAlreadyStarted
	}
	c.started = true
	c.startCallback = onStart

	if useStrong {
		// addStrongBinding is gated on IsConnected(), which requires
		// channelUp; at this point the process hasn't been spawned yet,
		// so the gated helper would silently drop the bind. Start owns
		// channel-up sequencing itself, so it sets the count directly.
		c.strongCount++
		c.recomputeAndApply()
	} else {
		c.addInitialBinding()
	}
	c.addWaivedBinding()

	c.process.onExit = func(err error) {
		c.executor.Post(c.handleChannelLoss)
	}

	if err := c.process.Start(ctx); err != nil {
		c.fireDeath()
		c.fireStart(false)
		return err
	}

	c.channelUp = true
	c.fireStart(true)
	c.tryCommitSetup(ctx)
	return nil
}

func (c *Connection) fireStart(ok bool) {
	if c.startCallbackFired {
		return
	}
	c.startCallbackFired = true
	if c.startCallback == nil {
		return
	}
	if ok {
		c.startCallback.Started()
	} else {
		c.startCallback.Failed()
	}
}

// SetupConnection records the caller-supplied setup payload and, once the
// channel is up, peer-binding (if requested) is verified, and no
// disconnect has been observed, commits setup and assigns the worker's
// pid. onConnected fires exactly once: with the live connection on
// success, or nil on any failure path (channel lost before setup, stop
// during setup, or peer-binding rejection).
func (c *Connection) SetupConnection(ctx context.Context, payload []byte, requirePeerCheck bool, onConnected ConnectionCallback) {
	c.executor.assertOnExecutor()
	if c.payloadSet {
		c.logger.Error("setupConnection called twice")
		return
	}
	c.payload = payload
	c.payloadSet = true
	c.requirePeerOK = requirePeerCheck
	c.connectedCallback = onConnected
	c.tryCommitSetup(ctx)
}

func (c *Connection) tryCommitSetup(ctx context.Context) {
	if c.connectedCallbackFired || !c.channelUp || !c.payloadSet {
		return
	}
	if c.disconnected || c.unbound {
		c.setupFailureReason = ErrChannelLost
		c.completeSetup(nil)
		return
	}
	if c.requirePeerOK && c.PeerChecker != nil {
		ok, err := c.PeerChecker(ctx)
		if err != nil || !ok {
			c.logger.WarnContext(ctx, "peer binding check rejected", "error", err)
			c.setupFailureReason = ErrPeerBindingRejected
			c.completeSetup(nil)
			return
		}
	}
	c.setupComplete = true
	c.completeSetup(c)
}

func (c *Connection) completeSetup(result *Connection) {
	if c.connectedCallbackFired {
		return
	}
	c.connectedCallbackFired = true
	if c.connectedCallback != nil {
		c.connectedCallback.OnConnected(result)
	}
}

// Stop unbinds every level and tears down the worker process. Idempotent:
// a second call is a no-op.
func (c *Connection) Stop() {
	c.executor.assertOnExecutor()
	if c.unbound {
		return
	}
	c.unbound = true

	c.initialBound = false
	c.strongCount = 0
	c.moderateBound = false
	c.waivedBound = false
	c.recomputeAndApply()

	proc := c.process
	go func() { _ = proc.Stop(context.Background()) }()
}

// addInitialBinding is a no-op once removed: the design preserves the
// source invariant that initial binds exactly once at start.
func (c *Connection) addInitialBinding() {
	c.executor.assertOnExecutor()
	if c.initialEverRemoved || c.initialBound {
		return
	}
	c.initialBound = true
	c.recomputeAndApply()
}

func (c *Connection) removeInitialBinding() {
	c.executor.assertOnExecutor()
	if !c.initialBound {
		c.initialEverRemoved = true
		return
	}
	c.initialBound = false
	c.initialEverRemoved = true
	c.recomputeAndApply()
}

func (c *Connection) addStrongBinding() {
	c.executor.assertOnExecutor()
	if !c.IsConnected() {
		c.logger.Warn("addStrongBinding ignored: not connected")
		return
	}
	c.strongCount++
	c.recomputeAndApply()
}

func (c *Connection) removeStrongBinding() {
	c.executor.assertOnExecutor()
	if !c.IsConnected() {
		c.logger.Warn("removeStrongBinding ignored: not connected")
		return
	}
	if c.strongCount == 0 {
		return
	}
	c.strongCount--
	c.recomputeAndApply()
}

func (c *Connection) addModerateBinding() {
	c.executor.assertOnExecutor()
	if !c.IsConnected() {
		return
	}
	if c.moderateBound {
		return
	}
	c.moderateBound = true
	c.recomputeAndApply()
}

func (c *Connection) removeModerateBinding() {
	c.executor.assertOnExecutor()
	if !c.moderateBound {
		return
	}
	c.moderateBound = false
	c.recomputeAndApply()
}

func (c *Connection) addWaivedBinding() {
	if c.waivedBound {
		return
	}
	c.waivedBound = true
	c.recomputeAndApply()
}

func (c *Connection) removeWaivedBinding() {
	if !c.waivedBound {
		return
	}
	c.waivedBound = false
	c.recomputeAndApply()
}

// DropOomBindings forcibly clears initial, strong, and moderate; waived
// remains. Used only on low-memory hosts when a new foreground connection
// displaces this one.
func (c *Connection) DropOomBindings() {
	c.executor.assertOnExecutor()
	c.initialBound = false
	c.strongCount = 0
	c.moderateBound = false
	c.recomputeAndApply()
}

// SetupFailureReason returns why setup resolved with a nil connection, or
// nil if setup succeeded or has not yet resolved.
func (c *Connection) SetupFailureReason() error { return c.setupFailureReason }

// HasStrongBinding reports whether the strong refcount is currently above
// zero, used by the binding manager to decide moderate-pool insertion.
func (c *Connection) HasStrongBinding() bool { return c.strongCount > 0 }

// HasModerateBinding reports the current moderate-level flag.
func (c *Connection) HasModerateBinding() bool { return c.moderateBound }

func (c *Connection) recomputeAndApply() {
	levels := LevelSet{
		Initial:  c.initialBound,
		Strong:   c.strongCount > 0,
		Moderate: c.moderateBound,
		Waived:   c.waivedBound,
	}
	// Once unbound (by Stop or channel loss), the snapshot stays frozen at
	// its value from the moment of death.
	if !c.unbound {
		waivedOnly := levels.Waived && !levels.Initial && !levels.Strong && !levels.Moderate
		c.waivedOnlySnapshot.Store(waivedOnly)
	}

	pid := c.process.PID()
	if pid == 0 {
		return
	}
	if !levels.Initial && !levels.Strong && !levels.Moderate && !levels.Waived {
		_ = c.binder.Release(pid)
		return
	}
	_ = c.binder.Apply(pid, levels)
}

func (c *Connection) fireDeath() {
	if c.deathCallbackFired {
		return
	}
	c.deathCallbackFired = true
	if c.death != nil {
		c.death.OnDied(c)
	}
}

// handleChannelLoss runs on the launcher thread (posted there by the
// process monitor goroutine, which observes the exit on an OS-chosen
// thread). It marks the connection disconnected, unbinds everything,
// and fires any outstanding callbacks with a failure result. A
// connection never auto-restarts.
func (c *Connection) handleChannelLoss() {
	if c.disconnected {
		return
	}
	c.disconnected = true
	c.Stop()
	c.fireDeath()
	if c.payloadSet && !c.connectedCallbackFired {
		c.setupFailureReason = ErrChannelLost
		c.completeSetup(nil)
	}
	if !c.startCallbackFired {
		c.fireStart(false)
	}
}
