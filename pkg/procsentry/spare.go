package procsentry

import "context"

// spareState tracks the lifecycle of the single connection a
// SpareConnectionHolder pre-warms.
type spareState int

const (
	spareEmpty spareState = iota
	spareWarming
	spareReady
	spareFailed
	spareClaimed
)

// SpareConnectionHolder eagerly allocates and starts one connection for a
// specific parameter triple and hands it to the first caller whose
// request matches. Grounded on the teacher's pool pre-warming of idle
// connections in Pool.Start, generalized from "N warm connections" down
// to a single-shot, parameter-matched spare.
type SpareConnectionHolder struct {
	executor *Executor
	logger   *Logger

	allocator *Allocator

	state  spareState
	params CreationParams
	class  WorkerClass
	conn   *Connection
}

// NewSpareConnectionHolder creates an empty holder bound to the given
// allocator; call WarmUp to actually prepare a spare.
func NewSpareConnectionHolder(executor *Executor, allocator *Allocator, logger *Logger) *SpareConnectionHolder {
	return &SpareConnectionHolder{executor: executor, allocator: allocator, logger: logger}
}

// WarmUp allocates and starts a connection for params ahead of any
// caller asking for it. If a spare is already held, it is replaced only
// once it is empty (claimed, failed, or never warmed).
func (h *SpareConnectionHolder) WarmUp(ctx context.Context, class WorkerClass, useStrong bool, params CreationParams) {
	h.executor.assertOnExecutor()
	if h.state == spareWarming || h.state == spareReady {
		return
	}

	conn, queued := h.allocator.Allocate(SpawnData{Class: class, Parameters: params}, DeathCallbackFunc(func(c *Connection) {
		h.onDeath(c)
	}), false, h.logger)
	if queued || conn == nil {
		h.state = spareFailed
		return
	}

	h.class = class
	h.params = params
	h.conn = conn
	h.state = spareWarming

	err := conn.Start(ctx, useStrong, startCallback{
		onStarted: func() { h.onStarted() },
		onFailed:  func() { h.onFailed() },
	})
	if err != nil {
		h.onFailed()
	}
}

func (h *SpareConnectionHolder) onStarted() {
	h.executor.Post(func() {
		if h.state == spareWarming {
			h.state = spareReady
		}
	})
}

func (h *SpareConnectionHolder) onFailed() {
	h.executor.Post(func() {
		if h.state == spareWarming {
			h.state = spareFailed
		}
	})
}

func (h *SpareConnectionHolder) onDeath(conn *Connection) {
	h.executor.Post(func() {
		if h.conn == conn {
			h.state = spareEmpty
			h.conn = nil
		}
	})
}

// GetConnection returns the held connection iff every parameter matches
// and no prior caller has claimed it. A mismatch is not an error: the
// spare simply declines so the facade falls through to normal
// allocation. If the connection already reached READY, onStart.Started
// is dispatched via the launcher thread rather than synchronously, to
// preserve caller ordering; if the spare already failed it clears itself
// and returns nil.
func (h *SpareConnectionHolder) GetConnection(class WorkerClass, expected CreationParams, onStart StartCallback) *Connection {
	h.executor.assertOnExecutor()

	if h.state == spareFailed {
		h.state = spareEmpty
		h.conn = nil
		return nil
	}
	if h.state != spareWarming && h.state != spareReady {
		return nil
	}
	if h.class != class || !h.params.Equal(expected) {
		return nil
	}

	conn := h.conn
	ready := h.state == spareReady
	h.state = spareClaimed
	h.conn = nil

	if ready && onStart != nil {
		h.executor.Post(func() { onStart.Started() })
	}
	return conn
}

// startCallback adapts two closures to the StartCallback interface.
type startCallback struct {
	onStarted func()
	onFailed  func()
}

func (s startCallback) Started() { s.onStarted() }
func (s startCallback) Failed()  { s.onFailed() }
