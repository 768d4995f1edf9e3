package procsentry

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Task is a unit of work run on the launcher thread.
type Task func()

// TaskHandle identifies a delayed task so it can be cancelled by identity.
type TaskHandle uint64

// Executor is the single-thread serialization anchor for every lifecycle
// call in this package: the allocator, connection, spare holder, launcher
// facade, and binding manager all mutate state only from tasks run here.
// Most public entry points into those types must be called from a task on
// this executor (assertOnExecutor checks it); the memory-pressure and host
// foreground/background signals post themselves here instead.
type Executor struct {
	tasks chan Task

	mu          sync.Mutex
	delayed     map[TaskHandle]*time.Timer
	nextHandle  atomic.Uint64
	goroutineID atomic.Int64 // -1 until the run loop claims it

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
	strict   bool
	logger   *Logger
}

// NewExecutor starts the launcher thread and returns a handle to it.
// When strict is true, assertOnExecutor panics on violation instead of
// merely logging it; production callers should leave it false.
func NewExecutor(logger *Logger, strict bool) *Executor {
	if logger == nil {
		logger = NewLogger(LoggingConfig{Level: "info", Format: "text"})
	}
	e := &Executor{
		tasks:   make(chan Task, 4096),
		delayed: make(map[TaskHandle]*time.Timer),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		strict:  strict,
		logger:  logger,
	}
	e.goroutineID.Store(-1)
	go e.run()
	return e
}

func (e *Executor) run() {
	defer close(e.doneCh)
	e.goroutineID.Store(currentGoroutineID())
	for {
		select {
		case <-e.stopCh:
			e.drain()
			return
		case t := <-e.tasks:
			e.exec(t)
		}
	}
}

func (e *Executor) drain() {
	for {
		select {
		case t := <-e.tasks:
			e.exec(t)
		default:
			return
		}
	}
}

func (e *Executor) exec(t Task) {
	if t == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("task panicked", "recover", r)
		}
	}()
	t()
}

// Post enqueues a task to run on the launcher thread. Safe to call from
// any goroutine.
func (e *Executor) Post(t Task) {
	select {
	case e.tasks <- t:
	case <-e.stopCh:
	}
}

// PostDelayed schedules a task to run on the launcher thread after delay
// and returns a handle that Cancel can use to withdraw it before it fires.
func (e *Executor) PostDelayed(t Task, delay time.Duration) TaskHandle {
	h := TaskHandle(e.nextHandle.Add(1))
	timer := time.AfterFunc(delay, func() {
		e.mu.Lock()
		delete(e.delayed, h)
		e.mu.Unlock()
		e.Post(t)
	})
	e.mu.Lock()
	e.delayed[h] = timer
	e.mu.Unlock()
	return h
}

// Cancel withdraws a delayed task scheduled via PostDelayed. It is a no-op
// if the task already fired or was never scheduled.
func (e *Executor) Cancel(h TaskHandle) {
	e.mu.Lock()
	timer, ok := e.delayed[h]
	if ok {
		delete(e.delayed, h)
	}
	e.mu.Unlock()
	if ok {
		timer.Stop()
	}
}

// RunningOnLauncherThread reports whether the calling goroutine is the
// executor's own run loop.
func (e *Executor) RunningOnLauncherThread() bool {
	return currentGoroutineID() == e.goroutineID.Load()
}

// assertOnExecutor is the runtime assertion named in the design: every
// public operation on the allocator, connection, spare holder, launcher
// facade, and binding manager must only be called from the launcher
// thread, except the handful of collaborator callbacks that are
// explicitly re-posted instead.
func (e *Executor) assertOnExecutor() {
	if e.RunningOnLauncherThread() {
		return
	}
	if e.strict {
		panic("procsentry: called off the launcher thread")
	}
	e.logger.Error("called off the launcher thread")
}

// Stop terminates the run loop after draining whatever is already queued.
// Delayed tasks not yet fired are cancelled.
func (e *Executor) Stop() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		for h, timer := range e.delayed {
			timer.Stop()
			delete(e.delayed, h)
		}
		e.mu.Unlock()
		close(e.stopCh)
	})
	<-e.doneCh
}

// currentGoroutineID parses the running goroutine's numeric ID out of a
// runtime.Stack trace. There is no supported API for this; it exists
// purely to back the debug-mode thread-confinement assertion above and is
// never relied on for correctness.
func currentGoroutineID() int64 {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	buf = bytes.TrimPrefix(buf, []byte("goroutine "))
	idx := bytes.IndexByte(buf, ' ')
	if idx < 0 {
		return -1
	}
	id, err := strconv.ParseInt(string(buf[:idx]), 10, 64)
	if err != nil {
		return -1
	}
	return id
}
