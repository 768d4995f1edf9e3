package procsentry

import "time"

// trackedConnection is the binding manager's view of one managed
// connection: the three visibility bits plus a back-reference to the
// connection itself, which is owned by its allocator, not by the
// manager.
type trackedConnection struct {
	conn                     *Connection
	inForeground             bool
	boostForPendingViews     bool
	boundForBackgroundPeriod bool
}

// BindingManager is the scheduler that enforces the three system-wide
// invariants: at most one OOM-protected worker on low-memory hosts, the
// most-recently-foreground worker is pinned while the host is
// backgrounded, and a bounded LRU pool of moderate bindings is trimmed on
// memory-pressure signals.
type BindingManager struct {
	executor *Executor
	logger   *Logger

	lowMemoryHost       bool
	highEndDelay        time.Duration
	backgroundDrainWait time.Duration

	managed map[PID]*trackedConnection

	lastForeground     *PID
	boundForBackground *PID
	hostForeground     bool

	moderate        *moderatePool
	moderateMaxSize int

	hysteresis  map[PID]TaskHandle
	drainHandle TaskHandle
	hasDrain    bool

	metrics *Metrics
}

// SetMetrics attaches a counter set the manager should increment. Optional:
// a manager with no metrics attached simply skips the bookkeeping.
func (m *BindingManager) SetMetrics(metrics *Metrics) { m.metrics = metrics }

// NewBindingManager constructs a manager. lowMemoryHost is fixed at
// construction, matching the design note that treats it as a
// strategy chosen at init rather than a flag branched on at every
// transition.
func NewBindingManager(executor *Executor, lowMemoryHost bool, highEndDelay, backgroundDrainWait time.Duration, logger *Logger) *BindingManager {
	if highEndDelay <= 0 {
		highEndDelay = time.Second
	}
	if backgroundDrainWait <= 0 {
		backgroundDrainWait = 10 * time.Second
	}
	return &BindingManager{
		executor:            executor,
		logger:               logger,
		lowMemoryHost:        lowMemoryHost,
		highEndDelay:         highEndDelay,
		backgroundDrainWait:  backgroundDrainWait,
		managed:              make(map[PID]*trackedConnection),
		hostForeground:       true,
		hysteresis:           make(map[PID]TaskHandle),
	}
}

// AddNewConnection registers a freshly set-up worker with the manager.
func (m *BindingManager) AddNewConnection(pid PID, conn *Connection) {
	m.executor.assertOnExecutor()
	if _, ok := m.managed[pid]; ok {
		return
	}
	m.managed[pid] = &trackedConnection{conn: conn}
}

// RemoveConnection deregisters a worker, clearing it from the moderate
// pool and from lastForeground/boundForBackground if it held either.
func (m *BindingManager) RemoveConnection(pid PID) {
	m.executor.assertOnExecutor()
	if _, ok := m.managed[pid]; !ok {
		m.logger.Error("removeConnection: invalid pid", "pid", int32(pid))
		return
	}
	delete(m.managed, pid)
	m.cancelHysteresis(pid)
	if m.moderate != nil {
		m.moderate.remove(pid)
	}
	if m.lastForeground != nil && *m.lastForeground == pid {
		m.lastForeground = nil
	}
	if m.boundForBackground != nil && *m.boundForBackground == pid {
		m.boundForBackground = nil
	}
}

// SetPriority is the visibility signal from the embedder. Adds are
// always performed before removes so a worker never transiently holds
// fewer bindings than it held before the call.
func (m *BindingManager) SetPriority(pid PID, foreground, boostForPendingViews bool) {
	m.executor.assertOnExecutor()
	tc, ok := m.managed[pid]
	if !ok {
		m.logger.Error("setPriority: invalid pid", "pid", int32(pid))
		return
	}

	foregroundRising := foreground && !tc.inForeground
	foregroundFalling := !foreground && tc.inForeground
	boostRising := boostForPendingViews && !tc.boostForPendingViews
	boostFalling := !boostForPendingViews && tc.boostForPendingViews

	if foregroundRising {
		tc.conn.addStrongBinding()
		m.cancelHysteresis(pid)
		if m.moderate != nil {
			m.moderate.remove(pid)
		}
		tc.inForeground = true
		m.promoteForeground(pid)
		m.countLevelChange()
	}
	if boostRising {
		tc.conn.addInitialBinding()
		tc.boostForPendingViews = true
		m.countLevelChange()
	}

	if foregroundFalling {
		tc.inForeground = false
		delay := m.highEndDelay
		if m.lowMemoryHost {
			delay = 0
		}
		m.scheduleStrongRemoval(pid, delay)
	}
	if boostFalling {
		tc.conn.removeInitialBinding()
		tc.boostForPendingViews = false
		if !tc.conn.HasStrongBinding() {
			m.insertModerate(pid, tc.conn)
		}
		m.countLevelChange()
	}
}

func (m *BindingManager) countLevelChange() {
	if m.metrics != nil {
		m.metrics.BindingLevelChanges.Add(1)
	}
}

// promoteForeground applies the low-memory single-protected-worker rule
// and updates lastForeground.
func (m *BindingManager) promoteForeground(pid PID) {
	if m.lowMemoryHost {
		for other, prev := range m.managed {
			if other == pid {
				continue
			}
			wasLast := m.lastForeground != nil && *m.lastForeground == other
			held := prev.conn.initialBound || prev.conn.HasStrongBinding() || prev.conn.HasModerateBinding()
			if !wasLast && !held {
				continue
			}
			prev.conn.DropOomBindings()
			prev.inForeground = false
			prev.boostForPendingViews = false
			m.cancelHysteresis(other)
			if m.metrics != nil {
				m.metrics.OomDisplacements.Add(1)
			}
		}
	}
	p := pid
	m.lastForeground = &p
}

func (m *BindingManager) scheduleStrongRemoval(pid PID, delay time.Duration) {
	m.cancelHysteresis(pid)
	handle := m.executor.PostDelayed(func() { m.completeStrongRemoval(pid) }, delay)
	m.hysteresis[pid] = handle
}

// completeStrongRemoval is the delayed removal itself: the deliberate
// hysteresis that avoids churn when visibility oscillates during layout
// or animation. Skipped entirely (delay of zero) on low-memory hosts.
func (m *BindingManager) completeStrongRemoval(pid PID) {
	delete(m.hysteresis, pid)
	tc, ok := m.managed[pid]
	if !ok {
		return
	}
	tc.conn.removeStrongBinding()
	if !tc.conn.HasStrongBinding() {
		m.insertModerate(pid, tc.conn)
	}
}

func (m *BindingManager) cancelHysteresis(pid PID) {
	if h, ok := m.hysteresis[pid]; ok {
		m.executor.Cancel(h)
		delete(m.hysteresis, pid)
	}
}

func (m *BindingManager) insertModerate(pid PID, conn *Connection) {
	if m.moderate == nil {
		return
	}
	conn.addModerateBinding()
	m.moderate.add(pid, conn)
}

// OnSentToBackground and OnBroughtToForeground originate on the host's UI
// thread and are marshalled onto the launcher thread here rather than
// asserting the caller is already on it. The embedder contract requires
// these to alternate strictly; any interleaving is logged as a
// programming error rather than corrupting state.
func (m *BindingManager) OnSentToBackground() {
	m.executor.Post(func() {
		if !m.hostForeground {
			m.logger.Error("onSentToBackground called while already backgrounded")
			return
		}
		m.hostForeground = false
		if m.lastForeground != nil {
			pid := *m.lastForeground
			if tc, ok := m.managed[pid]; ok {
				tc.conn.addStrongBinding()
				tc.boundForBackgroundPeriod = true
				m.boundForBackground = &pid
			}
		}
		if m.moderate != nil && m.moderate.len() > 0 {
			m.scheduleBackgroundDrain()
		}
	})
}

func (m *BindingManager) OnBroughtToForeground() {
	m.executor.Post(func() {
		if m.hostForeground {
			m.logger.Error("onBroughtToForeground called while already foregrounded")
			return
		}
		m.hostForeground = true
		if m.boundForBackground != nil {
			pid := *m.boundForBackground
			if tc, ok := m.managed[pid]; ok {
				tc.conn.removeStrongBinding() // deliberately no moderate-pool insertion
				tc.boundForBackgroundPeriod = false
			}
			m.boundForBackground = nil
		}
		m.cancelBackgroundDrain()
	})
}

func (m *BindingManager) scheduleBackgroundDrain() {
	m.cancelBackgroundDrain()
	m.drainHandle = m.executor.PostDelayed(func() { m.releaseAllModerateBindingsLocked() }, m.backgroundDrainWait)
	m.hasDrain = true
}

func (m *BindingManager) cancelBackgroundDrain() {
	if m.hasDrain {
		m.executor.Cancel(m.drainHandle)
		m.hasDrain = false
	}
}

// StartModerateBindingManagement enables the bounded LRU pool.
func (m *BindingManager) StartModerateBindingManagement(maxSize int) {
	m.executor.assertOnExecutor()
	m.moderateMaxSize = maxSize
	m.moderate = newModeratePool(maxSize, func(pid PID, conn *Connection) {
		conn.removeModerateBinding()
		if m.metrics != nil {
			m.metrics.ModerateEvictions.Add(1)
		}
	})
}

// ReleaseAllModerateBindings drains the pool, used when the allocator is
// full so the OS can reclaim idle workers.
func (m *BindingManager) ReleaseAllModerateBindings() {
	m.executor.assertOnExecutor()
	m.releaseAllModerateBindingsLocked()
}

func (m *BindingManager) releaseAllModerateBindingsLocked() {
	if m.moderate == nil {
		return
	}
	if m.metrics != nil {
		m.metrics.ModerateDropAlls.Add(1)
	}
	m.moderate.dropAll()
}

// OnTrimMemory and OnLowMemory may arrive on any thread and are
// marshalled onto the launcher thread before touching state.
func (m *BindingManager) OnTrimMemory(level PressureLevel) {
	m.executor.Post(func() { m.handleTrimMemory(level) })
}

func (m *BindingManager) OnLowMemory() {
	m.executor.Post(func() { m.releaseAllModerateBindingsLocked() })
}

func (m *BindingManager) handleTrimMemory(level PressureLevel) {
	if m.moderate == nil {
		return
	}
	switch level {
	case PressureRunningModerate:
		m.moderate.dropOldest(m.moderate.len() / 4)
	case PressureRunningLow:
		m.moderate.dropOldest(m.moderate.len() / 2)
	case PressureUIHidden:
		// No immediate action; handled by the scheduled background drain.
	case PressureComplete:
		m.releaseAllModerateBindingsLocked()
	}
}

// ModeratePoolSnapshot returns the moderate pool's pids in MRU-first
// order, for tests and the admin status surface.
func (m *BindingManager) ModeratePoolSnapshot() []PID {
	if m.moderate == nil {
		return nil
	}
	return m.moderate.snapshot()
}

// LastForeground returns the most-recently-foregrounded pid, if any.
func (m *BindingManager) LastForeground() (PID, bool) {
	if m.lastForeground == nil {
		return 0, false
	}
	return *m.lastForeground, true
}

// HostForeground reports the manager's current view of host visibility.
func (m *BindingManager) HostForeground() bool { return m.hostForeground }
