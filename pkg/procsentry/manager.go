package procsentry

import (
	"context"
)

// Manager is the top-level facade a host embeds: it owns the executor,
// both worker-class allocators, the spare holder, the binding manager,
// and the launcher, wired together from Config the way the teacher's
// NewPool assembles a Pool from PoolOptions.
type Manager struct {
	cfg      *Config
	executor *Executor
	logger   *Logger
	sockets  *SocketManager
	codec    Codec
	binder   Binder
	binding  *BindingManager
	launcher *Launcher

	pressureCancel context.CancelFunc
}

// NewManager builds a fully wired Manager. discovery resolves each
// worker class to its binary; binder may be nil to use the host's real
// OS-priority binder.
func NewManager(cfg *Config, discovery Discovery, binder Binder, logger *Logger) (*Manager, error) {
	if logger == nil {
		logger = NewLogger(cfg.Logging)
	}

	sockets := NewSocketManager(cfg.Socket)
	if err := sockets.EnsureSocketDir(); err != nil {
		return nil, err
	}
	if err := sockets.CleanupAllSockets(); err != nil {
		logger.Warn("failed to clean up stale sockets", "error", err)
	}

	codec, err := NewCodec(CodecType(cfg.Protocol.Codec))
	if err != nil {
		return nil, err
	}

	if binder == nil {
		binder = NewBinder(logger)
	}

	executor := NewExecutor(logger, false)
	binding := NewBindingManager(executor, cfg.Binding.LowMemoryHost, cfg.Binding.HighEndDelay, cfg.Binding.BackgroundDrainWait, logger)
	binding.StartModerateBindingManagement(cfg.Binding.ModerateMaxSize)

	allocators := map[WorkerClass]*Allocator{
		ClassSandboxed:    NewAllocator(ClassSandboxed, cfg.Allocator.SandboxedSlots, executor, newProcessFactory(ClassSandboxed, discovery, sockets, cfg, binder)),
		ClassNonSandboxed: NewAllocator(ClassNonSandboxed, cfg.Allocator.NonSandboxedSlots, executor, newProcessFactory(ClassNonSandboxed, discovery, sockets, cfg, binder)),
	}

	spare := NewSpareConnectionHolder(executor, allocators[ClassSandboxed], logger)

	launcher := NewLauncher(executor, allocators, spare, binding, LauncherOptions{
		FreeAfterStop: cfg.Allocator.FreeAfterStop,
		SpawnRetries:  cfg.Allocator.SpawnRetries,
	}, logger)
	launcher.Codec = codec

	// bindToCallerCheck runs two layers: first a SO_PEERCRED check against
	// the worker's own socket (grounded on the teacher's
	// socket_security.go — is this even our own user?), then a gRPC
	// health-check RPC against the worker's advertised health endpoint,
	// grounded on the teacher's never-finished transport_grpc.go; see
	// GRPCHealthPeerChecker. Either layer rejecting rejects the peer.
	launcher.PeerCheckerFactory = func(name ServiceName) func(context.Context) (bool, error) {
		credCheck := NewPeerChecker(sockets.SocketPath(name), DefaultPeerCheckConfig())
		target := "unix:" + sockets.SocketPath(name) + ".health"
		healthCheck := NewGRPCHealthPeerChecker(target, "", cfg.Protocol.ConnectionTimeout).Check
		return func(ctx context.Context) (bool, error) {
			if ok, err := credCheck(ctx); !ok {
				return false, err
			}
			return healthCheck(ctx)
		}
	}

	return &Manager{
		cfg:      cfg,
		executor: executor,
		logger:   logger,
		sockets:  sockets,
		codec:    codec,
		binder:   binder,
		binding:  binding,
		launcher: launcher,
	}, nil
}

func newProcessFactory(class WorkerClass, discovery Discovery, sockets *SocketManager, cfg *Config, binder Binder) func(ServiceName) (*workerProcess, Binder) {
	return func(name ServiceName) (*workerProcess, Binder) {
		pcfg, err := discovery.Resolve(class)
		if err != nil {
			// A missing service is a configuration error caught at startup
			// by Discovery construction; reaching here means the class was
			// never registered, which the allocator cannot recover from.
			pcfg = ProcessConfig{Binary: ""}
		}
		pcfg.Name = name
		pcfg.SocketPath = sockets.SocketPath(name)
		if pcfg.StartTimeout <= 0 {
			pcfg.StartTimeout = cfg.Worker.StartTimeout
		}
		if pcfg.StopTimeout <= 0 {
			pcfg.StopTimeout = cfg.Worker.StopTimeout
		}
		return newWorkerProcess(pcfg, nil), binder
	}
}

// Launcher returns the manager's launcher facade.
func (m *Manager) Launcher() *Launcher { return m.launcher }

// BindingManager returns the manager's global binding manager.
func (m *Manager) BindingManager() *BindingManager { return m.binding }

// Executor returns the manager's launcher-thread executor.
func (m *Manager) Executor() *Executor { return m.executor }

// Codec returns the wire codec selected by Config.Protocol.Codec, for
// callers that need to marshal a SpawnData.SetupPayload before handing
// it to Launcher.Start.
func (m *Manager) Codec() Codec { return m.codec }

// AttachPressureSource starts src.Watch in a background goroutine,
// forwarding every pressure transition to the binding manager. The
// watcher runs until ctx is cancelled or Stop cancels it.
func (m *Manager) AttachPressureSource(ctx context.Context, src PressureSource) {
	ctx, cancel := context.WithCancel(ctx)
	m.pressureCancel = cancel
	go func() {
		if err := src.Watch(ctx, m.binding.OnTrimMemory); err != nil && ctx.Err() == nil {
			m.logger.Error("pressure source stopped unexpectedly", "error", err)
		}
	}()
}

// Stop tears down the pressure watcher (if any) and the launcher
// thread, draining any queued tasks first.
func (m *Manager) Stop() {
	if m.pressureCancel != nil {
		m.pressureCancel()
	}
	m.executor.Stop()
}
