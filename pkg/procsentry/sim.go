package procsentry

// NewSimulatedProcessFactory builds an Allocator process constructor that
// never execs a real binary: every slot gets a workerProcess whose Start
// synthesizes a pid immediately. It backs the `simulate` CLI command and
// any test that wants to exercise the binding-level state machine without
// a worker binary on disk.
func NewSimulatedProcessFactory(class WorkerClass, binder Binder) func(ServiceName) (*workerProcess, Binder) {
	return func(name ServiceName) (*workerProcess, Binder) {
		cfg := ProcessConfig{Name: name, Simulated: true}
		return newWorkerProcess(cfg, nil), binder
	}
}
