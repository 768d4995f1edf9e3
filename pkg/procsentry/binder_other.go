//go:build !linux

package procsentry

import "golang.org/x/sys/unix"

// Apply sets the process nice value only. oom_score_adj has no analogue
// outside Linux; darwin/BSD hosts rely on the scheduler priority alone,
// matching how macOS development builds of the teacher's process pool
// degrade when run off Linux.
func (b *priorityBinder) Apply(pid PID, levels LevelSet) error {
	level := levels.Strongest()
	if err := unix.Setpriority(unix.PRIO_PROCESS, int(pid), niceForLevel(level)); err != nil {
		b.logger.Warn("setpriority failed", "pid", int32(pid), "level", level.String(), "error", err)
		return err
	}
	return nil
}

func (b *priorityBinder) Release(pid PID) error {
	return nil
}
