//go:build linux

package procsentry

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// oomScoreForLevel maps a binding level to a Linux oom_score_adj value.
// The range is [-1000, 1000]; more negative means less likely to be
// reclaimed by the kernel's OOM killer.
func oomScoreForLevel(level BindingLevel) int {
	switch level {
	case LevelStrong:
		return -500
	case LevelInitial:
		return -100
	case LevelModerate:
		return 0
	default: // LevelWaived
		return 800
	}
}

func (b *priorityBinder) Apply(pid PID, levels LevelSet) error {
	level := levels.Strongest()
	if err := unix.Setpriority(unix.PRIO_PROCESS, int(pid), niceForLevel(level)); err != nil {
		b.logger.Warn("setpriority failed", "pid", int32(pid), "level", level.String(), "error", err)
	}
	if err := writeOomScoreAdj(int(pid), oomScoreForLevel(level)); err != nil {
		return fmt.Errorf("apply binding level %s to pid %d: %w", level, pid, err)
	}
	return nil
}

func (b *priorityBinder) Release(pid PID) error {
	// A dead pid's /proc entry is already gone; nothing to clear.
	if err := writeOomScoreAdj(int(pid), 0); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release pid %d: %w", pid, err)
	}
	return nil
}

func writeOomScoreAdj(pid int, score int) error {
	path := fmt.Sprintf("/proc/%d/oom_score_adj", pid)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // process already gone; nothing to adjust
		}
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%d", score)
	return err
}
