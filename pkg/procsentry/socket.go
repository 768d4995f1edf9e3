package procsentry

import (
	"fmt"
	"os"
	"path/filepath"
)

// SocketManager owns the directory a worker class's Unix-domain sockets
// live in: generating per-slot paths, creating the directory up front,
// and sweeping stale socket files left by a crashed prior run.
type SocketManager struct {
	dir         string
	prefix      string
	permissions os.FileMode
}

// NewSocketManager builds a manager from SocketConfig.
func NewSocketManager(cfg SocketConfig) *SocketManager {
	perms := cfg.Permissions
	if perms == 0 {
		perms = 0600
	}
	return &SocketManager{
		dir:         cfg.Dir,
		prefix:      cfg.Prefix,
		permissions: os.FileMode(perms),
	}
}

// SocketPath returns the deterministic path for a given service slot.
func (sm *SocketManager) SocketPath(name ServiceName) string {
	return filepath.Join(sm.dir, fmt.Sprintf("%s-%s.sock", sm.prefix, name.String()))
}

// EnsureSocketDir creates the socket directory if it does not exist.
func (sm *SocketManager) EnsureSocketDir() error {
	if err := os.MkdirAll(sm.dir, 0750); err != nil {
		return fmt.Errorf("procsentry: create socket directory: %w", err)
	}
	return nil
}

// CleanupSocket removes a single socket file, tolerating its absence.
func (sm *SocketManager) CleanupSocket(socketPath string) error {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("procsentry: remove socket file: %w", err)
	}
	return nil
}

// CleanupAllSockets removes every socket file matching this manager's
// prefix, for use during startup after an unclean shutdown.
func (sm *SocketManager) CleanupAllSockets() error {
	pattern := filepath.Join(sm.dir, fmt.Sprintf("%s-*.sock", sm.prefix))
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return fmt.Errorf("procsentry: glob socket files: %w", err)
	}
	var lastErr error
	for _, path := range matches {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			lastErr = fmt.Errorf("procsentry: remove socket %s: %w", path, err)
		}
	}
	return lastErr
}
