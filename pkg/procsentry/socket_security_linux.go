//go:build linux

package procsentry

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// getPeerCredentials reads SO_PEERCRED via golang.org/x/sys/unix, which
// already backs binder_linux.go, rather than the raw syscall package.
func getPeerCredentials(fd int) (*PeerCredentials, error) {
	ucred, err := unix.GetsockoptUcred(fd, unix.SOL_SOCKET, unix.SO_PEERCRED)
	if err != nil {
		return nil, fmt.Errorf("getsockopt SO_PEERCRED: %w", err)
	}
	return &PeerCredentials{
		UID: ucred.Uid,
		GID: ucred.Gid,
		PID: ucred.Pid,
	}, nil
}
