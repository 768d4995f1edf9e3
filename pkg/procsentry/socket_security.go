package procsentry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

// PeerCheckConfig controls which peers a connection's bindToCallerCheck
// accepts. Grounded on the teacher's socket_security.go, narrowed to
// what the binding layer needs: is this the same user, or one of an
// explicit allow list.
type PeerCheckConfig struct {
	AllowedUIDs     []uint32
	RequireSameUser bool
}

// DefaultPeerCheckConfig requires the peer to share this process's
// effective UID, matching the teacher's default security posture.
func DefaultPeerCheckConfig() PeerCheckConfig {
	return PeerCheckConfig{RequireSameUser: true}
}

// VerifyPeerCredentials validates conn's peer against cfg using
// SO_PEERCRED (or the platform equivalent).
func VerifyPeerCredentials(conn net.Conn, cfg PeerCheckConfig) error {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return errors.New("procsentry: connection is not a Unix domain socket")
	}

	rawConn, err := unixConn.SyscallConn()
	if err != nil {
		return fmt.Errorf("procsentry: get raw connection: %w", err)
	}

	var creds *PeerCredentials
	var credErr error
	err = rawConn.Control(func(fd uintptr) {
		creds, credErr = getPeerCredentials(int(fd))
	})
	if err != nil {
		return fmt.Errorf("procsentry: control connection: %w", err)
	}
	if credErr != nil {
		return fmt.Errorf("procsentry: get peer credentials: %w", credErr)
	}
	if creds == nil {
		return errors.New("procsentry: peer credentials unavailable")
	}

	if cfg.RequireSameUser {
		currentUID := uint32(os.Geteuid())
		if creds.UID != currentUID {
			return fmt.Errorf("procsentry: peer uid %d does not match %d", creds.UID, currentUID)
		}
	}

	if len(cfg.AllowedUIDs) > 0 {
		allowed := false
		for _, uid := range cfg.AllowedUIDs {
			if creds.UID == uid {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("procsentry: peer uid %d not in allowed list", creds.UID)
		}
	}

	return nil
}

// NewPeerChecker adapts VerifyPeerCredentials to the
// Connection.PeerChecker signature, dialing the worker's own socket to
// obtain a connection whose peer credentials can be inspected. Workers
// that instead expose a dedicated peer-check listener should supply
// their own PeerChecker instead of this one.
func NewPeerChecker(socketPath string, cfg PeerCheckConfig) func(ctx context.Context) (bool, error) {
	return func(ctx context.Context) (bool, error) {
		dialer := net.Dialer{}
		conn, err := dialer.DialContext(ctx, "unix", socketPath)
		if err != nil {
			return false, fmt.Errorf("procsentry: dial for peer check: %w", err)
		}
		defer conn.Close()
		if err := VerifyPeerCredentials(conn, cfg); err != nil {
			return false, err
		}
		return true, nil
	}
}
