//go:build !linux

package procsentry

import "fmt"

// getPeerCredentials has no portable implementation outside Linux in
// this tree; bindToCallerCheck is simply unavailable there. Hosts that
// need it on another platform should supply their own PeerChecker.
func getPeerCredentials(fd int) (*PeerCredentials, error) {
	return nil, fmt.Errorf("procsentry: peer credential lookup not supported on this platform")
}
