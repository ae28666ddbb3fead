package ipc

import (
	"errors"
	"net"
	"os"
	"time"
)

// ErrPeerCredentialsUnsupported is returned where the platform cannot
// report the credentials of a socket peer.
var ErrPeerCredentialsUnsupported = errors.New("ipc: peer credentials not supported on this platform")

// PeerCredentials holds the credentials of a peer process
type PeerCredentials struct {
	PID int
	UID int
	GID int
}

// VerifyPeerIsCurrentUser checks if the peer is running as the current user
func VerifyPeerIsCurrentUser(conn net.Conn) (bool, error) {
	cred, err := GetPeerCredentials(conn)
	if err != nil {
		return false, err
	}
	return cred.UID == os.Getuid(), nil
}

// IsSocketListening checks if a daemon is already accepting on path.
func IsSocketListening(path string) bool {
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
