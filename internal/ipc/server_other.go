//go:build !linux && !darwin

package ipc

import "net"

// GetPeerCredentials is not implemented on this platform.
func GetPeerCredentials(net.Conn) (*PeerCredentials, error) {
	return nil, ErrPeerCredentialsUnsupported
}
