package ipc

import "os"

// SetSocketPermissions is a no-op: AF_UNIX socket files on Windows inherit
// the ACL of the per-user runtime directory.
func SetSocketPermissions(string, os.FileMode) error {
	return nil
}

// CleanupSocket removes a stale socket file.
func CleanupSocket(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
