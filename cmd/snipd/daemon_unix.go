//go:build !windows

package main

import "syscall"

// getDaemonSysProcAttr returns the SysProcAttr for detaching a daemon process on Unix-like systems.
func getDaemonSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setsid: true,
	}
}

func processAlive(pid int) bool {
	// Signal 0 checks for existence without delivering anything.
	return syscall.Kill(pid, syscall.Signal(0)) == nil
}

func stopProcess(pid int) error {
	return syscall.Kill(pid, syscall.SIGTERM)
}
