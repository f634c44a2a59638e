//go:build !windows

package process

import "syscall"

// KillProcess sends a signal to a Unix process by PID.
func KillProcess(pid int, signal syscall.Signal) error {
	return syscall.Kill(pid, signal)
}

// ProcessExists reports whether a process with the given PID is currently alive.
func ProcessExists(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
