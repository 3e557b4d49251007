package util

import (
	"bytes"
	"fmt"
	"os"
	"syscall"
)

// ProcessAlive reports whether pid names a live process. Signal 0
// performs the permission and existence checks without delivering
// anything. Zombies count as dead: an exited child that has not been
// reaped still answers signal 0 but will never run again. Used for
// stale pidfile and lockfile reclamation and for stop polling.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		// EPERM means the process exists but belongs to another user.
		return err == syscall.EPERM
	}
	return !processZombie(pid)
}

// processZombie reads the state field of /proc/<pid>/stat. The comm
// field may itself contain parentheses, so the state is located after
// the last closing one.
func processZombie(pid int) bool {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	i := bytes.LastIndexByte(data, ')')
	if i < 0 || i+2 >= len(data) {
		return false
	}
	return data[i+2] == 'Z'
}
