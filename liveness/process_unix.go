//go:build !windows

package liveness

import (
	"errors"
	"os"
	"syscall"
)

// ProcessExists sends signal 0 to pid. EPERM still means the process exists.
func ProcessExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
