//go:build windows

package liveness

import (
	"syscall"
)

const processQueryLimitedInformation = 0x1000

const stillActive = 259

// ProcessExists opens a query handle to pid and checks it has not exited.
func ProcessExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := syscall.OpenProcess(processQueryLimitedInformation, false, uint32(pid))
	if err != nil {
		return false
	}
	defer syscall.CloseHandle(h)

	var code uint32
	if err := syscall.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	return code == stillActive
}
