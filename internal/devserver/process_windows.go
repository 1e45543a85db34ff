//go:build windows

package devserver

import "syscall"

// PROCESS_QUERY_LIMITED_INFORMATION, available since Vista.
const processQueryLimitedInformation = 0x1000

func isProcessRunning(pid int) bool {
	handle, err := syscall.OpenProcess(processQueryLimitedInformation, false, uint32(pid))
	if err != nil {
		return false
	}
	syscall.CloseHandle(handle)
	return true
}
