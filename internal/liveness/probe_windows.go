//go:build windows
// +build windows

package liveness

import "golang.org/x/sys/windows"

// pidHandle queries the process exit code through a limited-information
// handle, the Windows equivalent of the POSIX signal probe.
type pidHandle struct {
	pid int
}

// NewProcessHandle returns the Windows probe for pid.
func NewProcessHandle(pid int) ProcessHandle {
	return &pidHandle{pid: pid}
}

func (h *pidHandle) Alive() bool {
	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(h.pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(handle)

	var code uint32
	if err := windows.GetExitCodeProcess(handle, &code); err != nil {
		return false
	}
	return code == windows.STILL_ACTIVE
}
