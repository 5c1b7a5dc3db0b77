//go:build !windows
// +build !windows

package liveness

import (
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
)

// pidHandle probes a process id with signal 0. A zombie still answers the
// signal probe, so the state is checked as well: a reaped-but-unwaited QEMU
// is dead for our purposes.
type pidHandle struct {
	pid int
}

// NewProcessHandle returns the POSIX probe for pid.
func NewProcessHandle(pid int) ProcessHandle {
	return &pidHandle{pid: pid}
}

func (h *pidHandle) Alive() bool {
	if err := unix.Kill(h.pid, 0); err != nil {
		// EPERM means the pid exists under another uid; anything else
		// (ESRCH) means it is gone.
		if err != unix.EPERM {
			return false
		}
	}

	proc, err := process.NewProcess(int32(h.pid))
	if err != nil {
		return false
	}
	statuses, err := proc.Status()
	if err != nil {
		// Probe answered but state is unreadable; err on the side of alive
		// rather than tearing the proxy down spuriously.
		return true
	}
	for _, st := range statuses {
		if st == process.Zombie {
			return false
		}
	}
	return true
}
