// Package liveness supervises the hypervisor process and tears the proxy
// down once the guest is gone.
package liveness

import (
	"context"
	"log"
	"sync"
	"time"
)

// DefaultInterval is the polling period of the monitor.
const DefaultInterval = time.Second

// ProcessHandle probes whether a process is still alive. Implementations are
// selected at build time (signal probe with zombie check on POSIX, exit-code
// query on Windows).
type ProcessHandle interface {
	Alive() bool
}

// Monitor polls a ProcessHandle on its own goroutine, independent of the
// relay's I/O, and fires a single terminate action on first death. The proxy
// has no purpose once its guest is gone, so the action is expected to exit
// the process after killing any tunnel subprocess.
type Monitor struct {
	handle    ProcessHandle
	interval  time.Duration
	terminate func()
	once      sync.Once
}

// NewMonitor builds a monitor over handle. terminate must be safe to invoke
// from any goroutine; the monitor guarantees it runs at most once.
func NewMonitor(handle ProcessHandle, interval time.Duration, terminate func()) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{handle: handle, interval: interval, terminate: terminate}
}

// Run polls until the process dies or ctx is cancelled. Blocks; start it on
// a dedicated goroutine so a saturated relay loop can never starve it.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.handle.Alive() {
				log.Printf("hypervisor process gone, shutting down")
				m.Terminate()
				return
			}
		}
	}
}

// Terminate fires the terminate action exactly once, from whichever
// goroutine calls it first.
func (m *Monitor) Terminate() {
	m.once.Do(m.terminate)
}
