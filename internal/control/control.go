// Package control sends power-management commands to the hypervisor's
// plain-text management port.
package control

import (
	"fmt"
	"net"
	"time"
)

// Command is a power operation requested by a console client.
type Command byte

// Operation codes as they appear in the third byte of a control sentinel
// frame. The set is closed; anything else is dropped by the relay.
const (
	CommandReset     Command = 1
	CommandPowerdown Command = 2
	CommandQuit      Command = 3
)

// lines maps each command to the newline-terminated text the hypervisor's
// management protocol expects.
var lines = map[Command]string{
	CommandReset:     "system_reset\n",
	CommandPowerdown: "system_powerdown\n",
	CommandQuit:      "quit\n",
}

// Valid reports whether c is a known operation code.
func (c Command) Valid() bool {
	_, ok := lines[c]
	return ok
}

func (c Command) String() string {
	if l, ok := lines[c]; ok {
		return l[:len(l)-1]
	}
	return fmt.Sprintf("unknown(%d)", byte(c))
}

// Dispatcher writes management commands over short-lived TCP connections.
// It is stateless and safe for concurrent use.
type Dispatcher struct {
	addr    string
	timeout time.Duration
}

// NewDispatcher creates a dispatcher for the given management host:port.
func NewDispatcher(addr string) *Dispatcher {
	return &Dispatcher{addr: addr, timeout: 3 * time.Second}
}

// Dispatch opens a connection, writes the single command line, and closes.
// Fire-and-forget: the caller logs failures but never retries, since the
// user can simply re-trigger the action from the viewer.
func (d *Dispatcher) Dispatch(cmd Command) error {
	line, ok := lines[cmd]
	if !ok {
		return fmt.Errorf("unknown control command %d", byte(cmd))
	}

	conn, err := net.DialTimeout("tcp", d.addr, d.timeout)
	if err != nil {
		return fmt.Errorf("dial management port: %w", err)
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(d.timeout))
	if _, err := conn.Write([]byte(line)); err != nil {
		return fmt.Errorf("write %q: %w", line[:len(line)-1], err)
	}
	return nil
}
