// Package config holds the immutable startup configuration of the proxy.
package config

import (
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/CrazyForks/anyvm/internal/model"
)

// TunnelModeOff disables public exposure entirely. TunnelModeAuto tries the
// full provider cascade in order; any other value selects a single provider
// by name.
const (
	TunnelModeOff  = "off"
	TunnelModeAuto = "auto"
)

// Context is the immutable launch configuration of the proxy process. It is
// built once from the launcher's positional arguments and passed into every
// constructor that needs it; nothing here changes after startup.
type Context struct {
	// BackendHost and BackendPort locate the hypervisor's console socket:
	// the VNC framebuffer port, or the serial chardev port in console mode.
	BackendHost string
	BackendPort int

	// ListenPort is the public HTTP/WebSocket port of this proxy.
	ListenPort int

	// Label is the human-readable VM name used in logs and the viewer title.
	Label string

	// HypervisorPID is the process id supervised by the liveness monitor.
	HypervisorPID int

	// AudioEnabled is injected into the viewer page.
	AudioEnabled bool

	// ManagementPort is the hypervisor's plain-text command port.
	ManagementPort int

	// LogPath is the append-only lifecycle log file.
	LogPath string

	// ConsoleMode selects the shared serial broadcaster instead of VNC passthrough.
	ConsoleMode bool

	// BindAddr is the local address the HTTP listener binds to.
	BindAddr string

	// TunnelMode is "off", "auto", or a provider name.
	TunnelMode string

	// Debug enables verbose logging.
	Debug bool

	// DataDir holds the tunnel state file, provider binary cache and the
	// session store. Settable via flag, not part of the positional contract.
	DataDir string
}

// argc is the number of positional arguments the launcher passes.
const argc = 12

// Usage is the positional argument contract, in order.
const Usage = "BACKEND_HOST BACKEND_PORT LISTEN_PORT LABEL PID AUDIO MGMT_PORT LOG_PATH CONSOLE BIND_ADDR TUNNEL DEBUG"

// Parse builds a Context from the launcher's positional arguments.
func Parse(args []string, dataDir string) (*Context, error) {
	if len(args) != argc {
		return nil, fmt.Errorf("expected %d arguments (%s), got %d", argc, Usage, len(args))
	}

	ctx := &Context{
		BackendHost: args[0],
		Label:       args[3],
		LogPath:     args[7],
		BindAddr:    args[9],
		TunnelMode:  strings.ToLower(args[10]),
		DataDir:     dataDir,
	}

	var err error
	if ctx.BackendPort, err = parsePort(args[1], "backend port"); err != nil {
		return nil, err
	}
	if ctx.ListenPort, err = parsePort(args[2], "listen port"); err != nil {
		return nil, err
	}
	if ctx.HypervisorPID, err = strconv.Atoi(args[4]); err != nil || ctx.HypervisorPID <= 0 {
		return nil, fmt.Errorf("invalid hypervisor pid %q", args[4])
	}
	if ctx.AudioEnabled, err = parseBool(args[5], "audio flag"); err != nil {
		return nil, err
	}
	if ctx.ManagementPort, err = parsePort(args[6], "management port"); err != nil {
		return nil, err
	}
	if ctx.ConsoleMode, err = parseBool(args[8], "console flag"); err != nil {
		return nil, err
	}
	if ctx.Debug, err = parseBool(args[11], "debug flag"); err != nil {
		return nil, err
	}

	if ctx.BackendHost == "" {
		return nil, fmt.Errorf("backend host must not be empty")
	}
	if ctx.Label == "" {
		return nil, fmt.Errorf("label must not be empty")
	}
	if ctx.TunnelMode == "" {
		ctx.TunnelMode = TunnelModeOff
	}
	if ctx.DataDir == "" {
		ctx.DataDir = "output"
	}
	return ctx, nil
}

// Mode returns the relay mode implied by the console flag.
func (c *Context) Mode() model.SessionMode {
	if c.ConsoleMode {
		return model.SessionModeSerial
	}
	return model.SessionModeVNC
}

// BackendAddr is the host:port of the console backend socket.
func (c *Context) BackendAddr() string {
	return net.JoinHostPort(c.BackendHost, strconv.Itoa(c.BackendPort))
}

// ManagementAddr is the host:port of the hypervisor management port.
func (c *Context) ManagementAddr() string {
	return net.JoinHostPort(c.BackendHost, strconv.Itoa(c.ManagementPort))
}

// ListenAddr is the bind address of the public HTTP listener.
func (c *Context) ListenAddr() string {
	return net.JoinHostPort(c.BindAddr, strconv.Itoa(c.ListenPort))
}

// StateFilePath is where the discovered public tunnel URL is persisted.
func (c *Context) StateFilePath() string {
	return filepath.Join(c.DataDir, "tunnel.url")
}

// StorePath is the SQLite session store location.
func (c *Context) StorePath() string {
	return filepath.Join(c.DataDir, "console.db")
}

func parsePort(s, what string) (int, error) {
	p, err := strconv.Atoi(s)
	if err != nil || p < 1 || p > 65535 {
		return 0, fmt.Errorf("invalid %s %q", what, s)
	}
	return p, nil
}

func parseBool(s, what string) (bool, error) {
	switch strings.ToLower(s) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off", "":
		return false, nil
	}
	return false, fmt.Errorf("invalid %s %q", what, s)
}
