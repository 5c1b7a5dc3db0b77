package model

import "errors"

var (
	// ErrProtocol is returned when a malformed WebSocket frame is read from a peer.
	ErrProtocol = errors.New("websocket protocol error")

	// ErrBackendUnavailable is returned when the VNC or serial backend cannot be reached.
	ErrBackendUnavailable = errors.New("console backend unavailable")

	// ErrProcessGone is returned when the hypervisor process is no longer alive.
	ErrProcessGone = errors.New("hypervisor process gone")

	// ErrTunnelExhausted is returned when every tunnel provider has been tried and failed.
	ErrTunnelExhausted = errors.New("all tunnel providers exhausted")

	// ErrSessionClosed is returned when an operation is attempted on a closed relay session.
	ErrSessionClosed = errors.New("relay session closed")

	// ErrSessionNotFound is returned when a session id has no stored record.
	ErrSessionNotFound = errors.New("session not found")
)
