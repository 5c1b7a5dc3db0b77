// Package wsframe implements the WebSocket wire framing and the HTTP upgrade
// handshake used by the console relay.
//
// The relay treats frame payloads as opaque bytes; this package only deals
// with the frame envelope: opcode, the three length encodings, and client
// masking. Close frames surface as ErrClosed so callers can tell an orderly
// shutdown from a broken stream.
package wsframe

import "errors"

// Opcode identifies the WebSocket frame type (RFC 6455 §5.2, low 4 bits of
// the first header byte).
type Opcode byte

const (
	OpcodeContinuation Opcode = 0x0
	OpcodeText         Opcode = 0x1
	OpcodeBinary       Opcode = 0x2
	OpcodeClose        Opcode = 0x8
	OpcodePing         Opcode = 0x9
	OpcodePong         Opcode = 0xA
)

// Frame is one decoded WebSocket frame.
type Frame struct {
	Opcode  Opcode
	Payload []byte
	Final   bool
}

var (
	// ErrClosed reports an orderly close frame from the peer.
	ErrClosed = errors.New("wsframe: close frame received")

	// ErrTruncated reports EOF in the middle of a frame.
	ErrTruncated = errors.New("wsframe: truncated frame")
)

// String returns the conventional opcode name for logs.
func (o Opcode) String() string {
	switch o {
	case OpcodeContinuation:
		return "continuation"
	case OpcodeText:
		return "text"
	case OpcodeBinary:
		return "binary"
	case OpcodeClose:
		return "close"
	case OpcodePing:
		return "ping"
	case OpcodePong:
		return "pong"
	}
	return "reserved"
}
