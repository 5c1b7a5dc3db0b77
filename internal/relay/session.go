// Package relay bridges browser WebSocket clients to the hypervisor's
// console backends. VNC mode gives each client an exclusive framebuffer
// connection; serial mode attaches clients to the process-wide Broadcaster.
// Both modes intercept the 3-byte control sentinel and route it to the
// management dispatcher instead of the backend.
package relay

import (
	"bufio"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CrazyForks/anyvm/internal/control"
	"github.com/CrazyForks/anyvm/internal/model"
	"github.com/CrazyForks/anyvm/internal/wsframe"
)

const (
	// Backend→client reads are chunked at this size.
	readBufferSize = 32 * 1024

	// Client socket write deadline per frame.
	writeWait = 10 * time.Second
)

// Session is one upgraded WebSocket client attached to a console backend.
type Session struct {
	ID   string
	Mode model.SessionMode

	conn       net.Conn
	br         *bufio.Reader
	dispatcher *control.Dispatcher
	debug      bool

	mu     sync.Mutex // guards state transitions and frame writes
	state  model.SessionState
	closed bool
}

// NewSession wraps an upgraded client connection. br carries any bytes the
// HTTP hijack left buffered; frames must be read through it.
func NewSession(mode model.SessionMode, conn net.Conn, br *bufio.Reader, dispatcher *control.Dispatcher, debug bool) *Session {
	return &Session{
		ID:         uuid.NewString(),
		Mode:       mode,
		conn:       conn,
		br:         br,
		dispatcher: dispatcher,
		debug:      debug,
		state:      model.SessionStateConnecting,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() model.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RemoteAddr is the client's network address.
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

func (s *Session) setState(st model.SessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// sendBinary wraps payload into a final binary frame and writes it to the
// client. Safe for concurrent use; writes are serialized.
func (s *Session) sendBinary(payload []byte) error {
	return s.sendFrame(&wsframe.Frame{Opcode: wsframe.OpcodeBinary, Payload: payload, Final: true})
}

func (s *Session) sendFrame(f *wsframe.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.ErrSessionClosed
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return wsframe.WriteFrame(s.conn, f)
}

// Close sends a best-effort close frame and tears down the client socket.
// Idempotent; safe from any goroutine.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.state = model.SessionStateClosing
	s.conn.SetWriteDeadline(time.Now().Add(time.Second))
	wsframe.WriteFrame(s.conn, &wsframe.Frame{Opcode: wsframe.OpcodeClose, Final: true})
	s.closed = true
	s.state = model.SessionStateClosed
	s.mu.Unlock()

	s.conn.Close()
}

// readClient pumps frames from the client. Passthrough payloads go to
// forward; sentinel frames are dispatched to the management port and never
// forwarded. Returns nil on orderly close, an error otherwise.
func (s *Session) readClient(forward func([]byte) error) error {
	for {
		frame, err := wsframe.ReadFrame(s.br)
		if err != nil {
			if errors.Is(err, wsframe.ErrClosed) || err == io.EOF {
				return nil
			}
			return err
		}

		switch frame.Opcode {
		case wsframe.OpcodePing:
			if err := s.sendFrame(&wsframe.Frame{Opcode: wsframe.OpcodePong, Payload: frame.Payload, Final: true}); err != nil {
				return err
			}
			continue
		case wsframe.OpcodePong, wsframe.OpcodeContinuation:
			continue
		}

		if cmd, isSentinel, known := decodeSentinel(frame.Payload); isSentinel {
			if !known {
				if s.debug {
					log.Printf("session %s: dropping unknown control op %d", s.ID, frame.Payload[2])
				}
				continue
			}
			log.Printf("session %s: control %s", s.ID, cmd)
			if err := s.dispatcher.Dispatch(cmd); err != nil {
				log.Printf("session %s: control %s failed: %v", s.ID, cmd, err)
			}
			continue
		}

		if len(frame.Payload) == 0 {
			continue
		}
		if err := forward(frame.Payload); err != nil {
			return err
		}
	}
}
