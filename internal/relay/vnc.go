package relay

import (
	"fmt"
	"log"
	"net"
	"time"

	"github.com/jpillora/backoff"

	"github.com/CrazyForks/anyvm/internal/model"
)

// VNCOptions tunes the per-client backend dial.
type VNCOptions struct {
	// BackendAddr is the hypervisor's framebuffer host:port.
	BackendAddr string

	// DialAttempts bounds the connect retries before the session is aborted.
	DialAttempts int

	// DialDelay is the fixed pause between attempts.
	DialDelay time.Duration
}

// DefaultVNCOptions returns the retry policy: QEMU may still be opening its
// display socket right after launch, so connects are retried briefly.
func DefaultVNCOptions(backendAddr string) VNCOptions {
	return VNCOptions{
		BackendAddr:  backendAddr,
		DialAttempts: 10,
		DialDelay:    500 * time.Millisecond,
	}
}

// RunVNC drives a VNC passthrough session to completion. The session owns a
// dedicated backend connection, torn down when the session ends. Blocks until
// either side closes or errors.
func RunVNC(s *Session, opts VNCOptions) error {
	backend, err := dialBackend(opts)
	if err != nil {
		log.Printf("session %s: %v", s.ID, err)
		s.Close()
		return err
	}
	defer backend.Close()
	s.setState(model.SessionStateActive)

	// Backend→client pump. Closing the client socket on error unblocks the
	// client read loop below.
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, readBufferSize)
		for {
			n, err := backend.Read(buf)
			if n > 0 {
				if werr := s.sendBinary(buf[:n]); werr != nil {
					break
				}
			}
			if err != nil {
				break
			}
		}
		s.Close()
	}()

	err = s.readClient(func(p []byte) error {
		_, werr := backend.Write(p)
		return werr
	})

	// Unblock and wait for the backend pump before reporting.
	backend.Close()
	s.Close()
	<-done
	return err
}

func dialBackend(opts VNCOptions) (net.Conn, error) {
	attempts := opts.DialAttempts
	if attempts < 1 {
		attempts = 1
	}
	b := &backoff.Backoff{
		Min:    opts.DialDelay,
		Max:    opts.DialDelay,
		Factor: 1,
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		conn, err := net.DialTimeout("tcp", opts.BackendAddr, 3*time.Second)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if i < attempts-1 {
			time.Sleep(b.Duration())
		}
	}
	return nil, fmt.Errorf("%w: %s after %d attempts: %v",
		model.ErrBackendUnavailable, opts.BackendAddr, attempts, lastErr)
}
