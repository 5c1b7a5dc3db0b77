package relay

import (
	"context"
	"log"
	"net"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/CrazyForks/anyvm/internal/buffer"
	"github.com/CrazyForks/anyvm/internal/model"
)

const (
	// HistorySize is the serial replay window primed to joining clients.
	HistorySize = 100_000

	// Per-subscriber queue depth. A subscriber that falls this far behind
	// is dropped rather than allowed to stall or reorder the broadcast.
	subscriberQueue = 256

	reconnectDelay = 2 * time.Second
)

// subscriber is one serial client's delivery queue.
type subscriber struct {
	ch chan []byte
}

// Broadcaster owns the single shared serial backend connection. The backend
// outlives any client: if it drops, the broadcaster reconnects forever at a
// fixed interval while existing clients stay attached.
type Broadcaster struct {
	addr    string
	history *buffer.RingBuffer

	mu      sync.Mutex
	subs    map[*subscriber]struct{}
	backend net.Conn
}

// NewBroadcaster creates a broadcaster for the serial backend at addr.
func NewBroadcaster(addr string, historySize int) *Broadcaster {
	return &Broadcaster{
		addr:    addr,
		history: buffer.NewRingBuffer(historySize),
		subs:    make(map[*subscriber]struct{}),
	}
}

// Run dials the backend and pumps its bytes into the history buffer and all
// subscriber queues, reconnecting with a fixed delay until ctx is cancelled.
// Blocks; start it on its own goroutine at process startup.
func (b *Broadcaster) Run(ctx context.Context) {
	retry := &backoff.Backoff{Min: reconnectDelay, Max: reconnectDelay, Factor: 1}
	for {
		conn, err := net.DialTimeout("tcp", b.addr, 3*time.Second)
		if err != nil {
			log.Printf("serial backend %s unavailable: %v (retrying)", b.addr, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(retry.Duration()):
			}
			continue
		}

		log.Printf("serial backend connected: %s", b.addr)
		b.setBackend(conn)
		b.pump(ctx, conn)
		b.setBackend(nil)
		conn.Close()

		select {
		case <-ctx.Done():
			return
		case <-time.After(retry.Duration()):
		}
		log.Printf("serial backend lost, reconnecting to %s", b.addr)
	}
}

func (b *Broadcaster) pump(ctx context.Context, conn net.Conn) {
	// Unblock the read when ctx is cancelled.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			b.publish(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// publish appends to history and fans out, under one lock: every subscriber
// observes backend bytes in backend order, and Subscribe can never interleave
// between the history append and the fan-out (no gap, no duplication).
func (b *Broadcaster) publish(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.history.Write(p)
	for sub := range b.subs {
		out := make([]byte, len(p))
		copy(out, p)
		select {
		case sub.ch <- out:
		default:
			// Subscriber stalled; drop it so the rest keep exact ordering.
			delete(b.subs, sub)
			close(sub.ch)
		}
	}
}

// Subscribe registers a new client queue and returns it together with the
// current history snapshot. Snapshot and registration happen atomically with
// respect to publish.
func (b *Broadcaster) Subscribe() (*subscriber, []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscriber{ch: make(chan []byte, subscriberQueue)}
	priming := b.history.Snapshot()
	b.subs[sub] = struct{}{}
	return sub, priming
}

// Unsubscribe removes a client queue. Closing one client never touches the
// backend or the other subscribers.
func (b *Broadcaster) Unsubscribe(sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// SubscriberCount returns the number of attached serial clients.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Write forwards client keystrokes to the shared backend. Bytes written while
// the backend is down are dropped with an error; the client stays attached.
func (b *Broadcaster) Write(p []byte) error {
	b.mu.Lock()
	conn := b.backend
	b.mu.Unlock()

	if conn == nil {
		return model.ErrBackendUnavailable
	}
	_, err := conn.Write(p)
	return err
}

func (b *Broadcaster) setBackend(conn net.Conn) {
	b.mu.Lock()
	b.backend = conn
	b.mu.Unlock()
}

// RunSerial drives one serial console session to completion: prime with
// history, then relay live broadcast bytes out and keystrokes in. Blocks
// until the client disconnects or stalls out.
func RunSerial(s *Session, b *Broadcaster) error {
	sub, priming := b.Subscribe()
	defer b.Unsubscribe(sub)

	if len(priming) > 0 {
		if err := s.sendBinary(priming); err != nil {
			return err
		}
	}
	s.setState(model.SessionStateActive)

	// Broadcast→client pump.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for data := range sub.ch {
			if err := s.sendBinary(data); err != nil {
				break
			}
		}
		s.Close()
	}()

	err := s.readClient(func(p []byte) error {
		if werr := b.Write(p); werr != nil {
			// Backend temporarily down; swallow so the client session
			// survives the reconnect window.
			log.Printf("session %s: keystrokes dropped: %v", s.ID, werr)
		}
		return nil
	})

	s.Close()
	b.Unsubscribe(sub)
	<-done
	return err
}
