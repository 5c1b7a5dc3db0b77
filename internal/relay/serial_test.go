package relay

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/CrazyForks/anyvm/internal/model"
)

// serialBackendStub is a restartable listener standing in for QEMU's serial
// chardev socket.
type serialBackendStub struct {
	t    *testing.T
	addr string

	mu       sync.Mutex
	ln       net.Listener
	conn     net.Conn
	received bytes.Buffer
}

func newSerialBackendStub(t *testing.T) *serialBackendStub {
	t.Helper()
	st := &serialBackendStub{t: t}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	st.addr = ln.Addr().String()
	st.serve(ln)
	t.Cleanup(st.stop)
	return st
}

func (st *serialBackendStub) serve(ln net.Listener) {
	st.mu.Lock()
	st.ln = ln
	st.mu.Unlock()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			st.mu.Lock()
			st.conn = conn
			st.mu.Unlock()
			go func(c net.Conn) {
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						st.mu.Lock()
						st.received.Write(buf[:n])
						st.mu.Unlock()
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()
}

// push writes guest output toward the broadcaster.
func (st *serialBackendStub) push(p []byte) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st.mu.Lock()
		conn := st.conn
		st.mu.Unlock()
		if conn != nil {
			if _, err := conn.Write(p); err == nil {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	st.t.Fatal("backend never connected")
}

func (st *serialBackendStub) got() []byte {
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]byte(nil), st.received.Bytes()...)
}

// stop drops the listener and any live connection, simulating a backend crash.
func (st *serialBackendStub) stop() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.ln != nil {
		st.ln.Close()
	}
	if st.conn != nil {
		st.conn.Close()
		st.conn = nil
	}
}

// restart reopens the same address.
func (st *serialBackendStub) restart() {
	ln, err := net.Listen("tcp", st.addr)
	if err != nil {
		st.t.Fatalf("relisten: %v", err)
	}
	st.serve(ln)
}

func startBroadcaster(t *testing.T, addr string, historySize int) *Broadcaster {
	t.Helper()
	b := NewBroadcaster(addr, historySize)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go b.Run(ctx)
	return b
}

func TestBroadcasterPrimingWindow(t *testing.T) {
	st := newSerialBackendStub(t)
	b := startBroadcaster(t, st.addr, 1000)

	// 1500 bytes of boot output before anyone attaches.
	stream := make([]byte, 1500)
	for i := range stream {
		stream[i] = byte(i % 250)
	}
	st.push(stream)

	waitFor(t, func() bool {
		sub, priming := b.Subscribe()
		defer b.Unsubscribe(sub)
		return len(priming) == 1000
	}, "history never filled")

	sub, priming := b.Subscribe()
	defer b.Unsubscribe(sub)
	if !bytes.Equal(priming, stream[500:]) {
		t.Error("priming is not the last 1000 bytes in order")
	}
}

func TestBroadcasterOrderingAcrossJoin(t *testing.T) {
	st := newSerialBackendStub(t)
	b := startBroadcaster(t, st.addr, 100)

	st.push([]byte("early "))
	waitFor(t, func() bool {
		sub, p := b.Subscribe()
		defer b.Unsubscribe(sub)
		return len(p) == 6
	}, "early bytes never buffered")

	sub, priming := b.Subscribe()
	defer b.Unsubscribe(sub)

	st.push([]byte("late"))

	var got []byte
	got = append(got, priming...)
	deadline := time.After(5 * time.Second)
	for len(got) < 10 {
		select {
		case data := <-sub.ch:
			got = append(got, data...)
		case <-deadline:
			t.Fatalf("incomplete stream %q", got)
		}
	}
	if !bytes.Equal(got, []byte("early late")) {
		t.Errorf("expected 'early late', got %q", got)
	}
}

func TestBroadcasterReconnectKeepsSubscribers(t *testing.T) {
	st := newSerialBackendStub(t)
	b := startBroadcaster(t, st.addr, 1000)

	st.push([]byte("before"))
	sub, _ := b.Subscribe()
	defer b.Unsubscribe(sub)

	// Drain anything already in flight.
	drain := time.After(300 * time.Millisecond)
drainLoop:
	for {
		select {
		case <-sub.ch:
		case <-drain:
			break drainLoop
		}
	}

	st.stop()
	st.restart()

	if b.SubscriberCount() != 1 {
		t.Fatalf("subscriber dropped by backend loss, count %d", b.SubscriberCount())
	}

	st.push([]byte("resumed"))
	select {
	case data := <-sub.ch:
		if !bytes.Equal(data, []byte("resumed")) {
			t.Errorf("expected 'resumed', got %q", data)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("no bytes after reconnect")
	}
}

func TestBroadcasterDropsStalledSubscriber(t *testing.T) {
	b := NewBroadcaster("127.0.0.1:1", 1000)
	sub, _ := b.Subscribe()

	// Nobody reads sub.ch; overflow must evict it without blocking publish.
	for i := 0; i < subscriberQueue+1; i++ {
		b.publish([]byte{byte(i)})
	}
	if b.SubscriberCount() != 0 {
		t.Errorf("stalled subscriber not dropped, count %d", b.SubscriberCount())
	}
	// The evicted queue still yields what it held, then closes.
	for range sub.ch {
	}
}

func TestRunSerialSession(t *testing.T) {
	st := newSerialBackendStub(t)
	b := startBroadcaster(t, st.addr, 1000)

	st.push([]byte("history"))
	waitFor(t, func() bool {
		sub, p := b.Subscribe()
		defer b.Unsubscribe(sub)
		return len(p) == 7
	}, "history never buffered")

	mgmtAddr, mgmtLines := mgmtStub(t)
	s, client := newTestSession(t, model.SessionModeSerial, mgmtAddr)

	done := make(chan error, 1)
	go func() { done <- RunSerial(s, b) }()

	// Priming frame first.
	frame, err := client.readFrame(t)
	if err != nil {
		t.Fatalf("priming read: %v", err)
	}
	if !bytes.Equal(frame.Payload, []byte("history")) {
		t.Errorf("expected priming 'history', got %q", frame.Payload)
	}

	// Live bytes follow.
	st.push([]byte("live"))
	frame, err = client.readFrame(t)
	if err != nil {
		t.Fatalf("live read: %v", err)
	}
	if !bytes.Equal(frame.Payload, []byte("live")) {
		t.Errorf("expected 'live', got %q", frame.Payload)
	}

	// Keystrokes reach the shared backend; sentinels do not.
	client.sendBinary(t, []byte("ls\r"))
	waitFor(t, func() bool { return bytes.Equal(st.got(), []byte("ls\r")) },
		"keystrokes never reached backend")

	client.sendBinary(t, []byte{0xFF, 0x02, 0x01})
	select {
	case line := <-mgmtLines:
		if line != "system_reset\n" {
			t.Errorf("expected system_reset, got %q", line)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("reset never dispatched")
	}
	if !bytes.Equal(st.got(), []byte("ls\r")) {
		t.Error("sentinel leaked into serial backend")
	}

	client.sendClose(t)
	if err := <-done; err != nil {
		t.Errorf("session ended with error: %v", err)
	}
	waitFor(t, func() bool { return b.SubscriberCount() == 0 },
		"subscriber not removed after close")
}
