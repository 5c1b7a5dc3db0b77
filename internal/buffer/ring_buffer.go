// Package buffer provides the bounded byte ring backing serial console
// history replay.
package buffer

import "sync"

// RingBuffer keeps the most recent bytes written to it, up to a fixed
// capacity, dropping the oldest bytes first. A client joining the serial
// broadcast is primed with Snapshot before it starts receiving live bytes.
//
// Storage is a fixed circular slice; writes never reallocate after
// construction.
type RingBuffer struct {
	mu    sync.RWMutex
	data  []byte
	start int // index of the oldest byte
	size  int // bytes currently stored
}

// NewRingBuffer creates a ring holding at most capacity bytes. A capacity
// below 1 is treated as 1.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer{data: make([]byte, capacity)}
}

// Write appends p, evicting the oldest bytes once capacity is exceeded.
// It always reports len(p) so it can sit in an io.MultiWriter.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	capacity := len(rb.data)
	src := p
	if len(src) >= capacity {
		// Only the tail survives; the ring resets to a linear layout.
		copy(rb.data, src[len(src)-capacity:])
		rb.start = 0
		rb.size = capacity
		return len(p), nil
	}

	end := (rb.start + rb.size) % capacity
	n := copy(rb.data[end:], src)
	copy(rb.data, src[n:])

	rb.size += len(src)
	if rb.size > capacity {
		rb.start = (rb.start + rb.size - capacity) % capacity
		rb.size = capacity
	}
	return len(p), nil
}

// Snapshot returns a copy of the buffered bytes, oldest first.
func (rb *RingBuffer) Snapshot() []byte {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.size == 0 {
		return nil
	}
	out := make([]byte, rb.size)
	n := copy(out, rb.data[rb.start:min(rb.start+rb.size, len(rb.data))])
	copy(out[n:], rb.data[:rb.size-n])
	return out
}

// Reset discards all buffered bytes.
func (rb *RingBuffer) Reset() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.start, rb.size = 0, 0
}

// Len returns the number of buffered bytes.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size
}

// Cap returns the fixed capacity.
func (rb *RingBuffer) Cap() int {
	return len(rb.data)
}
