// Package buffer provides the bounded retention buffer for session output.
package buffer

import (
	"sync"
)

// Ring is a thread-safe bounded buffer indexed by absolute byte offset.
// It retains the most recent data up to a fixed capacity; when full, the
// oldest bytes are discarded. Because every byte ever written has a stable
// offset, a client that reconnects with a last-acknowledged offset can
// resume the stream without duplication or gaps, as long as the requested
// offset is still inside the retained window.
type Ring struct {
	data     []byte
	capacity int
	end      int64 // absolute offset one past the last retained byte
	mu       sync.RWMutex
}

// NewRing creates a Ring with the given capacity.
// The capacity must be greater than 0; if not, it defaults to 1.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{
		data:     make([]byte, 0, capacity),
		capacity: capacity,
	}
}

// Write appends data to the buffer, discarding the oldest bytes when the
// capacity is exceeded. It implements io.Writer and never blocks the writer
// on a slow or absent reader.
func (r *Ring) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.end += int64(len(p))

	// Incoming chunk alone exceeds capacity: keep only its tail.
	if len(p) >= r.capacity {
		r.data = r.data[:r.capacity]
		copy(r.data, p[len(p)-r.capacity:])
		return len(p), nil
	}

	newLen := len(r.data) + len(p)
	if newLen <= r.capacity {
		r.data = append(r.data, p...)
	} else {
		discard := newLen - r.capacity
		kept := copy(r.data, r.data[discard:])
		r.data = r.data[:kept]
		r.data = append(r.data, p...)
	}

	return len(p), nil
}

// End returns the absolute offset one past the last byte ever written.
func (r *Ring) End() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.end
}

// Start returns the absolute offset of the oldest retained byte.
func (r *Ring) Start() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.end - int64(len(r.data))
}

// ReadFrom returns a copy of the retained bytes starting at the given
// absolute offset, together with the effective offset the copy starts at.
// If the requested offset precedes the retained window the copy starts at
// the window start; if it is at or past End the result is empty.
func (r *Ring) ReadFrom(offset int64) ([]byte, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	start := r.end - int64(len(r.data))
	if offset < start {
		offset = start
	}
	if offset >= r.end {
		return nil, r.end
	}

	out := make([]byte, r.end-offset)
	copy(out, r.data[offset-start:])
	return out, offset
}

// Len returns the number of retained bytes.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}

// Cap returns the capacity of the buffer.
func (r *Ring) Cap() int {
	return r.capacity
}
