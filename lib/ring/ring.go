// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

// Package ring provides the bounded byte ring behind append-only
// namespace nodes. Writes advance a monotonic byte offset; when the
// ring is full the oldest bytes are evicted (optionally into an
// archive sink) and reads below the retained base are clamped to the
// earliest retained byte.
package ring

import "sync"

// DefaultCapacity is the default ring capacity in bytes. 256 KB holds
// hours of queen-log and telemetry traffic at typical line rates.
const DefaultCapacity = 256 * 1024

// Ring is a fixed-size circular byte buffer with monotonic offset
// tracking. Appends never fail: when the buffer is full the oldest
// bytes are overwritten. Readers address the stream by absolute byte
// offset, so a reader that reconnects after eviction resumes from the
// earliest retained byte rather than failing on a stale cursor.
//
// All methods are safe for concurrent use.
type Ring struct {
	mu       sync.Mutex
	data     []byte
	capacity int

	// writePos is the next position to write within the circular
	// buffer (0 to capacity-1).
	writePos int

	// total is the total number of bytes ever appended. The current
	// contents span [total - retained, total), where
	// retained = min(total, capacity).
	total uint64

	// onEvict, when set, receives every byte that falls out of the
	// ring, in stream order, before it is overwritten.
	onEvict func([]byte)
}

// New creates a ring with the given capacity in bytes. Capacity must
// be positive.
func New(capacity int) *Ring {
	if capacity <= 0 {
		panic("ring: non-positive capacity")
	}
	return &Ring{
		data:     make([]byte, capacity),
		capacity: capacity,
	}
}

// SetEvictionSink registers a function that receives evicted bytes in
// stream order. The sink is called synchronously during Append while
// the ring lock is held; it must not call back into the ring.
func (r *Ring) SetEvictionSink(sink func([]byte)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEvict = sink
}

// Append adds data to the ring, advancing the stream offset. The
// oldest bytes are evicted when capacity is exceeded. Returns the
// stream offset of the first appended byte.
func (r *Ring) Append(data []byte) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := r.total

	if r.onEvict != nil {
		r.emitEvicted(data)
	}

	for offset := 0; offset < len(data); {
		available := r.capacity - r.writePos
		copyLength := len(data) - offset
		if copyLength > available {
			copyLength = available
		}
		copy(r.data[r.writePos:r.writePos+copyLength], data[offset:offset+copyLength])
		r.writePos = (r.writePos + copyLength) % r.capacity
		offset += copyLength
	}
	r.total += uint64(len(data))
	return start
}

// emitEvicted hands the bytes that this append pushes out of the ring
// to the eviction sink. When a single append exceeds capacity, the
// overflow comes partly from the ring and partly from the head of the
// incoming data itself.
func (r *Ring) emitEvicted(data []byte) {
	retained := r.retainedLocked()
	newTotal := r.total + uint64(len(data))
	if newTotal <= uint64(r.capacity) {
		return
	}
	newBase := newTotal - uint64(r.capacity)
	base := r.total - uint64(retained)
	if newBase <= base {
		return
	}
	evictCount := newBase - base

	fromRing := evictCount
	if fromRing > uint64(retained) {
		fromRing = uint64(retained)
	}
	if fromRing > 0 {
		r.onEvict(r.copyRangeLocked(base, int(fromRing)))
	}
	if rest := evictCount - fromRing; rest > 0 {
		r.onEvict(data[:rest])
	}
}

// ReadAt returns up to max bytes starting at the given stream offset,
// along with the effective offset the read actually started from. An
// offset below the retained base is clamped to the base; an offset at
// or beyond the end of the stream returns nil.
func (r *Ring) ReadAt(offset uint64, max int) ([]byte, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if offset >= r.total || max <= 0 {
		return nil, offset
	}

	base := r.total - uint64(r.retainedLocked())
	if offset < base {
		offset = base
	}

	n := r.total - offset
	if n > uint64(max) {
		n = uint64(max)
	}
	return r.copyRangeLocked(offset, int(n)), offset
}

// Total returns the total number of bytes ever appended. This is the
// offset a reader should store and pass to ReadAt to resume.
func (r *Ring) Total() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// Base returns the stream offset of the oldest retained byte.
func (r *Ring) Base() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total - uint64(r.retainedLocked())
}

// Retained returns the number of bytes currently held in the ring.
func (r *Ring) Retained() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retainedLocked()
}

func (r *Ring) retainedLocked() int {
	if r.total > uint64(r.capacity) {
		return r.capacity
	}
	return int(r.total)
}

// copyRangeLocked copies n bytes starting at stream offset from the
// circular buffer. The caller must hold r.mu and guarantee the range
// is retained.
func (r *Ring) copyRangeLocked(offset uint64, n int) []byte {
	retained := r.retainedLocked()
	base := r.total - uint64(retained)

	result := make([]byte, n)
	readPos := (r.writePos - retained + int(offset-base)) % r.capacity
	if readPos < 0 {
		readPos += r.capacity
	}

	for copied := 0; copied < n; {
		available := r.capacity - readPos
		copyLength := n - copied
		if copyLength > available {
			copyLength = available
		}
		copy(result[copied:copied+copyLength], r.data[readPos:readPos+copyLength])
		readPos = (readPos + copyLength) % r.capacity
		copied += copyLength
	}
	return result
}
