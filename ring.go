package virtualdisk

import (
	"sync"
)

// RingNotifyFunc is invoked after bytes land in the ring, with the count
// actually stored and the new total ever written.
type RingNotifyFunc func(bytesWritten, totalWritten uint64)

// Ring is an append-only byte stream backed by a fixed-capacity circular
// buffer. The stream is virtually infinite; only the last capacity bytes are
// readable. Writes may arrive from any context, so a mutex guards the buffer
// against concurrent reads.
type Ring struct {
	mutex sync.Mutex

	data []byte
	ptr  int
	tot  uint64

	notifyWrite RingNotifyFunc
}

// NewRing returns a ring with the given capacity in bytes.
func NewRing(capacity int) *Ring {
	return &Ring{
		data: make([]byte, capacity),
	}
}

// Capacity returns the size of the live window.
func (rb *Ring) Capacity() int {
	return len(rb.data)
}

// TotalWritten returns the total number of bytes ever written.
func (rb *Ring) TotalWritten() uint64 {
	rb.mutex.Lock()
	defer rb.mutex.Unlock()

	return rb.tot
}

// SetNotify installs the write-notification callback. The callback runs on
// the writer's context after the bytes land.
func (rb *Ring) SetNotify(fn RingNotifyFunc) {
	rb.mutex.Lock()
	defer rb.mutex.Unlock()

	rb.notifyWrite = fn
}

// Write appends bytes, discarding the oldest when the incoming write exceeds
// capacity, and returns how many were actually stored.
func (rb *Ring) Write(p []byte) int {
	rb.mutex.Lock()

	rb.tot += uint64(len(p))

	capacity := len(rb.data)

	// A write larger than the buffer keeps only its last capacity bytes; the
	// cursor skips the discarded ones so it stays at total mod capacity.
	if len(p) > capacity {
		rb.ptr = (rb.ptr + len(p) - capacity) % capacity
		p = p[len(p)-capacity:]
	}

	toEnd := capacity - rb.ptr
	if len(p) < toEnd {
		copy(rb.data[rb.ptr:], p)
		rb.ptr += len(p)
	} else {
		copy(rb.data[rb.ptr:], p[:toEnd])
		copy(rb.data, p[toEnd:])
		rb.ptr = len(p) - toEnd
	}

	stored := len(p)
	notify := rb.notifyWrite
	total := rb.tot

	rb.mutex.Unlock()

	if notify != nil {
		notify(uint64(stored), total)
	}

	return stored
}

// ReadAt copies the intersection of [offset, offset+len(buf)) with the live
// window [max(0, total-capacity), total) into the matching positions of buf,
// leaving the rest of buf untouched, and returns the number of bytes copied.
func (rb *Ring) ReadAt(offset uint64, buf []byte) int {
	rb.mutex.Lock()
	defer rb.mutex.Unlock()

	capacity := uint64(len(rb.data))

	startOffset := uint64(0)
	if rb.tot > capacity {
		startOffset = rb.tot - capacity
	}

	endOffset := rb.tot

	if offset >= endOffset || offset+uint64(len(buf)) <= startOffset {
		return 0
	}

	actualStart := offset
	if actualStart < startOffset {
		actualStart = startOffset
	}

	actualEnd := offset + uint64(len(buf))
	if actualEnd > endOffset {
		actualEnd = endOffset
	}

	actualLen := actualEnd - actualStart
	bufOffset := actualStart - offset

	startIdx := actualStart % capacity
	firstChunkLen := capacity - startIdx

	if actualLen <= firstChunkLen {
		copy(buf[bufOffset:bufOffset+actualLen], rb.data[startIdx:])
	} else {
		copy(buf[bufOffset:], rb.data[startIdx:])
		copy(buf[bufOffset+firstChunkLen:bufOffset+actualLen], rb.data)
	}

	return int(actualLen)
}
