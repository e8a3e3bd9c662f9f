package audio

import (
	"sync/atomic"
	"time"
)

// RingBuffer is a fixed-capacity circular buffer of float32 samples shared by
// exactly one producer and one consumer.
//
// The producer (the real-time capture callback) only ever calls [RingBuffer.Write];
// the consumer (the orchestrator) calls [RingBuffer.Read] and [RingBuffer.Peek].
// Both cursors are stored as atomic words so the two sides can run concurrently
// without a lock. One slot is always left unused so that a full buffer can be
// told apart from an empty one without a separate count field:
//
//	availableRead  = (write - read) mod capacity
//	availableWrite = capacity - 1 - availableRead
//
// Using more than one producer or more than one consumer at a time is not
// supported and leads to lost or duplicated samples.
type RingBuffer struct {
	buf      []float32
	capacity uint32

	// writePos is only stored by the producer, readPos only by the consumer.
	writePos atomic.Uint32
	readPos  atomic.Uint32
}

// DefaultRingSeconds is the default amount of audio the shared ring buffer
// holds at the target sample rate.
const DefaultRingSeconds = 5 * time.Second

// RingCapacity returns the number of slots needed to hold d worth of audio at
// sampleRate. The result is at least 2 so the buffer can hold one sample.
func RingCapacity(sampleRate int, d time.Duration) int {
	n := int(int64(sampleRate) * int64(d) / int64(time.Second))
	if n < 2 {
		n = 2
	}
	return n
}

// NewRingBuffer allocates a ring buffer with the given number of slots. The
// usable capacity is capacity-1. Capacities below 2 are raised to 2.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 2 {
		capacity = 2
	}
	return &RingBuffer{
		buf:      make([]float32, capacity),
		capacity: uint32(capacity),
	}
}

// Capacity returns the number of slots in the buffer, including the reserved
// slot.
func (r *RingBuffer) Capacity() int { return int(r.capacity) }

// AvailableRead reports how many samples the consumer can read right now.
func (r *RingBuffer) AvailableRead() int {
	w := r.writePos.Load()
	rd := r.readPos.Load()
	return int(r.used(w, rd))
}

// AvailableWrite reports how many samples the producer can write right now.
// It never exceeds Capacity()-1.
func (r *RingBuffer) AvailableWrite() int {
	w := r.writePos.Load()
	rd := r.readPos.Load()
	return int(r.capacity - 1 - r.used(w, rd))
}

func (r *RingBuffer) used(w, rd uint32) uint32 {
	return (w + r.capacity - rd) % r.capacity
}

// Write copies as many samples as fit into the free space and returns the
// number written. Samples beyond the free space are dropped; the caller is
// expected to report len(samples)-n as an overflow. Write never blocks.
func (r *RingBuffer) Write(samples []float32) int {
	w := r.writePos.Load()
	rd := r.readPos.Load()
	free := r.capacity - 1 - r.used(w, rd)

	n := uint32(len(samples))
	if n > free {
		n = free
	}
	if n == 0 {
		return 0
	}

	first := r.capacity - w
	if first > n {
		first = n
	}
	copy(r.buf[w:w+first], samples[:first])
	if rest := n - first; rest > 0 {
		copy(r.buf[:rest], samples[first:n])
	}

	// Publish only after the samples are in place.
	r.writePos.Store((w + n) % r.capacity)
	return int(n)
}

// Read copies up to len(dst) available samples into dst, advances the read
// cursor and returns the number of samples copied. It returns 0 when the
// buffer is empty and never blocks.
func (r *RingBuffer) Read(dst []float32) int {
	rd := r.readPos.Load()
	n := r.copyOut(dst, rd)
	if n > 0 {
		r.readPos.Store((rd + uint32(n)) % r.capacity)
	}
	return n
}

// Peek behaves like [RingBuffer.Read] but leaves the read cursor untouched.
func (r *RingBuffer) Peek(dst []float32) int {
	return r.copyOut(dst, r.readPos.Load())
}

func (r *RingBuffer) copyOut(dst []float32, rd uint32) int {
	w := r.writePos.Load()
	n := r.used(w, rd)
	if uint32(len(dst)) < n {
		n = uint32(len(dst))
	}
	if n == 0 {
		return 0
	}

	first := r.capacity - rd
	if first > n {
		first = n
	}
	copy(dst[:first], r.buf[rd:rd+first])
	if rest := n - first; rest > 0 {
		copy(dst[first:n], r.buf[:rest])
	}
	return int(n)
}

// Reset moves both cursors back to zero. The producer must be stopped before
// Reset is called; a concurrent Write may otherwise be lost or torn.
func (r *RingBuffer) Reset() {
	r.readPos.Store(0)
	r.writePos.Store(0)
}
