// ABOUTME: Playback ring buffer shared by the network receiver and the output callback
// ABOUTME: Fixed-capacity float32 FIFO that drops oldest on overflow and plays silence on underrun
package output

import (
	"sync"
)

// Source is what an Output pulls samples from. Read must fill all of dst
// without blocking, padding with silence when it runs short.
type Source interface {
	Read(dst []float32) int
}

// RingStats is a snapshot of ring buffer counters
type RingStats struct {
	Buffered  int
	Capacity  int
	Pushed    uint64
	Dropped   uint64 // oldest samples discarded on overflow
	Underruns uint64 // silent samples substituted on underrun
}

// RingBuffer provides a thread-safe circular FIFO for audio samples
type RingBuffer struct {
	buffer   []float32
	readPos  int
	writePos int
	size     int
	count    int // Number of samples currently in buffer

	pushed    uint64
	dropped   uint64
	underruns uint64

	mu sync.Mutex
}

// NewRingBuffer creates a ring buffer with given capacity (in samples)
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer{
		buffer: make([]float32, capacity),
		size:   capacity,
	}
}

// Push appends samples under a single lock. When the buffer is full the
// oldest samples are discarded to make room; the number discarded is
// returned.
func (rb *RingBuffer) Push(samples []float32) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.pushed += uint64(len(samples))

	dropped := 0
	// only the newest size samples can survive
	if len(samples) > rb.size {
		dropped += len(samples) - rb.size
		samples = samples[len(samples)-rb.size:]
	}
	if over := rb.count + len(samples) - rb.size; over > 0 {
		rb.readPos = (rb.readPos + over) % rb.size
		rb.count -= over
		dropped += over
	}

	for _, s := range samples {
		rb.buffer[rb.writePos] = s
		rb.writePos = (rb.writePos + 1) % rb.size
	}
	rb.count += len(samples)
	rb.dropped += uint64(dropped)

	return dropped
}

// Pop removes the oldest sample, or returns silence when empty
func (rb *RingBuffer) Pop() float32 {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.count == 0 {
		rb.underruns++
		return 0
	}
	s := rb.buffer[rb.readPos]
	rb.readPos = (rb.readPos + 1) % rb.size
	rb.count--
	return s
}

// Read fills dst in FIFO order and zero-fills whatever the buffer could not
// supply. It returns the number of real samples copied.
func (rb *RingBuffer) Read(dst []float32) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	read := min(len(dst), rb.count)
	first := min(read, rb.size-rb.readPos)
	copy(dst, rb.buffer[rb.readPos:rb.readPos+first])
	copy(dst[first:read], rb.buffer[:read-first])
	rb.readPos = (rb.readPos + read) % rb.size
	rb.count -= read

	// Zero-fill remaining if underrun
	if read < len(dst) {
		clear(dst[read:])
		rb.underruns += uint64(len(dst) - read)
	}

	return read
}

// Available returns the number of samples available to read
func (rb *RingBuffer) Available() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Free returns the number of free slots in the buffer
func (rb *RingBuffer) Free() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.size - rb.count
}

// Reset discards buffered samples; counters are kept
func (rb *RingBuffer) Reset() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.readPos, rb.writePos, rb.count = 0, 0, 0
}

// Stats returns a snapshot of the buffer's counters
func (rb *RingBuffer) Stats() RingStats {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return RingStats{
		Buffered:  rb.count,
		Capacity:  rb.size,
		Pushed:    rb.pushed,
		Dropped:   rb.dropped,
		Underruns: rb.underruns,
	}
}
