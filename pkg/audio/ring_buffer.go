package audio

import (
	"sync"
)

// RingBuffer is a fixed-size circular buffer of float32 samples.
// It backs loudness probes: the probe callback writes, the scanner reads
// once the window has filled.
type RingBuffer struct {
	data     []float32
	capacity int
	writePos int
	size     int
	mu       sync.Mutex
}

// NewRingBuffer creates a ring buffer sized for durationMs of mono audio
// at sampleRate.
func NewRingBuffer(sampleRate, durationMs int) *RingBuffer {
	capacity := sampleRate * durationMs / 1000
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer{
		data:     make([]float32, capacity),
		capacity: capacity,
	}
}

// Write appends samples to the buffer. When full, the oldest samples are
// overwritten.
func (rb *RingBuffer) Write(samples []float32) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := len(samples)
	if n == 0 {
		return
	}

	// Larger than capacity: only the newest samples survive.
	if n >= rb.capacity {
		copy(rb.data, samples[n-rb.capacity:])
		rb.writePos = 0
		rb.size = rb.capacity
		return
	}

	spaceToEnd := rb.capacity - rb.writePos
	if n <= spaceToEnd {
		copy(rb.data[rb.writePos:], samples)
		rb.writePos += n
		if rb.writePos == rb.capacity {
			rb.writePos = 0
		}
	} else {
		copy(rb.data[rb.writePos:], samples[:spaceToEnd])
		copy(rb.data[0:], samples[spaceToEnd:])
		rb.writePos = n - spaceToEnd
	}

	rb.size += n
	if rb.size > rb.capacity {
		rb.size = rb.capacity
	}
}

// ReadAll returns a copy of the buffered samples in arrival order, oldest
// first. The buffer contents are left intact.
func (rb *RingBuffer) ReadAll() []float32 {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	out := make([]float32, rb.size)
	if rb.size < rb.capacity {
		copy(out, rb.data[:rb.size])
		return out
	}
	n := copy(out, rb.data[rb.writePos:])
	copy(out[n:], rb.data[:rb.writePos])
	return out
}

// Reset discards all buffered samples.
func (rb *RingBuffer) Reset() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.writePos = 0
	rb.size = 0
}

// Size returns the number of buffered samples.
func (rb *RingBuffer) Size() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.size
}

// Capacity returns the total capacity in samples.
func (rb *RingBuffer) Capacity() int {
	return rb.capacity
}
