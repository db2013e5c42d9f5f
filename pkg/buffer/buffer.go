package buffer

import (
	"sync"

	"go.uber.org/zap"
)

// RingBuffer is a thread-safe generic circular buffer.
// When full, adding overwrites the oldest entry and counts it as dropped.
type RingBuffer[T any] struct {
	mu       sync.RWMutex
	data     []T
	capacity int
	size     int
	head     int
	dropped  uint64
	logger   *zap.Logger
}

// Stats is a point-in-time view of a buffer
type Stats struct {
	Size     int
	Capacity int
	// Dropped counts entries overwritten since the buffer was created
	Dropped uint64
}

// New creates a new generic RingBuffer with the specified capacity.
// A capacity below 1 is raised to 1.
func New[T any](capacity int, logger *zap.Logger) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{
		data:     make([]T, capacity),
		capacity: capacity,
		logger:   logger,
	}
}

// Add inserts a new item into the buffer
func (rb *RingBuffer[T]) Add(item T) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.add(item)
}

// AddAll inserts items in order under a single lock
func (rb *RingBuffer[T]) AddAll(items []T) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for _, item := range items {
		rb.add(item)
	}
}

func (rb *RingBuffer[T]) add(item T) {
	if rb.size == rb.capacity {
		rb.dropped++
		rb.logger.Warn("ring buffer full, overwriting oldest entry",
			zap.Int("capacity", rb.capacity),
			zap.Uint64("dropped_total", rb.dropped))
	}

	rb.data[rb.head] = item
	rb.head = (rb.head + 1) % rb.capacity

	if rb.size < rb.capacity {
		rb.size++
	}
}

// GetAllAndClear atomically retrieves all buffered items, oldest first, and
// clears the buffer. The returned slice is a copy.
func (rb *RingBuffer[T]) GetAllAndClear() []T {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.size == 0 {
		return nil
	}

	results := make([]T, rb.size)
	// Oldest entry sits size slots behind head
	tail := (rb.head - rb.size + rb.capacity) % rb.capacity
	for i := 0; i < rb.size; i++ {
		results[i] = rb.data[(tail+i)%rb.capacity]
	}

	var zero T
	for i := range rb.data {
		rb.data[i] = zero
	}
	rb.size = 0
	rb.head = 0

	return results
}

// Size returns the current number of entries in the buffer
func (rb *RingBuffer[T]) Size() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size
}

// Capacity returns the maximum capacity of the buffer
func (rb *RingBuffer[T]) Capacity() int {
	return rb.capacity
}

// Stats returns buffer statistics
func (rb *RingBuffer[T]) Stats() Stats {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return Stats{Size: rb.size, Capacity: rb.capacity, Dropped: rb.dropped}
}
