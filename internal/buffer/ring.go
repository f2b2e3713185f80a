// Package buffer provides bounded FIFO rings and named ring sets used to hand received
// records to consumers.
package buffer

import "sync"

const minRingCapacity = 16

// Sizer reports the accounted byte size of an item.
type Sizer[T any] func(T) int

// Ring is a goroutine-safe double-ended queue. When maxlen is positive the ring keeps at
// most maxlen items and PushBack drops the oldest item on overflow.
type Ring[T any] struct {
	mu      sync.Mutex
	items   []T
	head    int
	size    int
	maxlen  int
	bytes   int
	dropped uint64
	sizer   Sizer[T]
}

// NewRing constructs a ring. maxlen <= 0 means unbounded; sizer may be nil.
func NewRing[T any](maxlen int, sizer Sizer[T]) *Ring[T] {
	if maxlen < 0 {
		maxlen = 0
	}
	return &Ring[T]{
		mu:      sync.Mutex{},
		items:   nil,
		head:    0,
		size:    0,
		maxlen:  maxlen,
		bytes:   0,
		dropped: 0,
		sizer:   sizer,
	}
}

// PushBack appends v and reports whether an old item was dropped to make room.
func (r *Ring[T]) PushBack(v T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	dropped := false
	if r.maxlen > 0 && r.size >= r.maxlen {
		r.popFrontLocked()
		r.dropped++
		dropped = true
	}
	r.growLocked()
	r.items[(r.head+r.size)%len(r.items)] = v
	r.size++
	r.bytes += r.sizeOf(v)
	return dropped
}

// PopFront removes and returns the oldest item.
func (r *Ring[T]) PopFront() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size == 0 {
		var zero T
		return zero, false
	}
	return r.popFrontLocked(), true
}

// PopBack removes and returns the newest item.
func (r *Ring[T]) PopBack() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero T
	if r.size == 0 {
		return zero, false
	}
	idx := (r.head + r.size - 1) % len(r.items)
	v := r.items[idx]
	r.items[idx] = zero
	r.size--
	r.bytes -= r.sizeOf(v)
	return v, true
}

// Len returns the number of buffered items.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Bytes returns the accounted size of the buffered items.
func (r *Ring[T]) Bytes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bytes
}

// Max returns the configured bound, 0 when unbounded.
func (r *Ring[T]) Max() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxlen
}

// SetMax changes the bound, dropping the oldest items that no longer fit.
func (r *Ring[T]) SetMax(maxlen int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if maxlen < 0 {
		maxlen = 0
	}
	r.maxlen = maxlen
	for r.maxlen > 0 && r.size > r.maxlen {
		r.popFrontLocked()
		r.dropped++
	}
}

// Dropped returns how many items were discarded by the bound.
func (r *Ring[T]) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Clear removes every item.
func (r *Ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = nil
	r.head = 0
	r.size = 0
	r.bytes = 0
}

// Snapshot copies the items from oldest to newest.
func (r *Ring[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.items[(r.head+i)%len(r.items)]
	}
	return out
}

func (r *Ring[T]) popFrontLocked() T {
	var zero T
	v := r.items[r.head]
	r.items[r.head] = zero
	r.head = (r.head + 1) % len(r.items)
	r.size--
	r.bytes -= r.sizeOf(v)
	if r.size == 0 {
		r.head = 0
	}
	return v
}

func (r *Ring[T]) growLocked() {
	if r.size < len(r.items) {
		return
	}
	capacity := max(minRingCapacity, len(r.items)*2)
	if r.maxlen > 0 && capacity > r.maxlen {
		capacity = max(r.maxlen, r.size+1)
	}
	items := make([]T, capacity)
	for i := 0; i < r.size; i++ {
		items[i] = r.items[(r.head+i)%len(r.items)]
	}
	r.items = items
	r.head = 0
}

func (r *Ring[T]) sizeOf(v T) int {
	if r.sizer == nil {
		return 0
	}
	return r.sizer(v)
}

// TakeLast removes and returns the newest item for which match returns true.
func (r *Ring[T]) TakeLast(match func(T) bool) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero T
	for i := r.size - 1; i >= 0; i-- {
		idx := (r.head + i) % len(r.items)
		v := r.items[idx]
		if !match(v) {
			continue
		}
		for j := i; j < r.size-1; j++ {
			r.items[(r.head+j)%len(r.items)] = r.items[(r.head+j+1)%len(r.items)]
		}
		r.items[(r.head+r.size-1)%len(r.items)] = zero
		r.size--
		r.bytes -= r.sizeOf(v)
		if r.size == 0 {
			r.head = 0
		}
		return v, true
	}
	return zero, false
}
