// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package progress

// RingBuffer is a fixed-size circular buffer.
//
// # Description
//
// Push is O(1) and memory is bounded. When full, the oldest item is
// overwritten.
//
// # Thread Safety
//
// NOT safe for concurrent use; caller must synchronize.
type RingBuffer[T any] struct {
	data  []T
	head  int // next write position
	count int
}

// NewRingBuffer creates a ring buffer holding up to capacity items.
// capacity <= 0 means DefaultWindow.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity <= 0 {
		capacity = DefaultWindow
	}
	return &RingBuffer[T]{data: make([]T, capacity)}
}

// Push adds item, overwriting the oldest item when full.
func (r *RingBuffer[T]) Push(item T) {
	r.data[r.head] = item
	r.head = (r.head + 1) % len(r.data)
	if r.count < len(r.data) {
		r.count++
	}
}

// Oldest returns the oldest item.
func (r *RingBuffer[T]) Oldest() (T, bool) {
	var zero T
	if r.count == 0 {
		return zero, false
	}
	return r.data[r.index(0)], true
}

// Newest returns the most recently pushed item.
func (r *RingBuffer[T]) Newest() (T, bool) {
	var zero T
	if r.count == 0 {
		return zero, false
	}
	return r.data[r.index(r.count-1)], true
}

// Slice returns a copy of all items from oldest to newest.
func (r *RingBuffer[T]) Slice() []T {
	if r.count == 0 {
		return nil
	}
	out := make([]T, r.count)
	for i := range out {
		out[i] = r.data[r.index(i)]
	}
	return out
}

// Len returns the number of stored items.
func (r *RingBuffer[T]) Len() int {
	return r.count
}

// Cap returns the capacity.
func (r *RingBuffer[T]) Cap() int {
	return len(r.data)
}

// Clear removes every item.
func (r *RingBuffer[T]) Clear() {
	clear(r.data)
	r.head = 0
	r.count = 0
}

// index maps the i-th oldest item to its slot.
func (r *RingBuffer[T]) index(i int) int {
	start := (r.head - r.count + len(r.data)) % len(r.data)
	return (start + i) % len(r.data)
}
