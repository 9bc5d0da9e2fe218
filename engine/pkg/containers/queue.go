// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package containers

import (
	"sync"

	"github.com/edwingeng/deque"
)

// Deque is an unbounded FIFO queue backed by edwingeng/deque. C receives a
// signal whenever an element is pushed, so consumers can block on it with a
// timeout instead of polling Size.
//
//nolint:structcheck
type Deque[T any] struct {
	// mu protects deque, because it is not thread-safe.
	mu    sync.RWMutex
	deque deque.Deque

	C chan struct{}
}

// NewDeque creates a new Deque instance
func NewDeque[T any]() *Deque[T] {
	return &Deque[T]{
		deque: deque.NewDeque(),
		C:     make(chan struct{}, 1),
	}
}

// Push appends elem to the back of the queue.
func (d *Deque[T]) Push(elem T) {
	d.mu.Lock()
	d.deque.PushBack(elem)
	d.mu.Unlock()

	select {
	case d.C <- struct{}{}:
	default:
	}
}

// Pop removes the front element.
func (d *Deque[T]) Pop() (T, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.deque.Empty() {
		var noVal T
		return noVal, false
	}

	return d.deque.PopFront().(T), true
}

// PopAll drains the queue.
func (d *Deque[T]) PopAll() []T {
	d.mu.Lock()
	defer d.mu.Unlock()

	ret := make([]T, 0, d.deque.Len())
	for !d.deque.Empty() {
		ret = append(ret, d.deque.PopFront().(T))
	}
	return ret
}

// Peek returns the front element without removing it.
func (d *Deque[T]) Peek() (T, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.deque.Empty() {
		var noVal T
		return noVal, false
	}

	return d.deque.Front().(T), true
}

// Size returns the number of queued elements.
func (d *Deque[T]) Size() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.deque.Len()
}
