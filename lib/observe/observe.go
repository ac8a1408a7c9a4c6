// Copyright 2026 The Sotto Authors
// SPDX-License-Identifier: Apache-2.0

// Package observe provides a minimal last-value-cached broadcast cell.
// The engine exposes its call state, roster, mute state, and audio
// route through [Value] cells: a new subscriber immediately receives
// the current value, then every subsequent Set, in order. Slow
// subscribers drop intermediate values rather than block the engine —
// these are UI-facing streams where only the latest value matters.
package observe

import "sync"

// Value is a concurrency-safe observable cell holding the latest T.
type Value[T any] struct {
	mu          sync.Mutex
	current     T
	hasValue    bool
	subscribers map[int]chan T
	nextID      int
}

// NewValue creates a cell with an initial value.
func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{
		current:     initial,
		hasValue:    true,
		subscribers: make(map[int]chan T),
	}
}

// Get returns the current value.
func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current
}

// Set stores a new value and broadcasts it to all subscribers. A
// subscriber whose buffer is full has its stale pending value replaced
// by the new one, so every subscriber always converges on the latest.
func (v *Value[T]) Set(value T) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.current = value
	v.hasValue = true
	for _, ch := range v.subscribers {
		select {
		case ch <- value:
		default:
			// Buffer full: evict the stale value, then deliver.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- value:
			default:
			}
		}
	}
}

// Subscribe registers a new subscriber and returns its channel plus a
// cancel function. The channel immediately carries the current value.
// Cancel is idempotent and closes the channel.
func (v *Value[T]) Subscribe() (<-chan T, func()) {
	v.mu.Lock()
	defer v.mu.Unlock()

	ch := make(chan T, 1)
	if v.hasValue {
		ch <- v.current
	}
	id := v.nextID
	v.nextID++
	v.subscribers[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			v.mu.Lock()
			defer v.mu.Unlock()
			delete(v.subscribers, id)
			close(ch)
		})
	}
	return ch, cancel
}
