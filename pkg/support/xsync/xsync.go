// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xsync holds the synchronization primitives of the collective runtime: latches that
// complete asynchronous work and abort worlds, and a wait group for in-flight collectives.
package xsync

import "sync"

// Latch is a one-shot signal: once triggered it stays triggered, and every Wait returns.
type Latch struct {
	once sync.Once
	done chan struct{}
}

// NewLatch returns a latch not yet triggered.
func NewLatch() *Latch {
	return &Latch{done: make(chan struct{})}
}

// trigger closes the latch, calling before first, and reports whether this call did it.
func (l *Latch) trigger(before func()) (triggered bool) {
	l.once.Do(func() {
		if before != nil {
			before()
		}
		close(l.done)
		triggered = true
	})
	return
}

// Trigger the latch. Triggering it again is a no-op.
func (l *Latch) Trigger() { l.trigger(nil) }

// Wait blocks until the latch is triggered.
func (l *Latch) Wait() { <-l.done }

// Test reports whether the latch was triggered, without blocking.
func (l *Latch) Test() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// WaitChan returns a channel closed when the latch is triggered, to use in a select.
func (l *Latch) WaitChan() <-chan struct{} { return l.done }

// LatchWithValue is a Latch that carries the value given by its first Trigger.
type LatchWithValue[T any] struct {
	Latch
	value T
}

// NewLatchWithValue returns a latch not yet triggered.
func NewLatchWithValue[T any]() *LatchWithValue[T] {
	return &LatchWithValue[T]{Latch: Latch{done: make(chan struct{})}}
}

// Trigger the latch with value. It returns false, discarding value, if it was already triggered.
func (l *LatchWithValue[T]) Trigger(value T) bool {
	return l.trigger(func() { l.value = value })
}

// Wait blocks until the latch is triggered and returns its value.
func (l *LatchWithValue[T]) Wait() T {
	l.Latch.Wait()
	return l.value
}
