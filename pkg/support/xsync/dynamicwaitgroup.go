// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"sync"

	"github.com/pkg/errors"
)

// DynamicWaitGroup is like sync.WaitGroup, but Add may be called while others are blocked in Wait.
//
// The communication streams use it to count in-flight collectives, which keep being issued while
// the backward pass runs.
type DynamicWaitGroup struct {
	mu    sync.Mutex
	count int

	// zero is closed when count drops to 0, and replaced when it becomes positive again.
	zero chan struct{}
}

// NewDynamicWaitGroup creates a DynamicWaitGroup with a zero counter.
func NewDynamicWaitGroup() *DynamicWaitGroup {
	wg := &DynamicWaitGroup{zero: make(chan struct{})}
	close(wg.zero)
	return wg
}

// Add delta to the counter, waking up all waiters if it reaches zero. It panics if the counter goes negative.
func (wg *DynamicWaitGroup) Add(delta int) {
	wg.mu.Lock()
	defer wg.mu.Unlock()
	before := wg.count
	wg.count += delta
	switch {
	case wg.count < 0:
		panic(errors.Errorf("DynamicWaitGroup: counter went negative (%d)", wg.count))
	case before == 0 && wg.count > 0:
		wg.zero = make(chan struct{})
	case before > 0 && wg.count == 0:
		close(wg.zero)
	}
}

// Done decrements the counter by one.
func (wg *DynamicWaitGroup) Done() { wg.Add(-1) }

// Count returns the current value of the counter.
func (wg *DynamicWaitGroup) Count() int {
	wg.mu.Lock()
	defer wg.mu.Unlock()
	return wg.count
}

// Wait blocks until the counter reaches zero.
func (wg *DynamicWaitGroup) Wait() {
	wg.mu.Lock()
	zero := wg.zero
	wg.mu.Unlock()
	<-zero
}
