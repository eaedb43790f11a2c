// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool runs tasks in goroutines with a limit on how many run at the same time.
//
// The collective runtime gives each rank one Pool as its communication stream: asynchronous
// collectives (e.g. overlapped gradient bucket flushes) are started on it, and the limit bounds
// how many of them can be in flight at once.
package workerspool

import (
	"sync"

	"github.com/gomlx/zero/pkg/support/xsync"
)

// Pool of workers, create it with NewWithParallelism.
type Pool struct {
	mu    sync.Mutex
	freed *sync.Cond // Broadcast when a task finishes or the limit changes.

	// limit of tasks running at the same time: 0 runs tasks inline, negative means no limit.
	limit   int
	running int

	// inflight counts the tasks started and not finished, for Wait.
	inflight *xsync.DynamicWaitGroup
}

// NewWithParallelism returns a new Pool with the given limit, see Pool.SetMaxParallelism.
func NewWithParallelism(maxParallelism int) *Pool {
	p := &Pool{limit: maxParallelism, inflight: xsync.NewDynamicWaitGroup()}
	p.freed = sync.NewCond(&p.mu)
	return p
}

// IsUnlimited returns whether there is no limit on the tasks running at the same time.
func (p *Pool) IsUnlimited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.limit < 0
}

// SetMaxParallelism changes the limit of tasks running at the same time.
// If 0, tasks run inline in WaitToStart. If negative, there is no limit.
//
// Tasks already running are not affected.
func (p *Pool) SetMaxParallelism(maxParallelism int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.limit = maxParallelism
	p.freed.Broadcast()
}

// hasRoomLocked must be called with p.mu held.
func (p *Pool) hasRoomLocked() bool {
	return p.limit < 0 || p.running < p.limit
}

// startLocked runs task in a new goroutine. It must be called with p.mu held.
func (p *Pool) startLocked(task func()) {
	p.running++
	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		task()
		p.mu.Lock()
		p.running--
		p.freed.Broadcast()
		p.mu.Unlock()
	}()
}

// WaitToStart blocks until a worker is free, then runs task in a goroutine.
// With a limit of 0 it runs task inline and returns when it is done.
func (p *Pool) WaitToStart(task func()) {
	p.mu.Lock()
	if p.limit == 0 {
		p.mu.Unlock()
		p.inflight.Add(1)
		defer p.inflight.Done()
		task()
		return
	}
	defer p.mu.Unlock()
	for !p.hasRoomLocked() {
		p.freed.Wait()
	}
	p.startLocked(task)
}

// StartIfAvailable runs task in a goroutine if a worker is free, and reports whether it did.
func (p *Pool) StartIfAvailable(task func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.hasRoomLocked() {
		return false
	}
	p.startLocked(task)
	return true
}

// Running returns the number of tasks running in goroutines.
func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Wait blocks until every task started so far has finished.
func (p *Pool) Wait() { p.inflight.Wait() }
