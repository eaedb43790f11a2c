// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package collective implements an in-process collective communication runtime.
//
// A World holds the ranks of one launch, each rank being a goroutine. Ranks create Group handles
// for subsets of the world (e.g. the data-parallel or the tensor-parallel peers) and call
// collective operations (AllReduce, ReduceScatter, AllGather, Broadcast, Barrier) on them.
// Like in any collective library, every member of a group must call the same operations in the
// same order: operations are matched by their per-group sequence number, reserved when the
// operation is issued.
//
// Asynchronous variants (e.g. Group.AllReduceAsync) run on the issuing rank's communication
// stream, a workerspool.Pool, and return a Work handle to wait on.
//
// Failures are fatal: a failed collective, or World.Abort, returns an error wrapping
// ErrCollective to every participant, and nothing is retried.
package collective

import (
	"fmt"
	"slices"
	"sync"

	"github.com/gomlx/zero/internal/workerspool"
	"github.com/gomlx/zero/pkg/support/sets"
	"github.com/gomlx/zero/pkg/support/xsync"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrCollective is wrapped by all errors of failed collective operations.
var ErrCollective = errors.New("collective operation failed")

// OpInfo describes a collective operation, as passed to a FaultHook.
type OpInfo struct {
	// Op is the name of the operation, e.g. "AllReduce".
	Op string

	// Seq is the sequence number of the operation within the group.
	Seq uint64

	// GroupRanks are the global ranks of the group members, in group order.
	GroupRanks []int
}

// FaultHook is called once per collective operation, when all members arrived and before the result
// is computed. If it returns an error, the operation fails for all members.
//
// It's used to test the handling of communication failures.
type FaultHook func(info OpInfo) error

// World is the set of ranks of one launch.
//
// It is safe for concurrent use by all ranks.
type World struct {
	id   uuid.UUID
	size int

	mu        sync.Mutex
	groups    map[string]*groupState
	faultHook FaultHook
	abortErr  error
	aborted   *xsync.Latch

	// streams holds one communication stream per rank, where asynchronous operations run.
	streams []*workerspool.Pool
}

// NewWorld creates a World with size ranks.
func NewWorld(size int) (*World, error) {
	if size <= 0 {
		return nil, errors.Errorf("collective.NewWorld: world size must be > 0, got %d", size)
	}
	w := &World{
		id:      uuid.New(),
		size:    size,
		groups:  make(map[string]*groupState),
		aborted: xsync.NewLatch(),
		streams: make([]*workerspool.Pool, size),
	}
	for rank := range w.streams {
		w.streams[rank] = workerspool.NewWithParallelism(-1)
	}
	return w, nil
}

// ID returns a unique identifier of the world.
func (w *World) ID() uuid.UUID {
	return w.id
}

// Size returns the number of ranks in the world.
func (w *World) Size() int {
	return w.size
}

// String implements fmt.Stringer.
func (w *World) String() string {
	return fmt.Sprintf("World(id=%s, size=%d)", w.id, w.size)
}

// SetMaxInflight limits the number of asynchronous operations each rank can have running at the same
// time: issuing one more blocks until one finishes. A value <= 0 means no limit.
//
// It must be called before any asynchronous operation is issued.
func (w *World) SetMaxInflight(maxInflight int) {
	if maxInflight <= 0 {
		maxInflight = -1
	}
	for _, stream := range w.streams {
		stream.SetMaxParallelism(maxInflight)
	}
}

// SetFaultHook sets a hook called for every collective operation, see FaultHook.
// Use nil to remove it.
func (w *World) SetFaultHook(hook FaultHook) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.faultHook = hook
}

// Abort fails every pending and future collective operation of the world with an error wrapping
// ErrCollective and cause. Only the first call has an effect.
//
// It is used when one rank fails: since collectives need every member, the peers would otherwise
// block forever.
func (w *World) Abort(cause error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.aborted.Test() {
		return
	}
	if cause == nil {
		cause = errors.New("aborted")
	}
	klog.Errorf("%s aborted: %v", w, cause)
	w.abortErr = cause
	w.aborted.Trigger()
}

// Err returns the error the world was aborted with, or nil.
func (w *World) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.abortErr == nil {
		return nil
	}
	return errors.Wrapf(ErrCollective, "%s was aborted: %v", w, w.abortErr)
}

// Stream returns the communication stream of the given rank.
func (w *World) Stream(rank int) *workerspool.Pool {
	return w.streams[rank]
}

// Wait blocks until all asynchronous operations issued by the given rank have finished.
func (w *World) Wait(rank int) {
	w.streams[rank].Wait()
}

// NewGroup returns rank's handle to the group formed by the given global ranks.
//
// The order of ranks defines the group ranks: ranks[i] has group rank i. All members must create the
// group with the same ranks in the same order. Handles of the same rank for the same ranks share
// their sequence numbers, so they can be used interchangeably.
func (w *World) NewGroup(rank int, ranks []int) (*Group, error) {
	if rank < 0 || rank >= w.size {
		return nil, errors.Errorf("rank %d out of range for %s", rank, w)
	}
	if len(ranks) == 0 {
		return nil, errors.Errorf("cannot create an empty group in %s", w)
	}
	seen := sets.Make[int](len(ranks))
	groupRank := -1
	for i, r := range ranks {
		if r < 0 || r >= w.size {
			return nil, errors.Errorf("group rank #%d is %d, out of range for %s", i, r, w)
		}
		if !seen.InsertNew(r) {
			return nil, errors.Errorf("rank %d is duplicated in group %v", r, ranks)
		}
		if r == rank {
			groupRank = i
		}
	}
	if groupRank < 0 {
		return nil, errors.Errorf("rank %d is not a member of group %v", rank, ranks)
	}

	key := fmt.Sprint(ranks)
	w.mu.Lock()
	state, found := w.groups[key]
	if !found {
		state = &groupState{
			key:     key,
			ranks:   slices.Clone(ranks),
			nextSeq: make([]uint64, len(ranks)),
			pending: make(map[uint64]*rendezvous),
		}
		w.groups[key] = state
		klog.V(1).Infof("%s: created group %s", w, key)
	}
	w.mu.Unlock()
	return &Group{world: w, state: state, rank: groupRank, globalRank: rank}, nil
}

func (w *World) getFaultHook() FaultHook {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.faultHook
}
