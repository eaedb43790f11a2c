// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package collective

import (
	"context"
	"slices"

	"github.com/gomlx/zero/pkg/support/xsync"
)

// Work is the handle of an asynchronous collective operation.
type Work struct {
	name   string
	seq    uint64
	result []float32
	done   *xsync.LatchWithValue[error]
}

// Wait blocks until the operation finishes and returns its error.
func (w *Work) Wait() error {
	return w.done.Wait()
}

// IsCompleted returns whether the operation has finished, without blocking.
func (w *Work) IsCompleted() bool {
	return w.done.Test()
}

// Result returns the output of operations that produce a new buffer (ReduceScatter, AllGather).
// It must only be called after Wait returned no error.
func (w *Work) Result() []float32 {
	return w.result
}

// Seq returns the sequence number of the operation within its group.
func (w *Work) Seq() uint64 {
	return w.seq
}

// String implements fmt.Stringer.
func (w *Work) String() string {
	return w.name
}

// async reserves the sequence number on the caller's goroutine, so the order of issue is the order of
// matching, and then runs the operation on the rank's communication stream.
// The output is passed to then, if given, before the Work is marked done.
func (g *Group) async(ctx context.Context, c call, then func(work *Work, out []float32)) *Work {
	seq := g.reserve()
	work := &Work{
		name: c.kind.String(),
		seq:  seq,
		done: xsync.NewLatchWithValue[error](),
	}
	g.world.Stream(g.globalRank).WaitToStart(func() {
		out, err := g.run(ctx, seq, c)
		if err == nil && then != nil {
			then(work, out)
		}
		work.done.Trigger(err)
	})
	return work
}

// AllReduceAsync is the asynchronous version of AllReduce: buf must not be touched until the returned
// Work is done.
func (g *Group) AllReduceAsync(ctx context.Context, op ReduceOp, buf []float32) *Work {
	return g.async(ctx, call{kind: opAllReduce, reduce: op, input: buf}, func(_ *Work, out []float32) {
		copy(buf, out)
	})
}

// ReduceScatterAsync is the asynchronous version of ReduceScatter. The segment owned by the member
// is available with Work.Result once it is done.
func (g *Group) ReduceScatterAsync(ctx context.Context, op ReduceOp, input []float32, counts []int) *Work {
	if err := g.checkCounts(counts); err != nil {
		work := &Work{name: opReduceScatter.String(), done: xsync.NewLatchWithValue[error]()}
		work.done.Trigger(err)
		return work
	}
	return g.async(ctx, call{kind: opReduceScatter, reduce: op, counts: slices.Clone(counts), input: input},
		func(work *Work, out []float32) {
			work.result = slices.Clone(out)
		})
}
