// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package collective

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/gomlx/zero/pkg/support/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ReduceOp is the reduction applied by AllReduce and ReduceScatter.
type ReduceOp int

const (
	// Sum of the values of all members.
	Sum ReduceOp = iota

	// Avg is the mean of the values of all members.
	Avg

	// Max of the values of all members.
	Max

	// Min of the values of all members.
	Min
)

// String implements fmt.Stringer.
func (op ReduceOp) String() string {
	switch op {
	case Sum:
		return "Sum"
	case Avg:
		return "Avg"
	case Max:
		return "Max"
	case Min:
		return "Min"
	default:
		return fmt.Sprintf("ReduceOp(%d)", int(op))
	}
}

type opKind int

const (
	opAllReduce opKind = iota
	opReduceScatter
	opAllGather
	opBroadcast
	opBarrier
)

var opKindNames = []string{"AllReduce", "ReduceScatter", "AllGather", "Broadcast", "Barrier"}

func (k opKind) String() string {
	return opKindNames[k]
}

// call holds the arguments of one member's collective call.
type call struct {
	kind   opKind
	reduce ReduceOp
	root   int
	counts []int
	input  []float32
}

// groupState is shared by all handles of the same group.
type groupState struct {
	key   string
	ranks []int

	mu      sync.Mutex
	nextSeq []uint64 // Per group rank.
	pending map[uint64]*rendezvous
}

// rendezvous of one collective operation: members deposit their inputs, the last one to arrive
// computes the outputs and triggers done.
type rendezvous struct {
	first   call
	inputs  [][]float32
	arrived int
	err     error // Argument mismatch between members.
	outputs [][]float32
	done    *xsync.LatchWithValue[error]
}

// Group is one rank's handle to a communication group.
//
// Size, Rank and GlobalRanks are immutable and safe to call from any goroutine. Collective
// operations must be issued by the rank in the same order as the other members.
type Group struct {
	world      *World
	state      *groupState
	rank       int
	globalRank int
}

// World returns the world the group belongs to.
func (g *Group) World() *World {
	return g.world
}

// Size returns the number of members of the group.
func (g *Group) Size() int {
	return len(g.state.ranks)
}

// Rank returns the rank of this member within the group.
func (g *Group) Rank() int {
	return g.rank
}

// GlobalRank returns the rank of this member in the world.
func (g *Group) GlobalRank() int {
	return g.globalRank
}

// GlobalRanks returns the world ranks of the members, in group order.
func (g *Group) GlobalRanks() []int {
	return slices.Clone(g.state.ranks)
}

// String implements fmt.Stringer.
func (g *Group) String() string {
	return fmt.Sprintf("Group(ranks=%s, rank=%d)", g.state.key, g.rank)
}

// reserve the next sequence number for this member.
func (g *Group) reserve() uint64 {
	g.state.mu.Lock()
	defer g.state.mu.Unlock()
	seq := g.state.nextSeq[g.rank]
	g.state.nextSeq[g.rank]++
	return seq
}

func (c *call) matches(other *call) bool {
	return c.kind == other.kind && c.reduce == other.reduce && c.root == other.root &&
		slices.Equal(c.counts, other.counts)
}

// run deposits the member's call for the operation seq and waits for its result.
func (g *Group) run(ctx context.Context, seq uint64, c call) ([]float32, error) {
	w := g.world
	if err := w.Err(); err != nil {
		return nil, err
	}

	state := g.state
	state.mu.Lock()
	rv, found := state.pending[seq]
	if !found {
		rv = &rendezvous{
			first:  c,
			inputs: make([][]float32, len(state.ranks)),
			done:   xsync.NewLatchWithValue[error](),
		}
		state.pending[seq] = rv
	} else if rv.err == nil && !rv.first.matches(&c) {
		rv.err = errors.Errorf("member %d called %s(%s, root=%d, counts=%v) while member(s) called %s(%s, root=%d, counts=%v)",
			g.rank, c.kind, c.reduce, c.root, c.counts,
			rv.first.kind, rv.first.reduce, rv.first.root, rv.first.counts)
	}
	rv.inputs[g.rank] = slices.Clone(c.input)
	rv.arrived++
	last := rv.arrived == len(state.ranks)
	if last {
		delete(state.pending, seq)
	}
	state.mu.Unlock()

	if last {
		err := rv.err
		if err == nil {
			if hook := w.getFaultHook(); hook != nil {
				err = hook(OpInfo{Op: c.kind.String(), Seq: seq, GroupRanks: slices.Clone(state.ranks)})
			}
		}
		if err == nil {
			rv.outputs, err = rv.first.compute(rv.inputs)
		}
		if err != nil {
			err = errors.Wrapf(ErrCollective, "%s #%d on group %s: %v", c.kind, seq, state.key, err)
		}
		rv.done.Trigger(err)
	}

	select {
	case <-rv.done.WaitChan():
	case <-ctx.Done():
		return nil, errors.Wrapf(ErrCollective, "%s #%d on group %s interrupted: %v", c.kind, seq, state.key, ctx.Err())
	case <-w.aborted.WaitChan():
		return nil, w.Err()
	}
	if err := rv.done.Wait(); err != nil {
		return nil, err
	}
	if klog.V(2).Enabled() {
		klog.Infof("%s #%d on group %s done by member %d (%d values)", c.kind, seq, state.key, g.rank, len(c.input))
	}
	if rv.outputs == nil {
		return nil, nil
	}
	return rv.outputs[g.rank], nil
}

// compute the outputs of every member, given their inputs. Outputs may be shared between members and
// must be treated as read-only.
func (c *call) compute(inputs [][]float32) ([][]float32, error) {
	n := len(inputs)
	outputs := make([][]float32, n)
	switch c.kind {
	case opAllReduce, opReduceScatter:
		for i, input := range inputs {
			if len(input) != len(inputs[0]) {
				return nil, errors.Errorf("member %d contributed %d values, member 0 contributed %d", i, len(input), len(inputs[0]))
			}
		}
		reduced, err := reduce(c.reduce, inputs)
		if err != nil {
			return nil, err
		}
		if c.kind == opAllReduce {
			for i := range outputs {
				outputs[i] = reduced
			}
			return outputs, nil
		}
		if total := sum(c.counts); total != len(reduced) {
			return nil, errors.Errorf("counts %v add up to %d, but %d values were contributed", c.counts, total, len(reduced))
		}
		offset := 0
		for i, count := range c.counts {
			outputs[i] = reduced[offset : offset+count]
			offset += count
		}

	case opAllGather:
		gathered := make([]float32, 0, sum(c.counts))
		for i, input := range inputs {
			if len(input) != c.counts[i] {
				return nil, errors.Errorf("member %d contributed %d values, but counts[%d]=%d", i, len(input), i, c.counts[i])
			}
			gathered = append(gathered, input...)
		}
		for i := range outputs {
			outputs[i] = gathered
		}

	case opBroadcast:
		for i := range outputs {
			outputs[i] = inputs[c.root]
		}

	case opBarrier:
		// Nothing to compute.
	}
	return outputs, nil
}

func sum(values []int) int {
	total := 0
	for _, v := range values {
		total += v
	}
	return total
}

// reduce the inputs element-wise, always in member order so every member gets bit-identical results.
func reduce(op ReduceOp, inputs [][]float32) ([]float32, error) {
	result := slices.Clone(inputs[0])
	for _, input := range inputs[1:] {
		for i, v := range input {
			switch op {
			case Sum, Avg:
				result[i] += v
			case Max:
				result[i] = max(result[i], v)
			case Min:
				result[i] = min(result[i], v)
			default:
				return nil, errors.Errorf("unknown reduction %s", op)
			}
		}
	}
	if op == Avg && len(inputs) > 1 {
		n := float32(len(inputs))
		for i := range result {
			result[i] /= n
		}
	}
	return result, nil
}

func (g *Group) checkCounts(counts []int) error {
	if len(counts) != g.Size() {
		return errors.Wrapf(ErrCollective, "%d counts given for group of size %d", len(counts), g.Size())
	}
	for i, count := range counts {
		if count < 0 {
			return errors.Wrapf(ErrCollective, "counts[%d]=%d is negative", i, count)
		}
	}
	return nil
}

// AllReduce reduces buf across all members, and stores the result back in buf.
func (g *Group) AllReduce(ctx context.Context, op ReduceOp, buf []float32) error {
	out, err := g.run(ctx, g.reserve(), call{kind: opAllReduce, reduce: op, input: buf})
	if err != nil {
		return err
	}
	copy(buf, out)
	return nil
}

// ReduceScatter reduces input across all members, and returns to member i the i-th segment of the result,
// where segments are contiguous and segment i has counts[i] values.
func (g *Group) ReduceScatter(ctx context.Context, op ReduceOp, input []float32, counts []int) ([]float32, error) {
	if err := g.checkCounts(counts); err != nil {
		return nil, err
	}
	out, err := g.run(ctx, g.reserve(), call{kind: opReduceScatter, reduce: op, counts: slices.Clone(counts), input: input})
	if err != nil {
		return nil, err
	}
	return slices.Clone(out), nil
}

// AllGather concatenates the shards of all members, in group order. Member i must contribute counts[i] values.
func (g *Group) AllGather(ctx context.Context, shard []float32, counts []int) ([]float32, error) {
	if err := g.checkCounts(counts); err != nil {
		return nil, err
	}
	out, err := g.run(ctx, g.reserve(), call{kind: opAllGather, counts: slices.Clone(counts), input: shard})
	if err != nil {
		return nil, err
	}
	return slices.Clone(out), nil
}

// Broadcast copies the buf of the member with group rank root to the buf of all other members.
func (g *Group) Broadcast(ctx context.Context, buf []float32, root int) error {
	if root < 0 || root >= g.Size() {
		return errors.Wrapf(ErrCollective, "broadcast root %d out of range for group of size %d", root, g.Size())
	}
	out, err := g.run(ctx, g.reserve(), call{kind: opBroadcast, root: root, input: buf})
	if err != nil {
		return err
	}
	if len(out) != len(buf) {
		return errors.Wrapf(ErrCollective, "broadcast root sent %d values, receiver has a buffer of %d", len(out), len(buf))
	}
	copy(buf, out)
	return nil
}

// Barrier blocks until all members have called it.
func (g *Group) Barrier(ctx context.Context) error {
	_, err := g.run(ctx, g.reserve(), call{kind: opBarrier})
	return err
}
