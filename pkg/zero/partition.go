// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package zero

import (
	"fmt"

	"github.com/gomlx/zero/pkg/core/tensors"
	"github.com/gomlx/zero/pkg/ml/param"
)

// Range of elements [Start, End) of a flattened parameter.
type Range struct {
	Start, End int
}

// Len returns the number of elements of the range.
func (r Range) Len() int { return r.End - r.Start }

// String implements fmt.Stringer.
func (r Range) String() string { return fmt.Sprintf("[%d, %d)", r.Start, r.End) }

// ShardRange returns the range of the elements of a parameter with numel elements owned by rank, out of
// worldSize ranks: [rank*c, min(numel, (rank+1)*c)) with c = ceil(numel/worldSize).
//
// Trailing ranks may own an empty range.
func ShardRange(numel, rank, worldSize int) Range {
	chunk := (numel + worldSize - 1) / worldSize
	start := min(rank*chunk, numel)
	end := min((rank+1)*chunk, numel)
	return Range{Start: start, End: end}
}

// Shard is the part of a parameter owned by the local data-parallel rank: the range of its elements, its fp32
// master copy handed to the base optimizer, and the reduced gradient.
type Shard struct {
	// Param is the model parameter, whose (local) value is replicated across the data-parallel group.
	Param *param.Parameter

	// Index of the parameter in the order they were registered.
	Index int

	// Ranges owned by each rank of the data-parallel group.
	Ranges []Range

	// Owned is the range of the local rank.
	Owned Range

	// Master is a float32 copy of the Owned elements of the parameter, updated by the base optimizer.
	Master *param.Parameter

	// ReplicatedAcrossTP is set for parameters not sharded over a tensor-parallel group of size > 1.
	ReplicatedAcrossTP bool

	// grad is the reduced gradient: of all elements, or only of the Owned ones when partitioned.
	grad        []float32
	partitioned bool
}

// Numel is the number of elements of the (local) parameter value.
func (s *Shard) Numel() int { return s.Param.Size() }

// GradSize returns the number of elements of the reduced gradient kept by the shard.
func (s *Shard) GradSize() int { return len(s.grad) }

// ownedGrad returns the reduced gradient of the Owned elements, or nil if not reduced yet.
func (s *Shard) ownedGrad() []float32 {
	if s.grad == nil || s.partitioned {
		return s.grad
	}
	return s.grad[s.Owned.Start:s.Owned.End]
}

// clearGrad releases the reduced gradient.
func (s *Shard) clearGrad() {
	s.grad = nil
}

// String implements fmt.Stringer.
func (s *Shard) String() string {
	return fmt.Sprintf("Shard(%q, owned=%s of %d)", s.Param.Name(), s.Owned, s.Numel())
}

// Partitioner divides parameters in contiguous ranges, one per rank of the data-parallel group.
type Partitioner struct {
	rank, worldSize int
	tpWorldSize     int
}

// NewPartitioner returns a partitioner for the given rank of a data-parallel group with worldSize ranks.
func NewPartitioner(rank, worldSize int) *Partitioner {
	return &Partitioner{rank: rank, worldSize: worldSize, tpWorldSize: 1}
}

// WithTensorParallel sets the size of the tensor-parallel group the parameters may be sharded over,
// used to flag the parameters replicated across it.
func (pt *Partitioner) WithTensorParallel(tpWorldSize int) *Partitioner {
	pt.tpWorldSize = tpWorldSize
	return pt
}

// Shard creates the shard of p for the local rank, including the master copy of its owned elements.
func (pt *Partitioner) Shard(index int, p *param.Parameter, partitionGrad bool) *Shard {
	numel := p.Size()
	s := &Shard{
		Param:       p,
		Index:       index,
		Ranges:      make([]Range, pt.worldSize),
		partitioned: partitionGrad,

		ReplicatedAcrossTP: !p.IsSharded() && pt.tpWorldSize > 1,
	}
	for rank := range s.Ranges {
		s.Ranges[rank] = ShardRange(numel, rank, pt.worldSize)
	}
	s.Owned = s.Ranges[pt.rank]
	s.Master = param.New(p.Name()+".master", tensors.FromFlat(p.Value.Data()[s.Owned.Start:s.Owned.End], s.Owned.Len()))
	return s
}

// TotalOwned returns the number of elements owned by the local rank over all shards.
func TotalOwned(shards []*Shard) int {
	total := 0
	for _, s := range shards {
		total += s.Owned.Len()
	}
	return total
}
