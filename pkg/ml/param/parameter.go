// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package param holds model parameters that may be sharded across a tensor-parallel group.
//
// A Parameter is a value tensor, a gradient slot and sharding metadata. A Store creates parameters
// under a distributed.ProcessTopology and splits them along rows or columns across the tensor-parallel
// group.
package param

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/zero/pkg/core/distributed"
	"github.com/gomlx/zero/pkg/core/dtypes"
	"github.com/gomlx/zero/pkg/core/tensors"
)

// Parameter is a trainable tensor: its (local) value, a gradient slot and sharding metadata.
//
// Value and Grad are owned by the local rank. The model runtime accumulates gradients during backward,
// and the optimizer updates Value during its step. They are never mutated concurrently.
type Parameter struct {
	name string

	// Value holds the local shard of the parameter (or the full parameter if not sharded).
	Value *tensors.Tensor

	// Grad holds the gradient of the loss with respect to Value, with the same shape and dtype.
	// It is nil when no gradient was accumulated since the last ZeroGrad.
	Grad *tensors.Tensor

	shardAxis        distributed.ShardAxis
	replicatedOutput bool
	topology         *distributed.ProcessTopology
	logicalShape     []int
}

// New creates a parameter not associated with any topology, and not sharded.
// The value is used as is (not copied).
func New(name string, value *tensors.Tensor) *Parameter {
	return &Parameter{
		name:             name,
		Value:            value,
		replicatedOutput: true,
		logicalShape:     value.Shape(),
	}
}

// Name of the parameter.
func (p *Parameter) Name() string { return p.name }

// DType of the parameter value and gradient.
func (p *Parameter) DType() dtypes.DType { return p.Value.DType() }

// Size returns the number of elements of the local value.
func (p *Parameter) Size() int { return p.Value.Size() }

// ShardAxis returns along which axis the parameter is split across the tensor-parallel group.
func (p *Parameter) ShardAxis() distributed.ShardAxis { return p.shardAxis }

// IsSharded returns whether the parameter is split across the tensor-parallel group.
func (p *Parameter) IsSharded() bool { return p.shardAxis != distributed.NotSharded }

// IsReplicatedOutput returns whether the output computed with this parameter is all-gathered across the
// tensor-parallel group. It defaults to true.
func (p *Parameter) IsReplicatedOutput() bool { return p.replicatedOutput }

// SetOutputReplicate sets whether the output computed with this parameter is all-gathered across the
// tensor-parallel group. Non-replicated outputs stay local to each tensor-parallel rank.
func (p *Parameter) SetOutputReplicate(replicate bool) {
	p.replicatedOutput = replicate
}

// Topology returns the topology the parameter was created under, or nil.
func (p *Parameter) Topology() *distributed.ProcessTopology { return p.topology }

// LogicalShape returns the shape of the full (unsharded) parameter.
func (p *Parameter) LogicalShape() []int { return slices.Clone(p.logicalShape) }

// ZeroGrad clears the gradient slot.
func (p *Parameter) ZeroGrad() {
	p.Grad = nil
}

// AccumulateGrad adds grad to the gradient slot, allocating it with the parameter's dtype if needed.
// Accumulated values are rounded to the parameter's dtype, so a low precision gradient may overflow to ±Inf.
func (p *Parameter) AccumulateGrad(grad *tensors.Tensor) {
	if !slices.Equal(grad.Shape(), p.Value.Shape()) {
		exceptions.Panicf("Parameter %q: gradient shape %v doesn't match value shape %v", p.name, grad.Shape(), p.Value.Shape())
	}
	if p.Grad == nil {
		p.Grad = tensors.New(p.DType(), p.Value.Shape()...)
	}
	p.Grad.AddInPlace(grad)
}

// String implements fmt.Stringer.
func (p *Parameter) String() string {
	if p.IsSharded() {
		return fmt.Sprintf("Parameter(%q, %s%v, sharded=%s of %v)", p.name, p.DType(), p.Value.Shape(), p.shardAxis, p.logicalShape)
	}
	return fmt.Sprintf("Parameter(%q, %s%v)", p.name, p.DType(), p.Value.Shape())
}
