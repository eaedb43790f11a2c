// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package nn implements a few hand-differentiated layers on host tensors, aware of tensor-parallel
// sharded parameters.
//
// It is the minimal model runtime needed to train with the ZeRO optimizer: layers run forward, keep a
// tape of what backward needs, and on backward accumulate the gradients into each parameter's slot and
// report every parameter whose gradient is ready, in reverse order of creation.
package nn

import (
	"context"
	"math/rand/v2"

	"github.com/gomlx/zero/pkg/core/collective"
	"github.com/gomlx/zero/pkg/core/distributed"
	"github.com/gomlx/zero/pkg/core/dtypes"
	"github.com/gomlx/zero/pkg/core/tensors"
	"github.com/gomlx/zero/pkg/ml/initializer"
	"github.com/gomlx/zero/pkg/ml/param"
	"github.com/pkg/errors"
)

// ReadyFunc is called once for each parameter, as soon as its gradient is fully accumulated during backward.
type ReadyFunc func(p *param.Parameter) error

// Linear performs a linear transformation: y = x @ weight^T + bias.
//
// weight has shape [out_features, in_features] and bias [out_features]. With tensor parallelism:
//
//   - weight split by rows (distributed.ShardRow) makes it column-parallel: each rank computes a slice of
//     the output features. The bias must be split the same way. If the weight IsReplicatedOutput the
//     output slices are all-gathered, otherwise the output stays local to the rank.
//   - weight split by columns (distributed.ShardCol) makes it row-parallel: each rank contracts its slice of
//     the input features (slicing the input if it is full), and the partial outputs are summed across the
//     tensor-parallel group before adding the (replicated) bias.
type Linear struct {
	Weight, Bias *param.Parameter
	inFeatures   int
	outFeatures  int
}

// NewLinear creates the parameters of a linear layer in the store, named "<name>.weight" and "<name>.bias",
// initialized with initializer.LinearDefault. Parameters are created unsharded.
func NewLinear(store *param.Store, name string, inFeatures, outFeatures int, rng *rand.Rand, dtype dtypes.DType) (*Linear, error) {
	init := initializer.LinearDefault(rng, inFeatures)
	weight, err := store.Add(name+".weight", init(outFeatures, inFeatures).AsDType(dtype))
	if err != nil {
		return nil, err
	}
	bias, err := store.Add(name+".bias", init(outFeatures).AsDType(dtype))
	if err != nil {
		return nil, err
	}
	return &Linear{Weight: weight, Bias: bias, inFeatures: inFeatures, outFeatures: outFeatures}, nil
}

// Parameters of the layer, in order of creation.
func (l *Linear) Parameters() []*param.Parameter {
	return []*param.Parameter{l.Weight, l.Bias}
}

// LinearTape holds what Linear.Backward needs from the forward pass.
type LinearTape struct {
	xLocal         *tensors.Tensor // Input contracted by this rank.
	inputSliced    bool            // Row-parallel layer that sliced a full input.
	outputGathered bool            // Column-parallel layer that all-gathered its output.
}

func (l *Linear) tpGroup() *collective.Group {
	return l.Weight.Topology().TPProcessGroup()
}

// Forward computes the layer output for x, shaped [batch, features].
func (l *Linear) Forward(ctx context.Context, x *tensors.Tensor) (*tensors.Tensor, *LinearTape, error) {
	tape := &LinearTape{xLocal: x}
	switch l.Weight.ShardAxis() {
	case distributed.NotSharded:
		if l.Bias.IsSharded() {
			return nil, nil, errors.Errorf("Linear %q: bias can't be sharded if the weight isn't", l.Weight.Name())
		}
		y := tensors.MatMul(x, l.Weight.Value, false, true)
		addBias(y, l.Bias.Value)
		return y, tape, nil

	case distributed.ShardRow:
		if l.Bias.ShardAxis() != distributed.ShardRow {
			return nil, nil, errors.Errorf("Linear %q: a column-parallel layer requires its bias split by rows, got %s",
				l.Weight.Name(), l.Bias.ShardAxis())
		}
		y := tensors.MatMul(x, l.Weight.Value, false, true)
		addBias(y, l.Bias.Value)
		if !l.Weight.IsReplicatedOutput() {
			return y, tape, nil
		}
		gathered, err := gatherLastAxis(ctx, l.tpGroup(), y)
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "Linear %q forward", l.Weight.Name())
		}
		tape.outputGathered = true
		return gathered, tape, nil

	case distributed.ShardCol:
		if l.Bias.IsSharded() {
			return nil, nil, errors.Errorf("Linear %q: a row-parallel layer requires a replicated bias", l.Weight.Name())
		}
		group := l.tpGroup()
		inLocal := l.Weight.Value.Dim(-1)
		switch x.Dim(-1) {
		case inLocal:
		case inLocal * group.Size():
			tape.xLocal = x.Slice(-1, group.Rank()*inLocal, (group.Rank()+1)*inLocal)
			tape.inputSliced = true
		default:
			return nil, nil, errors.Errorf("Linear %q: input has %d features, expected %d (local) or %d (full)",
				l.Weight.Name(), x.Dim(-1), inLocal, inLocal*group.Size())
		}
		y := tensors.MatMul(tape.xLocal, l.Weight.Value, false, true)
		if err := group.AllReduce(ctx, collective.Sum, y.Data()); err != nil {
			return nil, nil, errors.WithMessagef(err, "Linear %q forward", l.Weight.Name())
		}
		addBias(y, l.Bias.Value)
		return y, tape, nil
	}
	return nil, nil, errors.Errorf("Linear %q: unsupported shard axis %s", l.Weight.Name(), l.Weight.ShardAxis())
}

// Backward accumulates the gradients of the weight and bias given the gradient of the output dy (same
// shape as the output of Forward), and calls ready for the bias and then the weight.
//
// If needInputGrad, it returns the gradient with respect to the input given to Forward.
func (l *Linear) Backward(ctx context.Context, tape *LinearTape, dy *tensors.Tensor, needInputGrad bool, ready ReadyFunc) (*tensors.Tensor, error) {
	if tape.outputGathered {
		group := l.tpGroup()
		outLocal := l.Weight.Value.Dim(0)
		dy = dy.Slice(-1, group.Rank()*outLocal, (group.Rank()+1)*outLocal)
	}
	l.Bias.AccumulateGrad(tensors.SumRows(dy))
	if err := ready(l.Bias); err != nil {
		return nil, err
	}
	l.Weight.AccumulateGrad(tensors.MatMul(dy, tape.xLocal, true, false))
	if err := ready(l.Weight); err != nil {
		return nil, err
	}
	if !needInputGrad {
		return nil, nil
	}

	dx := tensors.MatMul(dy, l.Weight.Value, false, false)
	switch l.Weight.ShardAxis() {
	case distributed.ShardRow:
		// Each rank only has the contribution of its output features.
		if err := l.tpGroup().AllReduce(ctx, collective.Sum, dx.Data()); err != nil {
			return nil, errors.WithMessagef(err, "Linear %q backward", l.Weight.Name())
		}
	case distributed.ShardCol:
		if tape.inputSliced {
			full, err := gatherLastAxis(ctx, l.tpGroup(), dx)
			if err != nil {
				return nil, errors.WithMessagef(err, "Linear %q backward", l.Weight.Name())
			}
			dx = full
		}
	}
	return dx, nil
}

// addBias adds bias to every row of y.
func addBias(y, bias *tensors.Tensor) {
	cols := bias.Size()
	data := y.Data()
	for row := 0; row < len(data); row += cols {
		tensors.Axpy(1, bias.Data(), data[row:row+cols])
	}
}

// gatherLastAxis all-gathers local [batch, n] tensors of the group members into a [batch, n*groupSize] tensor.
func gatherLastAxis(ctx context.Context, group *collective.Group, local *tensors.Tensor) (*tensors.Tensor, error) {
	size := local.Size()
	counts := make([]int, group.Size())
	for i := range counts {
		counts[i] = size
	}
	gathered, err := group.AllGather(ctx, local.Data(), counts)
	if err != nil {
		return nil, err
	}
	parts := make([]*tensors.Tensor, group.Size())
	for i := range parts {
		parts[i] = tensors.FromFlat(gathered[i*size:(i+1)*size], local.Shape()...)
	}
	return tensors.Concat(-1, parts...), nil
}
