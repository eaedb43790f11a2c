// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"context"
	"math/rand/v2"

	"github.com/gomlx/zero/pkg/core/dtypes"
	"github.com/gomlx/zero/pkg/core/tensors"
	"github.com/gomlx/zero/pkg/ml/param"
	"github.com/pkg/errors"
)

// MLP is a residual two-layer perceptron: y = x + fc2(gelu(fc1(x))).
type MLP struct {
	FC1, FC2 *Linear
}

// NewMLP creates the parameters of an MLP with the given number of features and hidden units.
// Parameters are named "fc1.weight", "fc1.bias", "fc2.weight" and "fc2.bias".
func NewMLP(store *param.Store, features, hidden int, rng *rand.Rand, dtype dtypes.DType) (*MLP, error) {
	fc1, err := NewLinear(store, "fc1", features, hidden, rng, dtype)
	if err != nil {
		return nil, err
	}
	fc2, err := NewLinear(store, "fc2", hidden, features, rng, dtype)
	if err != nil {
		return nil, err
	}
	return &MLP{FC1: fc1, FC2: fc2}, nil
}

// Parameters of the model, in order of creation.
func (m *MLP) Parameters() []*param.Parameter {
	return append(m.FC1.Parameters(), m.FC2.Parameters()...)
}

// ShardTensorParallel splits the model across the tensor-parallel group of the store: fc1 column-parallel
// with a local output, and fc2 row-parallel with a replicated bias.
func (m *MLP) ShardTensorParallel(store *param.Store) error {
	for _, p := range m.FC1.Parameters() {
		if err := store.SplitRow(p); err != nil {
			return err
		}
		p.SetOutputReplicate(false)
	}
	return store.SplitCol(m.FC2.Weight)
}

// Output of the forward pass, holding the tape for backward.
type Output struct {
	model *MLP
	x     *tensors.Tensor
	h     *tensors.Tensor // fc1 output, before activation.
	y     *tensors.Tensor
	tape1 *LinearTape
	tape2 *LinearTape
}

// Forward runs the model on x, shaped [batch, features].
func (m *MLP) Forward(ctx context.Context, x *tensors.Tensor) (*Output, error) {
	out := &Output{model: m, x: x}
	var err error
	out.h, out.tape1, err = m.FC1.Forward(ctx, x)
	if err != nil {
		return nil, err
	}
	var y *tensors.Tensor
	y, out.tape2, err = m.FC2.Forward(ctx, Gelu(out.h))
	if err != nil {
		return nil, err
	}
	y.AddInPlace(x)
	out.y = y
	return out, nil
}

// Value returns the output of the model.
func (o *Output) Value() *tensors.Tensor {
	return o.y
}

// Sum returns the loss defined as the sum of all the output values.
func (o *Output) Sum() *SumLoss {
	return &SumLoss{output: o}
}

// backward runs the backward pass given the gradient of the output.
func (o *Output) backward(ctx context.Context, dy *tensors.Tensor, ready ReadyFunc) error {
	m := o.model
	dActivation, err := m.FC2.Backward(ctx, o.tape2, dy, true, ready)
	if err != nil {
		return err
	}
	dh := GeluBackward(o.h, dActivation)
	_, err = m.FC1.Backward(ctx, o.tape1, dh, false, ready)
	return err
}

// SumLoss is the sum of the values of the output of a model.
type SumLoss struct {
	output *Output
	done   bool
}

// Value of the loss.
func (l *SumLoss) Value() float32 {
	var total float64
	for _, v := range l.output.y.Data() {
		total += float64(v)
	}
	return float32(total)
}

// Backward accumulates into each parameter the gradient of scale*loss, calling ready for each parameter
// as its gradient is complete, in reverse order of creation. It can only be called once.
func (l *SumLoss) Backward(ctx context.Context, scale float32, ready func(p *param.Parameter) error) error {
	if l.done {
		return errors.New("SumLoss.Backward called twice for the same forward pass")
	}
	l.done = true
	return l.output.backward(ctx, tensors.Full(scale, l.output.y.Shape()...), ready)
}
