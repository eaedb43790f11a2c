// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"context"
	"slices"

	"github.com/gomlx/zero/pkg/core/tensors"
	"github.com/gomlx/zero/pkg/ml/param"
	"github.com/pkg/errors"
)

// MeanSquaredErrorLoss is the mean of the squared differences between the output of a model and the labels.
type MeanSquaredErrorLoss struct {
	output *Output
	labels *tensors.Tensor
	done   bool
}

// MeanSquaredError returns the loss of the output against labels, which must have the same shape.
func (o *Output) MeanSquaredError(labels *tensors.Tensor) (*MeanSquaredErrorLoss, error) {
	if !slices.Equal(o.y.Shape(), labels.Shape()) {
		return nil, errors.Errorf("MeanSquaredError: labels shape %v doesn't match output shape %v", labels.Shape(), o.y.Shape())
	}
	return &MeanSquaredErrorLoss{output: o, labels: labels}, nil
}

// Value of the loss.
func (l *MeanSquaredErrorLoss) Value() float32 {
	labels := l.labels.Data()
	var total float64
	for i, v := range l.output.y.Data() {
		diff := float64(v - labels[i])
		total += diff * diff
	}
	return float32(total / float64(len(labels)))
}

// Backward accumulates into each parameter the gradient of scale*loss, see SumLoss.Backward.
func (l *MeanSquaredErrorLoss) Backward(ctx context.Context, scale float32, ready func(p *param.Parameter) error) error {
	if l.done {
		return errors.New("MeanSquaredErrorLoss.Backward called twice for the same forward pass")
	}
	l.done = true
	y := l.output.y
	dy := y.Clone()
	tensors.Axpy(-1, l.labels.Data(), dy.Data())
	tensors.Scale(2*scale/float32(y.Size()), dy.Data())
	return l.output.backward(ctx, dy, ready)
}
