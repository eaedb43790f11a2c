// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package zero

import (
	"context"
	"math"

	"github.com/gomlx/zero/pkg/core/collective"
	"github.com/gomlx/zero/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// clipEpsilon avoids dividing by a zero norm.
const clipEpsilon = 1e-6

// globalGradNorm returns the L2 norm of the (unscaled) gradients of the whole model.
//
// Each rank sums the squares of the gradients of its owned ranges, and the sums are added over the
// data-parallel and tensor-parallel groups. Parameters replicated across the tensor-parallel group are
// counted only by its first rank.
func (o *Optimizer) globalGradNorm(ctx context.Context) (float64, error) {
	var sumSquares float64
	tpRank := o.tpGroup.Rank()
	for _, s := range o.shards {
		if s.ReplicatedAcrossTP && tpRank != 0 {
			continue
		}
		if s.Master.Grad != nil {
			sumSquares += tensors.SumSquares(s.Master.Grad.Data())
		}
	}
	buf := []float32{float32(sumSquares)}
	for _, group := range []*collective.Group{o.dpGroup, o.tpGroup} {
		if group.Size() == 1 {
			continue
		}
		if err := group.AllReduce(ctx, collective.Sum, buf); err != nil {
			return 0, errors.WithMessage(err, "computing the global gradient norm")
		}
	}
	return math.Sqrt(float64(buf[0])), nil
}

// clipGradients scales the master gradients so their global norm is at most maxNorm, and returns the
// norm before clipping.
func (o *Optimizer) clipGradients(ctx context.Context, maxNorm float64) (float64, error) {
	norm, err := o.globalGradNorm(ctx)
	if err != nil {
		return 0, err
	}
	if norm <= maxNorm {
		return norm, nil
	}
	coef := float32(maxNorm / (norm + clipEpsilon))
	klog.V(1).Infof("rank %d: clipping gradients with norm %g to %g", o.topology.Rank(), norm, maxNorm)
	for _, s := range o.shards {
		if s.Master.Grad != nil {
			tensors.Scale(coef, s.Master.Grad.Data())
		}
	}
	return norm, nil
}
