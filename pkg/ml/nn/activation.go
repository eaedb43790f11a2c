// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"math"

	"github.com/gomlx/zero/pkg/core/tensors"
)

// Gelu returns the exact GELU activation of x: x * Φ(x), where Φ is the cumulative distribution
// function of the standard normal distribution.
func Gelu(x *tensors.Tensor) *tensors.Tensor {
	y := x.Clone()
	for i, v := range y.Data() {
		v64 := float64(v)
		y.Data()[i] = float32(v64 * normalCDF(v64))
	}
	return y
}

// GeluBackward returns dy * GELU'(x).
func GeluBackward(x, dy *tensors.Tensor) *tensors.Tensor {
	dx := dy.Clone()
	xs := x.Data()
	for i, g := range dx.Data() {
		v := float64(xs[i])
		pdf := math.Exp(-0.5*v*v) / math.Sqrt(2*math.Pi)
		dx.Data()[i] = float32(float64(g) * (normalCDF(v) + v*pdf))
	}
	return dx
}

func normalCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}
