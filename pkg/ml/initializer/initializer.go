// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package initializer creates the initial values of parameters.
//
// Initializers draw from a *rand.Rand, so a fixed seed reproduces the same values on every rank.
package initializer

import (
	"math"
	"math/rand/v2"

	"github.com/gomlx/zero/pkg/core/tensors"
)

// Initializer creates a Float32 tensor with the given dimensions.
type Initializer func(dims ...int) *tensors.Tensor

var (
	// Zero initializes variables with zero.
	Zero Initializer = func(dims ...int) *tensors.Tensor {
		return tensors.Zeros(dims...)
	}

	// One initializes variables with one.
	One Initializer = func(dims ...int) *tensors.Tensor {
		return tensors.Full(1, dims...)
	}
)

// NewRNG returns a deterministic random number generator for the given seed.
func NewRNG(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// Normal returns an initializer that generates random normal values with the given standard deviation
// and mean set to 0.
func Normal(rng *rand.Rand, stddev float64) Initializer {
	return func(dims ...int) *tensors.Tensor {
		t := tensors.Zeros(dims...)
		for i := range t.Data() {
			t.Data()[i] = float32(rng.NormFloat64() * stddev)
		}
		return t
	}
}

// Uniform returns an initializer that generates random uniform values from [min, max).
func Uniform(rng *rand.Rand, minValue, maxValue float64) Initializer {
	return func(dims ...int) *tensors.Tensor {
		t := tensors.Zeros(dims...)
		for i := range t.Data() {
			t.Data()[i] = float32(minValue + rng.Float64()*(maxValue-minValue))
		}
		return t
	}
}

// LinearDefault returns the initializer commonly used for the weights and bias of a linear layer with
// fanIn input features: uniform in [-1/sqrt(fanIn), 1/sqrt(fanIn)).
func LinearDefault(rng *rand.Rand, fanIn int) Initializer {
	limit := 1 / math.Sqrt(float64(max(fanIn, 1)))
	return Uniform(rng, -limit, limit)
}
