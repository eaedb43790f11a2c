// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dtypes

import (
	"math"
	"testing"

	"github.com/gomlx/zero/pkg/core/dtypes/bfloat16"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromName(t *testing.T) {
	for name, want := range map[string]DType{
		"Float16": Float16, "float16": Float16, "f16": Float16, "half": Float16,
		"bf16": BFloat16, "Float32": Float32,
	} {
		got, err := FromName(name)
		require.NoError(t, err, "name=%q", name)
		assert.Equal(t, want, got, "name=%q", name)
	}
	_, err := FromName("int8")
	require.Error(t, err)
	_, err = FromName("InvalidDType")
	require.Error(t, err)
}

func TestRound(t *testing.T) {
	assert.Equal(t, float32(0.1), Float32.Round(0.1))
	assert.Equal(t, float32(65504), Float16.HighestValue())
	assert.True(t, math.IsInf(float64(Float16.Round(70000)), 1), "float16 overflow must become +Inf")
	assert.Equal(t, float32(0), Float16.Round(1e-9), "float16 underflow must flush to zero")
	assert.InDelta(t, 1.0/3.0, float64(Float16.Round(1.0/3.0)), 1e-3)

	// BFloat16 keeps the float32 exponent range.
	assert.False(t, math.IsInf(float64(BFloat16.Round(1e38)), 0))
	assert.InDelta(t, 1.0/3.0, float64(BFloat16.Round(1.0/3.0)), 1e-2)
	assert.True(t, math.IsNaN(float64(bfloat16.FromFloat32(float32(math.NaN())).Float32())))

	values := []float32{1, 1e5, -1e5}
	Float16.RoundSlice(values)
	assert.Equal(t, float32(1), values[0])
	assert.True(t, math.IsInf(float64(values[1]), 1))
	assert.True(t, math.IsInf(float64(values[2]), -1))
}

func TestSize(t *testing.T) {
	assert.Equal(t, 4, Float32.Size())
	assert.Equal(t, 2, Float16.Size())
	assert.Equal(t, 2, BFloat16.Size())
	assert.Equal(t, 0, InvalidDType.Size())
	assert.False(t, InvalidDType.IsValid())
}
