// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package bfloat16 implements the conversions of the bfloat16 format used to round parameters.
package bfloat16

import "math"

// BFloat16 (brain floating point) is the upper half of an IEEE 754 float32: the same exponent range,
// with 8 bits of mantissa.
type BFloat16 uint16

// MaxValue is the largest finite BFloat16 (about 3.39e38).
const MaxValue = BFloat16(0x7f7f)

// Float32 converts f to float32 exactly.
func (f BFloat16) Float32() float32 {
	return math.Float32frombits(uint32(f) << 16)
}

// FromFloat32 rounds x to the nearest BFloat16, ties to even. NaN stays NaN.
func FromFloat32(x float32) BFloat16 {
	bits := math.Float32bits(x)
	if x != x {
		// Set the quiet bit: dropping the low mantissa bits could leave an Inf.
		return BFloat16(bits>>16 | 0x0040)
	}
	bits += 0x7fff + (bits>>16)&1
	return BFloat16(bits >> 16)
}
