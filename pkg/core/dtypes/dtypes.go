// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dtypes includes the DType enum for the storage precision of parameters and gradients.
//
// Values are always held as float32 on the host, and a DType defines to which precision they are
// rounded when stored. This is what makes loss scaling meaningful: a Float16 gradient above 65504
// becomes +Inf, and a tiny one flushes to zero.
package dtypes

import (
	"maps"
	"math"
	"slices"
	"strings"

	"github.com/gomlx/zero/pkg/core/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// DType is an enum of the supported floating point storage types.
type DType int32

const (
	// InvalidDType is the zero value, used to indicate an unset dtype.
	InvalidDType DType = iota

	// Float32 is the IEEE 754 single precision format. It's the default.
	Float32

	// Float16 is the IEEE 754 half precision format, with 5 bits of exponent.
	Float16

	// BFloat16 is the "brain floating point" format, with the float32 exponent range and 8 bits of mantissa.
	BFloat16
)

// MapOfNames maps names (and lower-case aliases) to DTypes.
var MapOfNames = map[string]DType{
	"InvalidDType": InvalidDType,
	"Float32":      Float32,
	"F32":          Float32,
	"Float16":      Float16,
	"F16":          Float16,
	"Half":         Float16,
	"BFloat16":     BFloat16,
	"BF16":         BFloat16,
}

func init() {
	// Add a mapping to the lower-case version of dtypes.
	keys := slices.Collect(maps.Keys(MapOfNames))
	for _, key := range keys {
		lowerKey := strings.ToLower(key)
		if _, found := MapOfNames[lowerKey]; found {
			continue
		}
		MapOfNames[lowerKey] = MapOfNames[key]
	}
}

// FromName returns the DType for the given name, case-insensitive.
func FromName(name string) (DType, error) {
	dtype, found := MapOfNames[name]
	if !found {
		dtype, found = MapOfNames[strings.ToLower(name)]
	}
	if !found || dtype == InvalidDType {
		return InvalidDType, errors.Errorf("unknown dtype %q", name)
	}
	return dtype, nil
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	switch dtype {
	case Float32:
		return "Float32"
	case Float16:
		return "Float16"
	case BFloat16:
		return "BFloat16"
	default:
		return "InvalidDType"
	}
}

// IsValid returns whether the dtype is one of the supported ones.
func (dtype DType) IsValid() bool {
	return dtype >= Float32 && dtype <= BFloat16
}

// Size returns the number of bytes used to store one element of the dtype.
func (dtype DType) Size() int {
	switch dtype {
	case Float32:
		return 4
	case Float16, BFloat16:
		return 2
	default:
		return 0
	}
}

// Round converts x to the dtype precision and back to float32.
func (dtype DType) Round(x float32) float32 {
	switch dtype {
	case Float16:
		return float16.Fromfloat32(x).Float32()
	case BFloat16:
		return bfloat16.FromFloat32(x).Float32()
	default:
		return x
	}
}

// RoundSlice rounds all values in place to the dtype precision.
// It's a no-op for Float32.
func (dtype DType) RoundSlice(values []float32) {
	if dtype == Float32 || dtype == InvalidDType {
		return
	}
	for i, v := range values {
		values[i] = dtype.Round(v)
	}
}

// HighestValue returns the largest finite value representable by the dtype.
func (dtype DType) HighestValue() float32 {
	switch dtype {
	case Float16:
		return float16.Float16(0x7bff).Float32()
	case BFloat16:
		return bfloat16.MaxValue.Float32()
	default:
		return math.MaxFloat32
	}
}
