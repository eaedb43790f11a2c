// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implement a host `Tensor`, a dense multidimensional array of floating point values.
//
// Values are always stored as a flat row-major []float32. The DType defines the storage precision:
// values written through the tensor API are rounded to it (see dtypes.DType.Round).
//
// There are various ways to construct a Tensor:
//
//   - Zeros(dims ...int): Float32 tensor filled with zeros.
//   - New(dtype, dims ...int): zeros with the given dtype.
//   - FromFlat[T](data []T, dims ...int): copies flat data of any Go float type.
//   - FromValue(value any): from []float32, [][]float32, []float64 or [][]float64.
//
// Shape mismatches in the helpers are bugs in the caller, and they panic with exceptions.Panicf.
package tensors

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/zero/pkg/core/dtypes"
	"golang.org/x/exp/constraints"
)

// Tensor is a dense row-major multidimensional array.
type Tensor struct {
	dtype dtypes.DType
	dims  []int
	data  []float32
}

func sizeOf(dims []int) int {
	size := 1
	for axis, dim := range dims {
		if dim < 0 {
			exceptions.Panicf("tensors: cannot create a tensor with negative dimension %d for axis %d", dim, axis)
		}
		size *= dim
	}
	return size
}

// New creates a tensor of the given dtype and dimensions, filled with zeros.
func New(dtype dtypes.DType, dims ...int) *Tensor {
	if !dtype.IsValid() {
		exceptions.Panicf("tensors.New: invalid dtype %s", dtype)
	}
	return &Tensor{
		dtype: dtype,
		dims:  slices.Clone(dims),
		data:  make([]float32, sizeOf(dims)),
	}
}

// Zeros creates a Float32 tensor filled with zeros.
func Zeros(dims ...int) *Tensor {
	return New(dtypes.Float32, dims...)
}

// Full creates a Float32 tensor filled with value.
func Full(value float32, dims ...int) *Tensor {
	t := Zeros(dims...)
	for i := range t.data {
		t.data[i] = value
	}
	return t
}

// FromFlat creates a Float32 tensor with the given dimensions, copying the flat data.
// If no dimensions are given, it creates a 1D tensor.
func FromFlat[T constraints.Float](data []T, dims ...int) *Tensor {
	if len(dims) == 0 {
		dims = []int{len(data)}
	}
	t := Zeros(dims...)
	if len(data) != len(t.data) {
		exceptions.Panicf("tensors.FromFlat: %d values given for dimensions %v (size %d)", len(data), dims, len(t.data))
	}
	for i, v := range data {
		t.data[i] = float32(v)
	}
	return t
}

// FromValue creates a Float32 tensor from a flat or a regular 2D slice of float32 or float64.
func FromValue(value any) *Tensor {
	switch v := value.(type) {
	case []float32:
		return FromFlat(v)
	case []float64:
		return FromFlat(v)
	case [][]float32:
		return from2D(v)
	case [][]float64:
		return from2D(v)
	}
	exceptions.Panicf("tensors.FromValue: unsupported type %T", value)
	return nil
}

func from2D[T constraints.Float](rows [][]T) *Tensor {
	numCols := 0
	if len(rows) > 0 {
		numCols = len(rows[0])
	}
	t := Zeros(len(rows), numCols)
	for i, row := range rows {
		if len(row) != numCols {
			exceptions.Panicf("tensors.FromValue: irregular 2D slice, row 0 has %d values, row %d has %d",
				numCols, i, len(row))
		}
		for j, v := range row {
			t.data[i*numCols+j] = float32(v)
		}
	}
	return t
}

// DType returns the storage precision of the tensor.
func (t *Tensor) DType() dtypes.DType {
	return t.dtype
}

// AsDType returns a copy of the tensor with values rounded to the given dtype.
func (t *Tensor) AsDType(dtype dtypes.DType) *Tensor {
	c := t.Clone()
	c.dtype = dtype
	dtype.RoundSlice(c.data)
	return c
}

// Shape returns a copy of the tensor dimensions.
func (t *Tensor) Shape() []int {
	return slices.Clone(t.dims)
}

// Rank returns the number of axes.
func (t *Tensor) Rank() int {
	return len(t.dims)
}

// Dim returns the dimension of the axis. Negative axes count from the end.
func (t *Tensor) Dim(axis int) int {
	return t.dims[t.normalizeAxis(axis)]
}

func (t *Tensor) normalizeAxis(axis int) int {
	adjusted := axis
	if adjusted < 0 {
		adjusted += len(t.dims)
	}
	if adjusted < 0 || adjusted >= len(t.dims) {
		exceptions.Panicf("tensors: axis %d out-of-bounds for rank %d (dims=%v)", axis, len(t.dims), t.dims)
	}
	return adjusted
}

// Size returns the number of elements.
func (t *Tensor) Size() int {
	return len(t.data)
}

// Memory returns the number of bytes used by the values in the tensor's dtype.
func (t *Tensor) Memory() int {
	return len(t.data) * t.dtype.Size()
}

// Data returns the flat values. It is not a copy: changes are reflected in the tensor, and they
// are not rounded to the dtype. Use Set or Round after writing into a lower precision tensor.
func (t *Tensor) Data() []float32 {
	return t.data
}

// Set copies values into the tensor, rounding them to its dtype.
func (t *Tensor) Set(values []float32) {
	if len(values) != len(t.data) {
		exceptions.Panicf("Tensor.Set: %d values given for tensor of size %d", len(values), len(t.data))
	}
	copy(t.data, values)
	t.dtype.RoundSlice(t.data)
}

// Round rounds the current values to the tensor's dtype.
func (t *Tensor) Round() {
	t.dtype.RoundSlice(t.data)
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		dtype: t.dtype,
		dims:  slices.Clone(t.dims),
		data:  slices.Clone(t.data),
	}
}

// Reshape returns a tensor sharing the same data with new dimensions.
func (t *Tensor) Reshape(dims ...int) *Tensor {
	if sizeOf(dims) != len(t.data) {
		exceptions.Panicf("Tensor.Reshape(%v): incompatible with size %d (dims=%v)", dims, len(t.data), t.dims)
	}
	return &Tensor{dtype: t.dtype, dims: slices.Clone(dims), data: t.data}
}

// HasNonFinite returns whether any value is NaN or ±Inf.
func (t *Tensor) HasNonFinite() bool {
	return HasNonFinite(t.data)
}

// HasNonFinite returns whether any of the values is NaN or ±Inf.
func HasNonFinite(values []float32) bool {
	for _, v := range values {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return true
		}
	}
	return false
}

// String implements fmt.Stringer. Large tensors are abbreviated.
func (t *Tensor) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "(%s)%v", t.dtype, t.dims)
	const maxValues = 8
	sb.WriteString(" [")
	for i, v := range t.data {
		if i == maxValues {
			_, _ = fmt.Fprintf(&sb, " ...(%d more)", len(t.data)-maxValues)
			break
		}
		if i > 0 {
			sb.WriteString(" ")
		}
		_, _ = fmt.Fprintf(&sb, "%g", v)
	}
	sb.WriteString("]")
	return sb.String()
}
