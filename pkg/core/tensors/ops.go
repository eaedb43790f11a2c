// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"math"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// ErrNotDivisible is returned by Split when the axis dimension is not divisible by the number of shards.
var ErrNotDivisible = errors.New("dimension not divisible by number of shards")

// outerInner returns the product of the dimensions before and after axis.
func (t *Tensor) outerInner(axis int) (outer, inner int) {
	outer, inner = 1, 1
	for i, dim := range t.dims {
		if i < axis {
			outer *= dim
		} else if i > axis {
			inner *= dim
		}
	}
	return
}

// Split the tensor along axis in numShards equal contiguous slices and return a copy of slice shardIdx.
//
// It returns an error wrapping ErrNotDivisible if the axis dimension is not divisible by numShards.
func (t *Tensor) Split(axis, numShards, shardIdx int) (*Tensor, error) {
	axis = t.normalizeAxis(axis)
	if numShards <= 0 || shardIdx < 0 || shardIdx >= numShards {
		return nil, errors.Errorf("Tensor.Split: invalid shard %d of %d", shardIdx, numShards)
	}
	dim := t.dims[axis]
	if dim%numShards != 0 {
		return nil, errors.Wrapf(ErrNotDivisible, "axis %d of dims %v has dimension %d, cannot split in %d shards",
			axis, t.dims, dim, numShards)
	}
	shardDim := dim / numShards
	return t.Slice(axis, shardIdx*shardDim, (shardIdx+1)*shardDim), nil
}

// Slice returns a copy of the range [start, end) of the given axis.
func (t *Tensor) Slice(axis, start, end int) *Tensor {
	axis = t.normalizeAxis(axis)
	dim := t.dims[axis]
	if start < 0 || end > dim || start > end {
		exceptions.Panicf("Tensor.Slice: invalid range [%d, %d) for axis %d with dimension %d", start, end, axis, dim)
	}
	outer, inner := t.outerInner(axis)
	dims := slices.Clone(t.dims)
	dims[axis] = end - start
	result := New(t.dtype, dims...)
	chunk := (end - start) * inner
	for o := range outer {
		src := t.data[(o*dim+start)*inner : (o*dim+end)*inner]
		copy(result.data[o*chunk:(o+1)*chunk], src)
	}
	return result
}

// Concat concatenates the parts along axis. All other dimensions must match.
// The result takes the dtype of the first part.
func Concat(axis int, parts ...*Tensor) *Tensor {
	if len(parts) == 0 {
		exceptions.Panicf("tensors.Concat: no tensors given")
	}
	first := parts[0]
	axis = first.normalizeAxis(axis)
	dims := slices.Clone(first.dims)
	dims[axis] = 0
	for i, part := range parts {
		if part.Rank() != first.Rank() {
			exceptions.Panicf("tensors.Concat: part #%d has rank %d, expected %d", i, part.Rank(), first.Rank())
		}
		for a, dim := range part.dims {
			if a != axis && dim != first.dims[a] {
				exceptions.Panicf("tensors.Concat: part #%d has dims %v incompatible with %v on axis %d",
					i, part.dims, first.dims, axis)
			}
		}
		dims[axis] += part.dims[axis]
	}
	result := New(first.dtype, dims...)
	outer, inner := result.outerInner(axis)
	pos := 0
	for o := range outer {
		for _, part := range parts {
			chunk := part.dims[axis] * inner
			copy(result.data[pos:pos+chunk], part.data[o*chunk:(o+1)*chunk])
			pos += chunk
		}
	}
	return result
}

// MatMul returns op(a) x op(b) for rank-2 tensors, where op transposes when the corresponding flag is set.
// The result is Float32.
func MatMul(a, b *Tensor, transA, transB bool) *Tensor {
	if a.Rank() != 2 || b.Rank() != 2 {
		exceptions.Panicf("tensors.MatMul: requires rank-2 tensors, got dims %v and %v", a.dims, b.dims)
	}
	m, k := a.dims[0], a.dims[1]
	if transA {
		m, k = k, m
	}
	kb, n := b.dims[0], b.dims[1]
	if transB {
		kb, n = n, kb
	}
	if k != kb {
		exceptions.Panicf("tensors.MatMul: contracting dimensions don't match: a=%v (trans=%v), b=%v (trans=%v)",
			a.dims, transA, b.dims, transB)
	}
	c := Zeros(m, n)
	if m == 0 || n == 0 || k == 0 {
		return c
	}
	tA, tB := blas.NoTrans, blas.NoTrans
	if transA {
		tA = blas.Trans
	}
	if transB {
		tB = blas.Trans
	}
	blas32.Gemm(tA, tB, 1, asGeneral(a), asGeneral(b), 0, asGeneral(c))
	return c
}

func asGeneral(t *Tensor) blas32.General {
	return blas32.General{Rows: t.dims[0], Cols: t.dims[1], Stride: t.dims[1], Data: t.data}
}

func asVector(values []float32) blas32.Vector {
	return blas32.Vector{N: len(values), Inc: 1, Data: values}
}

// Axpy computes y += alpha * x over flat values of the same length.
func Axpy(alpha float32, x, y []float32) {
	if len(x) != len(y) {
		exceptions.Panicf("tensors.Axpy: lengths differ, %d != %d", len(x), len(y))
	}
	if len(x) == 0 {
		return
	}
	blas32.Axpy(alpha, asVector(x), asVector(y))
}

// Scale multiplies the values in place by alpha.
func Scale(alpha float32, values []float32) {
	if len(values) == 0 {
		return
	}
	blas32.Scal(alpha, asVector(values))
}

// SumSquares returns the sum of the squares of the values, accumulated in float64.
func SumSquares(values []float32) float64 {
	if len(values) == 0 {
		return 0
	}
	norm := float64(blas32.Nrm2(asVector(values)))
	return norm * norm
}

// AddInPlace adds other to t (t += other). Shapes must match. The result is rounded to t's dtype.
func (t *Tensor) AddInPlace(other *Tensor) {
	if !slices.Equal(t.dims, other.dims) {
		exceptions.Panicf("Tensor.AddInPlace: dims %v != %v", t.dims, other.dims)
	}
	Axpy(1, other.data, t.data)
	t.Round()
}

// SumRows sums a rank-2 tensor over its first axis, returning a rank-1 tensor with one value per column.
func SumRows(t *Tensor) *Tensor {
	if t.Rank() != 2 {
		exceptions.Panicf("tensors.SumRows: requires rank-2 tensor, got dims %v", t.dims)
	}
	rows, cols := t.dims[0], t.dims[1]
	result := Zeros(cols)
	for r := range rows {
		for c := range cols {
			result.data[c] += t.data[r*cols+c]
		}
	}
	return result
}

// AllClose returns whether all values of a and b have the same shape and satisfy
// |a - b| <= atol + rtol*|b|. NaN values are never close.
func AllClose(a, b *Tensor, rtol, atol float64) bool {
	if !slices.Equal(a.dims, b.dims) {
		return false
	}
	return MaxViolation(a.data, b.data, rtol, atol) <= 0
}

// MaxViolation returns the largest value of |a - b| - (atol + rtol*|b|) over the elements, or +Inf
// if any pair contains a NaN. A result <= 0 means all values are close.
func MaxViolation(a, b []float32, rtol, atol float64) float64 {
	if len(a) != len(b) {
		exceptions.Panicf("tensors.MaxViolation: lengths differ, %d != %d", len(a), len(b))
	}
	worst := math.Inf(-1)
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		if math.IsNaN(x) || math.IsNaN(y) {
			return math.Inf(1)
		}
		if x == y {
			// Covers equal infinities.
			worst = max(worst, -atol)
			continue
		}
		worst = max(worst, math.Abs(x-y)-(atol+rtol*math.Abs(y)))
	}
	return worst
}
