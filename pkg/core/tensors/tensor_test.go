package tensors

import (
	"math"
	"testing"

	"github.com/gomlx/zero/pkg/core/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructors(t *testing.T) {
	x := FromValue([][]float64{{1, 2, 3}, {4, 5, 6}})
	assert.Equal(t, []int{2, 3}, x.Shape())
	assert.Equal(t, 6, x.Size())
	assert.Equal(t, 24, x.Memory())
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, x.Data())
	assert.Equal(t, 3, x.Dim(-1))

	y := FromFlat([]float32{1, 2, 3, 4}, 2, 2)
	assert.Equal(t, []int{2, 2}, y.Shape())
	assert.Panics(t, func() { FromFlat([]float32{1, 2, 3}, 2, 2) })
	assert.Panics(t, func() { FromValue([][]float32{{1, 2}, {3}}) })
	assert.Panics(t, func() { FromValue([]int{1}) })

	h := Full(1e5, 3).AsDType(dtypes.Float16)
	assert.Equal(t, 6, h.Memory())
	assert.True(t, h.HasNonFinite())
	assert.False(t, x.HasNonFinite())
}

func TestSplitAndConcat(t *testing.T) {
	x := FromValue([][]float32{{1, 2, 3, 4}, {5, 6, 7, 8}})

	rows0, err := x.Split(0, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4}, rows0.Data())

	cols1, err := x.Split(1, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, cols1.Shape())
	assert.Equal(t, []float32{3, 4, 7, 8}, cols1.Data())

	_, err = x.Split(1, 3, 0)
	require.ErrorIs(t, err, ErrNotDivisible)
	_, err = x.Split(1, 2, 2)
	require.Error(t, err)

	// Round trip along both axes.
	for axis := range 2 {
		parts := make([]*Tensor, 2)
		for i := range parts {
			parts[i], err = x.Split(axis, 2, i)
			require.NoError(t, err)
		}
		merged := Concat(axis, parts...)
		assert.Equal(t, x.Shape(), merged.Shape())
		assert.Equal(t, x.Data(), merged.Data(), "axis=%d", axis)
	}
}

func TestMatMul(t *testing.T) {
	a := FromValue([][]float32{{1, 2}, {3, 4}, {5, 6}}) // [3, 2]
	b := FromValue([][]float32{{1, 0, 1}, {0, 1, 1}})   // [2, 3]
	c := MatMul(a, b, false, false)
	assert.Equal(t, []int{3, 3}, c.Shape())
	assert.Equal(t, []float32{1, 2, 3, 3, 4, 7, 5, 6, 11}, c.Data())

	// a^T x a: [2, 2]
	ata := MatMul(a, a, true, false)
	assert.Equal(t, []float32{35, 44, 44, 56}, ata.Data())

	// a x b^T with b as [3, 2]
	bt := FromValue([][]float32{{1, 0}, {0, 1}, {1, 1}})
	assert.Equal(t, c.Data(), MatMul(a, bt, false, true).Data())

	assert.Panics(t, func() { MatMul(a, a, false, false) })
}

func TestVectorOps(t *testing.T) {
	x := []float32{3, 4}
	assert.InDelta(t, 25.0, SumSquares(x), 1e-5)
	y := []float32{1, 1}
	Axpy(2, x, y)
	assert.Equal(t, []float32{7, 9}, y)
	Scale(0.5, y)
	assert.Equal(t, []float32{3.5, 4.5}, y)

	s := SumRows(FromValue([][]float32{{1, 2}, {3, 4}, {5, 6}}))
	assert.Equal(t, []float32{9, 12}, s.Data())
}

func TestAllClose(t *testing.T) {
	a := FromFlat([]float32{1, 100, 0})
	b := FromFlat([]float32{1.0005, 100.05, 5e-5})
	assert.True(t, AllClose(a, b, 1e-3, 1e-4))
	assert.False(t, AllClose(a, b, 1e-6, 1e-6))
	c := FromFlat([]float32{1, float32(math.NaN()), 0})
	assert.False(t, AllClose(c, c, 1, 1))
	assert.False(t, AllClose(a, a.Reshape(1, 3), 1, 1))
}
