package zero

import (
	"testing"

	"github.com/gomlx/zero/pkg/core/tensors"
	"github.com/gomlx/zero/pkg/ml/param"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShardRange(t *testing.T) {
	testCases := []struct {
		numel, rank, worldSize int
		want                   Range
	}{
		{10, 0, 4, Range{0, 3}},
		{10, 3, 4, Range{9, 10}},
		{3, 3, 4, Range{3, 3}},
		{0, 0, 2, Range{0, 0}},
		{7, 0, 1, Range{0, 7}},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, ShardRange(tc.numel, tc.rank, tc.worldSize), "ShardRange(%d, %d, %d)", tc.numel, tc.rank, tc.worldSize)
	}

	// Ranges tile [0, numel) in rank order.
	for worldSize := 1; worldSize <= 5; worldSize++ {
		for numel := 0; numel <= 20; numel++ {
			next := 0
			for rank := range worldSize {
				r := ShardRange(numel, rank, worldSize)
				require.Equal(t, next, r.Start, "numel=%d rank=%d/%d", numel, rank, worldSize)
				require.GreaterOrEqual(t, r.Len(), 0)
				next = r.End
			}
			require.Equal(t, numel, next, "numel=%d worldSize=%d", numel, worldSize)
		}
	}
}

func TestPartitioner(t *testing.T) {
	p := param.New("w", tensors.FromValue([]float32{0, 1, 2, 3, 4}))
	s := NewPartitioner(1, 2).Shard(3, p, true)
	assert.Equal(t, 3, s.Index)
	assert.Equal(t, []Range{{0, 3}, {3, 5}}, s.Ranges)
	assert.Equal(t, Range{3, 5}, s.Owned)
	assert.Equal(t, []float32{3, 4}, s.Master.Value.Data())
	assert.Equal(t, "w.master", s.Master.Name())
	assert.False(t, s.ReplicatedAcrossTP)
	assert.Nil(t, s.ownedGrad())

	// The master is a copy.
	s.Master.Value.Data()[0] = 7
	assert.Equal(t, float32(3), p.Value.Data()[3])

	s = NewPartitioner(1, 2).Shard(0, p, false)
	s.grad = []float32{10, 11, 12, 13, 14}
	assert.Equal(t, []float32{13, 14}, s.ownedGrad())
	s.clearGrad()
	assert.Equal(t, 0, s.GradSize())
	assert.Equal(t, 4, TotalOwned([]*Shard{s, s}))

	s = NewPartitioner(0, 2).WithTensorParallel(2).Shard(0, p, false)
	assert.True(t, s.ReplicatedAcrossTP)
}
