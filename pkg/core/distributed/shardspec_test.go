package distributed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShardAxis(t *testing.T) {
	assert.Equal(t, 0, ShardRow.Axis(2))
	assert.Equal(t, 1, ShardCol.Axis(2))
	assert.Equal(t, 0, ShardCol.Axis(1))
	assert.Equal(t, -1, NotSharded.Axis(2))
	assert.Equal(t, "Row", ShardRow.String())

	shape, err := ShardRow.ShardShape([]int{128, 32}, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{64, 32}, shape)
	assert.Equal(t, []int{128, 32}, ShardRow.LogicalShape(shape, 2))

	shape, err = ShardCol.ShardShape([]int{32, 128}, 4)
	require.NoError(t, err)
	assert.Equal(t, []int{32, 32}, shape)
	assert.Equal(t, []int{32, 128}, ShardCol.LogicalShape(shape, 4))

	shape, err = NotSharded.ShardShape([]int{7}, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{7}, shape)

	_, err = ShardCol.ShardShape([]int{32, 30}, 4)
	require.ErrorIs(t, err, ErrShardSize)
	_, err = ShardRow.ShardShape(nil, 2)
	require.ErrorIs(t, err, ErrShardSize)
	_, err = ShardRow.ShardShape([]int{4}, 0)
	require.ErrorIs(t, err, ErrShardSize)
}
