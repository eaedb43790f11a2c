// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"fmt"
	"slices"

	"github.com/pkg/errors"
)

// ShardAxis describes along which axis a parameter is split across the tensor-parallel group.
type ShardAxis int

const (
	// NotSharded parameters are replicated on every rank of the tensor-parallel group.
	NotSharded ShardAxis = iota

	// ShardRow splits the first axis (rows) of the parameter.
	ShardRow

	// ShardCol splits the last axis (columns) of the parameter.
	ShardCol
)

// String implements fmt.Stringer.
func (a ShardAxis) String() string {
	switch a {
	case NotSharded:
		return "NotSharded"
	case ShardRow:
		return "Row"
	case ShardCol:
		return "Col"
	default:
		return fmt.Sprintf("ShardAxis(%d)", int(a))
	}
}

// Axis returns the tensor axis split for a tensor of the given rank, or -1 if not sharded.
func (a ShardAxis) Axis(rank int) int {
	switch a {
	case ShardRow:
		return 0
	case ShardCol:
		return rank - 1
	default:
		return -1
	}
}

// ShardShape returns the shape of one of numShards shards of a tensor with the given (logical) shape.
//
// It returns an error wrapping ErrShardSize if the sharded dimension is not divisible by numShards.
func (a ShardAxis) ShardShape(shape []int, numShards int) ([]int, error) {
	if numShards <= 0 {
		return nil, errors.Wrapf(ErrShardSize, "invalid number of shards %d", numShards)
	}
	shape = slices.Clone(shape)
	if a == NotSharded {
		return shape, nil
	}
	if len(shape) == 0 {
		return nil, errors.Wrapf(ErrShardSize, "cannot shard a scalar along %s", a)
	}
	axis := a.Axis(len(shape))
	if shape[axis]%numShards != 0 {
		return nil, errors.Wrapf(ErrShardSize, "axis %d of shape %v has dimension %d, not divisible into %d shards",
			axis, shape, shape[axis], numShards)
	}
	shape[axis] /= numShards
	return shape, nil
}

// LogicalShape is the reverse of ShardShape: it returns the shape of the full tensor given the shape of one shard.
func (a ShardAxis) LogicalShape(shardShape []int, numShards int) []int {
	shape := slices.Clone(shardShape)
	if a != NotSharded && len(shape) > 0 {
		shape[a.Axis(len(shape))] *= numShards
	}
	return shape
}
