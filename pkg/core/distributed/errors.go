// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import "github.com/pkg/errors"

var (
	// ErrConfiguration is wrapped by errors of invalid topology factors, e.g. data-parallel and tensor-parallel
	// degrees that don't multiply to the world size.
	ErrConfiguration = errors.New("invalid distributed configuration")

	// ErrShardSize is wrapped by errors of dimensions not evenly divisible by the number of shards.
	ErrShardSize = errors.New("dimension not divisible by the number of shards")
)
