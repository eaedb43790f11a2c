// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package zero

import (
	"github.com/gomlx/zero/pkg/core/collective"
	"github.com/gomlx/zero/pkg/core/distributed"
	"github.com/pkg/errors"
)

var (
	// ErrSequencing is wrapped by errors of calls out of order: Step before SyncGrad, SyncGrad before Backward,
	// or Backward twice without a Step in between.
	ErrSequencing = errors.New("optimizer called out of sequence")

	// ErrCollective is wrapped by errors of failed collective operations. They are fatal: the optimizer
	// returns the same error on every later call.
	ErrCollective = collective.ErrCollective

	// ErrConfiguration is wrapped by errors of invalid configurations or topologies.
	ErrConfiguration = distributed.ErrConfiguration
)
