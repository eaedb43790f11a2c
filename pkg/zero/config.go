// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package zero

import (
	"github.com/pkg/errors"
)

// Config of the Optimizer. Use DefaultConfig and change the fields needed.
type Config struct {
	// OverlapCommunication issues the reduction of each gradient bucket asynchronously, so it overlaps with the
	// rest of the backward pass. SyncGrad waits for them. Default false.
	OverlapCommunication bool

	// PartitionGrad reduce-scatters the gradients instead of all-reducing them, so each rank keeps only
	// the gradients of the elements it owns. Default false.
	PartitionGrad bool

	// InitialScale of the loss. Default 2^16.
	InitialScale float64

	// MinScale and MaxScale bound the dynamic loss scale. Default 1 and 2^32.
	MinScale, MaxScale float64

	// GrowthFactor multiplies the scale after GrowthInterval consecutive steps without overflow.
	// Defaults 2 and 1000.
	GrowthFactor   float64
	GrowthInterval int

	// BackoffFactor multiplies the scale after Hysteresis consecutive overflows. Defaults 0.5 and 1.
	BackoffFactor float64
	Hysteresis    int

	// ReduceBucketSize is the capacity in bytes of a gradient bucket. Gradients are reduced as float32.
	// Default 4 MiB.
	ReduceBucketSize int

	// ClipGradNorm, if > 0, clips the gradients so that their global L2 norm is at most this value.
	// Default 0.
	ClipGradNorm float64

	// MaxInflight limits the number of asynchronous bucket reductions in flight per rank. 0 means no limit.
	MaxInflight int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		InitialScale:     1 << 16,
		MinScale:         1,
		MaxScale:         1 << 32,
		GrowthFactor:     2,
		GrowthInterval:   1000,
		BackoffFactor:    0.5,
		Hysteresis:       1,
		ReduceBucketSize: 4 << 20,
	}
}

// Validate the configuration. Errors wrap ErrConfiguration.
func (c *Config) Validate() error {
	switch {
	case c.InitialScale <= 0:
		return errors.Wrapf(ErrConfiguration, "InitialScale=%g must be > 0", c.InitialScale)
	case c.MinScale <= 0 || c.MaxScale < c.MinScale:
		return errors.Wrapf(ErrConfiguration, "invalid scale bounds MinScale=%g, MaxScale=%g", c.MinScale, c.MaxScale)
	case c.InitialScale < c.MinScale || c.InitialScale > c.MaxScale:
		return errors.Wrapf(ErrConfiguration, "InitialScale=%g out of bounds [%g, %g]", c.InitialScale, c.MinScale, c.MaxScale)
	case c.GrowthFactor < 1:
		return errors.Wrapf(ErrConfiguration, "GrowthFactor=%g must be >= 1", c.GrowthFactor)
	case c.BackoffFactor <= 0 || c.BackoffFactor > 1:
		return errors.Wrapf(ErrConfiguration, "BackoffFactor=%g must be in (0, 1]", c.BackoffFactor)
	case c.GrowthInterval <= 0:
		return errors.Wrapf(ErrConfiguration, "GrowthInterval=%d must be > 0", c.GrowthInterval)
	case c.Hysteresis <= 0:
		return errors.Wrapf(ErrConfiguration, "Hysteresis=%d must be > 0", c.Hysteresis)
	case c.ReduceBucketSize < 4:
		return errors.Wrapf(ErrConfiguration, "ReduceBucketSize=%d must hold at least one float32", c.ReduceBucketSize)
	case c.ClipGradNorm < 0:
		return errors.Wrapf(ErrConfiguration, "ClipGradNorm=%g must be >= 0", c.ClipGradNorm)
	case c.MaxInflight < 0:
		return errors.Wrapf(ErrConfiguration, "MaxInflight=%d must be >= 0", c.MaxInflight)
	}
	return nil
}
