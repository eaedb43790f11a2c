// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package zero

import (
	"k8s.io/klog/v2"
)

// DynamicGradScaler implements dynamic loss scaling: the loss is multiplied by Scale before backward, and the
// gradients divided by it before the update.
//
// After Hysteresis consecutive steps with non-finite gradients the scale is multiplied by BackoffFactor, and
// after GrowthInterval consecutive clean steps it is multiplied by GrowthFactor, always within
// [MinScale, MaxScale].
type DynamicGradScaler struct {
	scale          float64
	minScale       float64
	maxScale       float64
	growthFactor   float64
	backoffFactor  float64
	growthInterval int
	hysteresis     int
	growthStep     int
	hysteresisStep int
	numOverflows   int
}

// NewDynamicGradScaler creates a scaler with the loss scaling fields of the configuration.
func NewDynamicGradScaler(cfg Config) *DynamicGradScaler {
	return &DynamicGradScaler{
		scale:          cfg.InitialScale,
		minScale:       cfg.MinScale,
		maxScale:       cfg.MaxScale,
		growthFactor:   cfg.GrowthFactor,
		backoffFactor:  cfg.BackoffFactor,
		growthInterval: cfg.GrowthInterval,
		hysteresis:     cfg.Hysteresis,
	}
}

// Scale returns the current loss scale.
func (s *DynamicGradScaler) Scale() float64 { return s.scale }

// NumOverflows returns the number of steps with non-finite gradients seen so far.
func (s *DynamicGradScaler) NumOverflows() int { return s.numOverflows }

// Update the scale after a step, given whether non-finite gradients were found.
func (s *DynamicGradScaler) Update(overflow bool) {
	if overflow {
		s.numOverflows++
		s.growthStep = 0
		s.hysteresisStep++
		if s.hysteresisStep >= s.hysteresis {
			previous := s.scale
			s.scale = max(s.scale*s.backoffFactor, s.minScale)
			s.hysteresisStep = 0
			klog.Infof("gradient overflow: loss scale reduced from %g to %g", previous, s.scale)
		}
		return
	}
	s.growthStep++
	if s.growthStep >= s.growthInterval {
		s.growthStep = 0
		s.hysteresisStep = 0
		previous := s.scale
		s.scale = min(s.scale*s.growthFactor, s.maxScale)
		if s.scale != previous {
			klog.Infof("loss scale grown from %g to %g after %d steps without overflow", previous, s.scale, s.growthInterval)
		}
	}
}
