// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizer implements step-based optimizers (Adam, SGD) that update parameters in place
// from their gradient slots.
//
// Optimizers hold their parameters in ParamGroups, and create their per-parameter state (e.g. Adam's
// moments) lazily, on the first Step that touches a parameter. A wrapper like the ZeRO optimizer can
// replace the parameters of the groups (e.g. with fp32 master shards) before the first Step without
// changing the update rule.
package optimizer

import (
	"github.com/gomlx/zero/pkg/ml/param"
)

// Interface implemented by step-based optimizers.
type Interface interface {
	// Step updates the value of every parameter of the groups that has a gradient.
	// Parameters whose Grad is nil are skipped.
	Step() error

	// ParamGroups returns the parameter groups. The groups are owned by the optimizer, but their Params can be
	// replaced before the first Step.
	ParamGroups() []*ParamGroup

	// StateSize returns the number of float32 values of optimizer state currently allocated.
	StateSize() int

	// Clear deletes all the optimizer state. It's recreated on the next Step.
	Clear()
}

// ParamGroup is a set of parameters optimized with the same hyperparameters.
type ParamGroup struct {
	// Params updated by the optimizer.
	Params []*param.Parameter

	// LearningRate of the group. If <= 0, the optimizer's learning rate is used.
	LearningRate float64
}

// learningRate of the group, or the default.
func (g *ParamGroup) learningRate(defaultLR float64) float64 {
	if g.LearningRate > 0 {
		return g.LearningRate
	}
	return defaultLR
}

// TotalSize returns the number of elements of all parameters of the groups.
func TotalSize(groups []*ParamGroup) int {
	total := 0
	for _, group := range groups {
		for _, p := range group.Params {
			total += p.Size()
		}
	}
	return total
}
