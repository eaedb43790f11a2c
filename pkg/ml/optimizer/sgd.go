// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizer

import (
	"github.com/gomlx/zero/pkg/core/tensors"
	"github.com/gomlx/zero/pkg/ml/param"
	"github.com/pkg/errors"
)

// SGDDefaultLearningRate is the default learning rate used by the StochasticGradientDescent optimizer.
const SGDDefaultLearningRate = 0.1

// SGDConfig holds the configuration of a StochasticGradientDescent optimizer.
type SGDConfig struct {
	learningRate float64
	momentum     float64
}

// StochasticGradientDescent creates an optimizer that updates params by p -= lr * grad, optionally with
// momentum (lr * velocity, with velocity = momentum * velocity + grad).
//
// Call SGDConfig.Done with the parameters to optimize.
func StochasticGradientDescent() *SGDConfig {
	return &SGDConfig{learningRate: SGDDefaultLearningRate}
}

// WithLearningRate sets the learning rate. Default is 0.1.
func (c *SGDConfig) WithLearningRate(learningRate float64) *SGDConfig {
	c.learningRate = learningRate
	return c
}

// WithMomentum sets the momentum. The default 0 disables it, and no state is kept.
func (c *SGDConfig) WithMomentum(momentum float64) *SGDConfig {
	c.momentum = momentum
	return c
}

// Done creates the optimizer with one parameter group holding params.
func (c *SGDConfig) Done(params ...*param.Parameter) Interface {
	return c.DoneWithGroups(&ParamGroup{Params: params})
}

// DoneWithGroups is like Done, but takes the parameter groups.
func (c *SGDConfig) DoneWithGroups(groups ...*ParamGroup) Interface {
	cfg := *c
	return &sgd{config: &cfg, groups: groups, velocity: make(map[*param.Parameter][]float32)}
}

type sgd struct {
	config   *SGDConfig
	groups   []*ParamGroup
	velocity map[*param.Parameter][]float32
}

// ParamGroups implements optimizer.Interface.
func (o *sgd) ParamGroups() []*ParamGroup { return o.groups }

// StateSize implements optimizer.Interface.
func (o *sgd) StateSize() int {
	total := 0
	for _, v := range o.velocity {
		total += len(v)
	}
	return total
}

// Clear implements optimizer.Interface.
func (o *sgd) Clear() {
	o.velocity = make(map[*param.Parameter][]float32)
}

// Step implements optimizer.Interface.
func (o *sgd) Step() error {
	for _, group := range o.groups {
		lr := float32(group.learningRate(o.config.learningRate))
		for _, p := range group.Params {
			if p.Grad == nil {
				continue
			}
			if p.Grad.Size() != p.Value.Size() {
				return errors.Errorf("sgd: parameter %q has %d values but %d gradients", p.Name(), p.Value.Size(), p.Grad.Size())
			}
			update := p.Grad.Data()
			if o.config.momentum > 0 {
				velocity, found := o.velocity[p]
				if !found {
					velocity = append([]float32(nil), update...)
					o.velocity[p] = velocity
				} else {
					tensors.Scale(float32(o.config.momentum), velocity)
					tensors.Axpy(1, update, velocity)
				}
				update = velocity
			}
			tensors.Axpy(-lr, update, p.Value.Data())
			p.Value.Round()
		}
	}
	return nil
}
