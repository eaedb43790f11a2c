// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizer

import (
	"math"

	"github.com/gomlx/zero/pkg/ml/param"
	"github.com/pkg/errors"
)

const (
	// AdamDefaultLearningRate is the learning rate of Adam() until LearningRate is called.
	AdamDefaultLearningRate = 0.001

	// AdamDefaultEpsilon is used by Adam if no epsilon is set.
	AdamDefaultEpsilon = 1e-8
)

// Adam returns the configuration of an Adam optimizer ([Kingma et al., 2014](http://arxiv.org/abs/1412.6980)),
// which scales each step by running estimates of the first and second moments of the gradients.
//
// Set its hyperparameters with the builder methods, then call AdamConfig.Done with the parameters to optimize.
// Its moments are created lazily per parameter, so wrapping it with the zero-redundancy optimizer keeps them
// for the owned shards only.
func Adam() *AdamConfig {
	return &AdamConfig{
		learningRate: AdamDefaultLearningRate,
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      AdamDefaultEpsilon,
	}
}

// AdamConfig is the builder returned by Adam.
type AdamConfig struct {
	learningRate float64
	beta1, beta2 float64
	epsilon      float64
	weightDecay  float64 // Decoupled, as in AdamW.
}

// LearningRate sets the base learning rate. Default is 0.001.
func (c *AdamConfig) LearningRate(value float64) *AdamConfig {
	c.learningRate = value
	return c
}

// Betas are the decay rates of the moving averages of the gradients (numerator of the step) and of their
// squares (denominator). Defaults are 0.9 and 0.999.
func (c *AdamConfig) Betas(beta1, beta2 float64) *AdamConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon used on the denominator as a small constant for stability. Default is 1e-8.
func (c *AdamConfig) Epsilon(epsilon float64) *AdamConfig {
	c.epsilon = epsilon
	return c
}

// WeightDecay makes it AdamW: the parameters decay by lr*weightDecay on each step, outside the moments.
func (c *AdamConfig) WeightDecay(weightDecay float64) *AdamConfig {
	c.weightDecay = weightDecay
	return c
}

// Done will finish the configuration and construct an optimizer.Interface that implements Adam, with one
// parameter group holding params.
func (c *AdamConfig) Done(params ...*param.Parameter) Interface {
	return c.DoneWithGroups(&ParamGroup{Params: params})
}

// DoneWithGroups is like Done, but takes the parameter groups.
func (c *AdamConfig) DoneWithGroups(groups ...*ParamGroup) Interface {
	cfg := *c
	return &adam{
		config: &cfg,
		groups: groups,
		state:  make(map[*param.Parameter]*adamState),
	}
}

// adamState of one parameter.
type adamState struct {
	step     int
	mean     []float32 // First moment.
	variance []float32 // Second moment.
}

// adam implements the Adam algorithm as an optimizer.Interface.
type adam struct {
	config *AdamConfig
	groups []*ParamGroup
	state  map[*param.Parameter]*adamState
}

// ParamGroups implements optimizer.Interface.
func (o *adam) ParamGroups() []*ParamGroup {
	return o.groups
}

// StateSize implements optimizer.Interface.
func (o *adam) StateSize() int {
	total := 0
	for _, s := range o.state {
		total += len(s.mean) + len(s.variance)
	}
	return total
}

// Clear implements optimizer.Interface.
func (o *adam) Clear() {
	o.state = make(map[*param.Parameter]*adamState)
}

// Step implements optimizer.Interface.
func (o *adam) Step() error {
	cfg := o.config
	for groupIdx, group := range o.groups {
		lr := group.learningRate(cfg.learningRate)
		for _, p := range group.Params {
			if p.Grad == nil {
				continue
			}
			if p.Grad.Size() != p.Value.Size() {
				return errors.Errorf("adam: group #%d parameter %q has %d values but %d gradients",
					groupIdx, p.Name(), p.Value.Size(), p.Grad.Size())
			}
			s, found := o.state[p]
			if !found {
				s = &adamState{
					mean:     make([]float32, p.Size()),
					variance: make([]float32, p.Size()),
				}
				o.state[p] = s
			}
			s.step++
			debias1 := 1 - math.Pow(cfg.beta1, float64(s.step))
			debias2Sqrt := math.Sqrt(1 - math.Pow(cfg.beta2, float64(s.step)))
			stepSize := lr / debias1

			values, grads := p.Value.Data(), p.Grad.Data()
			for i, g32 := range grads {
				g := float64(g32)
				m := cfg.beta1*float64(s.mean[i]) + (1-cfg.beta1)*g
				v := cfg.beta2*float64(s.variance[i]) + (1-cfg.beta2)*g*g
				s.mean[i], s.variance[i] = float32(m), float32(v)
				x := float64(values[i])
				if cfg.weightDecay > 0 {
					x -= lr * cfg.weightDecay * x
				}
				denominator := math.Sqrt(v)/debias2Sqrt + cfg.epsilon
				values[i] = float32(x - stepSize*m/denominator)
			}
			p.Value.Round()
		}
	}
	return nil
}
