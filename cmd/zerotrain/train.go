// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gomlx/zero/pkg/core/collective"
	"github.com/gomlx/zero/pkg/core/dtypes"
	"github.com/gomlx/zero/pkg/core/tensors"
	"github.com/gomlx/zero/pkg/launch"
	"github.com/gomlx/zero/pkg/ml/initializer"
	"github.com/gomlx/zero/pkg/ml/nn"
	"github.com/gomlx/zero/pkg/ml/optimizer"
	"github.com/gomlx/zero/pkg/ml/param"
	"github.com/gomlx/zero/pkg/zero"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// runStats are collected by rank 0 at the end of the training.
type runStats struct {
	runID                string
	worldSize, dp, tp    int
	numParams            int
	ownedParams          int
	stateSize            int
	numFlushes, numSteps int
	finalScale           float64
	elapsed              time.Duration
}

// trainer runs the training of every rank, and collects the metrics of rank 0.
type trainer struct {
	opts    *options
	zeroCfg zero.Config
	dtype   dtypes.DType

	mu      sync.Mutex
	metrics *metrics
	stats   runStats
	bar     *progressbar.ProgressBar
}

func newTrainer(opts *options, zeroCfg zero.Config, dtype dtypes.DType) *trainer {
	return &trainer{
		opts:    opts,
		zeroCfg: zeroCfg,
		dtype:   dtype,
		metrics: &metrics{},
	}
}

// run spawns all ranks and blocks until they are done.
func (tr *trainer) run(ctx context.Context, cfg *launch.Config) error {
	start := time.Now()
	if !tr.opts.quiet {
		tr.bar = newProgressBar(tr.opts.steps, !tr.opts.noColor)
	}
	err := launch.Spawn(ctx, tr.opts.worldSize, cfg, tr.trainRank)
	if tr.bar != nil {
		_ = tr.bar.Finish()
		fmt.Println()
	}
	tr.stats.elapsed = time.Since(start)
	return err
}

// sinLabels returns sin(x) elementwise, the function the model learns.
func sinLabels(x *tensors.Tensor) *tensors.Tensor {
	labels := x.Clone()
	for i, v := range labels.Data() {
		labels.Data()[i] = float32(math.Sin(float64(v)))
	}
	return labels
}

// trainRank is the training loop of one rank.
func (tr *trainer) trainRank(ctx context.Context, env *launch.Env) error {
	opts := tr.opts
	topo := env.Topology()
	store := param.NewStore(topo)
	model, err := nn.NewMLP(store, opts.features, opts.hidden, initializer.NewRNG(opts.seed), tr.dtype)
	if err != nil {
		return err
	}
	if topo.TPWorldSize() > 1 {
		if err := model.ShardTensorParallel(store); err != nil {
			return err
		}
	}
	base := optimizer.Adam().LearningRate(opts.learningRate).Done(model.Parameters()...)
	opt, err := zero.New(env, base, tr.zeroCfg)
	if err != nil {
		return err
	}

	// Each data-parallel replica sees different data.
	rng := initializer.NewRNG(opts.seed + 1 + uint64(topo.DPLocalRank()))
	sampler := initializer.Uniform(rng, -math.Pi, math.Pi)
	lossBuf := []float32{0}
	for step := range opts.steps {
		x := sampler(opts.batchSize, opts.features)
		out, err := model.Forward(ctx, x)
		if err != nil {
			return err
		}
		loss, err := out.MeanSquaredError(sinLabels(x))
		if err != nil {
			return err
		}
		lossBuf[0] = loss.Value()
		scale := opt.LossScale()
		if err := opt.Backward(ctx, loss); err != nil {
			return err
		}
		if err := opt.SyncGrad(ctx); err != nil {
			return err
		}
		overflow, err := opt.Step(ctx)
		if err != nil {
			return err
		}
		if err := topo.DPProcessGroup().AllReduce(ctx, collective.Avg, lossBuf); err != nil {
			return err
		}
		if env.Rank() == 0 {
			tr.metrics.add(step, lossBuf[0], scale, overflow, opt.LastGradNorm())
			if tr.bar != nil {
				tr.bar.Describe(fmt.Sprintf("loss=%.4g scale=%g", lossBuf[0], opt.LossScale()))
				_ = tr.bar.Add(1)
			}
		}
	}

	klog.V(1).Infof("rank %d: done after %d steps (%d skipped), %d bucket flushes",
		env.Rank(), opts.steps, opts.steps-opt.NumSteps(), opt.NumFlushes())
	if env.Rank() == 0 {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		tr.stats = runStats{
			runID:       env.RunID().String(),
			worldSize:   env.WorldSize(),
			dp:          topo.DPWorldSize(),
			tp:          topo.TPWorldSize(),
			numParams:   2*opts.features*opts.hidden + opts.hidden + opts.features,
			ownedParams: zero.TotalOwned(opt.Shards()),
			stateSize:   opt.Base().StateSize(),
			numFlushes:  opt.NumFlushes(),
			numSteps:    opt.NumSteps(),
			finalScale:  opt.LossScale(),
		}
	}
	return nil
}
