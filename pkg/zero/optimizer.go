// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package zero implements a zero-redundancy (ZeRO) optimizer: it wraps a step-based base optimizer and
// shards its state, and optionally the gradients, across the ranks of the data-parallel group, while
// remaining compatible with parameters sharded across a tensor-parallel group.
//
// Each training step goes through:
//
//  1. Optimizer.Backward(ctx, loss): scales the loss and runs the model's backward. Every parameter reported
//     ready (Optimizer.GradientReady) is appended to a gradient bucket, and full buckets are reduced (averaged)
//     across the data-parallel group, possibly asynchronously.
//  2. Optimizer.SyncGrad(ctx): waits for all reductions and checks the gradients for overflow.
//  3. Optimizer.Step(ctx): runs the base optimizer on the fp32 master copy of the elements owned by the
//     rank, and all-gathers the updated values back into the parameters.
//
// Every rank of the world must run the same sequence of calls.
package zero

import (
	"context"
	"fmt"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/zero/pkg/core/collective"
	"github.com/gomlx/zero/pkg/core/distributed"
	"github.com/gomlx/zero/pkg/core/tensors"
	"github.com/gomlx/zero/pkg/launch"
	"github.com/gomlx/zero/pkg/ml/optimizer"
	"github.com/gomlx/zero/pkg/ml/param"
	"github.com/gomlx/zero/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Loss is the scalar computed by the model, whose backward pass accumulates the gradients of the parameters.
type Loss interface {
	// Value of the loss, unscaled.
	Value() float32

	// Backward accumulates into the parameters' gradient slots the gradient of scale*loss, calling ready for
	// each parameter as soon as its gradient is complete.
	Backward(ctx context.Context, scale float32, ready func(p *param.Parameter) error) error
}

// Phase of the training step.
type Phase int

const (
	// PhaseIdle is the phase before Backward, and after Step.
	PhaseIdle Phase = iota

	// PhaseBackward is the phase after Backward, before SyncGrad.
	PhaseBackward

	// PhaseSynced is the phase after SyncGrad, before Step.
	PhaseSynced
)

var phaseNames = []string{"Idle", "Backward", "Synced"}

// String implements fmt.Stringer.
func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("Phase(%d)", int(p))
	}
	return phaseNames[p]
}

// Optimizer is the zero-redundancy optimizer of one rank. It is not safe for concurrent use.
type Optimizer struct {
	cfg      Config
	base     optimizer.Interface
	topology *distributed.ProcessTopology
	dpGroup  *collective.Group
	tpGroup  *collective.Group

	shards  []*Shard // In registration order.
	byParam map[*param.Parameter]*Shard
	reducer *BucketReducer
	scaler  *DynamicGradScaler

	phase    Phase
	reported sets.Set[*param.Parameter]
	overflow bool
	lastNorm float64
	numSteps int

	// err is set by a failed collective: the optimizer can't be used afterward.
	err error
}

// New creates a zero-redundancy optimizer wrapping base.
//
// The parameters in the base optimizer's groups are replaced by fp32 master copies of the elements owned by
// the local data-parallel rank, so the base optimizer only creates state for those.
//
// The parameters must share the same topology, which defines the data-parallel group the state is sharded
// over. Parameters without a topology use the env's default topology; env can be nil if all parameters
// have one.
func New(env *launch.Env, base optimizer.Interface, cfg Config) (*Optimizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var params []*param.Parameter
	seen := sets.Make[*param.Parameter]()
	for _, group := range base.ParamGroups() {
		for _, p := range group.Params {
			if seen.InsertNew(p) {
				params = append(params, p)
			}
		}
	}
	if len(params) == 0 {
		return nil, errors.Wrap(ErrConfiguration, "zero.New: base optimizer has no parameters")
	}

	var topology *distributed.ProcessTopology
	for _, p := range params {
		t := p.Topology()
		if t == nil {
			continue
		}
		if topology == nil {
			topology = t
		} else if !topology.Equivalent(t) {
			return nil, errors.Wrapf(ErrConfiguration, "zero.New: parameter %q topology %s differs from %s",
				p.Name(), t, topology)
		}
	}
	if topology == nil {
		if env == nil {
			return nil, errors.Wrap(ErrConfiguration, "zero.New: parameters have no topology and no launch environment was given")
		}
		topology = env.Topology()
	}

	o := &Optimizer{
		cfg:      cfg,
		base:     base,
		topology: topology,
		dpGroup:  topology.DPProcessGroup(),
		tpGroup:  topology.TPProcessGroup(),
		byParam:  make(map[*param.Parameter]*Shard, len(params)),
		reported: sets.Make[*param.Parameter](len(params)),
		scaler:   NewDynamicGradScaler(cfg),
	}
	if cfg.MaxInflight > 0 {
		topology.World().Stream(topology.Rank()).SetMaxParallelism(cfg.MaxInflight)
	}
	o.reducer = NewBucketReducer(o.dpGroup, cfg.ReduceBucketSize, cfg.PartitionGrad, cfg.OverlapCommunication)

	partitioner := NewPartitioner(o.dpGroup.Rank(), o.dpGroup.Size()).WithTensorParallel(o.tpGroup.Size())
	for i, p := range params {
		s := partitioner.Shard(i, p, cfg.PartitionGrad)
		o.shards = append(o.shards, s)
		o.byParam[p] = s
	}
	for _, group := range base.ParamGroups() {
		// Params may be the caller's slice, as in Done(params...).
		group.Params = slices.Clone(group.Params)
		for i, p := range group.Params {
			group.Params[i] = o.byParam[p].Master
		}
	}
	if klog.V(1).Enabled() {
		total := 0
		for _, s := range o.shards {
			total += s.Numel()
		}
		klog.Infof("rank %d: zero optimizer over dp group %v: %d parameters, owns %s of %s (fp32 masters)",
			topology.Rank(), o.DPGlobalRanks(), len(o.shards),
			humanize.IBytes(uint64(TotalOwned(o.shards)*bytesPerElement)), humanize.IBytes(uint64(total*bytesPerElement)))
	}
	return o, nil
}

// LocalRank returns the rank within the data-parallel group.
func (o *Optimizer) LocalRank() int { return o.dpGroup.Rank() }

// WorldSize returns the size of the data-parallel group.
func (o *Optimizer) WorldSize() int { return o.dpGroup.Size() }

// DPGlobalRanks returns the global ranks of the data-parallel group.
func (o *Optimizer) DPGlobalRanks() []int { return o.dpGroup.GlobalRanks() }

// DPGroup returns the data-parallel group the state and gradients are sharded over.
func (o *Optimizer) DPGroup() *collective.Group { return o.dpGroup }

// MPGroup returns the model-parallel (tensor-parallel) group, used to agree on overflows and gradient norms.
func (o *Optimizer) MPGroup() *collective.Group { return o.tpGroup }

// Topology returns the topology of the parameters.
func (o *Optimizer) Topology() *distributed.ProcessTopology { return o.topology }

// LossScale returns the current loss scale.
func (o *Optimizer) LossScale() float64 { return o.scaler.Scale() }

// Phase returns the current phase of the training step.
func (o *Optimizer) Phase() Phase { return o.phase }

// Shards returns the shards of the parameters, in registration order.
func (o *Optimizer) Shards() []*Shard { return o.shards }

// NumFlushes returns the number of gradient buckets reduced so far.
func (o *Optimizer) NumFlushes() int { return o.reducer.NumFlushes() }

// NumSteps returns the number of steps applied, not counting the ones skipped due to overflow.
func (o *Optimizer) NumSteps() int { return o.numSteps }

// LastGradNorm returns the global gradient norm of the last step, if ClipGradNorm is set.
func (o *Optimizer) LastGradNorm() float64 { return o.lastNorm }

// Base returns the wrapped optimizer.
func (o *Optimizer) Base() optimizer.Interface { return o.base }

// checkPhase returns an ErrSequencing error if the optimizer is not in the given phase, or the stored
// error of a failed collective.
func (o *Optimizer) checkPhase(method string, want Phase) error {
	if o.err != nil {
		return o.err
	}
	if o.phase != want {
		return errors.Wrapf(ErrSequencing, "%s called in phase %s, it requires phase %s", method, o.phase, want)
	}
	return nil
}

// fail records collective errors, so the optimizer can't be used again.
func (o *Optimizer) fail(err error) error {
	if err != nil && errors.Is(err, ErrCollective) && o.err == nil {
		o.err = errors.WithMessage(err, "zero optimizer is unusable after a collective failure")
		klog.Errorf("rank %d: %v", o.topology.Rank(), err)
	}
	return err
}

// Backward scales the loss and runs its backward pass. Gradients reported ready are reduced in buckets.
// It must be called in PhaseIdle: calling it twice without a Step returns an error wrapping ErrSequencing.
func (o *Optimizer) Backward(ctx context.Context, loss Loss) error {
	if err := o.checkPhase("Backward", PhaseIdle); err != nil {
		return err
	}
	o.phase = PhaseBackward
	clear(o.reported)
	scale := float32(o.scaler.Scale())
	err := loss.Backward(ctx, scale, func(p *param.Parameter) error {
		return o.GradientReady(ctx, p)
	})
	if err != nil {
		return o.fail(errors.WithMessage(err, "zero optimizer backward"))
	}
	return o.fail(o.reducer.Flush(ctx))
}

// GradientReady is called by the model runtime, during Backward, when the gradient of p is complete.
// Each parameter can be reported at most once per step.
func (o *Optimizer) GradientReady(ctx context.Context, p *param.Parameter) error {
	if err := o.checkPhase("GradientReady", PhaseBackward); err != nil {
		return err
	}
	s, found := o.byParam[p]
	if !found {
		return errors.Errorf("GradientReady: parameter %q is not managed by the optimizer", p.Name())
	}
	if !o.reported.InsertNew(p) {
		return errors.Wrapf(ErrSequencing, "GradientReady: parameter %q reported twice in the same step", p.Name())
	}
	return o.fail(o.reducer.Add(ctx, s))
}

// SyncGrad blocks until all the gradients are reduced, and checks them for non-finite values across the
// data-parallel and tensor-parallel groups. It must be called after Backward and before Step.
//
// Parameters not reported ready during Backward are reduced as zero gradients, in reverse order.
func (o *Optimizer) SyncGrad(ctx context.Context) error {
	if err := o.checkPhase("SyncGrad", PhaseBackward); err != nil {
		return err
	}
	for i := len(o.shards) - 1; i >= 0; i-- {
		s := o.shards[i]
		if o.reported.Has(s.Param) {
			continue
		}
		s.Param.ZeroGrad()
		if err := o.reducer.Add(ctx, s); err != nil {
			return o.fail(err)
		}
	}
	if err := o.reducer.Flush(ctx); err != nil {
		return o.fail(err)
	}
	if err := o.reducer.Wait(); err != nil {
		return o.fail(err)
	}

	flag := []float32{0}
	for _, s := range o.shards {
		if tensors.HasNonFinite(s.ownedGrad()) {
			flag[0] = 1
			break
		}
	}
	for _, group := range []*collective.Group{o.dpGroup, o.tpGroup} {
		if group.Size() == 1 {
			continue
		}
		if err := group.AllReduce(ctx, collective.Max, flag); err != nil {
			return o.fail(errors.WithMessage(err, "checking gradients overflow"))
		}
	}
	o.overflow = flag[0] > 0
	o.phase = PhaseSynced
	return nil
}

// Step updates the parameters, unless non-finite gradients were found by SyncGrad, in which case the step
// is skipped, the loss scale is reduced and overflow is true. In both cases the gradients are cleared
// and the optimizer goes back to PhaseIdle.
//
// The base optimizer updates the master copies of the owned elements, which are then all-gathered over
// the data-parallel group and written back to the parameters, rounded to their dtype.
func (o *Optimizer) Step(ctx context.Context) (overflow bool, err error) {
	if err := o.checkPhase("Step", PhaseSynced); err != nil {
		return false, err
	}
	defer func() {
		if o.err == nil {
			o.clearGradients()
			o.phase = PhaseIdle
		}
	}()
	if o.overflow {
		o.scaler.Update(true)
		klog.Warningf("rank %d: non-finite gradients, skipping step (loss scale now %g)", o.topology.Rank(), o.scaler.Scale())
		return true, nil
	}

	invScale := float32(1 / o.scaler.Scale())
	for _, s := range o.shards {
		grad := s.ownedGrad()
		if grad == nil {
			grad = make([]float32, s.Owned.Len())
		}
		master := tensors.FromFlat(grad, s.Owned.Len())
		tensors.Scale(invScale, master.Data())
		s.Master.Grad = master
	}
	if o.cfg.ClipGradNorm > 0 {
		o.lastNorm, err = o.clipGradients(ctx, o.cfg.ClipGradNorm)
		if err != nil {
			return false, o.fail(err)
		}
	}
	if err := o.base.Step(); err != nil {
		// Some masters may be updated already, and they are never gathered back.
		err = errors.WithMessage(err, "base optimizer step")
		o.err = errors.WithMessage(err, "zero optimizer is unusable after a failed step")
		klog.Errorf("rank %d: %v", o.topology.Rank(), err)
		return false, err
	}
	if err := o.gatherParameters(ctx); err != nil {
		return false, o.fail(err)
	}
	o.scaler.Update(false)
	o.numSteps++
	return false, nil
}

// gatherParameters all-gathers the updated masters over the data-parallel group, with one collective for
// all parameters, and writes them back into the parameters.
func (o *Optimizer) gatherParameters(ctx context.Context) error {
	local := make([]float32, 0, TotalOwned(o.shards))
	for _, s := range o.shards {
		local = append(local, s.Master.Value.Data()...)
	}
	counts := make([]int, o.dpGroup.Size())
	for _, s := range o.shards {
		for rank, rng := range s.Ranges {
			counts[rank] += rng.Len()
		}
	}
	gathered, err := o.dpGroup.AllGather(ctx, local, counts)
	if err != nil {
		return errors.WithMessage(err, "gathering updated parameters")
	}
	offset := 0
	for rank := range counts {
		for _, s := range o.shards {
			rng := s.Ranges[rank]
			offset += copy(s.Param.Value.Data()[rng.Start:rng.End], gathered[offset:offset+rng.Len()])
		}
	}
	for _, s := range o.shards {
		s.Param.Value.Round()
	}
	return nil
}

// clearGradients of the parameters, the reduced gradients and the masters.
func (o *Optimizer) clearGradients() {
	for _, s := range o.shards {
		s.Param.ZeroGrad()
		s.Master.Grad = nil
		s.clearGrad()
	}
}

// ZeroGrad clears all gradients. It can only be called in PhaseIdle.
func (o *Optimizer) ZeroGrad() error {
	if err := o.checkPhase("ZeroGrad", PhaseIdle); err != nil {
		return err
	}
	o.clearGradients()
	return nil
}

// Err returns the error of a failed collective, after which the optimizer can't be used, or nil.
func (o *Optimizer) Err() error { return o.err }
