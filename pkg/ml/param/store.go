// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package param

import (
	"context"

	"github.com/gomlx/zero/pkg/core/distributed"
	"github.com/gomlx/zero/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Store creates and shards the parameters of a model under a topology.
//
// It must be used by one goroutine (the rank's), and every rank of the tensor-parallel group must
// create and shard the same parameters with the same initial values.
type Store struct {
	topology *distributed.ProcessTopology
	params   []*Parameter
	byName   map[string]*Parameter
}

// NewStore creates an empty store of parameters for the given topology.
func NewStore(topology *distributed.ProcessTopology) *Store {
	return &Store{
		topology: topology,
		byName:   make(map[string]*Parameter),
	}
}

// Topology of the parameters of the store.
func (s *Store) Topology() *distributed.ProcessTopology { return s.topology }

// Add creates a new parameter with the given initial value, not sharded.
// The value is owned by the parameter afterward.
func (s *Store) Add(name string, value *tensors.Tensor) (*Parameter, error) {
	if _, found := s.byName[name]; found {
		return nil, errors.Errorf("parameter %q already exists in the store", name)
	}
	p := New(name, value)
	p.topology = s.topology
	s.params = append(s.params, p)
	s.byName[name] = p
	return p, nil
}

// Get returns the parameter with the given name, or nil.
func (s *Store) Get(name string) *Parameter {
	return s.byName[name]
}

// Parameters returns the parameters in the order they were added.
func (s *Store) Parameters() []*Parameter {
	return append([]*Parameter(nil), s.params...)
}

// SplitRow splits the parameter along its first axis across the tensor-parallel group.
func (s *Store) SplitRow(p *Parameter) error {
	return s.Shard(p, distributed.ShardRow)
}

// SplitCol splits the parameter along its last axis across the tensor-parallel group.
func (s *Store) SplitCol(p *Parameter) error {
	return s.Shard(p, distributed.ShardCol)
}

// Shard keeps in p only its slice for the local rank of the tensor-parallel group: rank i keeps the
// contiguous slice i of TPWorldSize equal slices along the given axis.
//
// It returns an error wrapping distributed.ErrShardSize if the dimension is not divisible by the
// tensor-parallel world size. The gradient slot is cleared.
func (s *Store) Shard(p *Parameter, axis distributed.ShardAxis) error {
	if s.byName[p.name] != p {
		return errors.Errorf("parameter %q doesn't belong to this store", p.name)
	}
	if p.IsSharded() {
		return errors.Errorf("parameter %q is already sharded along %s", p.name, p.shardAxis)
	}
	if axis == distributed.NotSharded {
		return nil
	}
	if s.topology == nil {
		return errors.Wrapf(distributed.ErrConfiguration, "sharding parameter %q: the store has no topology", p.name)
	}
	numShards := s.topology.TPWorldSize()
	if _, err := axis.ShardShape(p.Value.Shape(), numShards); err != nil {
		return errors.WithMessagef(err, "sharding parameter %q", p.name)
	}
	shard, err := p.Value.Split(axis.Axis(p.Value.Rank()), numShards, s.topology.TPLocalRank())
	if err != nil {
		return errors.Wrapf(distributed.ErrShardSize, "sharding parameter %q: %v", p.name, err)
	}
	p.logicalShape = p.Value.Shape()
	p.Value = shard
	p.Grad = nil
	p.shardAxis = axis
	klog.V(1).Infof("rank %d: sharded %s", s.topology.Rank(), p)
	return nil
}

// Gather returns the full (logical) value of the parameter, all-gathering the shards across the
// tensor-parallel group. It is a collective operation: every rank of the group must call it.
//
// For parameters not sharded it returns a copy of the value.
func (s *Store) Gather(ctx context.Context, p *Parameter) (*tensors.Tensor, error) {
	if !p.IsSharded() {
		return p.Value.Clone(), nil
	}
	group := s.topology.TPProcessGroup()
	numShards := group.Size()
	shardSize := p.Value.Size()
	counts := make([]int, numShards)
	for i := range counts {
		counts[i] = shardSize
	}
	gathered, err := group.AllGather(ctx, p.Value.Data(), counts)
	if err != nil {
		return nil, errors.WithMessagef(err, "gathering parameter %q", p.name)
	}
	shardShape := p.Value.Shape()
	parts := make([]*tensors.Tensor, numShards)
	for i := range parts {
		parts[i] = tensors.FromFlat(gathered[i*shardSize:(i+1)*shardSize], shardShape...).AsDType(p.DType())
	}
	return tensors.Concat(p.shardAxis.Axis(len(shardShape)), parts...), nil
}
