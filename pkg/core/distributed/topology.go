// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package distributed describes how the ranks of a world are organized for hybrid data-parallel and
// tensor-parallel training: the DeviceMesh of ranks, the ProcessTopology of one rank with its
// communication groups, and the ShardAxis of sharded parameters.
package distributed

import (
	"fmt"
	"slices"

	"github.com/gomlx/zero/pkg/core/collective"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Names of the axes of the mesh used by ProcessTopology.
const (
	DataAxis   = "data"
	TensorAxis = "tensor"
)

// ProcessTopology is the position of one rank in a 2D mesh of data-parallel × tensor-parallel ranks,
// along with its communication groups for each axis.
//
// The tensor axis is the innermost one: rank = dpLocalRank*tpWorldSize + tpLocalRank, so tensor-parallel
// groups are formed by consecutive ranks.
//
// It is immutable after creation and safe to share across goroutines.
type ProcessTopology struct {
	world    *collective.World
	mesh     *DeviceMesh
	rank     int
	dpDegree int
	tpDegree int

	dpLocalRank, tpLocalRank int
	dpGroup, tpGroup         *collective.Group
}

// NewProcessTopology creates the topology of rank in world, for the given data-parallel (dpDegree) and
// tensor-parallel (tpDegree) degrees.
//
// One of the degrees can be 0, in which case it is inferred from the other and the world size.
// It returns an error wrapping ErrConfiguration if dpDegree × tpDegree != world size, if any of them is
// negative, or if rank is out of range.
func NewProcessTopology(world *collective.World, rank, dpDegree, tpDegree int) (*ProcessTopology, error) {
	if world == nil {
		return nil, errors.Wrap(ErrConfiguration, "NewProcessTopology requires a world")
	}
	worldSize := world.Size()
	if rank < 0 || rank >= worldSize {
		return nil, errors.Wrapf(ErrConfiguration, "rank %d out of range for world size %d", rank, worldSize)
	}
	if dpDegree < 0 || tpDegree < 0 {
		return nil, errors.Wrapf(ErrConfiguration, "invalid negative degrees data=%d, tensor=%d", dpDegree, tpDegree)
	}
	switch {
	case dpDegree == 0 && tpDegree == 0:
		tpDegree = 1
		dpDegree = worldSize
	case dpDegree == 0:
		if worldSize%tpDegree != 0 {
			return nil, errors.Wrapf(ErrConfiguration, "world size %d not divisible by tensor-parallel degree %d",
				worldSize, tpDegree)
		}
		dpDegree = worldSize / tpDegree
	case tpDegree == 0:
		if worldSize%dpDegree != 0 {
			return nil, errors.Wrapf(ErrConfiguration, "world size %d not divisible by data-parallel degree %d",
				worldSize, dpDegree)
		}
		tpDegree = worldSize / dpDegree
	}
	if dpDegree*tpDegree != worldSize {
		return nil, errors.Wrapf(ErrConfiguration, "data-parallel degree (%d) × tensor-parallel degree (%d) != world size (%d)",
			dpDegree, tpDegree, worldSize)
	}

	mesh, err := NewDeviceMesh([]int{dpDegree, tpDegree}, []string{DataAxis, TensorAxis})
	if err != nil {
		return nil, errors.WithMessage(err, "NewProcessTopology")
	}
	t := &ProcessTopology{
		world:    world,
		mesh:     mesh,
		rank:     rank,
		dpDegree: dpDegree,
		tpDegree: tpDegree,
	}
	_, indices, err := mesh.RankToMesh(rank)
	if err != nil {
		return nil, err
	}
	t.dpLocalRank, t.tpLocalRank = indices[0], indices[1]

	dpRanks, err := mesh.GroupOf(rank, []string{DataAxis})
	if err != nil {
		return nil, err
	}
	if t.dpGroup, err = world.NewGroup(rank, dpRanks); err != nil {
		return nil, errors.WithMessage(err, "creating data-parallel group")
	}
	tpRanks, err := mesh.GroupOf(rank, []string{TensorAxis})
	if err != nil {
		return nil, err
	}
	if t.tpGroup, err = world.NewGroup(rank, tpRanks); err != nil {
		return nil, errors.WithMessage(err, "creating tensor-parallel group")
	}
	klog.V(1).Infof("rank %d: %s", rank, t)
	return t, nil
}

// World returns the world of the topology.
func (t *ProcessTopology) World() *collective.World { return t.world }

// Mesh returns the 2D mesh ({"data": dp, "tensor": tp}) of the topology.
func (t *ProcessTopology) Mesh() *DeviceMesh { return t.mesh }

// Rank returns the global rank.
func (t *ProcessTopology) Rank() int { return t.rank }

// WorldSize returns the total number of ranks.
func (t *ProcessTopology) WorldSize() int { return t.world.Size() }

// DPLocalRank returns the rank within the data-parallel group.
func (t *ProcessTopology) DPLocalRank() int { return t.dpLocalRank }

// TPLocalRank returns the rank within the tensor-parallel group.
func (t *ProcessTopology) TPLocalRank() int { return t.tpLocalRank }

// DPWorldSize returns the data-parallel degree.
func (t *ProcessTopology) DPWorldSize() int { return t.dpDegree }

// TPWorldSize returns the tensor-parallel degree.
func (t *ProcessTopology) TPWorldSize() int { return t.tpDegree }

// DPProcessGroup returns the group of ranks holding the same tensor-parallel slice of the model.
func (t *ProcessTopology) DPProcessGroup() *collective.Group { return t.dpGroup }

// TPProcessGroup returns the group of ranks holding the slices of the same model replica.
func (t *ProcessTopology) TPProcessGroup() *collective.Group { return t.tpGroup }

// DPGroupRanks returns the global ranks of the data-parallel group, in group order.
func (t *ProcessTopology) DPGroupRanks() []int { return t.dpGroup.GlobalRanks() }

// TPGroupRanks returns the global ranks of the tensor-parallel group, in group order.
func (t *ProcessTopology) TPGroupRanks() []int { return t.tpGroup.GlobalRanks() }

// Equivalent returns whether both topologies describe the same layout for the same rank of the same world.
func (t *ProcessTopology) Equivalent(other *ProcessTopology) bool {
	if t == other {
		return true
	}
	if t == nil || other == nil {
		return false
	}
	return t.world == other.world && t.rank == other.rank && t.dpDegree == other.dpDegree &&
		t.tpDegree == other.tpDegree && slices.Equal(t.DPGroupRanks(), other.DPGroupRanks())
}

// String implements fmt.Stringer.
func (t *ProcessTopology) String() string {
	return fmt.Sprintf("ProcessTopology(rank=%d/%d, dp=%d/%d %v, tp=%d/%d %v)",
		t.rank, t.WorldSize(), t.dpLocalRank, t.dpDegree, t.DPGroupRanks(),
		t.tpLocalRank, t.tpDegree, t.TPGroupRanks())
}
