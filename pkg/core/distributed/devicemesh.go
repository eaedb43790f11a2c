// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"fmt"
	"slices"
	"strings"
	"unicode"

	"github.com/gomlx/zero/pkg/support/sets"
	"github.com/pkg/errors"
)

// DeviceMesh is a grid of ranks (one device per rank) along named axes, e.g. {"data": 2, "tensor": 2}.
//
// Mesh positions are numbered in row-major order: the last axis is the innermost. By default the rank
// at position i is i, see SetLogicalDeviceAssignment to change it.
type DeviceMesh struct {
	axes    []string
	sizes   []int
	strides []int
	axisIdx map[string]int

	// ranks[i] is the rank at mesh position i, nil for the identity assignment.
	ranks []int
}

// validAxisName reports whether name is an identifier: a letter or '_' followed by letters, digits or '_'.
func validAxisName(name string) bool {
	for i, r := range name {
		if r != '_' && !unicode.IsLetter(r) && (i == 0 || !unicode.IsDigit(r)) {
			return false
		}
	}
	return name != ""
}

// NewDeviceMesh creates a mesh with the given axes sizes and names.
func NewDeviceMesh(axesSizes []int, axesNames []string) (*DeviceMesh, error) {
	if len(axesSizes) != len(axesNames) {
		return nil, errors.Errorf("NewDeviceMesh: got %d axes sizes for %d axes names", len(axesSizes), len(axesNames))
	}
	if len(axesSizes) == 0 {
		return nil, errors.New("NewDeviceMesh: a mesh needs at least one axis")
	}
	m := &DeviceMesh{
		axes:    slices.Clone(axesNames),
		sizes:   slices.Clone(axesSizes),
		strides: make([]int, len(axesSizes)),
		axisIdx: make(map[string]int, len(axesNames)),
	}
	stride := 1
	for i := len(axesSizes) - 1; i >= 0; i-- {
		name, size := axesNames[i], axesSizes[i]
		if !validAxisName(name) {
			return nil, errors.Errorf("NewDeviceMesh: invalid axis name %q", name)
		}
		if _, dup := m.axisIdx[name]; dup {
			return nil, errors.Errorf("NewDeviceMesh: axis %q given more than once", name)
		}
		if size <= 0 {
			return nil, errors.Errorf("NewDeviceMesh: axis %q has size %d, it must be > 0", name, size)
		}
		m.axisIdx[name] = i
		m.strides[i] = stride
		stride *= size
	}
	return m, nil
}

// NumDevices in the mesh, the product of the axes sizes.
func (m *DeviceMesh) NumDevices() int { return m.strides[0] * m.sizes[0] }

// Rank is the number of axes of the mesh.
func (m *DeviceMesh) Rank() int { return len(m.axes) }

// AxesNames returns a copy of the names of the axes.
func (m *DeviceMesh) AxesNames() []string { return slices.Clone(m.axes) }

// AxesSizes returns a copy of the sizes of the axes.
func (m *DeviceMesh) AxesSizes() []int { return slices.Clone(m.sizes) }

// AxisSize returns the size of the named axis.
func (m *DeviceMesh) AxisSize(axisName string) (int, error) {
	i, ok := m.axisIdx[axisName]
	if !ok {
		return 0, errors.Errorf("mesh axis %q not found in %s", axisName, m)
	}
	return m.sizes[i], nil
}

func (m *DeviceMesh) String() string {
	parts := make([]string, len(m.axes))
	for i, name := range m.axes {
		parts[i] = fmt.Sprintf("%s: %d", name, m.sizes[i])
	}
	return fmt.Sprintf("DeviceMesh(axesSizes={%s})", strings.Join(parts, ", "))
}

// SetLogicalDeviceAssignment places ranks[i] at mesh position i. It must be a permutation of 0..NumDevices-1.
func (m *DeviceMesh) SetLogicalDeviceAssignment(ranks ...int) error {
	n := m.NumDevices()
	if len(ranks) != n {
		return errors.Errorf("SetLogicalDeviceAssignment: got %d ranks for a mesh of %d devices", len(ranks), n)
	}
	seen := sets.Make[int](n)
	for _, r := range ranks {
		if r < 0 || r >= n {
			return errors.Errorf("SetLogicalDeviceAssignment: rank %d out of range [0, %d)", r, n)
		}
		if !seen.InsertNew(r) {
			return errors.Errorf("SetLogicalDeviceAssignment: rank %d assigned twice", r)
		}
	}
	m.ranks = slices.Clone(ranks)
	return nil
}

// LogicalDeviceAssignment returns the ranks at each mesh position, or nil for the identity assignment.
func (m *DeviceMesh) LogicalDeviceAssignment() []int { return slices.Clone(m.ranks) }

func (m *DeviceMesh) rankAt(pos int) int {
	if m.ranks == nil {
		return pos
	}
	return m.ranks[pos]
}

// axesIndices resolves axis names, rejecting unknown or repeated ones.
func (m *DeviceMesh) axesIndices(axes []string) ([]int, error) {
	indices := make([]int, len(axes))
	for i, name := range axes {
		idx, ok := m.axisIdx[name]
		if !ok {
			return nil, errors.Errorf("mesh axis %q not found in %s", name, m)
		}
		if slices.Contains(indices[:i], idx) {
			return nil, errors.Errorf("mesh axis %q given more than once", name)
		}
		indices[i] = idx
	}
	return indices, nil
}

// ComputeReplicaGroups returns the groups of ranks that vary only along the given axes: one group per
// combination of the indices of the other axes, in row-major order. Within a group, ranks are ordered
// row-major over axes, in the order given.
//
// An empty axes list yields one group per rank.
func (m *DeviceMesh) ComputeReplicaGroups(axes []string) ([][]int, error) {
	indices, err := m.axesIndices(axes)
	if err != nil {
		return nil, err
	}
	groupSize := 1
	for _, idx := range indices {
		groupSize *= m.sizes[idx]
	}
	numDevices := m.NumDevices()
	groups := make([][]int, 0, numDevices/groupSize)
	groupOf := make(map[int]int, numDevices/groupSize)
	for pos := range numDevices {
		// base is the position with the group axes zeroed, it identifies the group.
		base, inGroup := pos, 0
		for _, idx := range indices {
			coord := (pos / m.strides[idx]) % m.sizes[idx]
			base -= coord * m.strides[idx]
			inGroup = inGroup*m.sizes[idx] + coord
		}
		g, found := groupOf[base]
		if !found {
			g = len(groups)
			groupOf[base] = g
			groups = append(groups, make([]int, groupSize))
		}
		groups[g][inGroup] = m.rankAt(pos)
	}
	return groups, nil
}

// RankToMesh returns the mesh position of rank, both flat and per axis.
func (m *DeviceMesh) RankToMesh(rank int) (flatIdx int, axisIndices []int, err error) {
	flatIdx = rank
	if m.ranks != nil {
		flatIdx = slices.Index(m.ranks, rank)
	}
	if flatIdx < 0 || flatIdx >= m.NumDevices() {
		return 0, nil, errors.Errorf("rank %d not in %s", rank, m)
	}
	axisIndices = make([]int, len(m.sizes))
	for i := range m.sizes {
		axisIndices[i] = (flatIdx / m.strides[i]) % m.sizes[i]
	}
	return flatIdx, axisIndices, nil
}

// GroupOf returns the replica group, along axes, that holds rank.
func (m *DeviceMesh) GroupOf(rank int, axes []string) ([]int, error) {
	if _, _, err := m.RankToMesh(rank); err != nil {
		return nil, err
	}
	groups, err := m.ComputeReplicaGroups(axes)
	if err != nil {
		return nil, err
	}
	for _, group := range groups {
		if slices.Contains(group, rank) {
			return group, nil
		}
	}
	return nil, errors.Errorf("rank %d not found in the groups of axes %v", rank, axes)
}
