package distributed_test

import (
	"fmt"
	"slices"
	"testing"

	"github.com/gomlx/zero/pkg/core/collective"
	"github.com/gomlx/zero/pkg/core/distributed"
	"github.com/gomlx/zero/pkg/support/sets"
	"github.com/google/go-cmp/cmp"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessTopology(t *testing.T) {
	world := must.M1(collective.NewWorld(4))
	topo := must.M1(distributed.NewProcessTopology(world, 3, 2, 2))
	assert.Equal(t, 3, topo.Rank())
	assert.Equal(t, 4, topo.WorldSize())
	assert.Equal(t, 1, topo.DPLocalRank())
	assert.Equal(t, 1, topo.TPLocalRank())
	assert.Equal(t, 2, topo.DPWorldSize())
	assert.Equal(t, 2, topo.TPWorldSize())
	if diff := cmp.Diff([]int{1, 3}, topo.DPGroupRanks()); diff != "" {
		t.Errorf("DPGroupRanks() mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{2, 3}, topo.TPGroupRanks()); diff != "" {
		t.Errorf("TPGroupRanks() mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 2, topo.DPProcessGroup().Size())
	assert.Equal(t, 1, topo.DPProcessGroup().Rank())
	assert.Equal(t, 1, topo.TPProcessGroup().Rank())

	// Inferred degrees.
	inferred := must.M1(distributed.NewProcessTopology(world, 3, 0, 2))
	assert.Equal(t, 2, inferred.DPWorldSize())
	assert.True(t, topo.Equivalent(inferred))
	inferred = must.M1(distributed.NewProcessTopology(world, 3, 0, 0))
	assert.Equal(t, 4, inferred.DPWorldSize())
	assert.Equal(t, 1, inferred.TPWorldSize())
	assert.False(t, topo.Equivalent(inferred))
}

func TestProcessTopologyErrors(t *testing.T) {
	world := must.M1(collective.NewWorld(4))
	tests := []struct {
		name         string
		rank, dp, tp int
	}{
		{"product mismatch", 0, 2, 3},
		{"too large", 0, 4, 2},
		{"negative", 0, -2, -2},
		{"rank out of range", 4, 2, 2},
		{"tp not dividing world", 0, 0, 3},
		{"dp not dividing world", 0, 3, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := distributed.NewProcessTopology(world, tt.rank, tt.dp, tt.tp)
			require.ErrorIs(t, err, distributed.ErrConfiguration)
		})
	}
	_, err := distributed.NewProcessTopology(nil, 0, 1, 1)
	require.ErrorIs(t, err, distributed.ErrConfiguration)
}

// TestProcessTopologyPartition checks, for every valid factorization of a range of world sizes, that the
// local ranks are unique within their groups and that the groups of each axis partition the ranks.
func TestProcessTopologyPartition(t *testing.T) {
	for worldSize := 1; worldSize <= 8; worldSize++ {
		for dp := 1; dp <= worldSize; dp++ {
			if worldSize%dp != 0 {
				continue
			}
			tp := worldSize / dp
			t.Run(fmt.Sprintf("world=%d_dp=%d_tp=%d", worldSize, dp, tp), func(t *testing.T) {
				world := must.M1(collective.NewWorld(worldSize))
				topos := make([]*distributed.ProcessTopology, worldSize)
				for rank := range worldSize {
					topos[rank] = must.M1(distributed.NewProcessTopology(world, rank, dp, tp))
				}
				checkPartition(t, "dp", worldSize, dp, topos,
					func(topo *distributed.ProcessTopology) []int { return topo.DPGroupRanks() },
					func(topo *distributed.ProcessTopology) int { return topo.DPLocalRank() })
				checkPartition(t, "tp", worldSize, tp, topos,
					func(topo *distributed.ProcessTopology) []int { return topo.TPGroupRanks() },
					func(topo *distributed.ProcessTopology) int { return topo.TPLocalRank() })
				for rank, topo := range topos {
					assert.Equal(t, rank, topo.DPLocalRank()*tp+topo.TPLocalRank())
				}
			})
		}
	}
}

func checkPartition(t *testing.T, axis string, worldSize, groupSize int, topos []*distributed.ProcessTopology,
	groupRanks func(*distributed.ProcessTopology) []int, localRank func(*distributed.ProcessTopology) int) {
	t.Helper()
	groups := make(map[string][]int)
	for rank, topo := range topos {
		ranks := groupRanks(topo)
		require.Len(t, ranks, groupSize, "%s group of rank %d", axis, rank)
		require.Equal(t, rank, ranks[localRank(topo)], "%s local rank of rank %d", axis, rank)
		groups[fmt.Sprint(ranks)] = ranks
	}
	covered := sets.Make[int](worldSize)
	for _, ranks := range groups {
		seenLocal := sets.Make[int](len(ranks))
		for _, r := range ranks {
			require.True(t, covered.InsertNew(r), "rank %d appears in more than one %s group", r, axis)
			require.True(t, seenLocal.InsertNew(localRank(topos[r])), "%s local rank repeated in group %v", axis, ranks)
		}
	}
	all := sets.Sorted(covered)
	want := make([]int, worldSize)
	for i := range want {
		want[i] = i
	}
	require.True(t, slices.Equal(want, all), "%s groups don't cover all ranks: %v", axis, all)
}
