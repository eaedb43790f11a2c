package param_test

import (
	"context"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/zero/pkg/core/distributed"
	"github.com/gomlx/zero/pkg/core/dtypes"
	"github.com/gomlx/zero/pkg/core/tensors"
	"github.com/gomlx/zero/pkg/launch"
	"github.com/gomlx/zero/pkg/ml/param"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomTensor(rng *rand.Rand, dims ...int) *tensors.Tensor {
	t := tensors.Zeros(dims...)
	for i := range t.Data() {
		t.Data()[i] = rng.Float32()*2 - 1
	}
	return t
}

func TestParameter(t *testing.T) {
	p := param.New("w", tensors.New(dtypes.Float16, 2, 2))
	assert.Equal(t, "w", p.Name())
	assert.Equal(t, dtypes.Float16, p.DType())
	assert.True(t, p.IsReplicatedOutput())
	assert.False(t, p.IsSharded())
	assert.Nil(t, p.Topology())
	p.SetOutputReplicate(false)
	assert.False(t, p.IsReplicatedOutput())

	p.AccumulateGrad(tensors.Full(1, 2, 2))
	p.AccumulateGrad(tensors.Full(2, 2, 2))
	assert.Equal(t, []float32{3, 3, 3, 3}, p.Grad.Data())
	assert.Equal(t, dtypes.Float16, p.Grad.DType())

	// Float16 gradients overflow to infinity.
	p.AccumulateGrad(tensors.Full(7e4, 2, 2))
	assert.True(t, p.Grad.HasNonFinite())
	p.ZeroGrad()
	assert.Nil(t, p.Grad)
	assert.Panics(t, func() { p.AccumulateGrad(tensors.Zeros(4)) })
}

func TestStoreRoundTrip(t *testing.T) {
	cfg := must.M1(launch.ConfigFromMap(map[string]any{
		"parallel": map[string]any{"data": 2, "tensor": map[string]any{"size": 2, "mode": "1d"}},
	}))
	err := launch.Spawn(context.Background(), 4, cfg, func(ctx context.Context, env *launch.Env) error {
		rng := rand.New(rand.NewPCG(42, 0))
		store := param.NewStore(env.Topology())
		original := randomTensor(rng, 8, 6)

		row := must.M1(store.Add("row", original.Clone()))
		col := must.M1(store.Add("col", original.Clone()))
		replicated := must.M1(store.Add("bias", tensors.Full(1, 6)))
		_, err := store.Add("row", original.Clone())
		assert.Error(t, err, "duplicate name")

		if err := store.SplitRow(row); err != nil {
			return err
		}
		if err := store.SplitCol(col); err != nil {
			return err
		}
		assert.Equal(t, []int{4, 6}, row.Value.Shape())
		assert.Equal(t, []int{8, 3}, col.Value.Shape())
		assert.Equal(t, []int{8, 6}, row.LogicalShape())
		assert.Equal(t, distributed.ShardRow, row.ShardAxis())
		assert.Equal(t, distributed.ShardCol, col.ShardAxis())
		assert.Same(t, env.Topology(), row.Topology())
		assert.Error(t, store.SplitCol(row), "already sharded")

		// Rank i of the tensor-parallel group holds slice i.
		tpRank := env.Topology().TPLocalRank()
		wantRow := must.M1(original.Split(0, 2, tpRank))
		assert.Equal(t, wantRow.Data(), row.Value.Data())

		for _, p := range []*param.Parameter{row, col, replicated} {
			gathered, err := store.Gather(ctx, p)
			if err != nil {
				return err
			}
			want := original
			if p == replicated {
				want = tensors.Full(1, 6)
			}
			assert.True(t, tensors.AllClose(want, gathered, 1e-3, 1e-4), "round trip of %s", p)
		}
		assert.Equal(t, []*param.Parameter{row, col, replicated}, store.Parameters())
		assert.Same(t, col, store.Get("col"))
		return nil
	})
	require.NoError(t, err)
}

func TestStoreShardSize(t *testing.T) {
	cfg := must.M1(launch.ConfigFromMap(map[string]any{
		"parallel": map[string]any{"tensor": map[string]any{"size": 4, "mode": "1d"}},
	}))
	err := launch.Spawn(context.Background(), 4, cfg, func(ctx context.Context, env *launch.Env) error {
		store := param.NewStore(env.Topology())
		p := must.M1(store.Add("w", tensors.Zeros(6, 8)))
		err := store.SplitRow(p)
		assert.ErrorIs(t, err, distributed.ErrShardSize)
		assert.False(t, p.IsSharded())
		assert.Equal(t, []int{6, 8}, p.Value.Shape())

		// Without a topology there is no tensor-parallel group to shard over.
		local := param.NewStore(nil)
		q := must.M1(local.Add("q", tensors.Zeros(4, 4)))
		assert.ErrorIs(t, local.SplitRow(q), distributed.ErrConfiguration)
		assert.ErrorIs(t, local.SplitCol(q), distributed.ErrConfiguration)
		assert.False(t, q.IsSharded())

		other := param.NewStore(env.Topology())
		assert.Error(t, other.SplitCol(p), "parameter of another store")

		if err := store.SplitCol(p); err != nil {
			return err
		}
		assert.Equal(t, []int{6, 2}, p.Value.Shape())
		return nil
	})
	require.NoError(t, err)
}
