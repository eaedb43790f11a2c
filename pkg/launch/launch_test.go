package launch

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/gomlx/zero/pkg/core/collective"
	"github.com/gomlx/zero/pkg/core/distributed"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
parallel:
  data: 2
  tensor:
    size: 2
    mode: 1d
`))
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Parallel.Data)
	assert.Equal(t, 2, cfg.Parallel.Tensor.Size)
	assert.Equal(t, TensorParallelMode1D, cfg.Parallel.Tensor.Mode)

	fromMap, err := ConfigFromMap(map[string]any{
		"parallel": map[string]any{"data": 2, "tensor": map[string]any{"size": 2, "mode": "1d"}},
	})
	require.NoError(t, err)
	assert.Equal(t, cfg, fromMap)

	for _, empty := range []string{"", "# defaults only\n"} {
		cfg, err := ParseConfig([]byte(empty))
		require.NoError(t, err, "config %q", empty)
		assert.Equal(t, DefaultConfig(), cfg)
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("parallel:\n  data: 4\n"), 0o644))
	fromFile, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 4, fromFile.Parallel.Data)
	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, distributed.ErrConfiguration)

	for name, yamlText := range map[string]string{
		"unknown field":     "parallel:\n  pipeline: 2\n",
		"negative data":     "parallel:\n  data: -1\n",
		"unknown mode":      "parallel:\n  tensor:\n    size: 2\n    mode: 2d\n",
		"size without mode": "parallel:\n  tensor:\n    size: 2\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfig([]byte(yamlText))
			require.ErrorIs(t, err, distributed.ErrConfiguration)
		})
	}
}

func TestLaunch(t *testing.T) {
	port := must.M1(FreePort())
	cfg := must.M1(ConfigFromMap(map[string]any{
		"parallel": map[string]any{"data": 2, "tensor": map[string]any{"size": 2, "mode": "1d"}},
	}))
	env0 := must.M1(Launch(0, 4, "localhost", port, cfg))
	env3 := must.M1(Launch(3, 4, "localhost", port, cfg))
	assert.Same(t, env0.World(), env3.World())
	assert.Equal(t, env0.RunID(), env3.RunID())
	assert.Equal(t, 3, env3.Rank())
	assert.Equal(t, 4, env3.WorldSize())
	assert.Equal(t, "localhost", env3.Host())
	assert.Equal(t, port, env3.Port())
	assert.Equal(t, env0.Addr(), env3.Addr())
	assert.Equal(t, []int{1, 3}, env3.Topology().DPGroupRanks())
	assert.Equal(t, []int{2, 3}, env3.Topology().TPGroupRanks())

	// Same rank twice.
	_, err := Launch(0, 4, "localhost", port, cfg)
	require.ErrorIs(t, err, distributed.ErrConfiguration)
	// Different world size on the same address.
	_, err = Launch(1, 2, "localhost", port, cfg)
	require.ErrorIs(t, err, distributed.ErrConfiguration)
	// Degrees not matching the world size.
	_, err = Launch(0, 3, "localhost", must.M1(FreePort()), cfg)
	require.ErrorIs(t, err, distributed.ErrConfiguration)

	// Once all ranks are closed, the address can be reused for a new world.
	env1 := must.M1(Launch(1, 4, "localhost", port, cfg))
	env2 := must.M1(Launch(2, 4, "localhost", port, cfg))
	for _, env := range []*Env{env0, env1, env2, env3} {
		env.Close()
	}
	envNew := must.M1(Launch(0, 4, "localhost", port, cfg))
	assert.NotEqual(t, env0.RunID(), envNew.RunID())
}

func TestSpawn(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()

	var count atomic.Int32
	err := Spawn(ctx, 4, nil, func(ctx context.Context, env *Env) error {
		count.Add(1)
		assert.Equal(t, 4, env.Topology().DPWorldSize())
		buf := []float32{float32(env.Rank())}
		if err := env.Topology().DPProcessGroup().AllReduce(ctx, collective.Sum, buf); err != nil {
			return err
		}
		assert.Equal(t, float32(6), buf[0])
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(4), count.Load())

	t.Run("failure aborts peers", func(t *testing.T) {
		err := Spawn(ctx, 2, nil, func(ctx context.Context, env *Env) error {
			if env.Rank() == 1 {
				return errors.New("out of memory")
			}
			// Rank 0 blocks on a collective rank 1 never joins.
			return env.Topology().DPProcessGroup().Barrier(ctx)
		})
		require.Error(t, err)
	})

	t.Run("panic", func(t *testing.T) {
		err := Spawn(ctx, 2, nil, func(ctx context.Context, env *Env) error {
			if env.Rank() == 0 {
				panic("bad shape")
			}
			return env.Topology().DPProcessGroup().Barrier(ctx)
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "bad shape")
	})
}
