package optimizer

import (
	"math"
	"testing"

	"github.com/gomlx/zero/pkg/core/tensors"
	"github.com/gomlx/zero/pkg/ml/param"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdam(t *testing.T) {
	p := param.New("x", tensors.FromValue([]float32{1, -2}))
	unused := param.New("unused", tensors.Zeros(3))
	opt := Adam().LearningRate(0.1).Betas(0.9, 0.999).Epsilon(1e-8).Done(p, unused)
	assert.Equal(t, 0, opt.StateSize())

	p.Grad = tensors.FromValue([]float32{0.5, -4})
	require.NoError(t, opt.Step())
	// The first Adam step moves each value by lr * sign(grad) (up to epsilon).
	assert.InDelta(t, 0.9, p.Value.Data()[0], 1e-6)
	assert.InDelta(t, -1.9, p.Value.Data()[1], 1e-6)
	// State is only created for parameters with gradients.
	assert.Equal(t, 4, opt.StateSize())

	// Second step, compared to a direct computation.
	p.Grad = tensors.FromValue([]float32{1, 0})
	require.NoError(t, opt.Step())
	m := 0.9*0.05 + 0.1*1.0
	v := 0.999*0.001*0.25 + 0.001*1.0
	want := 0.9 - 0.1/(1-0.81)*m/(math.Sqrt(v)/math.Sqrt(1-0.999*0.999)+1e-8)
	assert.InDelta(t, want, p.Value.Data()[0], 1e-6)

	opt.Clear()
	assert.Equal(t, 0, opt.StateSize())
	assert.Len(t, opt.ParamGroups(), 1)

	p.Grad = tensors.Zeros(5)
	require.Error(t, opt.Step())
}

func TestAdamGroups(t *testing.T) {
	a := param.New("a", tensors.FromValue([]float32{0}))
	b := param.New("b", tensors.FromValue([]float32{0}))
	opt := Adam().LearningRate(0.1).DoneWithGroups(
		&ParamGroup{Params: []*param.Parameter{a}},
		&ParamGroup{Params: []*param.Parameter{b}, LearningRate: 0.5})
	a.Grad = tensors.FromValue([]float32{1})
	b.Grad = tensors.FromValue([]float32{1})
	require.NoError(t, opt.Step())
	assert.InDelta(t, -0.1, a.Value.Data()[0], 1e-6)
	assert.InDelta(t, -0.5, b.Value.Data()[0], 1e-6)
	assert.Equal(t, 2, TotalSize(opt.ParamGroups()))
}

func TestSGD(t *testing.T) {
	p := param.New("x", tensors.FromValue([]float32{1, 1}))
	opt := StochasticGradientDescent().WithLearningRate(0.5).Done(p)
	p.Grad = tensors.FromValue([]float32{1, -2})
	require.NoError(t, opt.Step())
	assert.Equal(t, []float32{0.5, 2}, p.Value.Data())
	assert.Equal(t, 0, opt.StateSize())

	q := param.New("y", tensors.FromValue([]float32{0}))
	opt = StochasticGradientDescent().WithLearningRate(1).WithMomentum(0.5).Done(q)
	q.Grad = tensors.FromValue([]float32{1})
	require.NoError(t, opt.Step())
	require.NoError(t, opt.Step())
	// velocity: 1, then 0.5*1+1 = 1.5.
	assert.Equal(t, []float32{-2.5}, q.Value.Data())
	assert.Equal(t, 1, opt.StateSize())
}
