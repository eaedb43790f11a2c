package initializer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInitializers(t *testing.T) {
	assert.Equal(t, []float32{0, 0}, Zero(2).Data())
	assert.Equal(t, []float32{1, 1, 1}, One(3).Data())

	values := LinearDefault(NewRNG(1), 16)(4, 16)
	assert.Equal(t, []int{4, 16}, values.Shape())
	for _, v := range values.Data() {
		assert.True(t, v >= -0.25 && v < 0.25, "value %g out of range", v)
	}

	// Same seed, same values.
	assert.Equal(t, Normal(NewRNG(7), 1)(10).Data(), Normal(NewRNG(7), 1)(10).Data())
	assert.NotEqual(t, Normal(NewRNG(7), 1)(10).Data(), Normal(NewRNG(8), 1)(10).Data())
}
