package sets

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet(t *testing.T) {
	s := Make[int](10)
	assert.Len(t, s, 0)

	s.Insert(7, 3)
	assert.Len(t, s, 2)
	assert.True(t, s.Has(3))
	assert.True(t, s.Has(7))
	assert.False(t, s.Has(5))
	assert.Equal(t, []int{3, 7}, Sorted(s))
}

func TestInsertNew(t *testing.T) {
	s := Make[int]()
	assert.True(t, s.InsertNew(0, 1))
	assert.False(t, s.InsertNew(2, 1))
	assert.Equal(t, []int{0, 1, 2}, Sorted(s))
	assert.False(t, s.InsertNew(3, 3))
}
