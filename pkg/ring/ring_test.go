package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushOverwritesOldest(t *testing.T) {
	r := New[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	require.Equal(t, 3, r.Len())
	assert.Equal(t, []int{3, 4, 5}, r.Snapshot())
	assert.Equal(t, []int{4, 5}, r.Tail(2))
	assert.Equal(t, []int{3, 4, 5}, r.Tail(10))
	assert.Nil(t, r.Tail(0))
}

func TestPushReportsEviction(t *testing.T) {
	r := New[string](2)
	assert.False(t, r.Push("a"))
	assert.False(t, r.Push("b"))
	assert.True(t, r.Push("c"))
}

func TestPopFront(t *testing.T) {
	r := New[int](2)
	r.Push(1)
	r.Push(2)
	r.Push(3)

	v, ok := r.PopFront()
	require.True(t, ok)
	assert.Equal(t, 2, v)
	v, ok = r.PopFront()
	require.True(t, ok)
	assert.Equal(t, 3, v)
	_, ok = r.PopFront()
	assert.False(t, ok)

	r.Push(9)
	assert.Equal(t, []int{9}, r.Snapshot())
}

func TestZeroCapacity(t *testing.T) {
	r := New[int](0)
	r.Push(1)
	r.Push(2)
	assert.Equal(t, []int{2}, r.Snapshot())
}
