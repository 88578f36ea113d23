package rooms

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestColorAllocator(t *testing.T) {
	palette := []string{"a", "b", "c"}
	alloc := NewColorAllocator(palette)

	inUse := map[string]int{}
	assert.Equal(t, "a", alloc.Allocate(inUse, 0))

	inUse["a"] = 1
	inUse["c"] = 1
	assert.Equal(t, "b", alloc.Allocate(inUse, 2), "lowest free index")

	inUse["b"] = 1
	assert.Equal(t, "a", alloc.Allocate(inUse, 3))
	assert.Equal(t, "b", alloc.Allocate(inUse, 4))
}
