package launch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortAllocatorDisjointAllocations(t *testing.T) {
	a := NewPortAllocator()
	seen := make(map[int]bool)
	for i := 0; i < 16; i++ {
		port, err := a.Allocate()
		require.NoError(t, err)
		assert.False(t, seen[port], "port %d handed out twice", port)
		seen[port] = true
	}
}

func TestPortAllocatorReleaseAllowsReuse(t *testing.T) {
	a := NewPortAllocator()
	port, err := a.Allocate()
	require.NoError(t, err)
	a.Release(port)

	a.mu.Lock()
	_, stillTracked := a.inUse[port]
	a.mu.Unlock()
	assert.False(t, stillTracked)
}
